package config

import (
	"fmt"
	"os"
	"strings"
)

// Secrets are never read from files. FromEnv validates the required set
// in one pass so operators see every missing variable at once.
type Secrets struct {
	DiscordToken        string
	DiscordClientID     string
	DiscordClientSecret string
	DiscordSigningKey   string
	BugReportChannelID  string
	BotOwnerID          string

	AnthropicAPIKey   string
	OpenAIAPIKey      string
	GoogleAPIKey      string
	BraveAPIKey       string
	VectorStoreAPIKey string
}

var requiredEnv = []string{
	"DISCORD_TOKEN",
	"DISCORD_CLIENT_ID",
	"DISCORD_CLIENT_SECRET",
	"DISCORD_SIGNING_KEY",
	"BUG_REPORT_CHANNEL_ID",
	"BOT_OWNER_ID",
}

// FromEnv loads secrets. The error names every missing required
// variable; callers treat it as fatal.
func FromEnv() (Secrets, error) {
	var missing []string
	for _, name := range requiredEnv {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Secrets{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return Secrets{
		DiscordToken:        os.Getenv("DISCORD_TOKEN"),
		DiscordClientID:     os.Getenv("DISCORD_CLIENT_ID"),
		DiscordClientSecret: os.Getenv("DISCORD_CLIENT_SECRET"),
		DiscordSigningKey:   os.Getenv("DISCORD_SIGNING_KEY"),
		BugReportChannelID:  os.Getenv("BUG_REPORT_CHANNEL_ID"),
		BotOwnerID:          os.Getenv("BOT_OWNER_ID"),
		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:        os.Getenv("GOOGLE_API_KEY"),
		BraveAPIKey:         os.Getenv("BRAVE_API_KEY"),
		VectorStoreAPIKey:   os.Getenv("VECTOR_STORE_API_KEY"),
	}, nil
}

// ProviderKey returns the API key for a provider registry name.
func (s Secrets) ProviderKey(provider string) string {
	switch provider {
	case "anthropic":
		return s.AnthropicAPIKey
	case "openai":
		return s.OpenAIAPIKey
	case "google", "gemini":
		return s.GoogleAPIKey
	default:
		return ""
	}
}
