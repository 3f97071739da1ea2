package engram

import (
	"context"
	"errors"
	"fmt"
)

// ChannelType mirrors the chat platform's channel kinds. Only the text
// distinction matters to the core; frontends map their native values.
type ChannelType int

const (
	ChannelText ChannelType = iota
	ChannelDM
	ChannelVoice
	ChannelCategory
	ChannelOther
)

// Channel is the slice of channel metadata the core needs.
type Channel struct {
	ID      string
	GuildID string
	Name    string
	Type    ChannelType
}

// IsText reports whether messages in this channel are worth capturing.
func (c Channel) IsText() bool {
	return c.Type == ChannelText || c.Type == ChannelDM
}

// ChatError is a failed chat-service call with its HTTP status.
type ChatError struct {
	Status  int
	Message string
}

func (e *ChatError) Error() string {
	return fmt.Sprintf("chat http %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the chat service.
func IsNotFound(err error) bool {
	var ce *ChatError
	return errors.As(err, &ce) && ce.Status == 404
}

// IsForbidden reports whether err is a 403 from the chat service.
func IsForbidden(err error) bool {
	var ce *ChatError
	return errors.As(err, &ce) && ce.Status == 403
}

// IsServerError reports whether err is a 5xx from the chat service.
func IsServerError(err error) bool {
	var ce *ChatError
	return errors.As(err, &ce) && ce.Status >= 500
}

// ChatService is the seam to the external chat platform. The core uses it
// to backfill message bodies, inspect channels, and deliver replies; the
// platform connection itself lives in a frontend package.
type ChatService interface {
	// FetchMessage retrieves the full message by id. Missing messages
	// return a *ChatError with status 404.
	FetchMessage(ctx context.Context, channelID, messageID string) (Message, error)
	// ChannelInfo returns channel metadata.
	ChannelInfo(ctx context.Context, channelID string) (Channel, error)
	// SendMessage posts content to a channel and returns the new message id.
	SendMessage(ctx context.Context, channelID, content string) (string, error)
	// SendFile uploads a binary artifact out-of-band.
	SendFile(ctx context.Context, channelID, filename string, data []byte) error
}
