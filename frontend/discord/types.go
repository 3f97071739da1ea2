package discord

import "encoding/json"

// Wire types for the slice of the Discord REST and gateway APIs the
// adapter touches.

type apiMessage struct {
	ID          string          `json:"id"`
	ChannelID   string          `json:"channel_id"`
	GuildID     string          `json:"guild_id,omitempty"`
	Author      apiUser         `json:"author"`
	Content     string          `json:"content"`
	Timestamp   string          `json:"timestamp"` // RFC 3339
	Reactions   []apiReaction   `json:"reactions,omitempty"`
	Attachments []apiAttachment `json:"attachments,omitempty"`
}

type apiUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Bot        bool   `json:"bot,omitempty"`
}

type apiReaction struct {
	Count int      `json:"count"`
	Emoji apiEmoji `json:"emoji"`
}

type apiEmoji struct {
	ID   string `json:"id,omitempty"` // empty for unicode emoji
	Name string `json:"name"`
}

type apiAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// Discord channel type values.
const (
	chanGuildText          = 0
	chanDM                 = 1
	chanGuildVoice         = 2
	chanGroupDM            = 3
	chanGuildCategory      = 4
	chanGuildAnnouncement  = 5
	chanAnnouncementThread = 10
	chanPublicThread       = 11
	chanPrivateThread      = 12
	chanGuildStageVoice    = 13
)

type apiChannel struct {
	ID      string `json:"id"`
	Type    int    `json:"type"`
	GuildID string `json:"guild_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Gateway wire types. Every frame is one gatewayEvent; d's shape depends
// on the opcode and, for dispatches, the event name in t.

type gatewayEvent struct {
	Op int             `json:"op"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string  `json:"session_id"`
	ResumeGatewayURL string  `json:"resume_gateway_url"`
	User             apiUser `json:"user"`
}

// gatewayMessage is a MESSAGE_CREATE payload: a message plus the mention
// list the REST shape omits.
type gatewayMessage struct {
	apiMessage
	Mentions []apiUser `json:"mentions,omitempty"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
	Presence   *presenceData      `json:"presence,omitempty"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type presenceData struct {
	Status     string         `json:"status"`
	Activities []activityData `json:"activities"`
}

type activityData struct {
	Name string `json:"name"`
	Type int    `json:"type"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}
