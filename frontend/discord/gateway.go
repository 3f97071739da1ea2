package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	engram "github.com/sorane/engram"
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Dispatch event names the session reacts to.
const (
	eventReady         = "READY"
	eventResumed       = "RESUMED"
	eventMessageCreate = "MESSAGE_CREATE"
)

// gatewayIntents: guilds, guild messages, direct messages, message content.
const gatewayIntents = 1<<0 | 1<<9 | 1<<12 | 1<<15

const defaultGatewayURL = "wss://gateway.discord.gg"

// MessageHandler consumes message events translated from the gateway.
// Handlers run on their own goroutine; a slow reply never stalls the
// connection's heartbeats.
type MessageHandler func(ctx context.Context, msg engram.IncomingMessage)

var (
	errReconnectRequested = errors.New("discord: gateway requested reconnect")
	errSessionInvalidated = errors.New("discord: gateway session invalidated")
)

// Session is the realtime side of the adapter: one Discord gateway
// websocket connection with identify, heartbeating, and resume. It
// translates MESSAGE_CREATE dispatches into engram.IncomingMessage and
// hands them to the configured handler.
type Session struct {
	token    string
	url      string
	activity string
	handler  MessageHandler
	logger   *slog.Logger
	dialer   *websocket.Dialer

	writeMu sync.Mutex

	// Resume state carried across redials.
	botID     string
	sessionID string
	resumeURL string
	seq       atomic.Int64
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// SessionLogger sets the logger.
func SessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// SessionURL overrides the gateway URL.
func SessionURL(u string) SessionOption {
	return func(s *Session) {
		if u != "" {
			s.url = u
		}
	}
}

// SessionActivity sets the presence activity sent with identify.
func SessionActivity(name string) SessionOption {
	return func(s *Session) { s.activity = name }
}

// SessionDialer replaces the websocket dialer.
func SessionDialer(d *websocket.Dialer) SessionOption {
	return func(s *Session) {
		if d != nil {
			s.dialer = d
		}
	}
}

// NewSession creates a gateway session authenticated as a bot. handler
// receives every non-gateway-internal message event.
func NewSession(token string, handler MessageHandler, opts ...SessionOption) *Session {
	s := &Session{
		token:   token,
		url:     defaultGatewayURL,
		handler: handler,
		logger:  nopLogger,
		dialer:  websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run maintains the connection until ctx is cancelled, redialing with
// exponential backoff after any disconnect. Returns nil on clean shutdown.
func (s *Session) Run(ctx context.Context) error {
	const maxDelay = time.Minute
	delay := time.Second
	for {
		started := time.Now()
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			delay = time.Second
		}
		s.logger.Warn("discord: gateway disconnected",
			"error", err, "retry_in", delay.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxDelay {
			delay = maxDelay
		}
	}
}

// connectOnce runs a single connection lifetime: dial, hello, identify or
// resume, then the read loop until the connection drops.
func (s *Session) connectOnce(ctx context.Context) error {
	resuming := s.sessionID != "" && s.resumeURL != ""
	url := s.url
	if resuming {
		url = s.resumeURL
	}

	conn, _, err := s.dialer.DialContext(ctx, url+"/?v=10&encoding=json", nil)
	if err != nil {
		return fmt.Errorf("discord: gateway dial: %w", err)
	}
	defer conn.Close()

	// Unblock the reader when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var hello gatewayEvent
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("discord: gateway hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("discord: gateway expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("discord: gateway hello payload: %w", err)
	}

	if resuming {
		err = s.send(conn, opResume, resumeData{
			Token:     s.token,
			SessionID: s.sessionID,
			Seq:       s.seq.Load(),
		})
	} else {
		err = s.send(conn, opIdentify, s.identifyPayload())
	}
	if err != nil {
		return fmt.Errorf("discord: gateway handshake: %w", err)
	}

	interval := time.Duration(hd.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	var acked atomic.Bool
	acked.Store(true)
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeat(hbCtx, conn, interval, &acked)

	for {
		var ev gatewayEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("discord: gateway read: %w", err)
		}
		switch ev.Op {
		case opDispatch:
			s.seq.Store(ev.S)
			s.dispatch(ctx, ev)
		case opHeartbeat:
			if err := s.sendHeartbeat(conn); err != nil {
				return fmt.Errorf("discord: gateway heartbeat: %w", err)
			}
		case opHeartbeatAck:
			acked.Store(true)
		case opReconnect:
			return errReconnectRequested
		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(ev.D, &resumable)
			if !resumable {
				s.sessionID = ""
				s.resumeURL = ""
				s.seq.Store(0)
			}
			return errSessionInvalidated
		}
	}
}

// heartbeat beats at the server's interval, starting after a random
// fraction of it. A missing ack between beats marks the connection as a
// zombie; closing it kicks the read loop into the redial path.
func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration, acked *atomic.Bool) {
	t := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !acked.Load() {
			s.logger.Warn("discord: gateway heartbeat ack missed")
			conn.Close()
			return
		}
		acked.Store(false)
		if err := s.sendHeartbeat(conn); err != nil {
			conn.Close()
			return
		}
		t.Reset(interval)
	}
}

func (s *Session) sendHeartbeat(conn *websocket.Conn) error {
	if seq := s.seq.Load(); seq > 0 {
		return s.send(conn, opHeartbeat, seq)
	}
	return s.send(conn, opHeartbeat, nil)
}

func (s *Session) send(conn *websocket.Conn, op int, d any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(gatewayEvent{Op: op, D: data})
}

func (s *Session) dispatch(ctx context.Context, ev gatewayEvent) {
	switch ev.T {
	case eventReady:
		var r readyData
		if err := json.Unmarshal(ev.D, &r); err != nil {
			s.logger.Error("discord: gateway ready payload", "error", err)
			return
		}
		s.sessionID = r.SessionID
		s.resumeURL = r.ResumeGatewayURL
		s.botID = r.User.ID
		s.logger.Info("discord: gateway ready",
			"session_id", r.SessionID, "bot_id", r.User.ID)
	case eventResumed:
		s.logger.Info("discord: gateway resumed", "session_id", s.sessionID)
	case eventMessageCreate:
		var m gatewayMessage
		if err := json.Unmarshal(ev.D, &m); err != nil {
			s.logger.Error("discord: gateway message payload", "error", err)
			return
		}
		if s.handler != nil {
			go s.handler(ctx, s.translate(m))
		}
	}
}

// translate maps a MESSAGE_CREATE payload to the core's inbound type.
func (s *Session) translate(m gatewayMessage) engram.IncomingMessage {
	msg := engram.IncomingMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		UserID:    m.Author.ID,
		UserName:  displayName(m.Author),
		Content:   m.Content,
		Timestamp: parseTimestamp(m.Timestamp),
		IsBot:     m.Author.Bot,
		IsDM:      m.GuildID == "",
	}
	for _, u := range m.Mentions {
		if u.ID == s.botID {
			msg.MentionsBot = true
			break
		}
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, engram.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			URL:         a.URL,
		})
	}
	return msg
}

func (s *Session) identifyPayload() identifyData {
	id := identifyData{
		Token:   s.token,
		Intents: gatewayIntents,
		Properties: identifyProperties{
			OS:      "linux",
			Browser: "engram",
			Device:  "engram",
		},
	}
	if s.activity != "" {
		id.Presence = &presenceData{
			Status:     "online",
			Activities: []activityData{{Name: s.activity, Type: 0}},
		}
	}
	return id
}

func displayName(u apiUser) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}
