// Package protocol defines the JSON frames exchanged over both websocket
// transports and the error codes reported in error frames.
package protocol

import (
	"encoding/json"
	"time"
)

// Client → server message types.
const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeClaim        = "claim"
	TypeRelease      = "release"
	TypeSendKeys     = "sendKeys"
	TypeHeartbeat    = "heartbeat"
	TypeListSessions = "listSessions"
)

// Server → client message types.
const (
	TypeConnected        = "connected"
	TypeSessions         = "sessions"
	TypeSessionCreated   = "sessionCreated"
	TypeSessionDestroyed = "sessionDestroyed"
	TypeOutput           = "output"
	TypePresence         = "presence"
	TypeClaimed          = "claimed"
	TypeReleased         = "released"
	TypeError            = "error"
)

// DefaultPane is used when a message omits the pane.
const DefaultPane = "0"

// ClientMessage is any frame sent by a client. Fields unused by a type are
// left empty.
type ClientMessage struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Pane    string `json:"pane,omitempty"`
	Keys    string `json:"keys,omitempty"`
}

// Session describes a tmux session on the wire.
type Session struct {
	Name     string    `json:"name"`
	Windows  int       `json:"windows"`
	Attached int       `json:"attached"`
	Created  time.Time `json:"created"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
}

// Claim is the wire form of an exclusive control grant.
type Claim struct {
	Session    string     `json:"session"`
	UserID     string     `json:"userId"`
	UserName   string     `json:"userName"`
	AcquiredAt time.Time  `json:"acquiredAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Presence states.
const (
	PresenceViewing     = "viewing"
	PresenceControlling = "controlling"
)

// PresenceUser is one de-duplicated user watching a session.
type PresenceUser struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Status   string `json:"status"`
}

// ServerMessage is any frame sent by the server.
type ServerMessage struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connectionId,omitempty"`
	User         *Identity      `json:"user,omitempty"`
	Session      string         `json:"session,omitempty"`
	Pane         string         `json:"pane,omitempty"`
	Content      string         `json:"content,omitempty"`
	Timestamp    *time.Time     `json:"timestamp,omitempty"`
	Sessions     []Session      `json:"sessions,omitempty"`
	Claims       []Claim        `json:"claims,omitempty"`
	SessionInfo  *Session       `json:"sessionInfo,omitempty"`
	Claim        *Claim         `json:"claim,omitempty"`
	Users        []PresenceUser `json:"users,omitempty"`
	ReleasedBy   string         `json:"releasedBy,omitempty"`
	Code         ErrorCode      `json:"code,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// MarshalJSON always writes content on output frames, so a cleared pane
// arrives as "" rather than a missing field.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	type plain ServerMessage
	if m.Type != TypeOutput {
		return json.Marshal(plain(m))
	}
	return json.Marshal(struct {
		plain
		Content string `json:"content"`
	}{plain(m), m.Content})
}

// ErrorFrame builds an error message.
func ErrorFrame(code ErrorCode, session, message string) ServerMessage {
	return ServerMessage{Type: TypeError, Code: code, Session: session, Message: message}
}
