package bbs

import (
	"time"

	"nodebbs/models"
)

// Transport is the outbound side of the connection layer. Implementations
// must not block: the Board calls them while holding its lock.
type Transport interface {
	Send(connID, pktType string, fields ...string)
	Broadcast(group, pktType string, fields ...string)
	Join(group, connID string)
	Leave(group, connID string)
	Close(connID string)
}

// UserStore is the identity provider and chat history sink.
type UserStore interface {
	AuthenticateUser(login, password string) (bool, error)
	UserExists(login string) (bool, error)
	CreateUser(login, password, location string) error
	GetUser(login string) (*models.User, error)
	SetChatAvailable(login string, available bool) error
	SetSecLevel(login string, level int) error
	UpdateLastOnline(login string, t time.Time) error
	UpdateLastOffline(login string, t time.Time) error
	SaveChatMessage(chatID, sender, recipient, text string, timestamp time.Time) error
	SaveChatRecord(rec models.ChatRecord) error
}

type Capability string

const (
	CapChat       Capability = "chat"
	CapOLM        Capability = "olm"
	CapWho        Capability = "who"
	CapConference Capability = "conference"
)

// Gate is the access-control predicate consulted at every entry point.
type Gate interface {
	Allowed(s *Session, c Capability) bool
}

// LevelGate allows a capability when the session's security level is at
// least the configured minimum. Unlisted capabilities need only a login.
type LevelGate map[Capability]int

func (g LevelGate) Allowed(s *Session, c Capability) bool {
	if s == nil || s.Identity == nil {
		return false
	}
	return s.Identity.SecLevel >= g[c]
}

// AllowAll admits every authenticated session.
type AllowAll struct{}

func (AllowAll) Allowed(s *Session, _ Capability) bool {
	return s != nil && s.Identity != nil
}
