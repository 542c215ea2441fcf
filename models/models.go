package models

import "time"

type User struct {
	ID            int64
	Login         string
	Password      string // hashed
	Location      string
	SecLevel      int
	ChatAvailable bool
	CreatedAt     time.Time
	LastOnline    time.Time
	LastOffline   time.Time
}

// ChatRecord is the persisted summary of one paired chat.
type ChatRecord struct {
	ID           string
	Initiator    string
	Recipient    string
	Status       string // "active", "ended", "declined", "timeout"
	RequestedAt  time.Time
	StartedAt    time.Time
	EndedAt      time.Time
	MessageCount int
}

type ChatLine struct {
	ID        int64
	ChatID    string
	Sender    string
	Recipient string
	Text      string
	Timestamp time.Time
}
