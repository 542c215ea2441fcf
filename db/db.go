package db

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"nodebbs/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrNoRows = errors.New("no rows found")

// DefaultSecLevel is assigned to accounts created through new-user signup.
const DefaultSecLevel = 10

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL COLLATE NOCASE,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			initiator TEXT NOT NULL,
			recipient TEXT NOT NULL,
			status TEXT NOT NULL,
			requested_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT '',
			ended_at TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_initiator ON chat_sessions(initiator)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_recipient ON chat_sessions(recipient)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema revision.
func (db *DB) migrate() error {
	now := time.Now().UTC().Format(time.RFC3339)

	columns := []struct {
		name string
		ddl  string
	}{
		// SQLite doesn't support parameters in ALTER TABLE, use string concatenation
		{"last_online", "ALTER TABLE users ADD COLUMN last_online TEXT DEFAULT '" + now + "'"},
		{"last_offline", "ALTER TABLE users ADD COLUMN last_offline TEXT DEFAULT '" + now + "'"},
		{"location", "ALTER TABLE users ADD COLUMN location TEXT NOT NULL DEFAULT ''"},
		{"sec_level", "ALTER TABLE users ADD COLUMN sec_level INTEGER NOT NULL DEFAULT 10"},
		{"chat_available", "ALTER TABLE users ADD COLUMN chat_available INTEGER NOT NULL DEFAULT 1"},
		{"created_at", "ALTER TABLE users ADD COLUMN created_at TEXT DEFAULT '" + now + "'"},
	}

	for _, col := range columns {
		if db.columnExists("users", col.name) {
			continue
		}
		if _, err := db.conn.Exec(col.ddl); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods
func (db *DB) CreateUser(login, password, location string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = db.conn.Exec(
		`INSERT INTO users (login, password, location, sec_level, chat_available, created_at, last_online, last_offline)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
		login, string(hashed), location, DefaultSecLevel, now, now, now,
	)
	return err
}

func (db *DB) AuthenticateUser(login, password string) (bool, error) {
	var hashedPassword string
	err := db.conn.QueryRow("SELECT password FROM users WHERE login = ?", login).Scan(&hashedPassword)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil, nil
}

func (db *DB) UserExists(login string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) GetUser(login string) (*models.User, error) {
	var u models.User
	var available int
	var createdStr, onlineStr, offlineStr string
	err := db.conn.QueryRow(
		`SELECT id, login, password, location, sec_level, chat_available,
		        COALESCE(created_at, ''), COALESCE(last_online, ''), COALESCE(last_offline, '')
		 FROM users WHERE login = ?`,
		login,
	).Scan(&u.ID, &u.Login, &u.Password, &u.Location, &u.SecLevel, &available, &createdStr, &onlineStr, &offlineStr)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	u.ChatAvailable = available != 0
	u.CreatedAt = parseTime(createdStr)
	u.LastOnline = parseTime(onlineStr)
	u.LastOffline = parseTime(offlineStr)
	return &u, nil
}

func (db *DB) SetChatAvailable(login string, available bool) error {
	v := 0
	if available {
		v = 1
	}
	return db.execOne("UPDATE users SET chat_available = ? WHERE login = ?", v, login)
}

func (db *DB) SetSecLevel(login string, level int) error {
	return db.execOne("UPDATE users SET sec_level = ? WHERE login = ?", level, login)
}

// UpdateLastOnline updates user's last online timestamp
func (db *DB) UpdateLastOnline(login string, t time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET last_online = ? WHERE login = ?",
		t.UTC().Format(time.RFC3339), login,
	)
	return err
}

// UpdateLastOffline updates user's last offline timestamp
func (db *DB) UpdateLastOffline(login string, t time.Time) error {
	_, err := db.conn.Exec(
		"UPDATE users SET last_offline = ? WHERE login = ?",
		t.UTC().Format(time.RFC3339), login,
	)
	return err
}

// Chat methods
func (db *DB) SaveChatMessage(chatID, sender, recipient, text string, timestamp time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO chat_messages (chat_id, sender, recipient, text, timestamp) VALUES (?, ?, ?, ?, ?)",
		chatID, sender, recipient, text, timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetChatMessages returns the history of one chat in relay order.
func (db *DB) GetChatMessages(chatID string) ([]models.ChatLine, error) {
	rows, err := db.conn.Query(
		"SELECT id, chat_id, sender, recipient, text, timestamp FROM chat_messages WHERE chat_id = ? ORDER BY id ASC",
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []models.ChatLine
	for rows.Next() {
		var l models.ChatLine
		var ts string
		if err := rows.Scan(&l.ID, &l.ChatID, &l.Sender, &l.Recipient, &l.Text, &ts); err != nil {
			return nil, err
		}
		l.Timestamp = parseTime(ts)
		lines = append(lines, l)
	}

	return lines, rows.Err()
}

// SaveChatRecord inserts or replaces the summary row of a chat.
func (db *DB) SaveChatRecord(rec models.ChatRecord) error {
	_, err := db.conn.Exec(
		`INSERT INTO chat_sessions (id, initiator, recipient, status, requested_at, started_at, ended_at, message_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			message_count = excluded.message_count`,
		rec.ID, rec.Initiator, rec.Recipient, rec.Status,
		formatTime(rec.RequestedAt), formatTime(rec.StartedAt), formatTime(rec.EndedAt),
		rec.MessageCount,
	)
	return err
}

func (db *DB) GetChatRecord(id string) (*models.ChatRecord, error) {
	var rec models.ChatRecord
	var requested, started, ended string
	err := db.conn.QueryRow(
		`SELECT id, initiator, recipient, status, requested_at, started_at, ended_at, message_count
		 FROM chat_sessions WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.Initiator, &rec.Recipient, &rec.Status, &requested, &started, &ended, &rec.MessageCount)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	rec.RequestedAt = parseTime(requested)
	rec.StartedAt = parseTime(started)
	rec.EndedAt = parseTime(ended)
	return &rec, nil
}

// ChatCount returns how many chats a user took part in with the given status.
func (db *DB) ChatCount(login, status string) (int, error) {
	var count int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM chat_sessions WHERE (initiator = ? OR recipient = ?) AND status = ?",
		login, login, status,
	).Scan(&count)
	return count, err
}

func (db *DB) execOne(query string, args ...any) error {
	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
