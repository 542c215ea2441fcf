package bbs

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nodebbs/models"
	"nodebbs/protocol"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type sentPacket struct {
	Type   string
	Fields []string
}

func (p sentPacket) field(i int) string {
	if i < len(p.Fields) {
		return p.Fields[i]
	}
	return ""
}

// fakeTransport records every packet per connection.
type fakeTransport struct {
	mu      sync.Mutex
	packets map[string][]sentPacket
	groups  map[string]map[string]bool
	closed  map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		packets: make(map[string][]sentPacket),
		groups:  make(map[string]map[string]bool),
		closed:  make(map[string]bool),
	}
}

func (f *fakeTransport) Send(connID, pktType string, fields ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets[connID] = append(f.packets[connID], sentPacket{Type: pktType, Fields: fields})
}

func (f *fakeTransport) Broadcast(group, pktType string, fields ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for connID := range f.groups[group] {
		f.packets[connID] = append(f.packets[connID], sentPacket{Type: pktType, Fields: fields})
	}
}

func (f *fakeTransport) Join(group, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups[group] == nil {
		f.groups[group] = make(map[string]bool)
	}
	f.groups[group][connID] = true
}

func (f *fakeTransport) Leave(group, connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups[group], connID)
	if len(f.groups[group]) == 0 {
		delete(f.groups, group)
	}
}

func (f *fakeTransport) Close(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[connID] = true
}

func (f *fakeTransport) isClosed(connID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[connID]
}

func (f *fakeTransport) groupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.groups)
}

// of returns the packets of type pktType sent to connID.
func (f *fakeTransport) of(connID, pktType string) []sentPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentPacket
	for _, p := range f.packets[connID] {
		if p.Type == pktType {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) last(connID, pktType string) (sentPacket, bool) {
	pkts := f.of(connID, pktType)
	if len(pkts) == 0 {
		return sentPacket{}, false
	}
	return pkts[len(pkts)-1], true
}

// text joins everything printed to connID.
func (f *fakeTransport) text(connID string) string {
	var lines []string
	for _, p := range f.of(connID, protocol.TypeOut) {
		lines = append(lines, p.field(0))
	}
	return strings.Join(lines, "\n")
}

func (f *fakeTransport) reset(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packets, connID)
}

// memStore is an in-memory UserStore with plain-text passwords.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*models.User
	messages []models.ChatLine
	records  map[string]models.ChatRecord
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{
		users:   make(map[string]*models.User),
		records: make(map[string]models.ChatRecord),
	}
}

var errNotFound = errors.New("not found")

func (m *memStore) user(login string) (*models.User, bool) {
	u, ok := m.users[strings.ToLower(login)]
	return u, ok
}

func (m *memStore) AuthenticateUser(login, password string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(login)
	return ok && u.Password == password, nil
}

func (m *memStore) UserExists(login string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.user(login)
	return ok, nil
}

func (m *memStore) CreateUser(login, password, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.user(login); ok {
		return errors.New("user already exists")
	}
	m.nextID++
	m.users[strings.ToLower(login)] = &models.User{
		ID:            m.nextID,
		Login:         login,
		Password:      password,
		Location:      location,
		SecLevel:      10,
		ChatAvailable: true,
		CreatedAt:     time.Now(),
	}
	return nil
}

func (m *memStore) GetUser(login string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(login)
	if !ok {
		return nil, errNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) SetChatAvailable(login string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(login)
	if !ok {
		return errNotFound
	}
	u.ChatAvailable = available
	return nil
}

func (m *memStore) SetSecLevel(login string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.user(login)
	if !ok {
		return errNotFound
	}
	u.SecLevel = level
	return nil
}

func (m *memStore) UpdateLastOnline(login string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.user(login); ok {
		u.LastOnline = t
	}
	return nil
}

func (m *memStore) UpdateLastOffline(login string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.user(login); ok {
		u.LastOffline = t
	}
	return nil
}

func (m *memStore) SaveChatMessage(chatID, sender, recipient, text string, timestamp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, models.ChatLine{
		ChatID:    chatID,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		Timestamp: timestamp,
	})
	return nil
}

func (m *memStore) SaveChatRecord(rec models.ChatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *memStore) record(id string) (models.ChatRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	return rec, ok
}

func (m *memStore) chatLines() []models.ChatLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatLine(nil), m.messages...)
}

type testBoard struct {
	*Board
	out   *fakeTransport
	store *memStore
}

func newTestBoard(t *testing.T, mutate ...func(*Options)) *testBoard {
	t.Helper()
	opts := DefaultOptions()
	opts.MaxNodes = 4
	opts.RateMax = 100
	for _, fn := range mutate {
		fn(&opts)
	}
	out := newFakeTransport()
	store := newMemStore()
	b := NewBoard(opts, out, store, nil, zerolog.New(zerolog.NewTestWriter(t)))
	t.Cleanup(func() { b.Shutdown("test over") })
	return &testBoard{Board: b, out: out, store: store}
}

// position reads the session's routing position under the board lock.
func (tb *testBoard) position(t *testing.T, connID string) (State, Substate) {
	t.Helper()
	tb.mu.Lock()
	defer tb.mu.Unlock()
	s, ok := tb.reg.Get(connID)
	require.True(t, ok, "connection %s is not registered", connID)
	return s.State, s.Sub
}

// with runs fn on the session under the board lock.
func (tb *testBoard) with(t *testing.T, connID string, fn func(s *Session)) {
	t.Helper()
	tb.mu.Lock()
	defer tb.mu.Unlock()
	s, ok := tb.reg.Get(connID)
	require.True(t, ok, "connection %s is not registered", connID)
	fn(s)
}

// login registers name if needed and walks connID through the login flow
// to the command prompt.
func (tb *testBoard) login(t *testing.T, connID, name string) {
	t.Helper()
	if ok, _ := tb.store.UserExists(name); !ok {
		require.NoError(t, tb.store.CreateUser(name, "pass-"+name, "Testville"))
	}
	_, err := tb.Connect(connID, "10.0.0."+connID)
	require.NoError(t, err)
	tb.Input(connID, Line(name))
	tb.Input(connID, Line("pass-"+name))

	state, sub := tb.position(t, connID)
	require.Equal(t, StateActive, state)
	require.Equal(t, SubReadCommand, sub)
}

// startChat pairs a and b and returns the chat id.
func (tb *testBoard) startChat(t *testing.T, a, b, bName string) string {
	t.Helper()
	tb.Input(a, Input{Kind: InputChatRequest, Text: bName})
	inv, ok := tb.out.last(b, protocol.TypeChatInvite)
	require.True(t, ok, "no invitation delivered")
	id := inv.field(0)
	tb.Input(b, Input{Kind: InputChatAccept, Text: id})

	_, subA := tb.position(t, a)
	_, subB := tb.position(t, b)
	require.Equal(t, SubChat, subA)
	require.Equal(t, SubChat, subB)
	return id
}

// setGate swaps the access gate under the board lock.
func (tb *testBoard) setGate(g Gate) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.gate = g
}
