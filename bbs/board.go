package bbs

import (
	"fmt"
	"sync"
	"time"

	"nodebbs/metrics"
	"nodebbs/protocol"

	"github.com/rs/zerolog"
)

type Options struct {
	Name        string
	MaxNodes    int
	RateWindow  time.Duration
	RateMax     int
	Conferences []string

	ChatRequestTimeout time.Duration
	TypingIdle         time.Duration
	MaxChatMessage     int

	OLMMaxLines int
	// OLMDuringChat shows OLMs to a session in chat immediately instead of
	// queueing them until it is back at the prompt.
	OLMDuringChat bool

	MaxLoginAttempts int
}

func DefaultOptions() Options {
	return Options{
		Name:               "NodeBBS",
		MaxNodes:           32,
		RateWindow:         60 * time.Second,
		RateMax:            5,
		Conferences:        []string{"General"},
		ChatRequestTimeout: 30 * time.Second,
		TypingIdle:         500 * time.Millisecond,
		MaxChatMessage:     500,
		OLMMaxLines:        10,
		MaxLoginAttempts:   3,
	}
}

// Board is the session-coordination core. A single mutex serialises every
// input, timer callback and release, so each handler runs as a critical
// section over all sessions.
type Board struct {
	mu      sync.Mutex
	opts    Options
	out     Transport
	users   UserStore
	gate    Gate
	log     zerolog.Logger
	reg     *Registry
	limiter *RateLimiter
	machine *Machine
	olm     *OLM
	chat    *ChatCoordinator
	now     func() time.Time
	closed  bool
}

// NewBoard panics when out or users is nil; every session flow needs both.
func NewBoard(opts Options, out Transport, users UserStore, gate Gate, logger zerolog.Logger) *Board {
	if out == nil || users == nil {
		panic("bbs: NewBoard needs a Transport and a UserStore")
	}
	if gate == nil {
		gate = AllowAll{}
	}
	if opts.MaxLoginAttempts < 1 {
		opts.MaxLoginAttempts = 3
	}

	limiter := NewRateLimiter(opts.RateWindow, opts.RateMax)
	b := &Board{
		opts:    opts,
		out:     out,
		users:   users,
		gate:    gate,
		log:     logger.With().Str("component", "board").Logger(),
		limiter: limiter,
		reg:     NewRegistry(opts.MaxNodes, limiter),
		machine: NewMachine(),
		now:     time.Now,
	}
	b.olm = &OLM{b: b}
	b.chat = newChatCoordinator(b)

	// chat teardown first so a restored peer can still receive queued OLMs
	b.reg.OnRelease(b.chat.Teardown)
	b.reg.OnRelease(b.olm.purge)

	b.bindHandlers()
	return b
}

// Connect admits a new connection, assigns its node and shows the login
// prompt. On error the caller should tell the client and hang up.
func (b *Board) Connect(connID, origin string) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.reg.Assign(connID, origin)
	if err != nil {
		switch err {
		case ErrRateLimited:
			metrics.RecordConnection("rate_limited")
		case ErrCapacityExceeded:
			metrics.RecordConnection("capacity")
		}
		b.log.Warn().Err(err).Str("conn", connID).Str("origin", origin).Msg("connection rejected")
		return nil, err
	}

	metrics.RecordConnection("accepted")
	metrics.SetNodesInUse(b.reg.Count())
	b.sessionLog(s).Info().Str("origin", origin).Msg("node assigned")

	b.print(s,
		fmt.Sprintf("Welcome to %s.", b.opts.Name),
		fmt.Sprintf("You are connected to node %d of %d.", s.Node, b.reg.Capacity()),
	)
	s.Activity = &loginActivity{}
	b.transition(s, StateAuthenticating, SubLoginName)

	return s, nil
}

// Input dispatches one event from connID.
func (b *Board) Input(connID string, in Input) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.reg.Get(connID)
	if !ok {
		b.log.Debug().Str("conn", connID).Msg("input for unknown connection")
		return
	}
	s.LastActivity = b.now()
	b.machine.Dispatch(b, s, in)
}

// Touch records activity without input, e.g. a keepalive.
func (b *Board) Touch(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.reg.Get(connID); ok {
		s.LastActivity = b.now()
	}
}

// Disconnect tears down everything the session references and frees its
// node. Calling it twice is harmless.
func (b *Board) Disconnect(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.release(connID, "disconnect")
}

func (b *Board) release(connID, why string) {
	s, ok := b.reg.Get(connID)
	if !ok {
		return
	}

	if s.Identity != nil {
		if err := b.users.UpdateLastOffline(s.Identity.Name, b.now()); err != nil {
			b.sessionLog(s).Warn().Err(err).Msg("failed to update last_offline")
		}
	}

	b.reg.Release(connID)
	metrics.SetNodesInUse(b.reg.Count())
	b.sessionLog(s).Info().Str("reason", why).Dur("online", b.now().Sub(s.ConnectedAt)).Msg("node released")
}

// Broadcast shows a sysop message on every node.
func (b *Board) Broadcast(text string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions := b.reg.Sessions()
	for _, s := range sessions {
		b.print(s, "*** SYSOP: "+protocol.Sanitize(text))
	}
	return len(sessions)
}

// Nodes returns a snapshot of every live session ordered by node.
func (b *Board) Nodes() []NodeInfo {
	b.mu.Lock()
	defer b.mu.Unlock()

	sessions := b.reg.Sessions()
	out := make([]NodeInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	return out
}

type Stats struct {
	NodesInUse      int
	Capacity        int
	ActiveChats     int
	PendingRequests int
	QueuedOLMs      int
}

func (b *Board) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Stats{
		NodesInUse: b.reg.Count(),
		Capacity:   b.reg.Capacity(),
	}
	st.ActiveChats, st.PendingRequests = b.chat.counts()
	for _, s := range b.reg.Sessions() {
		st.QueuedOLMs += s.Mailbox.Pending()
	}
	return st
}

// Shutdown says goodbye to every node and releases it.
func (b *Board) Shutdown(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, s := range b.reg.Sessions() {
		b.send(s, protocol.TypeBye, reason)
		b.release(s.ConnID, "shutdown")
		b.out.Close(s.ConnID)
	}
	b.limiter.Prune(b.now())
}

// SetSecLevel stores a user's security level. A session the user has open
// picks it up immediately.
func (b *Board) SetSecLevel(name string, level int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.users.SetSecLevel(name, level); err != nil {
		return err
	}
	if s, ok := b.reg.FindByName(name); ok {
		s.Identity.SecLevel = level
		b.sessionLog(s).Info().Int("level", level).Msg("security level changed")
	}
	return nil
}

// PruneRateLimits drops stale rate-limit entries.
func (b *Board) PruneRateLimits() {
	b.limiter.Prune(b.now())
}

// transition moves s to (state, sub) and runs the substate's enter hook.
func (b *Board) transition(s *Session, state State, sub Substate) {
	s.State = state
	s.Sub = sub
	b.machine.onEnter(b, s)
}

// reset puts a session back at a safe resting position after a bug.
func (b *Board) reset(s *Session) {
	if s.State == StateActive && s.Identity != nil {
		if s.InChat() {
			// ending the chat restores the saved position
			b.chat.forceEnd(s)
			return
		}
		s.Activity = nil
		b.transition(s, StateActive, SubDisplayMenu)
		return
	}
	s.Activity = &loginActivity{}
	b.transition(s, StateAuthenticating, SubLoginName)
}

func (b *Board) send(s *Session, pktType string, fields ...string) {
	b.out.Send(s.ConnID, pktType, fields...)
}

func (b *Board) print(s *Session, lines ...string) {
	for _, line := range lines {
		b.out.Send(s.ConnID, protocol.TypeOut, line)
	}
}

func (b *Board) prompt(s *Session, text string) {
	b.out.Send(s.ConnID, protocol.TypePrompt, text)
}

func (b *Board) fail(s *Session, op string, err error) {
	b.out.Send(s.ConnID, protocol.TypeFail, op, err.Error())
}

func (b *Board) allowed(s *Session, c Capability) bool {
	return b.gate.Allowed(s, c)
}

func (b *Board) sessionLog(s *Session) *zerolog.Logger {
	l := b.log.With().Int("node", s.Node).Str("conn", s.ConnID).Logger()
	if s.Identity != nil {
		l = l.With().Str("user", s.Identity.Name).Logger()
	}
	return &l
}
