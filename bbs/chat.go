package bbs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"nodebbs/metrics"
	"nodebbs/models"
	"nodebbs/protocol"

	"github.com/google/uuid"
)

type ChatStatus string

const (
	ChatRequesting ChatStatus = "requesting"
	ChatActive     ChatStatus = "active"
	ChatEnded      ChatStatus = "ended"
	ChatDeclined   ChatStatus = "declined"
	ChatTimeout    ChatStatus = "timeout"
)

// Reasons reported in chatend packets.
const (
	EndedByUser         = "ended"
	EndedPartnerLeft    = "partner-disconnected"
	EndedInternalError  = "error"
	EndedServerShutdown = "shutdown"
)

// ChatSession is one synchronous pairing between two nodes.
type ChatSession struct {
	ID            string
	InitiatorNode int
	InitiatorConn string
	InitiatorName string
	RecipientNode int
	RecipientConn string
	RecipientName string
	Status        ChatStatus
	RequestedAt   time.Time
	StartedAt     time.Time
	Messages      int

	seq   uint64
	timer *time.Timer
}

func (c *ChatSession) group() string {
	return "chat:" + c.ID
}

func (c *ChatSession) involves(connID string) bool {
	return c.InitiatorConn == connID || c.RecipientConn == connID
}

// ChatCoordinator owns every requesting and active ChatSession. All methods
// run under the Board lock.
type ChatCoordinator struct {
	b       *Board
	chats   map[string]*ChatSession
	nextSeq uint64

	// withdrawn remembers requests cancelled before an answer, for one
	// request timeout, so a late Y or N reports the peer is gone.
	withdrawn map[string]withdrawal
}

type withdrawal struct {
	recipientConn string
	at            time.Time
}

func newChatCoordinator(b *Board) *ChatCoordinator {
	return &ChatCoordinator{
		b:         b,
		chats:     make(map[string]*ChatSession),
		withdrawn: make(map[string]withdrawal),
	}
}

// Request invites target to chat with from. Every failure leaves all state
// untouched.
func (c *ChatCoordinator) Request(from *Session, target string) (*ChatSession, error) {
	if !from.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	if !c.b.allowed(from, CapChat) {
		return nil, ErrDenied
	}
	if !from.Identity.ChatAvailable {
		return nil, ErrNotAvailable
	}
	if c.activeFor(from) != nil {
		return nil, ErrAlreadyInChat
	}
	if c.outgoing(from) != nil {
		return nil, ErrRequestPending
	}

	target = strings.TrimSpace(target)
	to, ok := c.b.reg.FindByName(target)
	if !ok {
		if target != "" {
			if exists, err := c.b.users.UserExists(target); err == nil && exists {
				return nil, ErrTargetOffline
			}
		}
		return nil, ErrTargetNotFound
	}
	if to == from {
		return nil, ErrSelfChat
	}
	if !to.Identity.ChatAvailable {
		return nil, ErrTargetUnavailable
	}
	if c.activeFor(to) != nil {
		return nil, ErrTargetBusy
	}

	cs := &ChatSession{
		ID:            uuid.NewString(),
		InitiatorNode: from.Node,
		InitiatorConn: from.ConnID,
		InitiatorName: from.Name(),
		RecipientNode: to.Node,
		RecipientConn: to.ConnID,
		RecipientName: to.Name(),
		Status:        ChatRequesting,
		RequestedAt:   c.b.now(),
	}
	c.nextSeq++
	cs.seq = c.nextSeq
	c.chats[cs.ID] = cs
	cs.timer = time.AfterFunc(c.b.opts.ChatRequestTimeout, func() {
		c.b.mu.Lock()
		defer c.b.mu.Unlock()
		c.expire(cs)
	})

	c.b.send(to, protocol.TypeChatInvite, cs.ID, strconv.Itoa(from.Node), from.Name())
	c.b.print(to, fmt.Sprintf("*** %s (node %d) would like to chat. Type Y %s to accept or N %s to decline.",
		from.Name(), from.Node, cs.ID, cs.ID))

	c.b.send(from, protocol.TypeChatPending, cs.ID, to.Name())
	c.b.print(from, fmt.Sprintf("Chat request sent to %s, waiting up to %s for an answer.",
		to.Name(), c.b.opts.ChatRequestTimeout))

	c.b.sessionLog(from).Info().Str("chat", cs.ID).Str("to", to.Name()).Msg("chat requested")
	return cs, nil
}

// expire is the request timer callback. It is a no-op unless cs is still
// the registered, unanswered request.
func (c *ChatCoordinator) expire(cs *ChatSession) {
	if cur, ok := c.chats[cs.ID]; !ok || cur != cs || cs.Status != ChatRequesting {
		return
	}

	cs.Status = ChatTimeout
	delete(c.chats, cs.ID)

	if from, ok := c.b.reg.Get(cs.InitiatorConn); ok {
		c.b.send(from, protocol.TypeChatTimeout, cs.ID, cs.RecipientName)
		c.b.print(from, fmt.Sprintf("%s did not answer your chat request.", cs.RecipientName))
	}
	if to, ok := c.b.reg.Get(cs.RecipientConn); ok {
		c.b.send(to, protocol.TypeChatTimeout, cs.ID, cs.InitiatorName)
		c.b.print(to, fmt.Sprintf("The chat request from %s has expired.", cs.InitiatorName))
	}

	c.saveRecord(cs)
	metrics.RecordChat(string(ChatTimeout))
	c.b.log.Info().Str("chat", cs.ID).Msg("chat request timed out")
}

// Accept starts the chat identified by id on behalf of its recipient.
func (c *ChatCoordinator) Accept(id string, recipient *Session) error {
	cs, err := c.answerable(id, recipient)
	if err != nil {
		return err
	}
	if c.activeFor(recipient) != nil {
		return ErrAlreadyInChat
	}

	initiator, ok := c.b.reg.Get(cs.InitiatorConn)
	if !ok || c.activeFor(initiator) != nil {
		// the initiator left or got busy between request and accept
		c.discard(cs)
		if ok {
			c.b.send(initiator, protocol.TypeChatLeft, cs.ID, cs.RecipientName)
		}
		return ErrNoLongerAvailable
	}

	cs.timer.Stop()
	cs.Status = ChatActive
	cs.StartedAt = c.b.now()

	// a recipient who was inviting someone else withdraws that invitation
	if other := c.outgoing(recipient); other != nil {
		c.withdraw(other, recipient)
	}

	c.pair(cs, initiator, recipient)
	c.pair(cs, recipient, initiator)

	c.saveRecord(cs)
	c.b.sessionLog(recipient).Info().Str("chat", cs.ID).Str("with", initiator.Name()).Msg("chat started")
	return nil
}

func (c *ChatCoordinator) pair(cs *ChatSession, s, peer *Session) {
	s.Activity = &chatActivity{
		chatID:   cs.ID,
		peerNode: peer.Node,
		peerConn: peer.ConnID,
		peerName: peer.Name(),
		saved: position{
			state:    s.State,
			sub:      s.Sub,
			activity: s.Activity,
		},
	}
	c.b.out.Join(cs.group(), s.ConnID)
	c.b.send(s, protocol.TypeChatStart, cs.ID, strconv.Itoa(peer.Node), peer.Name())
	c.b.transition(s, StateActive, SubChat)
}

// Decline refuses the chat identified by id on behalf of its recipient.
func (c *ChatCoordinator) Decline(id string, recipient *Session) error {
	cs, err := c.answerable(id, recipient)
	if err != nil {
		return err
	}

	cs.timer.Stop()
	cs.Status = ChatDeclined
	delete(c.chats, cs.ID)

	if from, ok := c.b.reg.Get(cs.InitiatorConn); ok {
		c.b.send(from, protocol.TypeChatDeclined, cs.ID, cs.RecipientName)
		c.b.print(from, fmt.Sprintf("%s declined your chat request.", cs.RecipientName))
	}
	c.b.print(recipient, fmt.Sprintf("You declined the chat with %s.", cs.InitiatorName))

	c.saveRecord(cs)
	metrics.RecordChat(string(ChatDeclined))
	return nil
}

func (c *ChatCoordinator) answerable(id string, recipient *Session) (*ChatSession, error) {
	if !recipient.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	if !c.b.allowed(recipient, CapChat) {
		return nil, ErrDenied
	}

	id = strings.TrimSpace(id)
	if id == "" {
		id = c.latestInvite(recipient)
	}
	cs, ok := c.chats[id]
	if !ok {
		if w, gone := c.withdrawn[id]; gone && w.recipientConn == recipient.ConnID {
			return nil, ErrNoLongerAvailable
		}
		return nil, ErrNoSuchChat
	}
	if cs.RecipientConn != recipient.ConnID {
		return nil, ErrNotRecipient
	}
	if cs.Status != ChatRequesting {
		return nil, ErrNotRequesting
	}
	return cs, nil
}

// RelayMessage delivers text to both members of the sender's chat.
func (c *ChatCoordinator) RelayMessage(s *Session, text string) error {
	act, cs, err := c.inChat(s)
	if err != nil {
		return err
	}

	text = strings.TrimSpace(protocol.Sanitize(text))
	if text == "" {
		return ErrMessageEmpty
	}
	if utf8.RuneCountInString(text) > c.b.opts.MaxChatMessage {
		return ErrMessageTooLong
	}

	if _, ok := c.b.reg.Get(act.peerConn); !ok {
		c.b.sessionLog(s).Error().Str("chat", cs.ID).Int("peer", act.peerNode).Msg("chat peer missing from registry")
		c.finish(cs, EndedInternalError, nil)
		return ErrNoLongerAvailable
	}

	now := c.b.now()
	if err := c.b.users.SaveChatMessage(cs.ID, s.Name(), act.peerName, text, now); err != nil {
		c.b.sessionLog(s).Warn().Err(err).Str("chat", cs.ID).Msg("failed to persist chat message")
	}

	cs.Messages++
	act.preview = act.preview[:0]
	act.stopIdle()

	c.b.out.Broadcast(cs.group(), protocol.TypeChatMessage, cs.ID, s.Name(), text, now.UTC().Format(time.RFC3339))
	metrics.RecordChatMessage()
	return nil
}

// RelayKeystroke updates the sender's typing preview and shows it to the
// partner. Enter relays the preview as a message.
func (c *ChatCoordinator) RelayKeystroke(s *Session, key string) error {
	act, cs, err := c.inChat(s)
	if err != nil {
		return err
	}

	switch key {
	case "\r", "\n", "\r\n", "Enter":
		if len(act.preview) == 0 {
			return nil
		}
		return c.RelayMessage(s, string(act.preview))
	case "\b", "\x7f", "Backspace":
		if len(act.preview) > 0 {
			act.preview = act.preview[:len(act.preview)-1]
		}
	default:
		r, size := utf8.DecodeRuneInString(key)
		if size != len(key) || !unicode.IsPrint(r) {
			return nil
		}
		if len(act.preview) >= c.b.opts.MaxChatMessage {
			return ErrMessageTooLong
		}
		act.preview = append(act.preview, r)
	}

	act.lastKey = c.b.now()
	c.b.out.Send(act.peerConn, protocol.TypeChatTyping, s.Name(), string(act.preview), "typing")

	act.stopIdle()
	gen := act.idleGen
	connID := s.ConnID
	act.idle = time.AfterFunc(c.b.opts.TypingIdle, func() {
		c.b.mu.Lock()
		defer c.b.mu.Unlock()
		c.typingIdle(connID, cs.ID, gen)
	})
	return nil
}

// typingIdle switches the partner's preview to the idle (blinking cursor)
// rendering once the sender stops typing.
func (c *ChatCoordinator) typingIdle(connID, chatID string, gen int) {
	s, ok := c.b.reg.Get(connID)
	if !ok {
		return
	}
	act := s.chat()
	if act == nil || act.chatID != chatID || act.idleGen != gen {
		return
	}
	act.idle = nil
	c.b.out.Send(act.peerConn, protocol.TypeChatTyping, s.Name(), string(act.preview), "idle")
}

// End closes the caller's active chat.
func (c *ChatCoordinator) End(s *Session) error {
	_, cs, err := c.inChat(s)
	if err != nil {
		return err
	}
	c.finish(cs, EndedByUser, nil)
	return nil
}

// finish ends an active chat, notifies and restores every party still
// registered. gone, when set, is the party being released: its chat state
// is cleared but it is neither notified nor restored.
func (c *ChatCoordinator) finish(cs *ChatSession, reason string, gone *Session) {
	cs.Status = ChatEnded
	delete(c.chats, cs.ID)

	duration := c.b.now().Sub(cs.StartedAt).Round(time.Second)
	seconds := strconv.Itoa(int(duration.Seconds()))
	count := strconv.Itoa(cs.Messages)

	for _, connID := range []string{cs.InitiatorConn, cs.RecipientConn} {
		c.b.out.Leave(cs.group(), connID)

		p, ok := c.b.reg.Get(connID)
		if !ok {
			continue
		}
		act := p.chat()
		if act == nil || act.chatID != cs.ID {
			c.b.sessionLog(p).Error().Str("chat", cs.ID).Msg("chat party without matching chat state")
			continue
		}
		act.stopIdle()

		if p == gone {
			p.Activity = nil
			continue
		}

		if gone != nil {
			c.b.send(p, protocol.TypeChatLeft, cs.ID, gone.Name())
		}
		c.b.send(p, protocol.TypeChatEnd, cs.ID, reason, seconds, count)
		c.b.print(p, fmt.Sprintf("Chat with %s ended after %s, %d message(s).", act.peerName, duration, cs.Messages))

		p.Activity = act.saved.activity
		c.b.transition(p, act.saved.state, act.saved.sub)
	}

	c.saveRecord(cs)
	metrics.RecordChat(string(ChatEnded))
	c.b.log.Info().Str("chat", cs.ID).Str("reason", reason).Dur("duration", duration).Int("messages", cs.Messages).Msg("chat ended")
}

// forceEnd tears down whatever chat s claims to be in, even when the
// coordinator has lost track of it.
func (c *ChatCoordinator) forceEnd(s *Session) {
	act := s.chat()
	if act == nil {
		return
	}
	if cs, ok := c.chats[act.chatID]; ok && cs.Status == ChatActive {
		c.finish(cs, EndedInternalError, nil)
		return
	}
	c.b.sessionLog(s).Error().Str("chat", act.chatID).Msg("orphaned chat state cleared")
	act.stopIdle()
	s.Activity = act.saved.activity
	c.b.transition(s, act.saved.state, act.saved.sub)
}

// Teardown is the release hook: it ends s's chat and cancels every request
// s sent or received.
func (c *ChatCoordinator) Teardown(s *Session) {
	if act := s.chat(); act != nil {
		if cs, ok := c.chats[act.chatID]; ok && cs.Status == ChatActive {
			c.finish(cs, EndedPartnerLeft, s)
		} else {
			act.stopIdle()
			s.Activity = nil
		}
	}

	for _, cs := range c.sorted() {
		if cs.Status != ChatRequesting || !cs.involves(s.ConnID) {
			continue
		}
		c.withdraw(cs, s)
	}
}

// withdraw cancels an open request because party went away or got busy,
// telling the other side.
func (c *ChatCoordinator) withdraw(cs *ChatSession, party *Session) {
	c.discard(cs)

	other := cs.RecipientConn
	if party.ConnID == cs.RecipientConn {
		other = cs.InitiatorConn
	}
	if p, ok := c.b.reg.Get(other); ok {
		c.b.send(p, protocol.TypeChatLeft, cs.ID, party.Name())
		c.b.print(p, fmt.Sprintf("The chat request with %s was withdrawn.", party.Name()))
	}
}

// discard drops an unanswered request without notifying anyone.
func (c *ChatCoordinator) discard(cs *ChatSession) {
	if cs.timer != nil {
		cs.timer.Stop()
	}
	cs.Status = ChatEnded
	delete(c.chats, cs.ID)

	now := c.b.now()
	for id, w := range c.withdrawn {
		if now.Sub(w.at) > c.b.opts.ChatRequestTimeout {
			delete(c.withdrawn, id)
		}
	}
	c.withdrawn[cs.ID] = withdrawal{recipientConn: cs.RecipientConn, at: now}

	c.saveRecord(cs)
	metrics.RecordChat("withdrawn")
}

func (c *ChatCoordinator) inChat(s *Session) (*chatActivity, *ChatSession, error) {
	if !c.b.allowed(s, CapChat) {
		return nil, nil, ErrDenied
	}
	act := s.chat()
	if act == nil || s.Sub != SubChat {
		return nil, nil, ErrNotInChat
	}
	cs, ok := c.chats[act.chatID]
	if !ok || cs.Status != ChatActive {
		c.b.sessionLog(s).Error().Str("chat", act.chatID).Msg("chat state references unknown chat")
		c.forceEnd(s)
		return nil, nil, ErrNotInChat
	}
	return act, cs, nil
}

// activeFor returns the active chat s belongs to, if any.
func (c *ChatCoordinator) activeFor(s *Session) *ChatSession {
	for _, cs := range c.chats {
		if cs.Status == ChatActive && cs.involves(s.ConnID) {
			return cs
		}
	}
	if act := s.chat(); act != nil {
		return c.chats[act.chatID]
	}
	return nil
}

// outgoing returns the open request s sent, if any.
func (c *ChatCoordinator) outgoing(s *Session) *ChatSession {
	for _, cs := range c.chats {
		if cs.Status == ChatRequesting && cs.InitiatorConn == s.ConnID {
			return cs
		}
	}
	return nil
}

// latestInvite returns the id of the most recent open request addressed to s.
func (c *ChatCoordinator) latestInvite(s *Session) string {
	var latest *ChatSession
	for _, cs := range c.chats {
		if cs.Status != ChatRequesting || cs.RecipientConn != s.ConnID {
			continue
		}
		if latest == nil || cs.seq > latest.seq {
			latest = cs
		}
	}
	if latest == nil {
		return ""
	}
	return latest.ID
}

func (c *ChatCoordinator) sorted() []*ChatSession {
	out := make([]*ChatSession, 0, len(c.chats))
	for _, cs := range c.chats {
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}

func (c *ChatCoordinator) counts() (active, requesting int) {
	for _, cs := range c.chats {
		switch cs.Status {
		case ChatActive:
			active++
		case ChatRequesting:
			requesting++
		}
	}
	return active, requesting
}

// Get returns a copy of the chat identified by id.
func (c *ChatCoordinator) Get(id string) (ChatSession, bool) {
	cs, ok := c.chats[id]
	if !ok {
		return ChatSession{}, false
	}
	return *cs, true
}

func (c *ChatCoordinator) saveRecord(cs *ChatSession) {
	rec := models.ChatRecord{
		ID:           cs.ID,
		Initiator:    cs.InitiatorName,
		Recipient:    cs.RecipientName,
		Status:       string(cs.Status),
		RequestedAt:  cs.RequestedAt,
		StartedAt:    cs.StartedAt,
		MessageCount: cs.Messages,
	}
	if cs.Status != ChatActive && cs.Status != ChatRequesting {
		rec.EndedAt = c.b.now()
	}
	if err := c.b.users.SaveChatRecord(rec); err != nil {
		c.b.log.Warn().Err(err).Str("chat", cs.ID).Msg("failed to persist chat record")
	}
}
