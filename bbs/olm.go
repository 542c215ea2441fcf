package bbs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"nodebbs/metrics"
	"nodebbs/protocol"
)

type PacketKind int

const (
	PacketHeader PacketKind = iota
	PacketLine
	PacketLast
)

// OlmPacket is one transmission unit of an online message. Every packet
// carries the sender node so the recipient can reply without asking.
type OlmPacket struct {
	From     int
	FromName string
	Kind     PacketKind
	Text     string
}

// OlmMessage is a complete message, the unit of display and queueing.
type OlmMessage struct {
	From     int
	FromName string
	Lines    []string
	At       time.Time

	// replyable is cleared when the sender's node is released, so a reused
	// node number never inherits someone else's reply pointer.
	replyable bool
}

// Mailbox holds messages waiting for the session to return to the prompt
// and the messages still being received, keyed by sender node.
type Mailbox struct {
	pending []OlmMessage
	partial map[int]*OlmMessage
}

func (m *Mailbox) Pending() int {
	return len(m.pending)
}

func (m *Mailbox) receiving(from int) bool {
	_, ok := m.partial[from]
	return ok
}

// OLM implements node-addressed store-and-forward messages.
type OLM struct {
	b *Board
}

// Compose starts a draft to target. The session must not be owned by
// another protocol.
func (o *OLM) Compose(s *Session, target int) error {
	if err := o.checkSender(s); err != nil {
		return err
	}
	if s.Activity != nil {
		return ErrBusy
	}
	if _, err := o.resolve(target); err != nil {
		return err
	}

	s.Activity = &olmDraft{target: target}
	o.b.transition(s, StateActive, SubOLMCompose)
	return nil
}

// Reply composes to the node that last sent s a message.
func (o *OLM) Reply(s *Session) error {
	if s.LastSender == 0 {
		return ErrNoReplyTarget
	}
	return o.Compose(s, s.LastSender)
}

// AddLine feeds one line of the draft. "/s" sends, "/a" aborts, and the
// draft is sent on its own when it reaches the line cap.
func (o *OLM) AddLine(s *Session, line string) {
	draft, ok := s.Activity.(*olmDraft)
	if !ok {
		o.b.sessionLog(s).Error().Msg("olm compose without a draft")
		o.b.reset(s)
		return
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "/a", "/abort":
		s.Activity = nil
		o.b.print(s, "Message aborted.")
		o.b.transition(s, StateActive, SubReadCommand)
		return
	case "/s", "/send":
		o.finishDraft(s, draft)
		return
	}

	draft.lines = append(draft.lines, protocol.Sanitize(line))
	if len(draft.lines) >= o.b.opts.OLMMaxLines {
		o.b.print(s, "Line limit reached, sending.")
		o.finishDraft(s, draft)
		return
	}

	s.Sub = SubOLMCompose
	o.b.prompt(s, strconv.Itoa(len(draft.lines)+1)+"> ")
}

func (o *OLM) finishDraft(s *Session, draft *olmDraft) {
	s.Activity = nil

	if len(draft.lines) == 0 {
		o.b.fail(s, "olm", ErrDraftEmpty)
	} else if delivered, err := o.Send(s, draft.target, draft.lines); err != nil {
		o.b.fail(s, "olm", err)
	} else {
		node := strconv.Itoa(draft.target)
		if delivered {
			o.b.send(s, protocol.TypeOLMSent, node)
			o.b.print(s, fmt.Sprintf("Message delivered to node %d.", draft.target))
		} else {
			o.b.send(s, protocol.TypeOLMQueued, node)
			o.b.print(s, fmt.Sprintf("Node %d is busy, the message will be shown when they return to the prompt.", draft.target))
		}
	}

	o.b.transition(s, StateActive, SubReadCommand)
}

// Send transmits lines as header, body and terminal packets. It reports
// whether the message was displayed immediately rather than queued.
func (o *OLM) Send(from *Session, target int, lines []string) (bool, error) {
	if err := o.checkSender(from); err != nil {
		return false, err
	}
	to, err := o.resolve(target)
	if err != nil {
		return false, err
	}
	if to.Quiet {
		metrics.RecordOLM("suppressed")
		return false, ErrRecipientSuppressed
	}

	name := from.Name()
	o.receive(to, OlmPacket{From: from.Node, FromName: name, Kind: PacketHeader})
	for _, line := range lines {
		o.receive(to, OlmPacket{From: from.Node, FromName: name, Kind: PacketLine, Text: line})
	}
	delivered := o.receive(to, OlmPacket{From: from.Node, FromName: name, Kind: PacketLast})

	o.b.sessionLog(from).Debug().Int("to", target).Int("lines", len(lines)).Bool("delivered", delivered).Msg("olm sent")
	return delivered, nil
}

// receive applies one packet to the recipient's mailbox. It returns true
// when a terminal packet completed a message that was shown immediately.
func (o *OLM) receive(to *Session, pkt OlmPacket) bool {
	mb := &to.Mailbox
	if mb.partial == nil {
		mb.partial = make(map[int]*OlmMessage)
	}

	switch pkt.Kind {
	case PacketHeader:
		mb.partial[pkt.From] = &OlmMessage{
			From:      pkt.From,
			FromName:  pkt.FromName,
			At:        o.b.now(),
			replyable: true,
		}
		return false
	case PacketLine:
		msg, ok := mb.partial[pkt.From]
		if !ok {
			o.b.sessionLog(to).Warn().Int("from", pkt.From).Msg("olm line without header dropped")
			return false
		}
		msg.Lines = append(msg.Lines, pkt.Text)
		return false
	case PacketLast:
		msg, ok := mb.partial[pkt.From]
		if !ok {
			o.b.sessionLog(to).Warn().Int("from", pkt.From).Msg("olm terminator without header dropped")
			return false
		}
		delete(mb.partial, pkt.From)
		return o.deliver(to, *msg)
	}
	return false
}

func (o *OLM) deliver(to *Session, msg OlmMessage) bool {
	if to.IdleAtPrompt() || (o.b.opts.OLMDuringChat && to.Sub == SubChat) {
		o.show(to, msg)
		metrics.RecordOLM("delivered")
		if to.IdleAtPrompt() {
			o.b.transition(to, StateActive, SubReadCommand)
		}
		return true
	}

	to.Mailbox.pending = append(to.Mailbox.pending, msg)
	metrics.RecordOLM("queued")
	return false
}

func (o *OLM) show(to *Session, msg OlmMessage) {
	o.b.send(to, protocol.TypeOLM,
		strconv.Itoa(msg.From),
		msg.FromName,
		msg.At.UTC().Format(time.RFC3339),
		strings.Join(msg.Lines, "\n"),
	)
	if msg.replyable {
		to.LastSender = msg.From
	}
}

// Drain shows every queued message in arrival order and empties the queue.
func (o *OLM) Drain(s *Session) int {
	queued := s.Mailbox.pending
	if len(queued) == 0 {
		return 0
	}
	s.Mailbox.pending = nil

	o.b.print(s, fmt.Sprintf("You have %d message(s) waiting:", len(queued)))
	for _, msg := range queued {
		o.show(s, msg)
	}
	return len(queued)
}

// ToggleBlock flips whether s accepts OLMs and returns the new setting.
func (o *OLM) ToggleBlock(s *Session) (bool, error) {
	if err := o.checkSender(s); err != nil {
		return s.Quiet, err
	}
	s.Quiet = !s.Quiet
	if s.Quiet {
		o.b.print(s, "Online messages are now blocked.")
	} else {
		o.b.print(s, "Online messages are now allowed.")
	}
	return s.Quiet, nil
}

func (o *OLM) checkSender(s *Session) error {
	if !s.Authenticated() {
		return ErrNotAuthenticated
	}
	if !o.b.allowed(s, CapOLM) {
		return ErrDenied
	}
	return nil
}

func (o *OLM) resolve(node int) (*Session, error) {
	if !o.b.reg.ValidNode(node) {
		return nil, ErrInvalidNode
	}
	to, ok := o.b.reg.FindByNode(node)
	if !ok || !to.Authenticated() {
		return nil, ErrNodeNotActive
	}
	return to, nil
}

// purge is the release hook: it drops every reference other sessions hold
// to the leaving node.
func (o *OLM) purge(s *Session) {
	if n := s.Mailbox.Pending(); n > 0 {
		o.b.sessionLog(s).Info().Int("discarded", n).Msg("dropping queued olms")
	}
	s.Mailbox = Mailbox{}

	for _, other := range o.b.reg.Sessions() {
		if other == s {
			continue
		}
		delete(other.Mailbox.partial, s.Node)
		if other.LastSender == s.Node {
			other.LastSender = 0
		}
		for i := range other.Mailbox.pending {
			if other.Mailbox.pending[i].From == s.Node {
				other.Mailbox.pending[i].replyable = false
			}
		}
	}
}
