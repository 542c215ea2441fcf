package bbs

import (
	"strings"
)

type InputKind int

const (
	InputLine InputKind = iota
	InputKey
	InputChatRequest
	InputChatAccept
	InputChatDecline
	InputChatMessage
	InputChatKey
	InputChatEnd
	InputOLMCompose
	InputOLMBlock
)

// Input is one inbound event for a session. Lines and keystrokes are routed
// by (state, substate); the other kinds are protocol commands available to
// any logged-in session.
type Input struct {
	Kind InputKind
	Text string
}

func Line(text string) Input {
	return Input{Kind: InputLine, Text: text}
}

func Key(k string) Input {
	return Input{Kind: InputKey, Text: k}
}

// HandlerFunc handles one input. It must leave s.Sub at a defined value
// before returning, normally through Board.transition.
type HandlerFunc func(b *Board, s *Session, in Input)

// EnterFunc runs when a session moves into a substate, typically to
// render that substate's prompt.
type EnterFunc func(b *Board, s *Session)

type handlerKey struct {
	state State
	sub   Substate
}

type Machine struct {
	handlers map[handlerKey]HandlerFunc
	keys     map[handlerKey]HandlerFunc
	commands map[InputKind]HandlerFunc
	enter    map[Substate]EnterFunc
}

func NewMachine() *Machine {
	return &Machine{
		handlers: make(map[handlerKey]HandlerFunc),
		keys:     make(map[handlerKey]HandlerFunc),
		commands: make(map[InputKind]HandlerFunc),
		enter:    make(map[Substate]EnterFunc),
	}
}

func (m *Machine) Bind(state State, sub Substate, h HandlerFunc) {
	m.handlers[handlerKey{state, sub}] = h
}

// BindKey registers a keystroke handler. Keystrokes arriving anywhere
// without one are dropped.
func (m *Machine) BindKey(state State, sub Substate, h HandlerFunc) {
	m.keys[handlerKey{state, sub}] = h
}

func (m *Machine) Command(kind InputKind, h HandlerFunc) {
	m.commands[kind] = h
}

func (m *Machine) OnEnter(sub Substate, fn EnterFunc) {
	m.enter[sub] = fn
}

// Dispatch routes in to the handler selected by the session's position.
func (m *Machine) Dispatch(b *Board, s *Session, in Input) {
	log := b.sessionLog(s)

	switch in.Kind {
	case InputKey:
		h, ok := m.keys[handlerKey{s.State, s.Sub}]
		if !ok {
			return
		}
		h(b, s, in)
	case InputLine:
		in.Text = strings.TrimRight(in.Text, "\r\n")
		h, ok := m.handlers[handlerKey{s.State, s.Sub}]
		if !ok {
			log.Error().Str("state", s.State.String()).Str("sub", s.Sub.String()).Msg("no handler bound, resetting session")
			b.reset(s)
			return
		}
		h(b, s, in)
	default:
		h, ok := m.commands[in.Kind]
		if !ok {
			log.Warn().Int("kind", int(in.Kind)).Msg("unknown command")
			return
		}
		if s.State != StateActive {
			b.fail(s, "cmd", ErrNotAuthenticated)
			return
		}
		h(b, s, in)
	}

	if s.Sub == SubNone {
		log.Error().Str("state", s.State.String()).Msg("handler left substate undefined, resetting session")
		b.reset(s)
	}
}

func (m *Machine) onEnter(b *Board, s *Session) {
	if fn, ok := m.enter[s.Sub]; ok {
		fn(b, s)
	}
}
