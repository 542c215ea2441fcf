package bbs

import (
	"time"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRegistering
	StateActive
)

var stateNames = map[State]string{
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateRegistering:    "registering",
	StateActive:         "active",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Substate is the fine-grained position inside a State. It selects the
// handler for the next line of input. SubNone is never a valid resting
// position.
type Substate int

const (
	SubNone Substate = iota
	SubLoginName
	SubLoginPassword
	SubNewName
	SubNewPassword
	SubNewPasswordConfirm
	SubNewLocation
	SubDisplayMenu
	SubReadCommand
	SubWhoOnline
	SubChatTarget
	SubChat
	SubOLMNode
	SubOLMCompose
	SubJoinConference
	SubConfirmLogoff
)

var substateNames = map[Substate]string{
	SubNone:               "none",
	SubLoginName:          "login_name",
	SubLoginPassword:      "login_password",
	SubNewName:            "new_name",
	SubNewPassword:        "new_password",
	SubNewPasswordConfirm: "new_password_confirm",
	SubNewLocation:        "new_location",
	SubDisplayMenu:        "display_menu",
	SubReadCommand:        "read_command",
	SubWhoOnline:          "who_online",
	SubChatTarget:         "chat_target",
	SubChat:               "chat",
	SubOLMNode:            "olm_node",
	SubOLMCompose:         "olm_compose",
	SubJoinConference:     "join_conference",
	SubConfirmLogoff:      "confirm_logoff",
}

func (s Substate) String() string {
	if name, ok := substateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Identity is what the user store vouches for once a session logs in.
type Identity struct {
	UserID        int64
	Name          string
	Location      string
	SecLevel      int
	ChatAvailable bool
}

// Activity is the protocol-owned scratch state of a session. At most one
// protocol owns a session at a time; the concrete types below are the only
// implementations.
type Activity interface {
	activity()
}

type loginActivity struct {
	name     string
	attempts int
}

type signupActivity struct {
	name     string
	password string
}

type olmDraft struct {
	target int
	lines  []string
}

// position is a saved (state, substate, activity) triple restored when a
// chat ends.
type position struct {
	state    State
	sub      Substate
	activity Activity
}

type chatActivity struct {
	chatID   string
	peerNode int
	peerConn string
	peerName string
	saved    position

	preview []rune
	lastKey time.Time
	idle    *time.Timer
	idleGen int
}

func (*loginActivity) activity()  {}
func (*signupActivity) activity() {}
func (*olmDraft) activity()       {}
func (*chatActivity) activity()   {}

// stopIdle cancels a pending typing-idle callback. The generation bump makes
// a callback that already fired and is waiting on the board lock a no-op.
func (a *chatActivity) stopIdle() {
	a.idleGen++
	if a.idle != nil {
		a.idle.Stop()
		a.idle = nil
	}
}

// Session is the live record of one connection. It is owned by the
// Registry; everything else borrows it under the Board lock.
type Session struct {
	ConnID       string
	Origin       string
	Node         int
	Identity     *Identity
	State        State
	Sub          Substate
	ConnectedAt  time.Time
	LastActivity time.Time
	Conference   int

	// Quiet blocks incoming OLMs.
	Quiet bool
	// LastSender is the node of the most recent OLM sender, 0 when none.
	LastSender int

	Mailbox  Mailbox
	Activity Activity
}

func (s *Session) Authenticated() bool {
	return s.Identity != nil
}

func (s *Session) Name() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.Name
}

// IdleAtPrompt reports whether the session is waiting at the main command
// prompt, the only place an OLM is displayed immediately.
func (s *Session) IdleAtPrompt() bool {
	return s.State == StateActive && s.Sub == SubReadCommand
}

func (s *Session) InChat() bool {
	_, ok := s.Activity.(*chatActivity)
	return ok
}

func (s *Session) chat() *chatActivity {
	act, _ := s.Activity.(*chatActivity)
	return act
}

// Doing describes the session for the who's-online list.
func (s *Session) Doing() string {
	switch {
	case s.State != StateActive:
		return "logging in"
	case s.Sub == SubChat:
		return "chatting"
	case s.Sub == SubOLMCompose || s.Sub == SubOLMNode:
		return "writing a message"
	case s.Sub == SubJoinConference:
		return "joining a conference"
	default:
		return "main menu"
	}
}

// NodeInfo is a copy of the public parts of a session, safe to use outside
// the Board lock.
type NodeInfo struct {
	Node          int
	ConnID        string
	Origin        string
	Name          string
	State         State
	Sub           Substate
	Doing         string
	Quiet         bool
	ChatAvailable bool
	PendingOLMs   int
	ConnectedAt   time.Time
	LastActivity  time.Time
}

func (s *Session) info() NodeInfo {
	info := NodeInfo{
		Node:         s.Node,
		ConnID:       s.ConnID,
		Origin:       s.Origin,
		Name:         s.Name(),
		State:        s.State,
		Sub:          s.Sub,
		Doing:        s.Doing(),
		Quiet:        s.Quiet,
		PendingOLMs:  s.Mailbox.Pending(),
		ConnectedAt:  s.ConnectedAt,
		LastActivity: s.LastActivity,
	}
	if s.Identity != nil {
		info.ChatAvailable = s.Identity.ChatAvailable
	}
	return info
}
