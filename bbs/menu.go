package bbs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"nodebbs/protocol"
)

const (
	minNameLen     = 2
	maxNameLen     = 20
	minPasswordLen = 4
	maxLocationLen = 40
)

func (b *Board) bindHandlers() {
	m := b.machine

	m.Bind(StateAuthenticating, SubLoginName, handleLoginName)
	m.Bind(StateAuthenticating, SubLoginPassword, handleLoginPassword)
	m.Bind(StateRegistering, SubNewName, handleNewName)
	m.Bind(StateRegistering, SubNewPassword, handleNewPassword)
	m.Bind(StateRegistering, SubNewPasswordConfirm, handleNewPasswordConfirm)
	m.Bind(StateRegistering, SubNewLocation, handleNewLocation)

	m.Bind(StateActive, SubDisplayMenu, func(b *Board, s *Session, _ Input) {
		b.transition(s, StateActive, SubDisplayMenu)
	})
	m.Bind(StateActive, SubReadCommand, handleCommand)
	m.Bind(StateActive, SubWhoOnline, func(b *Board, s *Session, _ Input) {
		b.transition(s, StateActive, SubReadCommand)
	})
	m.Bind(StateActive, SubChatTarget, handleChatTarget)
	m.Bind(StateActive, SubChat, handleChatInput)
	m.BindKey(StateActive, SubChat, handleChatInput)
	m.Bind(StateActive, SubOLMNode, handleOLMNode)
	m.Bind(StateActive, SubOLMCompose, func(b *Board, s *Session, in Input) {
		b.olm.AddLine(s, in.Text)
	})
	m.Bind(StateActive, SubJoinConference, handleJoinConference)
	m.Bind(StateActive, SubConfirmLogoff, handleConfirmLogoff)

	m.Command(InputChatRequest, func(b *Board, s *Session, in Input) {
		if _, err := b.chat.Request(s, in.Text); err != nil {
			b.fail(s, "chatreq", err)
		}
	})
	m.Command(InputChatAccept, func(b *Board, s *Session, in Input) {
		if err := b.chat.Accept(in.Text, s); err != nil {
			b.fail(s, "chatacc", err)
		}
	})
	m.Command(InputChatDecline, func(b *Board, s *Session, in Input) {
		if err := b.chat.Decline(in.Text, s); err != nil {
			b.fail(s, "chatdec", err)
		}
	})
	m.Command(InputChatMessage, func(b *Board, s *Session, in Input) {
		if err := b.chat.RelayMessage(s, in.Text); err != nil {
			b.fail(s, "chatmsg", err)
		}
	})
	m.Command(InputChatKey, func(b *Board, s *Session, in Input) {
		if err := b.chat.RelayKeystroke(s, in.Text); err != nil {
			b.fail(s, "chatkey", err)
		}
	})
	m.Command(InputChatEnd, func(b *Board, s *Session, _ Input) {
		if err := b.chat.End(s); err != nil {
			b.fail(s, "chatend", err)
		}
	})
	m.Command(InputOLMCompose, func(b *Board, s *Session, in Input) {
		node, err := strconv.Atoi(strings.TrimSpace(in.Text))
		if err != nil {
			b.fail(s, "olm", ErrInvalidNode)
			return
		}
		if err := b.olm.Compose(s, node); err != nil {
			b.fail(s, "olm", err)
		}
	})
	m.Command(InputOLMBlock, func(b *Board, s *Session, _ Input) {
		if _, err := b.olm.ToggleBlock(s); err != nil {
			b.fail(s, "olmq", err)
		}
	})

	m.OnEnter(SubLoginName, promptWith("Enter your name (or NEW to sign up): "))
	m.OnEnter(SubLoginPassword, promptWith("Password: "))
	m.OnEnter(SubNewName, promptWith("Choose a user name: "))
	m.OnEnter(SubNewPassword, promptWith("Choose a password: "))
	m.OnEnter(SubNewPasswordConfirm, promptWith("Repeat the password: "))
	m.OnEnter(SubNewLocation, promptWith("Where are you calling from? "))
	m.OnEnter(SubDisplayMenu, enterMenu)
	m.OnEnter(SubReadCommand, enterCommand)
	m.OnEnter(SubWhoOnline, promptWith("Press ENTER to continue. "))
	m.OnEnter(SubChatTarget, promptWith("Chat with which user? "))
	m.OnEnter(SubChat, enterChat)
	m.OnEnter(SubOLMNode, promptWith("Send a message to which node? "))
	m.OnEnter(SubOLMCompose, enterCompose)
	m.OnEnter(SubJoinConference, enterJoinConference)
	m.OnEnter(SubConfirmLogoff, promptWith("Log off now? (Y/N) "))
}

func promptWith(text string) EnterFunc {
	return func(b *Board, s *Session) {
		b.prompt(s, text)
	}
}

// Authentication

func handleLoginName(b *Board, s *Session, in Input) {
	name := strings.TrimSpace(in.Text)
	if name == "" {
		b.transition(s, StateAuthenticating, SubLoginName)
		return
	}

	if strings.EqualFold(name, "new") {
		s.Activity = &signupActivity{}
		b.print(s, "New user registration.")
		b.transition(s, StateRegistering, SubNewName)
		return
	}

	exists, err := b.users.UserExists(name)
	if err != nil {
		b.sessionLog(s).Error().Err(err).Msg("user lookup failed")
		b.fail(s, "login", fmt.Errorf("internal error"))
		b.transition(s, StateAuthenticating, SubLoginName)
		return
	}
	if !exists {
		b.print(s, "Unknown user. Type NEW to create an account.")
		b.transition(s, StateAuthenticating, SubLoginName)
		return
	}

	act, ok := s.Activity.(*loginActivity)
	if !ok {
		act = &loginActivity{}
		s.Activity = act
	}
	act.name = name
	b.transition(s, StateAuthenticating, SubLoginPassword)
}

func handleLoginPassword(b *Board, s *Session, in Input) {
	act, ok := s.Activity.(*loginActivity)
	if !ok || act.name == "" {
		b.reset(s)
		return
	}

	valid, err := b.users.AuthenticateUser(act.name, in.Text)
	if err != nil {
		b.sessionLog(s).Error().Err(err).Msg("authentication failed")
		b.fail(s, "login", fmt.Errorf("internal error"))
		b.transition(s, StateAuthenticating, SubLoginName)
		return
	}

	if !valid {
		act.attempts++
		b.sessionLog(s).Warn().Str("name", act.name).Int("attempts", act.attempts).Msg("bad password")
		if act.attempts >= b.opts.MaxLoginAttempts {
			b.print(s, "Too many failed attempts. Goodbye.")
			b.hangup(s, "auth")
			return
		}
		b.print(s, "Incorrect password.")
		b.transition(s, StateAuthenticating, SubLoginPassword)
		return
	}

	b.login(s, act.name)
}

// login binds the identity and enters the main menu.
func (b *Board) login(s *Session, name string) {
	if other, ok := b.reg.FindByName(name); ok && other != s {
		b.print(s, fmt.Sprintf("%s is already online on node %d.", other.Name(), other.Node))
		s.Activity = &loginActivity{}
		b.transition(s, StateAuthenticating, SubLoginName)
		return
	}

	user, err := b.users.GetUser(name)
	if err != nil {
		b.sessionLog(s).Error().Err(err).Str("name", name).Msg("failed to load user")
		b.fail(s, "login", fmt.Errorf("internal error"))
		s.Activity = &loginActivity{}
		b.transition(s, StateAuthenticating, SubLoginName)
		return
	}

	s.Identity = &Identity{
		UserID:        user.ID,
		Name:          user.Login,
		Location:      user.Location,
		SecLevel:      user.SecLevel,
		ChatAvailable: user.ChatAvailable,
	}
	s.Activity = nil
	if len(b.opts.Conferences) > 0 {
		s.Conference = 1
	}

	if err := b.users.UpdateLastOnline(user.Login, b.now()); err != nil {
		b.sessionLog(s).Warn().Err(err).Msg("failed to update last_online")
	}

	b.sessionLog(s).Info().Msg("logged in")
	b.print(s, fmt.Sprintf("Welcome, %s!", user.Login))
	b.transition(s, StateActive, SubDisplayMenu)
}

// hangup says goodbye and asks the transport to close the connection; the
// release happens when the connection's reader notices.
func (b *Board) hangup(s *Session, reason string) {
	b.send(s, protocol.TypeBye, reason)
	b.out.Close(s.ConnID)
}

// Registration

func handleNewName(b *Board, s *Session, in Input) {
	act, ok := s.Activity.(*signupActivity)
	if !ok {
		b.reset(s)
		return
	}

	name := strings.TrimSpace(in.Text)
	if msg := validateName(name); msg != "" {
		b.print(s, msg)
		b.transition(s, StateRegistering, SubNewName)
		return
	}

	exists, err := b.users.UserExists(name)
	if err != nil {
		b.sessionLog(s).Error().Err(err).Msg("user lookup failed")
		b.fail(s, "signup", fmt.Errorf("internal error"))
		b.transition(s, StateRegistering, SubNewName)
		return
	}
	if exists {
		b.print(s, "That name is taken, pick another.")
		b.transition(s, StateRegistering, SubNewName)
		return
	}

	act.name = name
	b.transition(s, StateRegistering, SubNewPassword)
}

func validateName(name string) string {
	n := utf8.RuneCountInString(name)
	if n < minNameLen || n > maxNameLen {
		return fmt.Sprintf("Names must be %d to %d characters long.", minNameLen, maxNameLen)
	}
	if strings.EqualFold(name, "new") || strings.EqualFold(name, "sysop") {
		return "That name is reserved."
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ' ' && r != '_' && r != '-' {
			return "Names may contain letters, digits, spaces, '_' and '-'."
		}
	}
	return ""
}

func handleNewPassword(b *Board, s *Session, in Input) {
	act, ok := s.Activity.(*signupActivity)
	if !ok {
		b.reset(s)
		return
	}
	if utf8.RuneCountInString(in.Text) < minPasswordLen {
		b.print(s, fmt.Sprintf("Passwords need at least %d characters.", minPasswordLen))
		b.transition(s, StateRegistering, SubNewPassword)
		return
	}
	act.password = in.Text
	b.transition(s, StateRegistering, SubNewPasswordConfirm)
}

func handleNewPasswordConfirm(b *Board, s *Session, in Input) {
	act, ok := s.Activity.(*signupActivity)
	if !ok {
		b.reset(s)
		return
	}
	if in.Text != act.password {
		act.password = ""
		b.print(s, "Passwords do not match.")
		b.transition(s, StateRegistering, SubNewPassword)
		return
	}
	b.transition(s, StateRegistering, SubNewLocation)
}

func handleNewLocation(b *Board, s *Session, in Input) {
	act, ok := s.Activity.(*signupActivity)
	if !ok {
		b.reset(s)
		return
	}

	location := strings.TrimSpace(protocol.Sanitize(in.Text))
	if utf8.RuneCountInString(location) > maxLocationLen {
		location = string([]rune(location)[:maxLocationLen])
	}

	if err := b.users.CreateUser(act.name, act.password, location); err != nil {
		b.sessionLog(s).Error().Err(err).Str("name", act.name).Msg("failed to create user")
		b.fail(s, "signup", fmt.Errorf("could not create account"))
		s.Activity = &loginActivity{}
		b.transition(s, StateAuthenticating, SubLoginName)
		return
	}

	b.sessionLog(s).Info().Str("name", act.name).Msg("new user registered")
	b.login(s, act.name)
}

// Main menu

var menuLines = []string{
	"-- Main Menu --",
	"  W  Who's online            O  Send message (O <node>)",
	"  R  Reply to last message   Q  Toggle message blocking",
	"  C  Request chat (C <user>) A  Toggle chat availability",
	"  Y  Accept chat (Y [id])    N  Decline chat (N [id])",
	"  J  Join conference         T  Time online",
	"  ?  This menu               G  Goodbye",
}

func enterMenu(b *Board, s *Session) {
	b.print(s, menuLines...)
	b.transition(s, StateActive, SubReadCommand)
}

func enterCommand(b *Board, s *Session) {
	b.olm.Drain(s)
	conf := ""
	if s.Conference > 0 && s.Conference <= len(b.opts.Conferences) {
		conf = " " + b.opts.Conferences[s.Conference-1]
	}
	b.prompt(s, fmt.Sprintf("[Node %d%s] Command: ", s.Node, conf))
}

func handleCommand(b *Board, s *Session, in Input) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(in.Text), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToUpper(cmd) {
	case "":
		b.transition(s, StateActive, SubReadCommand)
	case "?", "M":
		b.transition(s, StateActive, SubDisplayMenu)
	case "W":
		if !b.allowed(s, CapWho) {
			b.fail(s, "who", ErrDenied)
			b.transition(s, StateActive, SubReadCommand)
			return
		}
		b.printWho(s)
		b.transition(s, StateActive, SubWhoOnline)
	case "O":
		if arg == "" {
			b.transition(s, StateActive, SubOLMNode)
			return
		}
		composeTo(b, s, arg)
	case "R":
		if err := b.olm.Reply(s); err != nil {
			b.fail(s, "olm", err)
			b.transition(s, StateActive, SubReadCommand)
		}
	case "Q":
		if _, err := b.olm.ToggleBlock(s); err != nil {
			b.fail(s, "olmq", err)
		}
		b.transition(s, StateActive, SubReadCommand)
	case "C":
		if arg == "" {
			b.transition(s, StateActive, SubChatTarget)
			return
		}
		requestChat(b, s, arg)
	case "A":
		b.toggleAvailable(s)
		b.transition(s, StateActive, SubReadCommand)
	case "Y":
		if err := b.chat.Accept(arg, s); err != nil {
			b.fail(s, "chatacc", err)
			b.transition(s, StateActive, SubReadCommand)
		}
		// on success the chat has already moved s into SubChat
	case "N":
		if err := b.chat.Decline(arg, s); err != nil {
			b.fail(s, "chatdec", err)
		}
		b.transition(s, StateActive, SubReadCommand)
	case "J":
		if !b.allowed(s, CapConference) {
			b.fail(s, "join", ErrDenied)
			b.transition(s, StateActive, SubReadCommand)
			return
		}
		if arg == "" {
			b.transition(s, StateActive, SubJoinConference)
			return
		}
		b.joinConference(s, arg)
	case "T":
		online := b.now().Sub(s.ConnectedAt).Round(time.Second)
		b.print(s, fmt.Sprintf("You have been online for %s.", online))
		b.transition(s, StateActive, SubReadCommand)
	case "G":
		b.transition(s, StateActive, SubConfirmLogoff)
	default:
		b.print(s, fmt.Sprintf("Unknown command %q. Type ? for the menu.", cmd))
		b.transition(s, StateActive, SubReadCommand)
	}
}

func (b *Board) printWho(s *Session) {
	b.print(s, "Node  User                  Activity")
	for _, other := range b.reg.Sessions() {
		name := other.Name()
		if name == "" {
			name = "(logging in)"
		}
		flags := ""
		if other.Quiet {
			flags += " [quiet]"
		}
		if other.Identity != nil && other.Identity.ChatAvailable {
			flags += " [chat]"
		}
		b.print(s, fmt.Sprintf("%4d  %-20s  %s%s", other.Node, name, other.Doing(), flags))
	}
}

func (b *Board) toggleAvailable(s *Session) {
	s.Identity.ChatAvailable = !s.Identity.ChatAvailable
	if err := b.users.SetChatAvailable(s.Identity.Name, s.Identity.ChatAvailable); err != nil {
		b.sessionLog(s).Warn().Err(err).Msg("failed to persist chat availability")
	}
	if s.Identity.ChatAvailable {
		b.print(s, "You are now available for chat.")
	} else {
		b.print(s, "You are no longer available for chat.")
	}
}

func composeTo(b *Board, s *Session, arg string) {
	node, err := strconv.Atoi(arg)
	if err != nil {
		b.fail(s, "olm", ErrInvalidNode)
		b.transition(s, StateActive, SubReadCommand)
		return
	}
	if err := b.olm.Compose(s, node); err != nil {
		b.fail(s, "olm", err)
		b.transition(s, StateActive, SubReadCommand)
	}
}

func requestChat(b *Board, s *Session, target string) {
	if _, err := b.chat.Request(s, target); err != nil {
		b.fail(s, "chatreq", err)
	}
	b.transition(s, StateActive, SubReadCommand)
}

func handleChatTarget(b *Board, s *Session, in Input) {
	target := strings.TrimSpace(in.Text)
	if target == "" {
		b.transition(s, StateActive, SubReadCommand)
		return
	}
	requestChat(b, s, target)
}

func handleOLMNode(b *Board, s *Session, in Input) {
	arg := strings.TrimSpace(in.Text)
	if arg == "" {
		b.transition(s, StateActive, SubReadCommand)
		return
	}
	composeTo(b, s, arg)
}

// Chat

func enterChat(b *Board, s *Session) {
	act := s.chat()
	if act == nil {
		return
	}
	b.print(s, fmt.Sprintf("You are now chatting with %s (node %d). Type /end to leave.", act.peerName, act.peerNode))
}

func handleChatInput(b *Board, s *Session, in Input) {
	var err error
	op := "chatmsg"

	switch {
	case in.Kind == InputKey:
		op = "chatkey"
		err = b.chat.RelayKeystroke(s, in.Text)
	case isChatEnd(in.Text):
		op = "chatend"
		err = b.chat.End(s)
	default:
		err = b.chat.RelayMessage(s, in.Text)
	}

	if err != nil {
		b.fail(s, op, err)
	}
	if s.Sub == SubChat && !s.InChat() {
		b.reset(s)
	}
}

func isChatEnd(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/end", "/quit", "/q":
		return true
	}
	return false
}

// OLM compose

func enterCompose(b *Board, s *Session) {
	draft, ok := s.Activity.(*olmDraft)
	if !ok {
		return
	}
	b.print(s, fmt.Sprintf("Message to node %d, up to %d lines. /s sends, /a aborts.", draft.target, b.opts.OLMMaxLines))
	b.prompt(s, strconv.Itoa(len(draft.lines)+1)+"> ")
}

// Conferences

func enterJoinConference(b *Board, s *Session) {
	for i, name := range b.opts.Conferences {
		b.print(s, fmt.Sprintf("  %2d  %s", i+1, name))
	}
	b.prompt(s, "Conference number: ")
}

func handleJoinConference(b *Board, s *Session, in Input) {
	arg := strings.TrimSpace(in.Text)
	if arg == "" {
		b.transition(s, StateActive, SubReadCommand)
		return
	}
	b.joinConference(s, arg)
}

func (b *Board) joinConference(s *Session, arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(b.opts.Conferences) {
		b.print(s, "No such conference.")
	} else {
		s.Conference = n
		b.print(s, fmt.Sprintf("Joined conference %d: %s.", n, b.opts.Conferences[n-1]))
	}
	b.transition(s, StateActive, SubReadCommand)
}

// Logoff

func handleConfirmLogoff(b *Board, s *Session, in Input) {
	switch strings.ToUpper(strings.TrimSpace(in.Text)) {
	case "Y", "YES":
		b.print(s, fmt.Sprintf("Thanks for calling %s. Goodbye!", b.opts.Name))
		b.hangup(s, "logoff")
	case "N", "NO", "":
		b.transition(s, StateActive, SubReadCommand)
	default:
		b.transition(s, StateActive, SubConfirmLogoff)
	}
}
