package bbs

import (
	"testing"
	"time"

	"nodebbs/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastFail(t *testing.T, tb *testBoard, connID string) (string, string) {
	t.Helper()
	f, ok := tb.out.last(connID, protocol.TypeFail)
	require.True(t, ok, "no fail packet for %s", connID)
	return f.field(0), f.field(1)
}

func TestChatRequestAndAccept(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")

	tb.Input("a", Line("C bob"))

	pending, ok := tb.out.last("a", protocol.TypeChatPending)
	require.True(t, ok)
	inv, ok := tb.out.last("b", protocol.TypeChatInvite)
	require.True(t, ok)
	assert.Equal(t, pending.field(0), inv.field(0))
	assert.Equal(t, "1", inv.field(1))
	assert.Equal(t, "alice", inv.field(2))

	// a pending request does not take either side off the prompt
	_, subA := tb.position(t, "a")
	_, subB := tb.position(t, "b")
	assert.Equal(t, SubReadCommand, subA)
	assert.Equal(t, SubReadCommand, subB)

	tb.Input("b", Line("Y"))

	for conn, peer := range map[string]string{"a": "bob", "b": "alice"} {
		start, ok := tb.out.last(conn, protocol.TypeChatStart)
		require.True(t, ok, conn)
		assert.Equal(t, inv.field(0), start.field(0))
		assert.Equal(t, peer, start.field(2))
		_, sub := tb.position(t, conn)
		assert.Equal(t, SubChat, sub)
	}

	st := tb.Stats()
	assert.Equal(t, 1, st.ActiveChats)
	assert.Equal(t, 0, st.PendingRequests)

	rec, ok := tb.store.record(inv.field(0))
	require.True(t, ok)
	assert.Equal(t, string(ChatActive), rec.Status)
}

func TestChatRelayOrderIsSharedByBothSides(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	id := tb.startChat(t, "a", "b", "bob")

	tb.Input("a", Line("hi bob"))
	tb.Input("b", Line("hi alice"))
	tb.Input("a", Input{Kind: InputChatMessage, Text: "how are you?"})

	want := []string{"alice:hi bob", "bob:hi alice", "alice:how are you?"}
	for _, conn := range []string{"a", "b"} {
		var got []string
		for _, m := range tb.out.of(conn, protocol.TypeChatMessage) {
			assert.Equal(t, id, m.field(0))
			got = append(got, m.field(1)+":"+m.field(2))
		}
		assert.Equal(t, want, got, conn)
	}

	lines := tb.store.chatLines()
	require.Len(t, lines, 3)
	assert.Equal(t, "bob", lines[0].Recipient)
	assert.Equal(t, id, lines[2].ChatID)
}

func TestChatMessageValidation(t *testing.T) {
	tb := newTestBoard(t, func(o *Options) { o.MaxChatMessage = 5 })
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.startChat(t, "a", "b", "bob")

	tb.Input("a", Line("   "))
	op, msg := lastFail(t, tb, "a")
	assert.Equal(t, "chatmsg", op)
	assert.Equal(t, ErrMessageEmpty.Error(), msg)

	tb.Input("a", Line("too long"))
	_, msg = lastFail(t, tb, "a")
	assert.Equal(t, ErrMessageTooLong.Error(), msg)

	assert.Empty(t, tb.out.of("b", protocol.TypeChatMessage))
	_, sub := tb.position(t, "a")
	assert.Equal(t, SubChat, sub)

	tb.Input("a", Line("\x1b]0;title\x07ok"))
	m, ok := tb.out.last("b", protocol.TypeChatMessage)
	require.True(t, ok)
	assert.Equal(t, "ok", m.field(2))
}

func TestChatRelayRequiresCapability(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	id := tb.startChat(t, "a", "b", "bob")
	tb.setGate(LevelGate{CapChat: 50})

	tb.Input("a", Line("hello"))
	op, msg := lastFail(t, tb, "a")
	assert.Equal(t, "chatmsg", op)
	assert.Equal(t, ErrDenied.Error(), msg)

	tb.Input("a", Key("x"))
	op, msg = lastFail(t, tb, "a")
	assert.Equal(t, "chatkey", op)
	assert.Equal(t, ErrDenied.Error(), msg)

	tb.Input("a", Input{Kind: InputChatEnd})
	op, msg = lastFail(t, tb, "a")
	assert.Equal(t, "chatend", op)
	assert.Equal(t, ErrDenied.Error(), msg)

	assert.Empty(t, tb.out.of("b", protocol.TypeChatMessage))
	assert.Empty(t, tb.out.of("b", protocol.TypeChatTyping))
	cs, ok := tb.chat.Get(id)
	require.True(t, ok)
	assert.Equal(t, ChatActive, cs.Status)
	assert.Equal(t, 0, cs.Messages)
}

func TestChatRequestRejections(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.login(t, "c", "carol")
	tb.login(t, "d", "dave")
	require.NoError(t, tb.store.CreateUser("erin", "pw", ""))

	tb.Input("a", Line("C alice"))
	_, msg := lastFail(t, tb, "a")
	assert.Equal(t, ErrSelfChat.Error(), msg)

	tb.Input("a", Line("C zed"))
	_, msg = lastFail(t, tb, "a")
	assert.Equal(t, ErrTargetNotFound.Error(), msg)

	tb.Input("a", Line("C erin"))
	_, msg = lastFail(t, tb, "a")
	assert.Equal(t, ErrTargetOffline.Error(), msg)

	tb.Input("d", Line("A"))
	tb.Input("a", Line("C dave"))
	_, msg = lastFail(t, tb, "a")
	assert.Equal(t, ErrTargetUnavailable.Error(), msg)

	tb.Input("d", Line("C alice"))
	_, msg = lastFail(t, tb, "d")
	assert.Equal(t, ErrNotAvailable.Error(), msg)

	tb.Input("a", Line("C bob"))
	tb.Input("a", Line("C carol"))
	_, msg = lastFail(t, tb, "a")
	assert.Equal(t, ErrRequestPending.Error(), msg)

	assert.Equal(t, 1, tb.Stats().PendingRequests)
	assert.Empty(t, tb.out.of("c", protocol.TypeChatInvite), "rejections change nothing")
}

func TestChatBusyTargetRejected(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.login(t, "c", "carol")
	tb.startChat(t, "a", "b", "bob")

	tb.Input("c", Line("C alice"))
	op, msg := lastFail(t, tb, "c")
	assert.Equal(t, "chatreq", op)
	assert.Equal(t, ErrTargetBusy.Error(), msg)
	assert.Empty(t, tb.out.of("a", protocol.TypeChatInvite))

	tb.Input("a", Input{Kind: InputChatRequest, Text: "carol"})
	_, msg = lastFail(t, tb, "a")
	assert.Equal(t, ErrAlreadyInChat.Error(), msg)
	assert.Equal(t, 1, tb.Stats().ActiveChats)
}

func TestChatAcceptValidation(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.login(t, "c", "carol")

	tb.Input("b", Input{Kind: InputChatAccept, Text: "nope"})
	_, msg := lastFail(t, tb, "b")
	assert.Equal(t, ErrNoSuchChat.Error(), msg)

	tb.Input("a", Line("C bob"))
	inv, _ := tb.out.last("b", protocol.TypeChatInvite)

	tb.Input("c", Input{Kind: InputChatAccept, Text: inv.field(0)})
	_, msg = lastFail(t, tb, "c")
	assert.Equal(t, ErrNotRecipient.Error(), msg)

	tb.Input("a", Input{Kind: InputChatAccept, Text: inv.field(0)})
	_, msg = lastFail(t, tb, "a")
	assert.Equal(t, ErrNotRecipient.Error(), msg, "the initiator cannot accept")

	assert.Equal(t, 1, tb.Stats().PendingRequests)
}

func TestChatDecline(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")

	tb.Input("a", Line("C bob"))
	inv, _ := tb.out.last("b", protocol.TypeChatInvite)
	tb.Input("b", Line("N"))

	dec, ok := tb.out.last("a", protocol.TypeChatDeclined)
	require.True(t, ok)
	assert.Equal(t, inv.field(0), dec.field(0))
	assert.Equal(t, "bob", dec.field(1))
	assert.Equal(t, 0, tb.Stats().PendingRequests)

	rec, _ := tb.store.record(inv.field(0))
	assert.Equal(t, string(ChatDeclined), rec.Status)

	tb.Input("b", Line("Y "+inv.field(0)))
	_, msg := lastFail(t, tb, "b")
	assert.Equal(t, ErrNoSuchChat.Error(), msg)

	// alice may ask again once answered
	tb.Input("a", Line("C bob"))
	assert.Len(t, tb.out.of("b", protocol.TypeChatInvite), 2)
}

func TestChatRequestTimesOut(t *testing.T) {
	tb := newTestBoard(t, func(o *Options) { o.ChatRequestTimeout = 30 * time.Millisecond })
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")

	tb.Input("a", Line("C bob"))
	inv, _ := tb.out.last("b", protocol.TypeChatInvite)

	require.Eventually(t, func() bool {
		_, ok := tb.out.last("a", protocol.TypeChatTimeout)
		return ok
	}, time.Second, 5*time.Millisecond)
	// Stats takes the board lock, so the timer callback has finished
	assert.Equal(t, 0, tb.Stats().PendingRequests)

	to, ok := tb.out.last("b", protocol.TypeChatTimeout)
	require.True(t, ok)
	assert.Equal(t, inv.field(0), to.field(0))

	rec, _ := tb.store.record(inv.field(0))
	assert.Equal(t, string(ChatTimeout), rec.Status)

	tb.Input("b", Line("Y "+inv.field(0)))
	_, msg := lastFail(t, tb, "b")
	assert.Equal(t, ErrNoSuchChat.Error(), msg)
}

func TestChatTimeoutAfterAcceptIsNoop(t *testing.T) {
	tb := newTestBoard(t, func(o *Options) { o.ChatRequestTimeout = 20 * time.Millisecond })
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	id := tb.startChat(t, "a", "b", "bob")

	// fire the callback by hand as if the timer had raced the accept
	tb.mu.Lock()
	cs := tb.chat.chats[id]
	require.NotNil(t, cs)
	tb.chat.expire(cs)
	tb.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tb.out.of("a", protocol.TypeChatTimeout))
	assert.Equal(t, 1, tb.Stats().ActiveChats)
	_, sub := tb.position(t, "a")
	assert.Equal(t, SubChat, sub)
}

func TestChatEndRestoresBothSides(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	id := tb.startChat(t, "a", "b", "bob")
	tb.Input("a", Line("bye"))

	tb.Input("b", Line("/END"))

	for _, conn := range []string{"a", "b"} {
		end, ok := tb.out.last(conn, protocol.TypeChatEnd)
		require.True(t, ok, conn)
		assert.Equal(t, id, end.field(0))
		assert.Equal(t, EndedByUser, end.field(1))
		assert.Equal(t, "1", end.field(3))

		tb.with(t, conn, func(s *Session) {
			assert.Equal(t, SubReadCommand, s.Sub)
			assert.Nil(t, s.Activity)
		})
	}
	assert.Equal(t, 0, tb.out.groupCount())
	assert.Equal(t, 0, tb.Stats().ActiveChats)

	rec, _ := tb.store.record(id)
	assert.Equal(t, string(ChatEnded), rec.Status)
	assert.Equal(t, 1, rec.MessageCount)
	assert.False(t, rec.EndedAt.IsZero())

	tb.Input("a", Input{Kind: InputChatEnd})
	_, msg := lastFail(t, tb, "a")
	assert.Equal(t, ErrNotInChat.Error(), msg)
}

func TestChatRestoresSavedActivity(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.login(t, "c", "carol")

	// bob is halfway through a message to carol when alice's chat starts
	tb.Input("a", Line("C bob"))
	tb.Input("b", Line("O 3"))
	tb.Input("b", Line("line one"))
	inv, _ := tb.out.last("b", protocol.TypeChatInvite)
	tb.Input("b", Input{Kind: InputChatAccept, Text: inv.field(0)})

	_, sub := tb.position(t, "b")
	require.Equal(t, SubChat, sub)

	tb.Input("a", Input{Kind: InputChatEnd})

	tb.with(t, "b", func(s *Session) {
		assert.Equal(t, SubOLMCompose, s.Sub)
		draft, ok := s.Activity.(*olmDraft)
		require.True(t, ok)
		assert.Equal(t, []string{"line one"}, draft.lines)
	})

	tb.Input("b", Line("/s"))
	msg, ok := tb.out.last("c", protocol.TypeOLM)
	require.True(t, ok)
	assert.Equal(t, "line one", msg.field(3))
}

func TestChatPartnerDisconnect(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	id := tb.startChat(t, "a", "b", "bob")

	tb.Disconnect("b")

	left, ok := tb.out.last("a", protocol.TypeChatLeft)
	require.True(t, ok)
	assert.Equal(t, id, left.field(0))
	assert.Equal(t, "bob", left.field(1))

	end, ok := tb.out.last("a", protocol.TypeChatEnd)
	require.True(t, ok)
	assert.Equal(t, EndedPartnerLeft, end.field(1))

	tb.with(t, "a", func(s *Session) {
		assert.Equal(t, SubReadCommand, s.Sub)
		assert.False(t, s.InChat())
	})
	assert.Equal(t, 0, tb.out.groupCount())
	assert.Equal(t, 0, tb.Stats().ActiveChats)

	// alice is free to chat again
	tb.login(t, "c", "carol")
	tb.startChat(t, "a", "c", "carol")
}

func TestChatRequestWithdrawnOnDisconnect(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")

	tb.Input("a", Line("C bob"))
	inv, _ := tb.out.last("b", protocol.TypeChatInvite)
	tb.Disconnect("a")

	left, ok := tb.out.last("b", protocol.TypeChatLeft)
	require.True(t, ok)
	assert.Equal(t, inv.field(0), left.field(0))
	assert.Equal(t, 0, tb.Stats().PendingRequests)

	tb.Input("b", Line("Y"))
	_, msg := lastFail(t, tb, "b")
	assert.Equal(t, ErrNoSuchChat.Error(), msg, "no open invite left to pick")

	tb.Input("b", Input{Kind: InputChatAccept, Text: inv.field(0)})
	_, msg = lastFail(t, tb, "b")
	assert.Equal(t, ErrNoLongerAvailable.Error(), msg)

	tb.Input("b", Line("N "+inv.field(0)))
	_, msg = lastFail(t, tb, "b")
	assert.Equal(t, ErrNoLongerAvailable.Error(), msg)

	// only the addressee learns the request existed
	tb.login(t, "c", "carol")
	tb.Input("c", Input{Kind: InputChatAccept, Text: inv.field(0)})
	_, msg = lastFail(t, tb, "c")
	assert.Equal(t, ErrNoSuchChat.Error(), msg)
}

func TestChatLatestInviteWithEqualTimestamps(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.login(t, "c", "carol")

	frozen := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tb.mu.Lock()
	tb.now = func() time.Time { return frozen }
	tb.mu.Unlock()

	tb.Input("a", Line("C bob"))
	tb.Input("c", Line("C bob"))
	invites := tb.out.of("b", protocol.TypeChatInvite)
	require.Len(t, invites, 2)

	tb.Input("b", Line("Y"))
	start, ok := tb.out.last("b", protocol.TypeChatStart)
	require.True(t, ok)
	assert.Equal(t, invites[1].field(0), start.field(0))
	assert.Equal(t, "carol", start.field(2))
}

func TestChatAcceptWithdrawsOwnRequest(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.login(t, "c", "carol")

	tb.Input("b", Line("C carol"))
	tb.Input("a", Line("C bob"))
	inv, _ := tb.out.last("b", protocol.TypeChatInvite)
	tb.Input("b", Input{Kind: InputChatAccept, Text: inv.field(0)})

	_, ok := tb.out.last("c", protocol.TypeChatLeft)
	assert.True(t, ok, "carol hears that bob's invitation is gone")
	st := tb.Stats()
	assert.Equal(t, 1, st.ActiveChats)
	assert.Equal(t, 0, st.PendingRequests)
}

func TestChatAcceptWhenInitiatorBusy(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.login(t, "c", "carol")

	tb.Input("a", Line("C bob"))
	inv, _ := tb.out.last("b", protocol.TypeChatInvite)

	// force alice into another chat behind the coordinator's back
	tb.mu.Lock()
	alice, _ := tb.reg.Get("a")
	carol, _ := tb.reg.Get("c")
	other := &ChatSession{ID: "other", InitiatorConn: "a", RecipientConn: "c", Status: ChatActive, StartedAt: tb.now()}
	tb.chat.chats[other.ID] = other
	tb.chat.pair(other, alice, carol)
	tb.chat.pair(other, carol, alice)
	tb.mu.Unlock()

	tb.Input("b", Input{Kind: InputChatAccept, Text: inv.field(0)})
	_, msg := lastFail(t, tb, "b")
	assert.Equal(t, ErrNoLongerAvailable.Error(), msg)

	_, sub := tb.position(t, "b")
	assert.Equal(t, SubReadCommand, sub)
	_, ok := tb.chat.Get(inv.field(0))
	assert.False(t, ok, "the stale request is discarded")
}

func TestChatTypingPreview(t *testing.T) {
	tb := newTestBoard(t, func(o *Options) { o.TypingIdle = 20 * time.Millisecond })
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.startChat(t, "a", "b", "bob")

	for _, k := range []string{"h", "e", "y", "\x7f"} {
		tb.Input("a", Key(k))
	}
	typing, ok := tb.out.last("b", protocol.TypeChatTyping)
	require.True(t, ok)
	assert.Equal(t, "alice", typing.field(0))
	assert.Equal(t, "he", typing.field(1))
	assert.Equal(t, "typing", typing.field(2))
	assert.Empty(t, tb.out.of("a", protocol.TypeChatTyping), "the typist gets no echo")

	require.Eventually(t, func() bool {
		p, ok := tb.out.last("b", protocol.TypeChatTyping)
		return ok && p.field(2) == "idle"
	}, time.Second, 5*time.Millisecond)

	p, _ := tb.out.last("b", protocol.TypeChatTyping)
	assert.Equal(t, "he", p.field(1), "idle keeps the preview")

	tb.Input("a", Key("\x1b"))
	tb.Input("a", Input{Kind: InputChatKey, Text: "!"})
	tb.Input("a", Key("\r"))

	m, ok := tb.out.last("b", protocol.TypeChatMessage)
	require.True(t, ok)
	assert.Equal(t, "he!", m.field(2))

	tb.with(t, "a", func(s *Session) {
		assert.Empty(t, s.chat().preview)
	})
}

func TestChatTypingIdleSkippedAfterChatEnds(t *testing.T) {
	tb := newTestBoard(t, func(o *Options) { o.TypingIdle = 20 * time.Millisecond })
	tb.login(t, "a", "alice")
	tb.login(t, "b", "bob")
	tb.startChat(t, "a", "b", "bob")

	tb.Input("a", Key("x"))
	tb.Input("a", Line("/q"))
	time.Sleep(60 * time.Millisecond)

	for _, p := range tb.out.of("b", protocol.TypeChatTyping) {
		assert.NotEqual(t, "idle", p.field(2))
	}
}

func TestChatKeystrokeOutsideChat(t *testing.T) {
	tb := newTestBoard(t)
	tb.login(t, "a", "alice")

	tb.Input("a", Input{Kind: InputChatKey, Text: "x"})
	op, msg := lastFail(t, tb, "a")
	assert.Equal(t, "chatkey", op)
	assert.Equal(t, ErrNotInChat.Error(), msg)
}

func TestAtMostOneActiveChatPerNode(t *testing.T) {
	tb := newTestBoard(t)
	names := []string{"alice", "bob", "carol", "dave"}
	conns := []string{"a", "b", "c", "d"}
	for i := range names {
		tb.login(t, conns[i], names[i])
	}

	tb.startChat(t, "a", "b", "bob")
	tb.Input("c", Line("C bob"))
	tb.Input("d", Line("C alice"))
	tb.startChat(t, "c", "d", "dave")

	tb.mu.Lock()
	perNode := make(map[string]int)
	for _, cs := range tb.chat.chats {
		if cs.Status == ChatActive {
			perNode[cs.InitiatorConn]++
			perNode[cs.RecipientConn]++
		}
	}
	tb.mu.Unlock()

	for conn, n := range perNode {
		assert.Equal(t, 1, n, conn)
	}
	assert.Len(t, perNode, 4)
}
