package wait

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pepobot/internal/clock"
	"pepobot/internal/transport"
)

type sentText struct {
	jid   string
	text  string
	quote string
}

type sentEdit struct {
	jid   string
	msgID string
	text  string
}

// fakeSender records outbound traffic for assertions.
type fakeSender struct {
	mu       sync.Mutex
	texts    []sentText
	edits    []sentEdit
	failEdit bool
}

func (f *fakeSender) SendText(_ context.Context, jid, text string, opts *transport.SendOpts) (transport.MsgRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := sentText{jid: jid, text: text}
	if opts != nil {
		st.quote = opts.QuoteID
	}
	f.texts = append(f.texts, st)
	return transport.MsgRef{ID: "sent"}, nil
}

func (f *fakeSender) EditText(_ context.Context, jid, msgID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEdit {
		return errors.New("edit rejected")
	}
	f.edits = append(f.edits, sentEdit{jid: jid, msgID: msgID, text: text})
	return nil
}

func (f *fakeSender) SendMedia(context.Context, string, transport.Media) error { return nil }

func (f *fakeSender) SetPresence(context.Context, string, transport.Presence) error { return nil }

func (f *fakeSender) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func event(chat, text string) transport.Event {
	return transport.Event{Chat: chat, Sender: chat, ID: "msg-1", Content: transport.Content{Text: text}}
}

func newTestScheduler(send transport.Sender, clk clock.Clock) *Scheduler {
	return NewScheduler(send, clk, ".", time.Minute, zerolog.Nop())
}

func TestResumeIsOneShot(t *testing.T) {
	send := &fakeSender{}
	clk := clock.NewMock(time.Now())
	s := newTestScheduler(send, clk)

	var gotInput string
	var gotState *State
	s.Set("chat", "play", func(_ context.Context, _ transport.Event, input string, st *State) error {
		gotInput = input
		gotState = st
		return nil
	}, Options{Payload: map[string]any{"k": "v"}, Extras: 42})

	require.True(t, s.Waiting("chat"))
	res := s.Check(context.Background(), event("chat", "  2  "), "  2  ")
	assert.Equal(t, Handled, res)
	assert.Equal(t, "2", gotInput)
	require.NotNil(t, gotState)
	assert.Equal(t, "play", gotState.CommandName)
	assert.Equal(t, "v", gotState.Payload["k"])
	assert.Equal(t, 42, gotState.Extras)

	// Consumed: the next message routes normally.
	assert.False(t, s.Waiting("chat"))
	assert.Equal(t, NotWaiting, s.Check(context.Background(), event("chat", "3"), "3"))
}

func TestCancelTokenEditsOrigin(t *testing.T) {
	send := &fakeSender{}
	s := newTestScheduler(send, clock.NewMock(time.Now()))

	s.Set("chat", "play", func(context.Context, transport.Event, string, *State) error {
		t.Fatal("continuation must not run on cancel")
		return nil
	}, Options{OriginID: "origin-7"})

	res := s.Check(context.Background(), event("chat", CancelToken), CancelToken)
	assert.Equal(t, Cancelled, res)
	assert.False(t, s.Waiting("chat"))
	require.Len(t, send.edits, 1)
	assert.Equal(t, "origin-7", send.edits[0].msgID)
	assert.Contains(t, send.edits[0].text, "play")
	assert.Empty(t, send.texts)
}

func TestCancelTokenFallsBackToQuotedReply(t *testing.T) {
	send := &fakeSender{failEdit: true}
	s := newTestScheduler(send, clock.NewMock(time.Now()))

	s.Set("chat", "play", func(context.Context, transport.Event, string, *State) error { return nil },
		Options{OriginID: "origin-7"})

	res := s.Check(context.Background(), event("chat", CancelToken), CancelToken)
	assert.Equal(t, Cancelled, res)
	require.Len(t, send.texts, 1)
	assert.Equal(t, "msg-1", send.texts[0].quote)
}

func TestCancelTokenWithoutOriginSendsReply(t *testing.T) {
	send := &fakeSender{}
	s := newTestScheduler(send, clock.NewMock(time.Now()))

	s.Set("chat", "play", func(context.Context, transport.Event, string, *State) error { return nil }, Options{})

	assert.Equal(t, Cancelled, s.Check(context.Background(), event("chat", CancelToken), CancelToken))
	assert.Empty(t, send.edits)
	require.Len(t, send.texts, 1)
}

func TestPrefixedCommandAutoCancels(t *testing.T) {
	send := &fakeSender{}
	s := newTestScheduler(send, clock.NewMock(time.Now()))

	s.Set("chat", "play", func(context.Context, transport.Event, string, *State) error {
		t.Fatal("continuation must not run on auto-cancel")
		return nil
	}, Options{})

	res := s.Check(context.Background(), event("chat", ".menu"), ".menu")
	assert.Equal(t, CancelledFallThrough, res)
	assert.False(t, s.Waiting("chat"))
	require.Len(t, send.texts, 1)
	assert.Contains(t, send.texts[0].text, "play")
}

func TestTimeoutExpiresEntry(t *testing.T) {
	send := &fakeSender{}
	clk := clock.NewMock(time.Now())
	s := newTestScheduler(send, clk)

	s.Set("chat", "play", func(context.Context, transport.Event, string, *State) error { return nil },
		Options{Timeout: 100 * time.Millisecond})

	clk.Advance(150 * time.Millisecond)
	assert.False(t, s.Waiting("chat"))
	require.Len(t, send.texts, 1)
	assert.Contains(t, send.texts[0].text, ".play")

	// After the timeout the next message is a plain message again.
	assert.Equal(t, NotWaiting, s.Check(context.Background(), event("chat", "2"), "2"))
}

func TestResumeBeatsTimeout(t *testing.T) {
	send := &fakeSender{}
	clk := clock.NewMock(time.Now())
	s := newTestScheduler(send, clk)

	ran := false
	s.Set("chat", "play", func(context.Context, transport.Event, string, *State) error {
		ran = true
		return nil
	}, Options{Timeout: 100 * time.Millisecond})

	assert.Equal(t, Handled, s.Check(context.Background(), event("chat", "1"), "1"))
	require.True(t, ran)

	// The stale timer never fires a notice for the consumed entry.
	clk.Advance(time.Hour)
	assert.Equal(t, 0, send.textCount())
}

func TestSetReplacesPreviousEntry(t *testing.T) {
	send := &fakeSender{}
	clk := clock.NewMock(time.Now())
	s := newTestScheduler(send, clk)

	s.Set("chat", "old", func(context.Context, transport.Event, string, *State) error {
		t.Fatal("replaced continuation must not run")
		return nil
	}, Options{Timeout: 50 * time.Millisecond})

	got := ""
	s.Set("chat", "new", func(_ context.Context, _ transport.Event, input string, _ *State) error {
		got = input
		return nil
	}, Options{Timeout: time.Hour})

	// The old entry's timer is dead.
	clk.Advance(time.Minute)
	assert.Equal(t, 0, send.textCount())
	assert.True(t, s.Waiting("chat"))

	assert.Equal(t, Handled, s.Check(context.Background(), event("chat", "hi"), "hi"))
	assert.Equal(t, "hi", got)
}

func TestTimeoutIsScopedToChat(t *testing.T) {
	send := &fakeSender{}
	clk := clock.NewMock(time.Now())
	s := newTestScheduler(send, clk)

	s.Set("a", "play", func(context.Context, transport.Event, string, *State) error { return nil },
		Options{Timeout: 10 * time.Second})
	s.Set("b", "play", func(context.Context, transport.Event, string, *State) error { return nil },
		Options{Timeout: time.Hour})

	clk.Advance(time.Minute)
	assert.False(t, s.Waiting("a"))
	assert.True(t, s.Waiting("b"))
}

func TestContinuationErrorSendsApology(t *testing.T) {
	send := &fakeSender{}
	s := newTestScheduler(send, clock.NewMock(time.Now()))

	s.Set("chat", "play", func(context.Context, transport.Event, string, *State) error {
		return errors.New("boom")
	}, Options{})

	assert.Equal(t, Handled, s.Check(context.Background(), event("chat", "1"), "1"))
	require.Len(t, send.texts, 1)
	assert.Contains(t, send.texts[0].text, "play")
}

func TestContinuationPanicIsContained(t *testing.T) {
	send := &fakeSender{}
	s := newTestScheduler(send, clock.NewMock(time.Now()))

	s.Set("chat", "play", func(context.Context, transport.Event, string, *State) error {
		panic("kaboom")
	}, Options{})

	assert.NotPanics(t, func() {
		assert.Equal(t, Handled, s.Check(context.Background(), event("chat", "1"), "1"))
	})
	assert.Len(t, send.texts, 1)
	assert.False(t, s.Waiting("chat"))
}

func TestContinuationCanRearm(t *testing.T) {
	send := &fakeSender{}
	clk := clock.NewMock(time.Now())
	s := newTestScheduler(send, clk)

	var resume Continuation
	resume = func(_ context.Context, _ transport.Event, input string, st *State) error {
		if input != "ok" {
			s.Set("chat", st.CommandName, resume, Options{Payload: st.Payload})
		}
		return nil
	}
	s.Set("chat", "play", resume, Options{})

	assert.Equal(t, Handled, s.Check(context.Background(), event("chat", "bogus"), "bogus"))
	assert.True(t, s.Waiting("chat"), "bad input re-arms the wait")

	assert.Equal(t, Handled, s.Check(context.Background(), event("chat", "ok"), "ok"))
	assert.False(t, s.Waiting("chat"))
}

func TestClearIsIdempotent(t *testing.T) {
	send := &fakeSender{}
	clk := clock.NewMock(time.Now())
	s := newTestScheduler(send, clk)

	s.Set("chat", "play", func(context.Context, transport.Event, string, *State) error { return nil },
		Options{Timeout: time.Second})
	s.Clear("chat")
	s.Clear("chat")
	s.Clear("never-armed")

	assert.False(t, s.Waiting("chat"))
	clk.Advance(time.Minute)
	assert.Equal(t, 0, send.textCount(), "cleared entry must not time out")
}

func TestNilContinuationNotArmed(t *testing.T) {
	s := newTestScheduler(&fakeSender{}, clock.NewMock(time.Now()))
	s.Set("chat", "play", nil, Options{})
	assert.False(t, s.Waiting("chat"))
}
