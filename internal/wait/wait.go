// Package wait implements the waiting-state engine: "the bot asked a
// follow-up question, route this user's next message back into the command
// that asked it", with one-shot consumption, explicit and implicit
// cancellation, and a timeout per entry.
package wait

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pepobot/internal/clock"
	"pepobot/internal/transport"
)

// CancelToken is the reserved input that cancels a pending wait. It doubles
// as a button id in interactive prompts.
const CancelToken = "action_cancel_wait_state"

// Result tells the pipeline what happened to an inbound message.
type Result int

const (
	// NotWaiting: no entry for this chat, proceed with normal routing.
	NotWaiting Result = iota
	// Cancelled: the user cancelled explicitly, dispatch stops.
	Cancelled
	// CancelledFallThrough: a fresh prefixed command auto-cancelled the
	// wait; the pipeline should still resolve the new command.
	CancelledFallThrough
	// Handled: the continuation consumed the message.
	Handled
)

// State is the stored entry handed back to a continuation.
type State struct {
	CommandName string
	// Payload threads arbitrary data from the arming step to the
	// continuation.
	Payload map[string]any
	// OriginID is the message that started the wait, for edit-in-place
	// replies.
	OriginID string
	// Extras carries the forwarded capability bundle so a continuation can
	// arm another wait for multi-step flows.
	Extras any
}

// Continuation resumes a suspended command with the user's next message.
type Continuation func(ctx context.Context, ev transport.Event, input string, st *State) error

// Options configures Set.
type Options struct {
	// Timeout overrides the scheduler default when positive.
	Timeout  time.Duration
	Payload  map[string]any
	OriginID string
	Extras   any
}

type entry struct {
	state *State
	cont  Continuation
	timer clock.Timer
	gen   uint64
}

// Scheduler owns the per-chat waiting entries. At most one entry exists per
// chat; arming a new one tears the old timer down first.
type Scheduler struct {
	log            zerolog.Logger
	send           transport.Sender
	clk            clock.Clock
	prefix         string
	defaultTimeout time.Duration

	mu      sync.Mutex
	waiting map[string]*entry
	gen     uint64
}

func NewScheduler(send transport.Sender, clk clock.Clock, prefix string, defaultTimeout time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		log:            log.With().Str("component", "wait").Logger(),
		send:           send,
		clk:            clk,
		prefix:         prefix,
		defaultTimeout: defaultTimeout,
		waiting:        make(map[string]*entry),
	}
}

// DefaultTimeout exposes the configured default for capability bundles.
func (s *Scheduler) DefaultTimeout() time.Duration { return s.defaultTimeout }

// Set arms (or re-arms) the waiting state for a chat. Last write wins: any
// previous entry's timer is cancelled so it can never fire against the new
// state.
func (s *Scheduler) Set(chat, commandName string, cont Continuation, opts Options) {
	if cont == nil {
		s.log.Error().Str("chat", chat).Str("command", commandName).Msg("nil continuation, wait not armed")
		return
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}

	s.mu.Lock()
	if prev, ok := s.waiting[chat]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	e := &entry{
		state: &State{
			CommandName: commandName,
			Payload:     opts.Payload,
			OriginID:    opts.OriginID,
			Extras:      opts.Extras,
		},
		cont: cont,
		gen:  gen,
	}
	e.timer = s.clk.AfterFunc(timeout, func() { s.expire(chat, gen, commandName) })
	s.waiting[chat] = e
	s.mu.Unlock()

	s.log.Debug().Str("chat", chat).Str("command", commandName).Dur("timeout", timeout).Msg("waiting state armed")
}

// expire fires on timeout. The generation check makes it a no-op when the
// entry was consumed or replaced after the timer was scheduled.
func (s *Scheduler) expire(chat string, gen uint64, commandName string) {
	s.mu.Lock()
	e, ok := s.waiting[chat]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.waiting, chat)
	s.mu.Unlock()

	s.log.Debug().Str("chat", chat).Str("command", commandName).Msg("waiting state timed out")
	text := fmt.Sprintf("⏰ Time's up! I cancelled *%s%s* for you. Just run the command again whenever you're ready.", s.prefix, commandName)
	if _, err := s.send.SendText(context.Background(), chat, text, nil); err != nil {
		s.log.Error().Err(err).Str("chat", chat).Msg("timeout notice failed")
	}
}

// Check intercepts an inbound message for a chat that may be mid-wait.
// Consumption is one-shot: the entry is removed before the continuation runs,
// so a slow continuation can never process two messages for the same chat.
func (s *Scheduler) Check(ctx context.Context, ev transport.Event, input string) Result {
	chat := ev.Chat

	s.mu.Lock()
	e, ok := s.waiting[chat]
	if !ok {
		s.mu.Unlock()
		return NotWaiting
	}

	// Explicit cancel.
	if input == CancelToken {
		e.timer.Stop()
		delete(s.waiting, chat)
		s.mu.Unlock()

		text := fmt.Sprintf("✅ Okay, *%s%s* is cancelled.", s.prefix, e.state.CommandName)
		if e.state.OriginID != "" {
			if err := s.send.EditText(ctx, chat, e.state.OriginID, text); err == nil {
				return Cancelled
			}
			s.log.Debug().Str("chat", chat).Msg("cancel edit failed, sending fresh reply")
		}
		if _, err := s.send.SendText(ctx, chat, text, &transport.SendOpts{QuoteID: ev.ID}); err != nil {
			s.log.Error().Err(err).Str("chat", chat).Msg("cancel ack failed")
		}
		return Cancelled
	}

	// A fresh command supersedes the wait; let the pipeline route it.
	if strings.HasPrefix(strings.TrimSpace(input), s.prefix) {
		e.timer.Stop()
		delete(s.waiting, chat)
		s.mu.Unlock()

		text := fmt.Sprintf("☑️ I auto-cancelled *%s%s* since you started a new command.", s.prefix, e.state.CommandName)
		if _, err := s.send.SendText(ctx, chat, text, nil); err != nil {
			s.log.Error().Err(err).Str("chat", chat).Msg("auto-cancel notice failed")
		}
		return CancelledFallThrough
	}

	// Resume: delete before invoke.
	e.timer.Stop()
	delete(s.waiting, chat)
	s.mu.Unlock()

	s.log.Debug().Str("chat", chat).Str("command", e.state.CommandName).Msg("resuming waiting command")
	if err := s.invoke(ctx, e, ev, strings.TrimSpace(input)); err != nil {
		s.log.Error().Err(err).Str("chat", chat).Str("command", e.state.CommandName).Msg("continuation failed")
		text := fmt.Sprintf("😥 Something broke while finishing *%s%s*. Sorry, try again later.", s.prefix, e.state.CommandName)
		if _, sendErr := s.send.SendText(ctx, chat, text, nil); sendErr != nil {
			s.log.Error().Err(sendErr).Str("chat", chat).Msg("continuation error notice failed")
		}
	}
	return Handled
}

// invoke runs the continuation behind a recover boundary.
func (s *Scheduler) invoke(ctx context.Context, e *entry, ev transport.Event, input string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("continuation panic: %v", r)
		}
	}()
	return e.cont(ctx, ev, input, e.state)
}

// Clear drops any pending wait for a chat. Idempotent.
func (s *Scheduler) Clear(chat string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.waiting[chat]; ok {
		e.timer.Stop()
		delete(s.waiting, chat)
		s.log.Debug().Str("chat", chat).Str("command", e.state.CommandName).Msg("waiting state cleared")
	}
}

// Waiting reports whether a chat has a pending entry.
func (s *Scheduler) Waiting(chat string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.waiting[chat]
	return ok
}
