// Package command defines the descriptor for one invocable command, the
// capability bundle handed to handlers, and the hot-swappable registry.
package command

import (
	"context"
	"time"

	"pepobot/internal/transport"
	"pepobot/internal/user"
	"pepobot/internal/wait"
)

// HandlerFunc is a command body. Errors and panics are absorbed at the
// dispatch boundary; they never crash the pipeline.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Command describes one registered command.
type Command struct {
	Name        string
	Category    string
	Description string
	Usage       string
	Aliases     []string

	// RequiredTier gates access; user.TierNone means no gate.
	RequiredTier user.Tier
	// EnergyCost is charged before invocation and not refunded on failure.
	EnergyCost int

	Run HandlerFunc
}

// Invocation is the explicit capability bundle for one command run. The same
// bundle is forwarded into waiting-state continuations so nested multi-step
// flows can re-arm waits.
type Invocation struct {
	Sender transport.Sender
	Msg    transport.Event

	Args    []string
	ArgText string
	Chat    string

	InternalID string
	// User is a snapshot of the record at dispatch time.
	User user.Record

	Prefix         string
	DefaultTimeout time.Duration

	// ArmWait suspends the command until the user's next message.
	ArmWait func(commandName string, cont wait.Continuation, opts wait.Options)
	// ClearWait drops any pending wait for this chat.
	ClearWait func()

	// FetchRemote pulls a URL into memory, for handlers that relay media.
	FetchRemote func(ctx context.Context, url string) ([]byte, error)
}

// Source supplies commands to the registry, keyed by a stable ref so a source
// can be reloaded or withdrawn at runtime.
type Source interface {
	Ref() string
	Commands() ([]*Command, error)
}
