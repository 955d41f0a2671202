// Package builtin is the compiled-in command source. Commands that need
// registry or store access get them through the constructor, never through
// the invocation bundle.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pepobot/internal/command"
	"pepobot/internal/user"
)

type trialCode struct {
	tier     user.Tier
	duration time.Duration
}

// trialCodes maps redeemable codes to the trial they grant.
var trialCodes = map[string]trialCode{
	"SILVER7": {user.TierSilver, 7 * 24 * time.Hour},
	"GOLD3":   {user.TierGold, 3 * 24 * time.Hour},
}

type source struct {
	reg     *command.Registry
	users   *user.Store
	apiBase string
}

// New builds the builtin source. apiBase points at the downloader HTTP API
// used by the play command.
func New(reg *command.Registry, users *user.Store, apiBase string) command.Source {
	return &source{reg: reg, users: users, apiBase: strings.TrimRight(apiBase, "/")}
}

func (s *source) Ref() string { return "builtin" }

func (s *source) Commands() ([]*command.Command, error) {
	return []*command.Command{
		{
			Name:        "ping",
			Category:    "main",
			Description: "Check that the bot is alive.",
			Usage:       "ping",
			Run:         s.ping,
		},
		{
			Name:        "menu",
			Category:    "main",
			Description: "List every command by category.",
			Usage:       "menu",
			Aliases:     []string{"help"},
			Run:         s.menu,
		},
		{
			Name:        "profile",
			Category:    "info",
			Description: "Show your tier, energy and stats.",
			Usage:       "profile",
			Aliases:     []string{"me"},
			Run:         s.profile,
		},
		{
			Name:        "redeem",
			Category:    "info",
			Description: "Redeem a code for a trial tier.",
			Usage:       "redeem <code>",
			Run:         s.redeem,
		},
		{
			Name:        "play",
			Category:    "downloader",
			Description: "Search a song and get it as audio.",
			Usage:       "play <song name>",
			Aliases:     []string{"p"},
			EnergyCost:  10,
			Run:         s.play,
		},
		{
			Name:         "reload",
			Category:     "admin",
			Description:  "Rebuild the command registry.",
			Usage:        "reload",
			RequiredTier: user.TierAdmin,
			Run:          s.reload,
		},
	}, nil
}

func (s *source) ping(ctx context.Context, inv *command.Invocation) error {
	elapsed := time.Since(inv.Msg.Timestamp).Round(time.Millisecond)
	_, err := inv.Sender.SendText(ctx, inv.Chat, fmt.Sprintf("🏓 Pong! %s", elapsed), nil)
	return err
}

func (s *source) menu(ctx context.Context, inv *command.Invocation) error {
	var b strings.Builder
	fmt.Fprintf(&b, "📖 *Command menu*\n")
	for _, cat := range s.reg.Categorized() {
		fmt.Fprintf(&b, "\n*%s*\n", strings.ToUpper(cat.Name))
		for _, cmd := range cat.Commands {
			fmt.Fprintf(&b, "• %s%s — %s", inv.Prefix, cmd.Usage, cmd.Description)
			if cmd.EnergyCost > 0 {
				fmt.Fprintf(&b, " (⚡%d)", cmd.EnergyCost)
			}
			if cmd.RequiredTier != user.TierNone {
				fmt.Fprintf(&b, " [%s+]", cmd.RequiredTier)
			}
			b.WriteByte('\n')
		}
	}
	_, err := inv.Sender.SendText(ctx, inv.Chat, strings.TrimSpace(b.String()), nil)
	return err
}

func (s *source) profile(ctx context.Context, inv *command.Invocation) error {
	u := inv.User
	var b strings.Builder
	fmt.Fprintf(&b, "👤 *%s*\n\n", u.Name)
	fmt.Fprintf(&b, "Tier: *%s*\n", u.Tier)
	fmt.Fprintf(&b, "Energy: *%d / %d*\n", u.Energy, u.Tier.MaxEnergy())
	fmt.Fprintf(&b, "Messages: *%d*\n", u.MessageCount)
	if u.OnTrial() {
		fmt.Fprintf(&b, "Trial: *%s* until %s\n", u.TrialTier, u.TrialExpiresAt.Format("Jan 2 15:04"))
	}
	if u.ToxicStrikes > 0 {
		fmt.Fprintf(&b, "Strikes: *%d*\n", u.ToxicStrikes)
	}
	_, err := inv.Sender.SendText(ctx, inv.Chat, strings.TrimSpace(b.String()), nil)
	return err
}

func (s *source) redeem(ctx context.Context, inv *command.Invocation) error {
	if len(inv.Args) == 0 {
		_, err := inv.Sender.SendText(ctx, inv.Chat, fmt.Sprintf("Usage: *%sredeem <code>*", inv.Prefix), nil)
		return err
	}
	code := strings.ToUpper(inv.Args[0])
	grant, known := trialCodes[code]
	if !known {
		_, err := inv.Sender.SendText(ctx, inv.Chat, "🤔 That code doesn't look right.", nil)
		return err
	}
	if !s.users.Redeem(inv.InternalID, code) {
		_, err := inv.Sender.SendText(ctx, inv.Chat, "☑️ You already redeemed that one.", nil)
		return err
	}
	until := time.Now().Add(grant.duration)
	s.users.StartTrial(inv.InternalID, grant.tier, until)
	text := fmt.Sprintf("🎉 Code accepted! You're on a *%s* trial until %s.", grant.tier, until.Format("Jan 2 15:04"))
	_, err := inv.Sender.SendText(ctx, inv.Chat, text, nil)
	return err
}

func (s *source) reload(ctx context.Context, inv *command.Invocation) error {
	if err := s.reg.Load(); err != nil {
		_, sendErr := inv.Sender.SendText(ctx, inv.Chat, "⚠️ Reload failed, the old registry is still active.", nil)
		if sendErr != nil {
			return sendErr
		}
		return err
	}
	text := fmt.Sprintf("🔄 Registry reloaded, *%d* commands active.", len(s.reg.Names()))
	_, err := inv.Sender.SendText(ctx, inv.Chat, text, nil)
	return err
}
