// Package dispatch is the single entry point for inbound messages: admission
// checks, waiting-state routing, tier and energy gating, and command
// invocation all live here.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pepobot/internal/clock"
	"pepobot/internal/command"
	"pepobot/internal/config"
	"pepobot/internal/transport"
	"pepobot/internal/user"
	"pepobot/internal/wait"
)

// maxRemoteFetchBytes caps FetchRemote downloads at WhatsApp's media limit.
const maxRemoteFetchBytes = 100 * 1024 * 1024

type Pipeline struct {
	cfg   *config.Config
	log   zerolog.Logger
	reg   *command.Registry
	waits *wait.Scheduler
	users *user.Store
	send  transport.Sender
	clk   clock.Clock

	toxicWords map[string]struct{}

	// Events from different chats may interleave, but one chat's events are
	// processed strictly one at a time.
	mu        sync.Mutex
	chatLocks map[string]*sync.Mutex
}

func New(cfg *config.Config, reg *command.Registry, waits *wait.Scheduler, users *user.Store, send transport.Sender, clk clock.Clock, log zerolog.Logger) *Pipeline {
	toxic := make(map[string]struct{}, len(cfg.Toxic.Words))
	for _, w := range cfg.Toxic.Words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			toxic[w] = struct{}{}
		}
	}
	return &Pipeline{
		cfg:        cfg,
		log:        log.With().Str("component", "dispatch").Logger(),
		reg:        reg,
		waits:      waits,
		users:      users,
		send:       send,
		clk:        clk,
		toxicWords: toxic,
		chatLocks:  make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) chatLock(chat string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.chatLocks[chat]
	if !ok {
		l = &sync.Mutex{}
		p.chatLocks[chat] = l
	}
	return l
}

func bareUser(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

func (p *Pipeline) isOwner(jid string) bool {
	u := bareUser(jid)
	for _, o := range p.cfg.Bot.Owners {
		if o == u {
			return true
		}
	}
	return false
}

// normalize collapses the content candidates into one canonical body.
// Precedence: native/interactive selection, then button and list replies,
// then plain text or caption with an edit override.
func normalize(c transport.Content) string {
	switch {
	case c.InteractiveID != "":
		return strings.TrimSpace(c.InteractiveID)
	case c.ButtonID != "":
		return strings.TrimSpace(c.ButtonID)
	case c.ListRowID != "":
		return strings.TrimSpace(c.ListRowID)
	}
	return plainText(c)
}

// plainText is the text-only branch, used for word logging so button ids
// never pollute the frequency map.
func plainText(c transport.Content) string {
	text := c.Text
	if c.EditedText != "" {
		text = c.EditedText
	}
	return strings.TrimSpace(text)
}

// Dispatch processes one inbound event end to end. It never returns an
// error: every failure mode is either a silent drop, a user-facing reply, or
// a log line.
func (p *Pipeline) Dispatch(ctx context.Context, ev transport.Event) {
	// Self-message filter: our own messages are only live in self mode.
	if ev.IsFromMe && p.cfg.Bot.Mode != config.ModeSelf {
		return
	}
	if ev.Chat == "" || !strings.ContainsRune(ev.Chat, '@') {
		return
	}

	lock := p.chatLock(ev.Chat)
	lock.Lock()
	defer lock.Unlock()

	rec, err := p.users.GetOrCreate(ctx, ev.Chat, ev.PushName)
	if err != nil {
		p.log.Error().Err(err).Str("chat", ev.Chat).Msg("identity resolution failed")
		return
	}
	id := rec.InternalID
	now := p.clk.Now()

	// Lapsed trial: demote first so the rest of the pass sees the real tier.
	if expired, did := p.users.ExpireTrialIfDue(id, now); did {
		p.log.Info().Str("chat", ev.Chat).Str("tier", string(expired)).Msg("trial expired")
		text := fmt.Sprintf("⏰ Your *%s* trial is over, you're back on *%s*. Hope you enjoyed it!", expired, user.TierBasic)
		if _, err := p.send.SendText(ctx, ev.Chat, text, nil); err != nil {
			p.log.Error().Err(err).Str("chat", ev.Chat).Msg("trial expiry notice failed")
		}
	}

	p.users.Recharge(id, p.cfg.Energy.RechargeRatePerHour, now)

	rec, _ = p.users.Get(id)
	if rec.Muted {
		if now.Before(rec.MuteExpiresAt) {
			p.log.Debug().Str("chat", ev.Chat).Msg("muted, dropped")
			return
		}
		p.users.ClearMute(id)
		if _, err := p.send.SendText(ctx, ev.Chat, "✅ Your mute is over. Welcome back!", nil); err != nil {
			p.log.Error().Err(err).Str("chat", ev.Chat).Msg("unmute notice failed")
		}
	}

	// Spam admission: silent on purpose, a reply would amplify the burst.
	if _, size := p.users.TrackMessage(id, ev.Timestamp, p.cfg.Spam.Window); size >= p.cfg.Spam.MessageLimit {
		p.log.Debug().Str("chat", ev.Chat).Int("window", size).Msg("spam window hit, dropped")
		return
	}

	body := normalize(ev.Content)
	if body == "" {
		return
	}

	if text := plainText(ev.Content); text != "" {
		p.users.LogWords(id, text)
		p.checkToxic(ctx, ev, id, text, now)
		if p.users.RolloverWeekly(id, now) {
			p.log.Debug().Str("chat", ev.Chat).Msg("weekly word stats rolled over")
		}
	}

	// Re-read: the toxic check may just have muted this user.
	if rec, _ = p.users.Get(id); rec.Muted && now.Before(rec.MuteExpiresAt) {
		return
	}

	switch p.waits.Check(ctx, ev, body) {
	case wait.Handled, wait.Cancelled:
		return
	case wait.NotWaiting, wait.CancelledFallThrough:
	}

	if !strings.HasPrefix(body, p.cfg.Bot.Prefix) {
		return
	}

	fields := strings.Fields(strings.TrimSpace(body[len(p.cfg.Bot.Prefix):]))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	cmd, ok := p.reg.Get(name)
	if !ok {
		p.suggest(ctx, ev, name)
		return
	}

	// Deployment-level access restriction, silent like the other admissions.
	if p.cfg.Bot.Mode == config.ModePrivate && !p.isOwner(ev.Sender) {
		return
	}
	if p.cfg.Bot.Mode == config.ModeSelf && !ev.IsFromMe {
		return
	}

	if cmd.RequiredTier != user.TierNone && rec.Tier.Level() < cmd.RequiredTier.Level() {
		text := fmt.Sprintf("🚫 *%s%s* needs tier *%s* or above.\n\nYou're on *%s* right now. Upgrade to unlock it!",
			p.cfg.Bot.Prefix, cmd.Name, cmd.RequiredTier, rec.Tier)
		if _, err := p.send.SendText(ctx, ev.Chat, text, &transport.SendOpts{QuoteID: ev.ID}); err != nil {
			p.log.Error().Err(err).Str("chat", ev.Chat).Msg("tier reject reply failed")
		}
		return
	}

	if cmd.EnergyCost > 0 && !rec.Tier.Unlimited() && rec.Energy < cmd.EnergyCost {
		text := fmt.Sprintf("⚡ Not enough energy! *%s%s* costs *%d* but you only have *%d*.\n\nEnergy recharges on its own, try again in a bit.",
			p.cfg.Bot.Prefix, cmd.Name, cmd.EnergyCost, rec.Energy)
		if _, err := p.send.SendText(ctx, ev.Chat, text, &transport.SendOpts{QuoteID: ev.ID}); err != nil {
			p.log.Error().Err(err).Str("chat", ev.Chat).Msg("energy reject reply failed")
		}
		return
	}

	p.invoke(ctx, ev, cmd, id, args)
}

// checkToxic scans plain text against the configured word list. Strikes
// accumulate; hitting the limit mutes the user and resets the counter.
func (p *Pipeline) checkToxic(ctx context.Context, ev transport.Event, id, text string, now time.Time) {
	if len(p.toxicWords) == 0 {
		return
	}
	var found []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?*_~()[]\"'")
		if _, bad := p.toxicWords[w]; bad {
			found = append(found, w)
		}
	}
	if len(found) == 0 {
		return
	}

	strikes := p.users.AddToxicStrike(id)
	p.log.Info().Str("chat", ev.Chat).Int("strikes", strikes).Strs("words", found).Msg("toxic words detected")

	if strikes >= p.cfg.Toxic.StrikeLimit {
		p.users.SetMute(id, now.Add(p.cfg.Toxic.MuteDuration))
		p.users.ResetToxicStrikes(id)
		text := fmt.Sprintf("🔇 That's strike %d. You're muted for %s. See you on the other side.", strikes, p.cfg.Toxic.MuteDuration)
		if _, err := p.send.SendText(ctx, ev.Chat, text, &transport.SendOpts{QuoteID: ev.ID}); err != nil {
			p.log.Error().Err(err).Str("chat", ev.Chat).Msg("mute notice failed")
		}
		return
	}
	text = fmt.Sprintf("⚠️ Hey, language! Strike %d of %d.", strikes, p.cfg.Toxic.StrikeLimit)
	if _, err := p.send.SendText(ctx, ev.Chat, text, &transport.SendOpts{QuoteID: ev.ID}); err != nil {
		p.log.Error().Err(err).Str("chat", ev.Chat).Msg("strike warning failed")
	}
}

// suggest replies with the closest known command when the rating clears the
// threshold; otherwise the miss stays silent.
func (p *Pipeline) suggest(ctx context.Context, ev transport.Event, name string) {
	names := p.reg.Names()
	if len(names) == 0 {
		return
	}
	match, rating := bestMatch(name, names)
	if rating < p.cfg.SimilarityThreshold {
		return
	}
	text := fmt.Sprintf("Hmm, I don't know that one. Did you mean *%s%s*?", p.cfg.Bot.Prefix, match)
	if _, err := p.send.SendText(ctx, ev.Chat, text, &transport.SendOpts{QuoteID: ev.ID}); err != nil {
		p.log.Error().Err(err).Str("chat", ev.Chat).Msg("suggestion reply failed")
	}
}

// invoke charges the energy cost, runs the handler behind a recover
// boundary, and reports faults to the user generically. The charge is not
// refunded on failure.
func (p *Pipeline) invoke(ctx context.Context, ev transport.Event, cmd *command.Command, id string, args []string) {
	if cmd.EnergyCost > 0 {
		if _, ok := p.users.Deduct(id, cmd.EnergyCost); !ok {
			// Raced out of energy between the gate and the charge.
			return
		}
	}

	if err := p.send.SetPresence(ctx, ev.Chat, transport.PresenceComposing); err != nil {
		p.log.Debug().Err(err).Str("chat", ev.Chat).Msg("composing presence failed")
	}

	rec, _ := p.users.Get(id)
	inv := &command.Invocation{
		Sender:         p.send,
		Msg:            ev,
		Args:           args,
		ArgText:        strings.Join(args, " "),
		Chat:           ev.Chat,
		InternalID:     id,
		User:           rec,
		Prefix:         p.cfg.Bot.Prefix,
		DefaultTimeout: p.waits.DefaultTimeout(),
		FetchRemote:    fetchRemote,
	}
	inv.ArmWait = func(commandName string, cont wait.Continuation, opts wait.Options) {
		if opts.OriginID == "" {
			opts.OriginID = ev.ID
		}
		if opts.Extras == nil {
			opts.Extras = inv
		}
		p.waits.Set(ev.Chat, commandName, cont, opts)
	}
	inv.ClearWait = func() { p.waits.Clear(ev.Chat) }

	err := p.run(ctx, cmd, inv)

	if perr := p.send.SetPresence(ctx, ev.Chat, transport.PresencePaused); perr != nil {
		p.log.Debug().Err(perr).Str("chat", ev.Chat).Msg("paused presence failed")
	}

	if err != nil {
		p.log.Error().Err(err).Str("command", cmd.Name).Str("chat", ev.Chat).Msg("command failed")
		text := fmt.Sprintf("😥 Ouch, something broke while running *%s%s*. The developer has been notified.", p.cfg.Bot.Prefix, cmd.Name)
		if _, sendErr := p.send.SendText(ctx, ev.Chat, text, &transport.SendOpts{QuoteID: ev.ID}); sendErr != nil {
			p.log.Error().Err(sendErr).Str("chat", ev.Chat).Msg("failure reply failed")
		}
	}
}

func (p *Pipeline) run(ctx context.Context, cmd *command.Command, inv *command.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return cmd.Run(ctx, inv)
}

// fetchRemote pulls a URL into memory, capped at the media size limit.
func fetchRemote(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxRemoteFetchBytes))
}
