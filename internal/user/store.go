package user

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned by backends when no record exists for an id.
var ErrNotFound = errors.New("user record not found")

// Backend is the durable side of the store: one JSON-serializable record per
// internal id.
type Backend interface {
	Load(ctx context.Context, internalID string) (*Record, error)
	Save(ctx context.Context, r *Record) error
	Close() error
}

// Store caches records in memory and flushes dirty ones to the backend
// periodically and on shutdown. All mutation goes through Store methods so
// the energy and mute invariants are enforced in one place; callers only ever
// see copies.
type Store struct {
	log           zerolog.Logger
	backend       Backend
	owners        map[string]struct{}
	initialEnergy int

	mu    sync.Mutex
	cache map[string]*Record
	byJID map[string]string
	dirty map[string]struct{}
}

func NewStore(backend Backend, owners []string, initialEnergy int, log zerolog.Logger) *Store {
	ownerSet := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		ownerSet[o] = struct{}{}
	}
	return &Store{
		log:           log.With().Str("component", "userstore").Logger(),
		backend:       backend,
		owners:        ownerSet,
		initialEnergy: initialEnergy,
		cache:         make(map[string]*Record),
		byJID:         make(map[string]string),
		dirty:         make(map[string]struct{}),
	}
}

// internalIDFor derives the stable internal id from the external identity.
func internalIDFor(jid string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("whatsapp:"+jid)).String()
}

// bareUser strips the server part of a JID.
func bareUser(jid string) string {
	for i := 0; i < len(jid); i++ {
		if jid[i] == '@' {
			return jid[:i]
		}
	}
	return jid
}

// GetOrCreate resolves the record for a JID, creating a defaulted one on the
// first-ever event. Owners are created at Admin with a full tank. The push
// name is only used on creation.
func (s *Store) GetOrCreate(ctx context.Context, jid, pushName string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byJID[jid]; ok {
		return *s.cache[id], nil
	}

	id := internalIDFor(jid)
	if r, ok := s.cache[id]; ok {
		s.byJID[jid] = id
		return *r, nil
	}

	r, err := s.backend.Load(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		r = s.newRecord(id, jid, pushName)
		s.dirty[id] = struct{}{}
		s.log.Debug().Str("jid", jid).Str("id", id).Str("tier", string(r.Tier)).Msg("created user record")
	default:
		// Unreadable backend: serve a default so dispatch keeps working,
		// and let the flush cycle write it back.
		s.log.Error().Err(err).Str("id", id).Msg("backend load failed, using defaults")
		r = s.newRecord(id, jid, pushName)
		s.dirty[id] = struct{}{}
	}

	s.cache[id] = r
	s.byJID[jid] = id
	return *r, nil
}

func (s *Store) newRecord(id, jid, pushName string) *Record {
	name := pushName
	if name == "" {
		name = bareUser(jid)
	}
	r := &Record{
		InternalID:     id,
		JID:            jid,
		Name:           name,
		Tier:           TierBasic,
		Energy:         s.initialEnergy,
		LastRechargeAt: time.Now(),
	}
	if _, ok := s.owners[bareUser(jid)]; ok {
		r.Tier = TierAdmin
		r.Energy = TierAdmin.MaxEnergy()
	}
	r.clampEnergy()
	return r
}

// Get returns a snapshot of a cached record.
func (s *Store) Get(internalID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cache[internalID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// mutate runs f against the live record and marks it dirty.
func (s *Store) mutate(internalID string, f func(r *Record)) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cache[internalID]
	if !ok {
		return Record{}, false
	}
	f(r)
	r.clampEnergy()
	s.dirty[internalID] = struct{}{}
	return *r, true
}

// Recharge adds floor(hours elapsed * rate) energy up to the tier cap. The
// recharge timestamp only moves when energy actually changed, so repeated
// no-op calls do not drift the accounting window.
func (s *Store) Recharge(internalID string, ratePerHour int, now time.Time) (Record, bool) {
	return s.mutate(internalID, func(r *Record) {
		last := r.LastRechargeAt
		if last.IsZero() {
			r.LastRechargeAt = now
			return
		}
		hours := now.Sub(last).Hours()
		if hours <= 0 || r.Energy >= r.Tier.MaxEnergy() {
			return
		}
		add := int(hours * float64(ratePerHour))
		if add <= 0 {
			return
		}
		r.Energy += add
		r.LastRechargeAt = now
	})
}

// Deduct spends energy. The unlimited tier is never charged. Returns false
// (with no mutation) when the balance is short.
func (s *Store) Deduct(internalID string, amount int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cache[internalID]
	if !ok {
		return Record{}, false
	}
	if r.Tier.Unlimited() || amount <= 0 {
		return *r, true
	}
	if r.Energy < amount {
		return *r, false
	}
	r.Energy -= amount
	r.clampEnergy()
	s.dirty[internalID] = struct{}{}
	return *r, true
}

// TrackMessage bumps the counters and the spam window, returning the updated
// snapshot and the window size after eviction.
func (s *Store) TrackMessage(internalID string, ts time.Time, window time.Duration) (Record, int) {
	var size int
	r, _ := s.mutate(internalID, func(r *Record) {
		size = r.trackMessage(ts, window)
	})
	return r, size
}

func (s *Store) SetMute(internalID string, until time.Time) (Record, bool) {
	return s.mutate(internalID, func(r *Record) {
		r.Muted = true
		r.MuteExpiresAt = until
	})
}

func (s *Store) ClearMute(internalID string) (Record, bool) {
	return s.mutate(internalID, func(r *Record) {
		r.Muted = false
		r.MuteExpiresAt = time.Time{}
	})
}

// AddToxicStrike increments the strike counter and returns the new count.
func (s *Store) AddToxicStrike(internalID string) int {
	var n int
	s.mutate(internalID, func(r *Record) {
		r.ToxicStrikes++
		n = r.ToxicStrikes
	})
	return n
}

func (s *Store) ResetToxicStrikes(internalID string) {
	s.mutate(internalID, func(r *Record) { r.ToxicStrikes = 0 })
}

// StartTrial elevates the user to the trial tier until the deadline.
func (s *Store) StartTrial(internalID string, tier Tier, until time.Time) (Record, bool) {
	return s.mutate(internalID, func(r *Record) {
		r.Tier = tier
		r.TrialTier = tier
		r.TrialExpiresAt = until
	})
}

// ExpireTrialIfDue demotes a user whose trial has lapsed. Returns the tier
// that expired and whether anything happened.
func (s *Store) ExpireTrialIfDue(internalID string, now time.Time) (Tier, bool) {
	var expired Tier
	var did bool
	s.mutate(internalID, func(r *Record) {
		if r.TrialExpiresAt.IsZero() || now.Before(r.TrialExpiresAt) {
			return
		}
		expired = r.TrialTier
		r.Tier = TierBasic
		r.TrialTier = TierNone
		r.TrialExpiresAt = time.Time{}
		did = true
	})
	return expired, did
}

// Redeem records a code, returning false if it was already used.
func (s *Store) Redeem(internalID, code string) bool {
	fresh := false
	s.mutate(internalID, func(r *Record) {
		if slices.Contains(r.RedeemedCodes, code) {
			return
		}
		r.RedeemedCodes = append(r.RedeemedCodes, code)
		fresh = true
	})
	return fresh
}

// LogWords folds message words into the weekly frequency map.
func (s *Store) LogWords(internalID, text string) {
	if text == "" {
		return
	}
	s.mutate(internalID, func(r *Record) { r.logWords(text) })
}

// RolloverWeekly resets the frequency map once seven days have passed since
// the last analysis. A zero timestamp just starts the first week.
func (s *Store) RolloverWeekly(internalID string, now time.Time) bool {
	rolled := false
	s.mutate(internalID, func(r *Record) {
		if r.LastAnalysisAt.IsZero() {
			r.LastAnalysisAt = now
			return
		}
		if now.Sub(r.LastAnalysisAt) < 7*24*time.Hour {
			return
		}
		r.WordFrequency = nil
		r.LastAnalysisAt = now
		rolled = true
	})
	return rolled
}

// IncrementRejectedCalls counts a rejected incoming call.
func (s *Store) IncrementRejectedCalls(internalID string) int {
	var n int
	s.mutate(internalID, func(r *Record) {
		r.RejectedCalls++
		n = r.RejectedCalls
	})
	return n
}

// FlushDirty writes changed records to the backend. A failed write puts the
// id back into the dirty set for the next cycle.
func (s *Store) FlushDirty(ctx context.Context) {
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return
	}
	batch := make([]*Record, 0, len(s.dirty))
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		if r, ok := s.cache[id]; ok {
			cp := *r
			batch = append(batch, &cp)
			ids = append(ids, id)
		}
	}
	s.dirty = make(map[string]struct{})
	s.mu.Unlock()

	s.log.Debug().Int("count", len(batch)).Msg("flushing dirty user records")
	for i, r := range batch {
		if err := s.backend.Save(ctx, r); err != nil {
			s.log.Error().Err(err).Str("id", ids[i]).Msg("flush failed, requeued")
			s.mu.Lock()
			s.dirty[ids[i]] = struct{}{}
			s.mu.Unlock()
		}
	}
}

// FlushAll marks every cached record dirty and flushes. Used on shutdown.
func (s *Store) FlushAll(ctx context.Context) {
	s.mu.Lock()
	for id := range s.cache {
		s.dirty[id] = struct{}{}
	}
	s.mu.Unlock()
	s.FlushDirty(ctx)
}

// AutoFlush runs FlushDirty on a ticker until the context is cancelled.
func (s *Store) AutoFlush(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FlushDirty(ctx)
		}
	}
}
