package user

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Record is the per-identity state, one JSON document per internal id.
type Record struct {
	InternalID string `json:"internalId"`
	JID        string `json:"jid"`
	Name       string `json:"name"`

	MessageCount   int         `json:"messageCount"`
	LastMessageAt  time.Time   `json:"lastMessageAt"`
	SpamTimestamps []time.Time `json:"spamTimestamps"`

	ToxicStrikes  int       `json:"toxicStrikes"`
	Muted         bool      `json:"muted"`
	MuteExpiresAt time.Time `json:"muteExpiresAt"`

	Tier           Tier      `json:"tier"`
	Energy         int       `json:"energy"`
	LastRechargeAt time.Time `json:"lastRechargeAt"`

	RejectedCalls int `json:"rejectedCalls"`

	TrialTier      Tier      `json:"trialTier,omitempty"`
	TrialExpiresAt time.Time `json:"trialExpiresAt,omitzero"`

	RedeemedCodes []string `json:"redeemedCodes,omitempty"`

	WordFrequency  map[string]int `json:"wordFrequency,omitempty"`
	LastAnalysisAt time.Time      `json:"lastAnalysisAt,omitzero"`
}

// OnTrial reports whether a trial tier is currently armed. A zero expiry
// means no trial.
func (r *Record) OnTrial() bool { return !r.TrialExpiresAt.IsZero() }

// clampEnergy keeps energy inside [0, max] for the current tier.
func (r *Record) clampEnergy() {
	if r.Energy < 0 {
		r.Energy = 0
	}
	if max := r.Tier.MaxEnergy(); r.Energy > max {
		r.Energy = max
	}
}

// trackMessage appends ts to the spam window, evicts entries at or older than
// ts-window, and returns the post-eviction size. An event is spam when the
// returned size reaches the configured limit.
func (r *Record) trackMessage(ts time.Time, window time.Duration) int {
	r.MessageCount++
	r.LastMessageAt = ts

	cutoff := ts.Add(-window)
	kept := r.SpamTimestamps[:0]
	for _, t := range r.SpamTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.SpamTimestamps = append(kept, ts)
	return len(r.SpamTimestamps)
}

var wordRe = regexp.MustCompile(`\w+`)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "you": {}, "for": {}, "that": {}, "this": {},
	"with": {}, "not": {}, "are": {}, "was": {}, "but": {}, "have": {},
	"bot": {}, "pepo": {},
}

// logWords folds the message's words into the weekly frequency map. Short
// words, stop words, and bare numbers are skipped.
func (r *Record) logWords(text string) {
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	if len(words) == 0 {
		return
	}
	if r.WordFrequency == nil {
		r.WordFrequency = make(map[string]int)
	}
	for _, w := range words {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, err := strconv.Atoi(w); err == nil {
			continue
		}
		r.WordFrequency[w]++
	}
}
