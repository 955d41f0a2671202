package user

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSQLiteRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, err := b.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	r := &Record{
		InternalID:     "id-1",
		JID:            "628123@s.whatsapp.net",
		Name:           "Dina",
		Tier:           TierSilver,
		Energy:         42,
		MessageCount:   7,
		LastRechargeAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		RedeemedCodes:  []string{"SILVER7"},
		WordFrequency:  map[string]int{"hello": 3},
	}
	require.NoError(t, b.Save(ctx, r))

	got, err := b.Load(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, r.JID, got.JID)
	assert.Equal(t, TierSilver, got.Tier)
	assert.Equal(t, 42, got.Energy)
	assert.Equal(t, []string{"SILVER7"}, got.RedeemedCodes)
	assert.Equal(t, 3, got.WordFrequency["hello"])
	assert.True(t, got.LastRechargeAt.Equal(r.LastRechargeAt))
}

func TestSQLiteUpsert(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	r := &Record{InternalID: "id-1", JID: "1@s.whatsapp.net", Tier: TierBasic, Energy: 100}
	require.NoError(t, b.Save(ctx, r))

	r.Energy = 25
	r.Tier = TierGold
	require.NoError(t, b.Save(ctx, r))

	got, err := b.Load(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, 25, got.Energy)
	assert.Equal(t, TierGold, got.Tier)
}
