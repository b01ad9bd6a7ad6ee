package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailassist/session-server-go/internal/model"
)

func newStoredSession(token string) *model.Session {
	return &model.Session{
		Token:          token,
		Phone:          "+15550100",
		Channels:       model.ChannelSet{"web"},
		Data:           model.NewData(),
		Status:         model.SessionStatusActive,
		CreatedAt:      t0,
		LastActivityAt: t0,
		ExpiresAt:      t0.Add(7 * 24 * time.Hour),
	}
}

func waitPersister(t *testing.T, p *Persister) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestPersister(t *testing.T) {
	t.Run("keeps submission order per token", func(t *testing.T) {
		store := newFakeStore()
		p := NewPersister(store, time.Second)
		s := newStoredSession("tok-1")

		p.Upsert(s)
		for i := 1; i <= 3; i++ {
			s.Data[model.DataConversationSummary] = "v" + string(rune('0'+i))
			p.Patch(s, model.SessionPatch{Data: s.Data.Clone()})
		}
		p.SoftDelete(s, t0.Add(time.Hour))
		waitPersister(t, p)

		assert.Equal(t, []string{"upsert", "patch", "patch", "patch", "soft_delete"}, store.ops)
		stored := store.get("tok-1")
		assert.Equal(t, "v3", stored.Data[model.DataConversationSummary])
		assert.Equal(t, model.SessionStatusEnded, stored.Status)
	})

	t.Run("snapshots are taken at submission", func(t *testing.T) {
		store := newFakeStore()
		p := NewPersister(store, time.Second)
		s := newStoredSession("tok-1")

		p.Upsert(s)
		s.Phone = "+15550199"
		waitPersister(t, p)

		assert.Equal(t, "+15550100", store.get("tok-1").Phone)
	})

	t.Run("patch of an unknown row falls back to upsert", func(t *testing.T) {
		store := newFakeStore()
		p := NewPersister(store, time.Second)
		s := newStoredSession("tok-1")

		p.Patch(s, model.SessionPatch{Channels: s.Channels})
		waitPersister(t, p)

		assert.Equal(t, []string{"patch", "upsert"}, store.ops)
		assert.NotNil(t, store.get("tok-1"))
		assert.False(t, p.Pending("tok-1"))
	})

	t.Run("failed write marks the token pending until the next upsert", func(t *testing.T) {
		store := newFakeStore()
		store.setDown(true)
		p := NewPersister(store, time.Second)
		s := newStoredSession("tok-1")

		p.Upsert(s)
		waitPersister(t, p)
		assert.True(t, p.Pending("tok-1"))

		store.setDown(false)
		p.Patch(s, model.SessionPatch{})
		waitPersister(t, p)

		assert.False(t, p.Pending("tok-1"))
		assert.Equal(t, []string{"upsert", "upsert"}, store.ops)
	})

	t.Run("read failures are a miss", func(t *testing.T) {
		store := newFakeStore()
		store.setDown(true)
		p := NewPersister(store, time.Second)

		assert.Nil(t, p.FindByToken(context.Background(), "tok-1"))
		assert.Nil(t, p.FindActiveByIdentity(context.Background(), model.Identity{Phone: "+15550100"}, time.Now()))
	})

	t.Run("disabled without a repository", func(t *testing.T) {
		p := NewPersister(nil, 0)

		p.Upsert(newStoredSession("tok-1"))

		assert.False(t, p.Enabled())
		assert.False(t, p.Pending("tok-1"))
		assert.NoError(t, p.Wait(context.Background()))
		assert.Nil(t, p.FindByToken(context.Background(), "tok-1"))
	})
}
