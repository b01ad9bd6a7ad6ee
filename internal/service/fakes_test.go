package service

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/retailassist/session-server-go/internal/expiry"
	"github.com/retailassist/session-server-go/internal/model"
	"github.com/retailassist/session-server-go/internal/registry"
	"github.com/retailassist/session-server-go/internal/repository"
)

var errStoreDown = errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")

// fakeStore is an in-memory SessionRepository with the same write rules as
// the SQL one. Setting down makes every call fail.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]*model.Session
	ops  []string
	down bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*model.Session)}
}

func (f *fakeStore) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeStore) get(token string) *model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[token].Clone()
}

func (f *fakeStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeStore) record(op string) error {
	f.ops = append(f.ops, op)
	if f.down {
		return errStoreDown
	}
	return nil
}

func (f *fakeStore) FindActiveByIdentity(ctx context.Context, identity model.Identity, now time.Time) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("find_identity"); err != nil {
		return nil, err
	}
	match := func(col func(*model.Session) string, value string) *model.Session {
		var best *model.Session
		for _, s := range f.rows {
			if value == "" || col(s) != value || s.Status != model.SessionStatusActive || !s.ExpiresAt.After(now) {
				continue
			}
			if best == nil || s.LastActivityAt.After(best.LastActivityAt) {
				best = s
			}
		}
		return best.Clone()
	}
	if s := match(func(s *model.Session) string { return s.Phone }, identity.Phone); s != nil {
		return s, nil
	}
	return match(func(s *model.Session) string { return s.ChatID }, identity.ChatID), nil
}

func (f *fakeStore) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("find_token"); err != nil {
		return nil, err
	}
	return f.rows[token].Clone(), nil
}

func (f *fakeStore) Upsert(ctx context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("upsert"); err != nil {
		return err
	}
	next := s.Clone()
	if prev, ok := f.rows[s.Token]; ok {
		if prev.Status == model.SessionStatusEnded {
			next.Status = model.SessionStatusEnded
		}
		if prev.CustomerID != nil {
			next.CustomerID = prev.CustomerID
		}
		if prev.ExpiresAt.After(next.ExpiresAt) {
			next.ExpiresAt = prev.ExpiresAt
		}
	}
	f.rows[s.Token] = next
	return nil
}

func (f *fakeStore) PatchFields(ctx context.Context, token string, patch model.SessionPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("patch"); err != nil {
		return err
	}
	s, ok := f.rows[token]
	if !ok || s.Status != model.SessionStatusActive {
		return repository.ErrNotPersisted
	}
	if patch.Phone != nil {
		s.Phone = *patch.Phone
	}
	if patch.ChatID != nil {
		s.ChatID = *patch.ChatID
	}
	if patch.CustomerID != nil && s.CustomerID == nil {
		id := *patch.CustomerID
		s.CustomerID = &id
	}
	if patch.Channels != nil {
		s.Channels = slices.Clone(patch.Channels)
	}
	if patch.Data != nil {
		s.Data = patch.Data.Clone()
	}
	if patch.LastActivityAt != nil && patch.LastActivityAt.After(s.LastActivityAt) {
		s.LastActivityAt = *patch.LastActivityAt
	}
	if patch.ExpiresAt != nil && patch.ExpiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = *patch.ExpiresAt
	}
	return nil
}

func (f *fakeStore) SoftDelete(ctx context.Context, token string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("soft_delete"); err != nil {
		return err
	}
	s, ok := f.rows[token]
	if !ok {
		return repository.ErrNotPersisted
	}
	s.Status = model.SessionStatusEnded
	s.UpdatedAt = at
	return nil
}

func (f *fakeStore) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("delete_ended"); err != nil {
		return 0, err
	}
	var n int64
	for token, s := range f.rows {
		if (s.Status == model.SessionStatusEnded && s.UpdatedAt.Before(cutoff)) || s.ExpiresAt.Before(cutoff) {
			delete(f.rows, token)
			n++
		}
	}
	return n, nil
}

type mockCustomerRepo struct {
	mock.Mock
}

func (m *mockCustomerRepo) FindByPhone(ctx context.Context, phone string) (*model.Customer, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Customer), args.Error(1)
}

func (m *mockCustomerRepo) EnsureByPhone(ctx context.Context, phone string) (*model.Customer, error) {
	args := m.Called(ctx, phone)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Customer), args.Error(1)
}

type harness struct {
	svc   *SessionService
	reg   *registry.Memory
	store *fakeStore
	now   time.Time
}

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		reg:   registry.NewMemory(),
		store: newFakeStore(),
		now:   t0,
	}
	persister := NewPersister(h.store, time.Second)
	h.svc = NewSessionService(h.reg, persister, nil, nil, expiry.NewPolicy(expiry.DefaultWindow))
	h.svc.now = func() time.Time { return h.now }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// flush waits for the background durable writes to land.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Wait(ctx))
}

func (h *harness) start(t *testing.T, p StartParams) *StartResult {
	t.Helper()
	res, err := h.svc.StartOrResume(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}
