package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/retailassist/session-server-go/internal/errors"
	"github.com/retailassist/session-server-go/internal/metrics"
	"github.com/retailassist/session-server-go/internal/model"
	"github.com/retailassist/session-server-go/internal/repository"
	"github.com/retailassist/session-server-go/internal/util"
)

const DefaultDurableTimeout = 3 * time.Second

const (
	opUpsert     = "upsert"
	opPatch      = "patch"
	opSoftDelete = "soft_delete"
	opRead       = "read"
)

type writeJob struct {
	op       string
	snapshot *model.Session
	patch    model.SessionPatch
	at       time.Time
}

// Persister replicates registry state into the durable store in the
// background. Writes for one token run in submission order on their own
// goroutine; each gets a fresh timeout detached from the request. A failed
// write marks the token pending so the next write for it re-upserts the
// whole record. A nil repository turns every call into a no-op.
type Persister struct {
	repo    repository.SessionRepository
	timeout time.Duration

	mu      sync.Mutex
	queues  map[string][]writeJob
	pending map[string]struct{}
	wg      sync.WaitGroup
}

func NewPersister(repo repository.SessionRepository, timeout time.Duration) *Persister {
	if timeout <= 0 {
		timeout = DefaultDurableTimeout
	}
	return &Persister{
		repo:    repo,
		timeout: timeout,
		queues:  make(map[string][]writeJob),
		pending: make(map[string]struct{}),
	}
}

func (p *Persister) Enabled() bool {
	return p != nil && p.repo != nil
}

func (p *Persister) Upsert(s *model.Session) {
	p.enqueue(writeJob{op: opUpsert, snapshot: s.Clone()})
}

func (p *Persister) Patch(s *model.Session, patch model.SessionPatch) {
	p.enqueue(writeJob{op: opPatch, snapshot: s.Clone(), patch: patch})
}

func (p *Persister) SoftDelete(s *model.Session, at time.Time) {
	p.enqueue(writeJob{op: opSoftDelete, snapshot: s.Clone(), at: at})
}

// Pending reports whether the last write for token failed.
func (p *Persister) Pending(token string) bool {
	if !p.Enabled() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[token]
	return ok
}

// Wait blocks until every queued write has finished or ctx is done.
func (p *Persister) Wait(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FindActiveByIdentity reads through to the durable store. Failures are
// logged and reported as a miss.
func (p *Persister) FindActiveByIdentity(ctx context.Context, identity model.Identity, now time.Time) *model.Session {
	if !p.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	s, err := p.repo.FindActiveByIdentity(ctx, identity, now)
	if err != nil {
		p.degraded(opRead, "", err)
		return nil
	}
	return s
}

func (p *Persister) FindByToken(ctx context.Context, token string) *model.Session {
	if !p.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	s, err := p.repo.FindByToken(ctx, token)
	if err != nil {
		p.degraded(opRead, token, err)
		return nil
	}
	return s
}

func (p *Persister) enqueue(job writeJob) {
	if !p.Enabled() {
		return
	}
	token := job.snapshot.Token

	p.mu.Lock()
	queue, running := p.queues[token]
	p.queues[token] = append(queue, job)
	if !running {
		p.wg.Add(1)
		metrics.DurableWritesInFlight.Inc()
	}
	p.mu.Unlock()

	if !running {
		go p.drain(token)
	}
}

func (p *Persister) drain(token string) {
	defer p.wg.Done()
	defer metrics.DurableWritesInFlight.Dec()

	for {
		p.mu.Lock()
		queue := p.queues[token]
		if len(queue) == 0 {
			delete(p.queues, token)
			p.mu.Unlock()
			return
		}
		job := queue[0]
		p.queues[token] = queue[1:]
		_, pending := p.pending[token]
		p.mu.Unlock()

		op, err := p.run(job, pending)

		p.mu.Lock()
		if err != nil {
			p.pending[token] = struct{}{}
		} else {
			delete(p.pending, token)
		}
		p.mu.Unlock()

		if err != nil {
			p.degraded(op, token, err)
			metrics.DurableWrites.WithLabelValues(op, metrics.ResultFailed).Inc()
		} else {
			metrics.DurableWrites.WithLabelValues(op, metrics.ResultOK).Inc()
		}
	}
}

// run executes one write. Row-level writes fall back to a full upsert when
// the token is pending or the row does not exist yet.
func (p *Persister) run(job writeJob, pending bool) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	op := job.op
	if pending {
		op = opUpsert
	}

	var err error
	switch op {
	case opUpsert:
		err = p.repo.Upsert(ctx, job.snapshot)
	case opPatch:
		err = p.repo.PatchFields(ctx, job.snapshot.Token, job.patch)
	case opSoftDelete:
		err = p.repo.SoftDelete(ctx, job.snapshot.Token, job.at)
	}
	if errors.Is(err, repository.ErrNotPersisted) {
		op = opUpsert
		err = p.repo.Upsert(ctx, job.snapshot)
	}

	metrics.DurableWriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return op, err
}

func (p *Persister) degraded(op, token string, err error) {
	log.Warn().
		Err(apperrors.PersistenceDegraded(op, err)).
		Str("op", op).
		Str("token", util.MaskToken(token)).
		Msg("durable store unavailable, continuing on registry")
}

