package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/retailassist/session-server-go/internal/registry"
	"github.com/retailassist/session-server-go/internal/repository"
)

// sessionPurger is the slice of the session repository the job needs.
type sessionPurger interface {
	DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob reclaims expired registry entries and drops durable records
// that ended or expired longer than the retention period ago.
type CleanupJob struct {
	registry    registry.Registry
	sessionRepo sessionPurger
	retention   time.Duration
	interval    time.Duration
	now         func() time.Time
	done        chan struct{}
}

// NewCleanupJob builds the job. sessionRepo may be nil when no durable store
// is configured.
func NewCleanupJob(
	reg registry.Registry,
	sessionRepo repository.SessionRepository,
	retention time.Duration,
	interval time.Duration,
) *CleanupJob {
	j := &CleanupJob{
		registry:  reg,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		done:      make(chan struct{}),
	}
	if sessionRepo != nil {
		j.sessionRepo = sessionRepo
	}
	return j
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := j.now()
	if j.registry != nil {
		j.runCleanup(ctx, "registry sessions", func(ctx context.Context) (int64, error) {
			return j.registry.Purge(ctx, now)
		})
	}
	if j.sessionRepo != nil && j.retention > 0 {
		j.runCleanup(ctx, "ended sessions", func(ctx context.Context) (int64, error) {
			return j.sessionRepo.DeleteEndedBefore(ctx, now.Add(-j.retention))
		})
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
