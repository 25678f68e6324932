// Package activity runs the periodic project-activity recorder: once per
// tick it asks the Store which (user, project) pairs were active since the
// previous tick and flushes that window to the durable Db, grounding
// per-project usage history without requiring every participant update to
// hit Redis on the hot path.
package activity

import (
	"context"
	"time"

	"github.com/collabhub/broker/internal/v1/db"
	"github.com/collabhub/broker/internal/v1/logging"
	"github.com/collabhub/broker/internal/v1/store"
	"go.uber.org/zap"
)

// Recorder owns the ticker and the [periodStart, now) bookkeeping between
// ticks.
type Recorder struct {
	store    *store.Store
	database db.Db
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewRecorder constructs a Recorder that will flush every interval once
// Start is called.
func NewRecorder(s *store.Store, d db.Db, interval time.Duration) *Recorder {
	return &Recorder{
		store:    s,
		database: d,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the recorder loop until ctx is canceled or Stop is called,
// closing done when it returns so tests can observe clean shutdown.
func (r *Recorder) Start(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	periodStart := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.flush(ctx, periodStart, now)
			periodStart = now
		}
	}
}

// Stop signals the loop to exit and blocks until it has.
func (r *Recorder) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Recorder) flush(ctx context.Context, periodStart, now time.Time) {
	pairs := r.store.ActiveProjectUserPairs(periodStart)
	if len(pairs) == 0 {
		return
	}

	recorded := make([]db.ProjectActivity, 0, len(pairs))
	for _, p := range pairs {
		recorded = append(recorded, db.ProjectActivity{
			UserID:    uint64(p.UserID),
			ProjectID: uint64(p.ProjectID),
		})
	}

	period := db.ActivityPeriod{Start: periodStart, End: now}
	if err := r.database.RecordUserActivity(ctx, period, recorded); err != nil {
		// A dropped activity window is a reporting-quality issue, not a
		// correctness one; log and keep ticking rather than abort the
		// recorder over a transient Db failure.
		logging.Error(ctx, "failed to record project activity window",
			zap.Error(err), zap.Int("pairs", len(recorded)))
		return
	}
	logging.Info(ctx, "recorded project activity window", zap.Int("pairs", len(recorded)))
}
