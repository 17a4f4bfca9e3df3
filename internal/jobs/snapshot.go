package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"tokokas/backend/internal/domain"
)

// SnapshotGenerator is implemented by service.Service.
type SnapshotGenerator interface {
	GenerateRecentSnapshots(ctx context.Context, daysBack int) ([]domain.SnapshotRun, error)
}

type SnapshotJob struct {
	generator SnapshotGenerator
	logger    *zap.Logger
	clock     func() time.Time
}

func NewSnapshotJob(generator SnapshotGenerator, logger *zap.Logger) *SnapshotJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotJob{
		generator: generator,
		logger:    logger.With(zap.String("job", TaskDebtSnapshot)),
		clock:     time.Now,
	}
}

// Handle regenerates snapshots for every shop. Regeneration replaces the
// stored day, so a retried task converges on the same rows.
func (j *SnapshotJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.generator == nil {
		return errors.New("snapshot job: generator not configured")
	}
	var payload SnapshotPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode snapshot payload: %v: %w", err, asynq.SkipRetry)
	}

	started := j.clock()
	runs, err := j.generator.GenerateRecentSnapshots(ctx, payload.DaysBack)

	written, failed := 0, 0
	for _, run := range runs {
		written += len(run.Snapshots)
		failed += len(run.Failed)
		for _, f := range run.Failed {
			j.logger.Warn("snapshot day failed",
				zap.String("shop_id", run.ShopID),
				zap.String("date", f.Date),
				zap.String("error", f.Error))
		}
	}

	fields := []zap.Field{
		zap.Int("days_back", payload.DaysBack),
		zap.Int("shops", len(runs)),
		zap.Int("written", written),
		zap.Int("failed", failed),
		zap.Duration("duration", j.clock().Sub(started)),
	}
	if err != nil {
		j.logger.Error("snapshot run finished with errors", append(fields, zap.Error(err))...)
		return err
	}
	j.logger.Info("snapshot run finished", fields...)
	return nil
}
