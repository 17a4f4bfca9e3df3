package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tokokas/backend/internal/domain"
	"tokokas/backend/internal/service"
	"tokokas/backend/internal/store/memory"
)

var _ SnapshotGenerator = (*service.Service)(nil)

type stubGenerator struct {
	daysBack []int
	runs     []domain.SnapshotRun
	err      error
}

func (g *stubGenerator) GenerateRecentSnapshots(_ context.Context, daysBack int) ([]domain.SnapshotRun, error) {
	g.daysBack = append(g.daysBack, daysBack)
	return g.runs, g.err
}

func TestNewSnapshotTaskPayload(t *testing.T) {
	at := time.Date(2025, 3, 10, 17, 15, 0, 0, time.UTC)
	task, err := NewSnapshotTask(-4, at)
	require.NoError(t, err)
	assert.Equal(t, TaskDebtSnapshot, task.Type())

	var payload SnapshotPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Zero(t, payload.DaysBack)
	assert.True(t, payload.ScheduledFor.Equal(at))
}

func TestSnapshotJobPassesDaysBack(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	gen := &stubGenerator{runs: []domain.SnapshotRun{
		{ShopID: "shop-a", Snapshots: make([]domain.DebtSnapshot, 2)},
		{ShopID: "shop-b", Snapshots: make([]domain.DebtSnapshot, 2)},
	}}
	job := NewSnapshotJob(gen, zap.New(core))

	task, err := NewSnapshotTask(1, time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, []int{1}, gen.daysBack)
	entries := logs.FilterMessage("snapshot run finished").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 4, entries[0].ContextMap()["written"])
	assert.EqualValues(t, 2, entries[0].ContextMap()["shops"])
}

func TestSnapshotJobReturnsErrorForRetry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	gen := &stubGenerator{
		runs: []domain.SnapshotRun{{
			ShopID:    "shop-a",
			Snapshots: make([]domain.DebtSnapshot, 1),
			Failed:    []domain.SnapshotFailure{{Date: "2025-03-10", Error: "disk full"}},
		}},
		err: errors.New("shop shop-a: snapshot 2025-03-10: disk full"),
	}
	job := NewSnapshotJob(gen, zap.New(core))

	task, err := NewSnapshotTask(0, time.Now())
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	assert.Equal(t, 1, logs.FilterMessage("snapshot day failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("snapshot run finished with errors").Len())
}

func TestSnapshotJobSkipsRetryOnBadPayload(t *testing.T) {
	gen := &stubGenerator{}
	job := NewSnapshotJob(gen, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskDebtSnapshot, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, gen.daysBack)
}

func TestSnapshotJobAgainstService(t *testing.T) {
	repo := memory.NewSeeded(zap.NewNop())
	svc := service.New(repo, service.Options{
		Location:          time.FixedZone("WIB", 7*60*60),
		LowStockThreshold: decimal.NewFromInt(10),
		Now:               func() time.Time { return time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC) },
	})
	job := NewSnapshotJob(svc, nil)

	task, err := NewSnapshotTask(2, time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	page, err := svc.ListDebtSnapshots(service.WithActor(context.Background(), domain.Actor{
		UserID: "usr-owner", ShopID: memory.DemoShopID, Role: domain.RoleOwner,
	}), 1, 10, "", "")
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, "2025-03-10", page.Items[0].Date.Format(time.DateOnly))
}

func TestNewWorkerRejectsBadCron(t *testing.T) {
	task, err := NewSnapshotTask(1, time.Time{})
	require.NoError(t, err)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Cron:      []CronRegistration{{Spec: "every now and then", Task: task}},
	})
	assert.Error(t, err)

	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Handlers:  []TaskHandler{{Type: TaskDebtSnapshot, Handler: NewSnapshotJob(&stubGenerator{}, nil).Handle}},
		Cron:      []CronRegistration{{Spec: "15 0 * * *", Task: task}},
	})
	require.NoError(t, err)
	assert.NotNil(t, w.scheduler)
}
