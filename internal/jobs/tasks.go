// Package jobs runs the background side of the ledger: the daily hutang
// piutang snapshot, scheduled and processed through asynq.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	QueueDefault = "default"
	// TaskDebtSnapshot regenerates recent debt snapshots for every shop.
	TaskDebtSnapshot = "hutang_piutang:snapshot"
)

type SnapshotPayload struct {
	DaysBack     int       `json:"days_back"`
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

func NewSnapshotTask(daysBack int, at time.Time) (*asynq.Task, error) {
	if daysBack < 0 {
		daysBack = 0
	}
	body, err := json.Marshal(SnapshotPayload{DaysBack: daysBack, ScheduledFor: at})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot payload: %w", err)
	}
	return asynq.NewTask(TaskDebtSnapshot, body,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
	), nil
}
