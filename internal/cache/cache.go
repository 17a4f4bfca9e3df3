package cache

import (
	"context"
	"fmt"
	"time"
)

// ReportCache stores serialized report reads. Entries are addressed through
// Key with the shop's current Version, so Invalidate retires every entry of
// one shop at once and a read that started before the bump can only write
// under the old version.
type ReportCache interface {
	Version(ctx context.Context, shopID string) (int64, error)
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Invalidate(ctx context.Context, shopID string) error
}

const keyPrefix = "tokokas:report"

func Key(shopID string, version int64, name string) string {
	return fmt.Sprintf("%s:%s:v%d:%s", keyPrefix, shopID, version, name)
}

type NoopReportCache struct{}

func (NoopReportCache) Version(_ context.Context, _ string) (int64, error) {
	return 0, nil
}

func (NoopReportCache) Get(_ context.Context, _ string, _ any) (bool, error) {
	return false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ any, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
