package instrument

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"valtimo-authz/internal/log"
	"valtimo-authz/internal/store"
)

// CleanupOldEvents deletes events older than retentionDays.
func CleanupOldEvents(ctx context.Context, db *sql.DB, dialect store.Dialect, retentionDays int) (int64, error) {
	pb := dialect.NewParamBuilder()
	where := dialect.IntervalDeleteExpr("created_at", pb, fmt.Sprintf("%d", retentionDays))
	n, err := store.Exec(ctx, db, "DELETE FROM _events WHERE "+where, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("event cleanup: %w", err)
	}
	if n > 0 {
		log.Info("deleted old events", log.FieldComponent("instrument"), zap.Int64("events", n))
	}
	return n, nil
}

// StartCleanup runs CleanupOldEvents every interval until ctx is done.
func StartCleanup(ctx context.Context, db *sql.DB, dialect store.Dialect, retentionDays int, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := CleanupOldEvents(ctx, db, dialect, retentionDays); err != nil {
				log.Error("event cleanup failed", log.FieldComponent("instrument"), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}
