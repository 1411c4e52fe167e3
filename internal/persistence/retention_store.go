package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention sweep.
type RetentionResult struct {
	PurgedEvents   int64 `json:"purged_events"`
	PurgedMessages int64 `json:"purged_messages"`
	PurgedAuditLog int64 `json:"purged_audit_log"`
}

// RunRetention deletes events, messages and audit log rows older than their
// configured retention windows. Each category uses a separate DELETE with
// its own cutoff and is idempotent: running it twice in a row purges
// nothing the second time.
func (s *Store) RunRetention(ctx context.Context, eventDays, messageDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if eventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge events: %w", err)
		}
		result.PurgedEvents, _ = res.RowsAffected()
	}

	if messageDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -messageDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge messages: %w", err)
		}
		result.PurgedMessages, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLog, _ = res.RowsAffected()
	}

	return result, nil
}
