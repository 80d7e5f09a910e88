// Package pipeline contains background maintenance jobs that run alongside
// the engine, currently the cold-storage archiver.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/yxzhao/perpbot/internal/domain"
)

// archiveBatchSize bounds how many rows a single archive object holds.
const archiveBatchSize = 1000

// archiveLockKey serializes archive passes across replicas.
const archiveLockKey = "archiver"

// archiveLockTTL caps how long a crashed replica can hold the archive lock.
const archiveLockTTL = 30 * time.Minute

// Archiver moves settled history out of the database into S3 cold storage:
// terminal positions past the retention window, and audit log entries past
// the same window. Rows are deleted only after the object upload succeeds.
type Archiver struct {
	positions     domain.PositionStore
	audit         domain.AuditStore  // nil skips audit archival
	blob          domain.BlobWriter
	locks         domain.LockManager // nil skips cross-replica locking
	retentionDays int
	logger        *slog.Logger
}

// NewArchiver creates a new Archiver. audit and locks may be nil.
func NewArchiver(positions domain.PositionStore, audit domain.AuditStore, blob domain.BlobWriter, locks domain.LockManager, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		positions:     positions,
		audit:         audit,
		blob:          blob,
		locks:         locks,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive pass for everything older than the retention
// cutoff. When a lock manager is configured and another replica already holds
// the archive lock, the pass is skipped without error.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, archiveLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.Info("archive pass skipped, lock held by another replica")
			return nil
		}
		if err != nil {
			return fmt.Errorf("acquiring archive lock: %w", err)
		}
		defer unlock()
	}

	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	positionsArchived, err := a.archivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving positions before %v: %w", cutoff, err)
	}

	var auditArchived int64
	if a.audit != nil {
		auditArchived, err = a.archiveAudit(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("archiving audit log before %v: %w", cutoff, err)
		}
	}

	a.logger.Info("archive run complete",
		slog.Int64("positions_archived", positionsArchived),
		slog.Int64("audit_archived", auditArchived),
	)
	return nil
}

// archivePositions uploads terminal positions in batches as JSON objects and
// deletes each batch once its upload succeeds.
func (a *Archiver) archivePositions(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.positions.ListTerminalBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		data, err := json.Marshal(batch)
		if err != nil {
			return total, fmt.Errorf("marshal position batch: %w", err)
		}

		first := batch[0].ClosedAt
		path := fmt.Sprintf("archive/positions/%04d/%02d/positions-%s.json",
			first.Year(), first.Month(), first.UTC().Format("20060102T150405"))
		if err := a.blob.Put(ctx, path, data, "application/json"); err != nil {
			return total, err
		}

		ids := make([]string, len(batch))
		for i, p := range batch {
			ids[i] = p.ID
		}
		deleted, err := a.positions.DeleteByIDs(ctx, ids)
		if err != nil {
			return total, err
		}
		total += deleted
		a.logger.Info("archived position batch",
			slog.String("path", path),
			slog.Int64("count", deleted),
		)
	}
}

// archiveAudit uploads old audit entries as one JSON object per pass and then
// deletes them.
func (a *Archiver) archiveAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		batch, err := a.audit.ListBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		data, err := json.Marshal(batch)
		if err != nil {
			return total, fmt.Errorf("marshal audit batch: %w", err)
		}

		first := batch[0].CreatedAt
		path := fmt.Sprintf("archive/audit/%04d/%02d/audit-%s.json",
			first.Year(), first.Month(), first.UTC().Format("20060102T150405"))
		if err := a.blob.Put(ctx, path, data, "application/json"); err != nil {
			return total, err
		}

		last := batch[len(batch)-1].CreatedAt
		deleted, err := a.audit.DeleteBefore(ctx, last.Add(time.Millisecond))
		if err != nil {
			return total, err
		}
		total += deleted
		a.logger.Info("archived audit batch",
			slog.String("path", path),
			slog.Int64("count", deleted),
		)
	}
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// It supports cron expressions in the standard 5-field format:
// "minute hour day-of-month month day-of-week"
//
// Example: "0 3 * * *" runs at 3:00 AM every day.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		waitDuration := time.Until(next)
		a.logger.Info("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", waitDuration),
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField represents a parsed cron field that can match against a value.
type cronField struct {
	wildcard bool
	values   []int
}

// matches returns true if the given value matches this cron field.
func (f cronField) matches(val int) bool {
	if f.wildcard {
		return true
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField parses a single cron field (e.g. "0", "*", "1,15").
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}

	parts := strings.Split(field, ",")
	values := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.Atoi(p)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

// parsedCron holds five parsed cron fields.
type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// matchesTime returns true if the given time matches all five cron fields.
func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

// parseCron parses a 5-field cron expression into a parsedCron struct.
func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}

	minute, err := parseCronField(fields[0])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing minute field: %w", err)
	}
	hour, err := parseCronField(fields[1])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing hour field: %w", err)
	}
	dayOfMonth, err := parseCronField(fields[2])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-month field: %w", err)
	}
	month, err := parseCronField(fields[3])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing month field: %w", err)
	}
	dayOfWeek, err := parseCronField(fields[4])
	if err != nil {
		return parsedCron{}, fmt.Errorf("parsing day-of-week field: %w", err)
	}

	return parsedCron{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// nextCronTime calculates the next time after 'after' that matches the given
// cron expression. It searches minute-by-minute up to one year ahead.
func nextCronTime(cronExpr string, after time.Time) (time.Time, error) {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return time.Time{}, err
	}

	// Start from the next minute boundary.
	candidate := after.Truncate(time.Minute).Add(time.Minute)

	// Search up to one year ahead to avoid infinite loops.
	limit := after.Add(366 * 24 * time.Hour)

	for candidate.Before(limit) {
		if cron.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}

	return time.Time{}, fmt.Errorf("no matching cron time found within one year for %q", cronExpr)
}
