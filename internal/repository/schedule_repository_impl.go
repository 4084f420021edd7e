package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/outbound-engine/internal/model"
)

const scheduleColumns = `id, name, entity_type, direction, cadence_ms, batch_size, priority, strategy,
	enabled, executing, last_run, next_due`

// ScheduleRepositoryImpl implements ScheduleRepository using PostgreSQL.
type ScheduleRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewScheduleRepositoryImpl creates a new ScheduleRepository implementation.
func NewScheduleRepositoryImpl(pool *pgxpool.Pool) ScheduleRepository {
	return &ScheduleRepositoryImpl{pool: pool}
}

func scanSchedule(row pgx.Row) (*model.ScheduleDefinition, error) {
	var (
		def       model.ScheduleDefinition
		direction string
		strategy  string
		cadenceMS int64
		priority  int16
	)

	err := row.Scan(&def.ID, &def.Name, &def.EntityType, &direction, &cadenceMS, &def.BatchSize, &priority,
		&strategy, &def.Enabled, &def.Executing, &def.LastRun, &def.NextDue)
	if err != nil {
		return nil, err
	}

	def.Direction = model.Direction(direction)
	def.Strategy = model.ConflictStrategy(strategy)
	def.Cadence = time.Duration(cadenceMS) * time.Millisecond
	def.Priority = model.Priority(priority)

	return &def, nil
}

// Create stores a new schedule definition.
func (r *ScheduleRepositoryImpl) Create(ctx context.Context, def *model.ScheduleDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	err := conn(ctx, r.pool).QueryRow(ctx,
		`INSERT INTO schedule_definitions
			(name, entity_type, direction, cadence_ms, batch_size, priority, strategy, enabled, next_due)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		def.Name, def.EntityType, string(def.Direction), def.Cadence.Milliseconds(), def.BatchSize,
		int16(def.Priority), string(def.Strategy), def.Enabled, def.NextDue,
	).Scan(&def.ID)
	if err != nil {
		return fmt.Errorf("failed to create schedule %q: %w", def.Name, err)
	}

	return nil
}

// GetByID retrieves a schedule definition.
func (r *ScheduleRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.ScheduleDefinition, error) {
	def, err := scanSchedule(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_definitions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schedule %d not found", id)
	}

	return def, err
}

// ListDue returns enabled schedules whose next_due has passed.
func (r *ScheduleRepositoryImpl) ListDue(ctx context.Context, now time.Time) ([]*model.ScheduleDefinition, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_definitions
		 WHERE enabled AND next_due <= $1 ORDER BY next_due, id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer rows.Close()

	var defs []*model.ScheduleDefinition

	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	return defs, rows.Err()
}

// TryMarkExecuting sets executing only if it is currently clear.
func (r *ScheduleRepositoryImpl) TryMarkExecuting(ctx context.Context, id int64) (bool, error) {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE schedule_definitions SET executing = TRUE WHERE id = $1 AND NOT executing`, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark schedule %d executing: %w", id, err)
	}

	return tag.RowsAffected() == 1, nil
}

// RecordRun stores last_run and next_due.
func (r *ScheduleRepositoryImpl) RecordRun(ctx context.Context, id int64, lastRun, nextDue time.Time) error {
	_, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE schedule_definitions SET last_run = $2, next_due = $3 WHERE id = $1`, id, lastRun, nextDue)
	if err != nil {
		return fmt.Errorf("failed to record run of schedule %d: %w", id, err)
	}

	return nil
}

// ClearExecuting resets the executing flag.
func (r *ScheduleRepositoryImpl) ClearExecuting(ctx context.Context, id int64) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `UPDATE schedule_definitions SET executing = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear schedule %d: %w", id, err)
	}

	return nil
}
