package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yxzhao/perpbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, profile_id, symbol, side, entry_price, quantity,
	leverage, margin, status, accumulated_fees, liquidation_price,
	opened_at, closed_at, exit_price, realized_pnl, close_reason`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	var closeReason *string

	err := row.Scan(
		&p.ID, &p.ProfileID, &p.Symbol, &side,
		&p.EntryPrice, &p.Quantity, &p.Leverage, &p.Margin,
		&status, &p.AccumulatedFees, &p.LiquidationPrice,
		&p.OpenedAt, &p.ClosedAt, &p.ExitPrice, &p.RealizedPnL, &closeReason,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.PositionSide(side)
	p.Status = domain.PositionStatus(status)
	if closeReason != nil {
		p.CloseReason = domain.CloseReason(*closeReason)
	}
	// Mark-dependent fields are runtime state; a restored position starts
	// valued at its entry price until the first tick arrives.
	p.MarkPrice = p.EntryPrice
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, profile_id, symbol, side, entry_price, quantity,
			leverage, margin, status, accumulated_fees, liquidation_price,
			opened_at, closed_at, exit_price, realized_pnl, close_reason,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.ProfileID, p.Symbol, string(p.Side),
		p.EntryPrice, p.Quantity, p.Leverage, p.Margin,
		string(p.Status), p.AccumulatedFees, p.LiquidationPrice,
		p.OpenedAt, p.ClosedAt, p.ExitPrice, p.RealizedPnL, nullableReason(p.CloseReason),
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			status            = $2,
			accumulated_fees  = $3,
			liquidation_price = $4,
			closed_at         = $5,
			exit_price        = $6,
			realized_pnl      = $7,
			close_reason      = $8,
			updated_at        = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, string(p.Status), p.AccumulatedFees, p.LiquidationPrice,
		p.ClosedAt, p.ExitPrice, p.RealizedPnL, nullableReason(p.CloseReason),
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns all open positions, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'open'
		 ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListByProfile returns positions for the given profile with pagination and
// optional time filtering.
func (s *PositionStore) ListByProfile(ctx context.Context, profileID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE profile_id = $1`
	args := []any{profileID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for profile %s: %w", profileID, err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions for profile %s: %w", profileID, err)
	}
	return positions, nil
}

// ListTerminalBefore returns closed and liquidated positions whose close time
// is before cutoff, oldest first.
func (s *PositionStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE status IN ('closed', 'liquidated') AND closed_at < $1
		ORDER BY closed_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan terminal positions: %w", err)
	}
	return positions, nil
}

// DeleteByIDs removes positions by ID and returns the number deleted.
func (s *PositionStore) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullableReason(r domain.CloseReason) *string {
	if r == "" {
		return nil
	}
	s := string(r)
	return &s
}
