package sqlxrepos

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/attempt"
)

const (
	attemptTable   = "attempt"
	attemptColumns = "id, test_id, user_id, duration_seconds, status, started_at, deadline, ended_at, created_at, updated_at"

	uniqueViolation = "23505"
)

// sortable columns
var attemptOrderings = map[string]struct{}{
	"started_at": {},
	"deadline":   {},
	"created_at": {},
	"test_id":    {},
}

type attemptRow struct {
	ID              string    `db:"id"`
	TestID          string    `db:"test_id"`
	UserID          string    `db:"user_id"`
	DurationSeconds int64     `db:"duration_seconds"`
	Status          string    `db:"status"`
	StartedAt       time.Time `db:"started_at"`
	Deadline        time.Time `db:"deadline"`
	EndedAt         null.Time `db:"ended_at"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func toRow(a attempt.Attempt) attemptRow {
	return attemptRow{
		ID:              a.ID,
		TestID:          a.TestID,
		UserID:          a.UserID,
		DurationSeconds: a.DurationSeconds,
		Status:          a.Status,
		StartedAt:       a.StartedAt.UTC(),
		Deadline:        a.Deadline.UTC(),
		EndedAt:         null.NewTime(a.EndedAt.UTC(), !a.EndedAt.IsZero()),
		CreatedAt:       a.CreatedAt.UTC(),
		UpdatedAt:       a.UpdatedAt.UTC(),
	}
}

func (row attemptRow) attempt() attempt.Attempt {
	a := attempt.Attempt{
		ID:              row.ID,
		TestID:          row.TestID,
		UserID:          row.UserID,
		DurationSeconds: row.DurationSeconds,
		Status:          row.Status,
		StartedAt:       row.StartedAt.UTC(),
		Deadline:        row.Deadline.UTC(),
		CreatedAt:       row.CreatedAt.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
	if row.EndedAt.Valid {
		a.EndedAt = row.EndedAt.Time.UTC()
	}
	return a
}

type attemptRepository struct {
	db *sqlx.DB
}

var _ attempt.Repository = (*attemptRepository)(nil) // interface compliance check

func NewAttemptRepository(db *sqlx.DB) *attemptRepository {
	return &attemptRepository{db: db}
}

// trapNoRowsErr maps psql "no rows" err to attempt.ErrNotFound
func trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return attempt.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

func (repo *attemptRepository) CreateAttempt(ctx context.Context, a attempt.Attempt) (attempt.Attempt, error) {
	a.ID = uuid.New().String()
	q := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (:id, :test_id, :user_id, :duration_seconds, :status, :started_at, :deadline, :ended_at, :created_at, :updated_at)`,
		attemptTable, attemptColumns,
	)
	if _, err := repo.db.NamedExecContext(ctx, q, toRow(a)); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return attempt.Attempt{}, attempt.ErrAlreadyInProgress
		}
		return attempt.Attempt{}, errors.Wrap(err, "inserting attempt")
	}
	return a, nil
}

func (repo *attemptRepository) GetAttempt(ctx context.Context, id string) (attempt.Attempt, error) {
	if _, err := uuid.Parse(id); err != nil {
		return attempt.Attempt{}, attempt.ErrNotFound
	}

	var row attemptRow
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", attemptColumns, attemptTable)
	if err := repo.db.GetContext(ctx, &row, q, id); err != nil {
		return attempt.Attempt{}, trapNoRowsErr(err, "getting attempt")
	}
	return row.attempt(), nil
}

func (repo *attemptRepository) QueryAttempts(ctx context.Context, filter attempt.QueryFilter, ordering []core.DBOrdering) ([]attempt.Attempt, error) {
	q, args := buildAttemptQuery(filter, ordering)

	var rows []attemptRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying attempts")
	}

	attempts := make([]attempt.Attempt, 0, len(rows))
	for _, row := range rows {
		attempts = append(attempts, row.attempt())
	}
	return attempts, nil
}

func (repo *attemptRepository) EndAttempt(ctx context.Context, id, status string, endedAt time.Time) (attempt.Attempt, error) {
	if _, err := uuid.Parse(id); err != nil {
		return attempt.Attempt{}, attempt.ErrNotFound
	}

	var row attemptRow
	q := fmt.Sprintf(
		"UPDATE %s SET status = $1, ended_at = $2, updated_at = $2 WHERE id = $3 AND status = $4 RETURNING %s",
		attemptTable, attemptColumns,
	)
	err := repo.db.GetContext(ctx, &row, q, status, endedAt.UTC(), id, attempt.StatusInProgress)
	if err == nil {
		return row.attempt(), nil
	}
	if err != sql.ErrNoRows {
		return attempt.Attempt{}, errors.Wrap(err, "ending attempt")
	}

	// either missing or already ended
	if _, err = repo.GetAttempt(ctx, id); err != nil {
		return attempt.Attempt{}, err
	}
	return attempt.Attempt{}, attempt.ErrNotInProgress
}

// buildAttemptQuery returns the SELECT matching filter and its positional args.
// Unknown ordering fields are skipped.
func buildAttemptQuery(filter attempt.QueryFilter, ordering []core.DBOrdering) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.TestID != "" {
		add("test_id = $%d", filter.TestID)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if !filter.DeadlineBefore.IsZero() {
		add("deadline <= $%d", filter.DeadlineBefore.UTC())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", attemptColumns, attemptTable)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}

	orderList := make([]string, 0, len(ordering)+1)
	for _, ord := range ordering {
		if _, ok := attemptOrderings[ord.Field]; ok {
			orderList = append(orderList, ord.String())
		}
	}
	if len(orderList) == 0 {
		orderList = append(orderList, core.DBOrdering{Field: "started_at", Ascending: true}.String())
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(orderList, ", "))
	return b.String(), args
}
