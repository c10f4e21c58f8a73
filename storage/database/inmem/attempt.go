package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/attempt"
)

type attemptRepository struct {
	db *attemptTable
}

var _ attempt.Repository = (*attemptRepository)(nil) // interface compliance check

func NewAttemptRepository(db *DB) *attemptRepository {
	return &attemptRepository{db: db.attempt}
}

func (repo *attemptRepository) CreateAttempt(_ context.Context, a attempt.Attempt) (attempt.Attempt, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	if a.IsInProgress() {
		for _, other := range repo.db.table {
			if other.IsInProgress() && other.UserID == a.UserID && other.TestID == a.TestID {
				return attempt.Attempt{}, attempt.ErrAlreadyInProgress
			}
		}
	}

	a.ID = uuid.New().String()
	repo.db.table[a.ID] = &a
	return a, nil
}

func (repo *attemptRepository) GetAttempt(_ context.Context, id string) (attempt.Attempt, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if a, ok := repo.db.table[id]; ok {
		return *a, nil
	}
	return attempt.Attempt{}, attempt.ErrNotFound
}

func (repo *attemptRepository) QueryAttempts(_ context.Context, filter attempt.QueryFilter, ordering []core.DBOrdering) ([]attempt.Attempt, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	attempts := make([]attempt.Attempt, 0)
	for _, a := range repo.db.table {
		if matches(*a, filter) {
			attempts = append(attempts, *a)
		}
	}

	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: "started_at", Ascending: true}}
	}
	sort.SliceStable(attempts, func(i, j int) bool {
		for _, ord := range ordering {
			cmp := compare(attempts[i], attempts[j], ord.Field)
			if cmp == 0 {
				continue
			}
			if ord.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return attempts[i].ID < attempts[j].ID
	})
	return attempts, nil
}

func (repo *attemptRepository) EndAttempt(_ context.Context, id, status string, endedAt time.Time) (attempt.Attempt, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	a, ok := repo.db.table[id]
	if !ok {
		return attempt.Attempt{}, attempt.ErrNotFound
	}
	if !a.IsInProgress() {
		return attempt.Attempt{}, attempt.ErrNotInProgress
	}
	a.Status = status
	a.EndedAt = endedAt
	a.UpdatedAt = endedAt
	return *a, nil
}

func matches(a attempt.Attempt, filter attempt.QueryFilter) bool {
	if filter.UserID != "" && a.UserID != filter.UserID {
		return false
	}
	if filter.TestID != "" && a.TestID != filter.TestID {
		return false
	}
	if filter.Status != "" && a.Status != filter.Status {
		return false
	}
	if !filter.DeadlineBefore.IsZero() && a.Deadline.After(filter.DeadlineBefore) {
		return false
	}
	return true
}

func compare(a, b attempt.Attempt, field string) int {
	switch field {
	case "deadline":
		return a.Deadline.Compare(b.Deadline)
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	case "test_id":
		return compareStrings(a.TestID, b.TestID)
	default: // started_at
		return a.StartedAt.Compare(b.StartedAt)
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
