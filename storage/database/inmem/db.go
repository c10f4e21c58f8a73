package inmemdb

import (
	"sync"

	"github.com/trezcool/masomo/core/attempt"
)

type (
	DB struct {
		attempt *attemptTable
	}

	attemptTable struct {
		sync.RWMutex
		table map[string]*attempt.Attempt
	}
)

func Open() *DB {
	return &DB{
		attempt: &attemptTable{table: make(map[string]*attempt.Attempt)},
	}
}
