//go:build !sqlite

package storage

import (
	"errors"
	"fmt"
)

var errSQLiteUnavailable = errors.New("sqlite backend unavailable: rebuild with -tags sqlite")

func newSQLiteStore(path string) (Store, error) {
	return nil, fmt.Errorf("open %s: %w", path, errSQLiteUnavailable)
}
