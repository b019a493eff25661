// Package memdb opens a throwaway bboltkv database for tests, mirroring
// erigon's kv/memdb test helper (a temp-file-backed "memory" database
// rather than a true in-memory map, so cursor/transaction semantics
// match production exactly).
package memdb

import (
	"path/filepath"
	"testing"

	"github.com/silkworm-labs/stagedsync/kv"
	"github.com/silkworm-labs/stagedsync/kv/bboltkv"
)

func New(t *testing.T) kv.RwDB {
	t.Helper()
	dir := t.TempDir()
	db, err := bboltkv.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("memdb: open: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}
