package sqlite

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyIntegrity_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "corruptible.sqlite")

	db, err := Open(ctx, dbPath, DefaultConfig())
	require.NoError(t, err)

	// enough rows to spill past the first page
	_, err = db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, data TEXT);")
	require.NoError(t, err)
	for range 100 {
		_, err = db.Exec("INSERT INTO test (data) VALUES (hex(randomblob(100)));")
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	issues, err := VerifyIntegrity(ctx, dbPath, "quick")
	require.NoError(t, err)
	require.Nil(t, issues)

	f, err := os.OpenFile(dbPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	garbage := make([]byte, 100)
	_, _ = rand.Read(garbage)
	_, err = f.WriteAt(garbage, 4096)
	require.NoError(t, f.Close())
	require.NoError(t, err)

	issues, err = VerifyIntegrity(ctx, dbPath, "full")
	if err != nil {
		// a trashed page header can fail the pragma itself
		t.Logf("integrity pragma failed: %v", err)
		return
	}
	assert.NotNil(t, issues, "corruption should be reported")
}

func TestStore_Verify(t *testing.T) {
	s := newTestStore(t)

	issues, err := s.Verify(context.Background(), "full")
	require.NoError(t, err)
	assert.Nil(t, issues)
}

func TestDSN(t *testing.T) {
	rw := dsn("/data/epgrec.sqlite", DefaultConfig())
	assert.True(t, strings.HasPrefix(rw, "file:/data/epgrec.sqlite?_pragma=busy_timeout(5000)"))
	assert.Contains(t, rw, "foreign_keys(ON)")
	assert.Contains(t, rw, "journal_mode(WAL)")

	ro := dsn("/data/epgrec.sqlite", Config{BusyTimeout: time.Second, ReadOnly: true})
	assert.Equal(t, "file:/data/epgrec.sqlite?mode=ro&_pragma=busy_timeout(1000)", ro)
}

func TestVerifyIntegrity_MissingFile(t *testing.T) {
	_, err := VerifyIntegrity(context.Background(), filepath.Join(t.TempDir(), "missing.sqlite"), "quick")
	assert.Error(t, err)
}
