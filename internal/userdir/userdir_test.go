package userdir

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDirectory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	_, err = db.Exec(`
CREATE TABLE users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL,
  debrid_key TEXT NOT NULL DEFAULT '',
  parent_id TEXT,
  bandwidth_mbps REAL,
  bandwidth_measured_at INTEGER
)`)
	require.NoError(t, err)

	measured := time.Now().Add(-30 * time.Minute).UnixMilli()
	_, err = db.Exec(`INSERT INTO users VALUES
  ('u1', 'alice', 'KEY-A', NULL, 42.5, ?),
  ('u2', 'alice-kid', '', 'u1', 0, NULL),
  ('u3', 'bob', 'KEY-B', NULL, NULL, NULL)`, measured)
	require.NoError(t, err)
	return path
}

func TestLookup(t *testing.T) {
	dir, err := Open(seedDirectory(t))
	require.NoError(t, err)
	defer func() { _ = dir.Close() }()

	u, err := dir.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "KEY-A", u.DebridKey)
	assert.Empty(t, u.ParentID)
	assert.InDelta(t, 42.5, u.BandwidthMbps, 0.001)
	assert.False(t, u.BandwidthMeasuredAt.IsZero())
}

func TestSubAccountInheritsParentKey(t *testing.T) {
	dir, err := Open(seedDirectory(t))
	require.NoError(t, err)
	defer func() { _ = dir.Close() }()

	u, err := dir.Lookup(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "alice-kid", u.Username)
	assert.Equal(t, "KEY-A", u.DebridKey) // parent's key is the arbitration key
	assert.Equal(t, "u1", u.ParentID)
}

func TestLookupUnknownUser(t *testing.T) {
	dir, err := Open(seedDirectory(t))
	require.NoError(t, err)
	defer func() { _ = dir.Close() }()

	_, err = dir.Lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBandwidthStale(t *testing.T) {
	now := time.Now()

	fresh := User{BandwidthMbps: 40, BandwidthMeasuredAt: now.Add(-10 * time.Minute)}
	assert.False(t, fresh.BandwidthStale(now, time.Hour))

	old := User{BandwidthMbps: 40, BandwidthMeasuredAt: now.Add(-2 * time.Hour)}
	assert.True(t, old.BandwidthStale(now, time.Hour))

	never := User{}
	assert.True(t, never.BandwidthStale(now, time.Hour))
}
