// Package userdir reads the user directory: debrid credentials, measured
// bandwidth and the sub-account hierarchy. The backing SQLite database is
// owned by the account system; this adapter opens it read-only.
package userdir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound reports an unknown user id.
var ErrNotFound = errors.New("userdir: user not found")

// User is one directory row with sub-account inheritance already applied:
// DebridKey is always the arbitration key, the parent's for sub-accounts.
type User struct {
	ID                  string
	Username            string
	DebridKey           string
	ParentID            string // empty for top-level accounts
	BandwidthMbps       float64
	BandwidthMeasuredAt time.Time
}

// Directory is the read-only adapter.
type Directory struct {
	db *sql.DB
}

// Open connects to the directory database read-only.
func Open(path string) (*Directory, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open user directory %q: %w", path, err)
	}
	return &Directory{db: db}, nil
}

// Close releases the connection.
func (d *Directory) Close() error { return d.db.Close() }

const userQuery = `
SELECT id, username, debrid_key, COALESCE(parent_id, ''),
       COALESCE(bandwidth_mbps, 0), COALESCE(bandwidth_measured_at, 0)
FROM users WHERE id = ?`

// Lookup returns the user with the effective debrid key. A sub-account
// whose own key is empty inherits the parent's.
func (d *Directory) Lookup(ctx context.Context, userID string) (User, error) {
	u, err := d.lookupRow(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if u.ParentID != "" && u.DebridKey == "" {
		parent, err := d.lookupRow(ctx, u.ParentID)
		if err != nil {
			return User{}, fmt.Errorf("resolve parent %q: %w", u.ParentID, err)
		}
		u.DebridKey = parent.DebridKey
	}
	return u, nil
}

func (d *Directory) lookupRow(ctx context.Context, userID string) (User, error) {
	var u User
	var measuredMs int64
	err := d.db.QueryRowContext(ctx, userQuery, userID).Scan(
		&u.ID, &u.Username, &u.DebridKey, &u.ParentID, &u.BandwidthMbps, &measuredMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user %q: %w", userID, err)
	}
	if measuredMs > 0 {
		u.BandwidthMeasuredAt = time.UnixMilli(measuredMs)
	}
	return u, nil
}

// BandwidthStale reports whether the user's measurement is older than
// maxAge or missing entirely.
func (u User) BandwidthStale(now time.Time, maxAge time.Duration) bool {
	if u.BandwidthMbps <= 0 || u.BandwidthMeasuredAt.IsZero() {
		return true
	}
	return now.Sub(u.BandwidthMeasuredAt) > maxAge
}
