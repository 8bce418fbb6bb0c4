// Package linkcache persists promoted stream URLs keyed by content.
//
// Entries carry a TTL; on read the cached URL is verified with a cheap probe
// before it is handed out, so a lookup either returns a live URL or a miss.
package linkcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/metrics"
)

const keyPrefix = "link:"

// Entry is one cached promotion result.
type Entry struct {
	ContentKey       string `json:"contentKey"`
	StreamURL        string `json:"streamUrl"`
	FileName         string `json:"fileName"`
	ResolutionHeight int    `json:"resolutionHeight,omitempty"`
	SizeBytes        int64  `json:"sizeBytes,omitempty"`
	InsertedAt       int64  `json:"insertedAt"` // unix millis
}

// Prober verifies that a direct URL still answers.
type Prober interface {
	Alive(ctx context.Context, url string) bool
}

// Cache is a badger-backed link cache.
type Cache struct {
	db     *badger.DB
	prober Prober
	ttl    time.Duration
	logger zerolog.Logger
	sfg    singleflight.Group
}

// Open creates or opens the cache at dir. An empty dir opens an in-memory
// store (used by tests).
func Open(dir string, ttl time.Duration, prober Prober) (*Cache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open link cache: %w", err)
	}
	return &Cache{
		db:     db,
		prober: prober,
		ttl:    ttl,
		logger: log.WithComponent("linkcache"),
	}, nil
}

// Close releases the underlying store.
func (c *Cache) Close() error { return c.db.Close() }

// Put upserts an entry under the content key. Writes are idempotent.
func (c *Cache) Put(contentKey string, e Entry) error {
	e.ContentKey = contentKey
	if e.InsertedAt == 0 {
		e.InsertedAt = time.Now().UnixMilli()
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal link entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		ent := badger.NewEntry([]byte(keyPrefix+contentKey), buf).WithTTL(c.ttl)
		return txn.SetEntry(ent)
	})
}

// Lookup returns a verified-live entry or a miss. A dead cached URL is
// deleted and reported as a miss. Concurrent lookups for the same key share
// one verification probe.
func (c *Cache) Lookup(ctx context.Context, contentKey string) (Entry, bool) {
	e, ok := c.get(contentKey)
	if !ok {
		metrics.IncLinkCacheLookup("miss")
		return Entry{}, false
	}

	alive, _, _ := c.sfg.Do(contentKey, func() (any, error) {
		return c.prober.Alive(ctx, e.StreamURL), nil
	})
	if live, _ := alive.(bool); !live {
		c.logger.Info().
			Str(log.FieldContent, contentKey).
			Str(log.FieldURL, e.StreamURL).
			Msg("cached link is dead, evicting")
		c.Delete(contentKey)
		metrics.IncLinkCacheLookup("dead")
		return Entry{}, false
	}

	metrics.IncLinkCacheLookup("hit")
	return e, true
}

// Delete removes an entry.
func (c *Cache) Delete(contentKey string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + contentKey))
	})
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldContent, contentKey).Msg("link cache delete failed")
	}
}

func (c *Cache) get(contentKey string) (Entry, bool) {
	var e Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + contentKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Str(log.FieldContent, contentKey).Msg("link cache read failed")
		return Entry{}, false
	}
	return e, true
}
