package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/renameio/v2"

	"github.com/strandtv/strand/internal/vod/job"
)

// SubtitleAPI fetches subtitles from an external provider.
type SubtitleAPI interface {
	Fetch(ctx context.Context, contentKey, language string) ([]byte, error)
}

// Syncer aligns subtitle timing against the actual stream.
type Syncer interface {
	Sync(ctx context.Context, subtitlePath, streamURL string) error
}

// Extractor pulls an embedded subtitle stream out of the container into a
// standalone file.
type Extractor interface {
	Extract(ctx context.Context, streamURL string, streamIndex int, outPath string) error
}

// subtitleEntry is the cached record for one acquired subtitle file.
type subtitleEntry struct {
	Path   string `json:"path"`
	Synced bool   `json:"synced"`
	Source string `json:"source"`
}

// SubtitleCache persists acquired subtitle files keyed by content, language
// and the hash of the stream they were synced against.
type SubtitleCache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenSubtitleCache opens the cache at dir; empty dir is in-memory.
func OpenSubtitleCache(dir string, ttl time.Duration) (*SubtitleCache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open subtitle cache: %w", err)
	}
	return &SubtitleCache{db: db, ttl: ttl}, nil
}

// Close releases the store.
func (c *SubtitleCache) Close() error { return c.db.Close() }

func subtitleKey(contentKey, language, videoHash string) []byte {
	return []byte("sub:" + contentKey + ":" + language + ":" + videoHash)
}

func (c *SubtitleCache) get(contentKey, language, videoHash string) (subtitleEntry, bool) {
	var e subtitleEntry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(subtitleKey(contentKey, language, videoHash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return subtitleEntry{}, false
	}
	return e, true
}

func (c *SubtitleCache) put(contentKey, language, videoHash string, e subtitleEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(subtitleKey(contentKey, language, videoHash), data)
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		return txn.SetEntry(entry)
	})
}

// SubtitleStack is the full acquisition chain: cache, external API with
// sync, embedded extraction fallback.
type SubtitleStack struct {
	Cache     *SubtitleCache
	API       SubtitleAPI
	Syncer    Syncer
	Extractor Extractor
	Dir       string // where subtitle files land
	Language  string // target language, default "eng"
}

func (s *SubtitleStack) language() string {
	if s.Language == "" {
		return "eng"
	}
	return s.Language
}

// subtitles acquires a subtitle file for the job: cache reuse first, then
// the external API, then embedded extraction.
func (r *Runner) subtitles(ctx context.Context, j job.Job) error {
	s := r.subs
	lang := s.language()
	contentKey := j.ContentRef.Key()
	videoHash := streamHash(j.StreamURL)

	// 1. Cache: reuse an existing file, syncing it now if it never was.
	if s.Cache != nil {
		if entry, ok := s.Cache.get(contentKey, lang, videoHash); ok {
			if _, err := os.Stat(entry.Path); err == nil {
				if !entry.Synced && s.Syncer != nil {
					if err := s.Syncer.Sync(ctx, entry.Path, j.StreamURL); err == nil {
						entry.Synced = true
						_ = s.Cache.put(contentKey, lang, videoHash, entry)
					}
				}
				r.attachSubtitle(j.ID, job.SubtitleFile{
					Language: lang, Path: entry.Path, Synced: entry.Synced, Source: "cache",
				})
				return nil
			}
		}
	}

	// 2. A clean English track in the container makes external work moot.
	if j.HasEnglishSubtitle {
		return nil
	}

	// 3. External API, synced against the live stream.
	if s.API != nil {
		if err := r.externalSubtitle(ctx, j, lang, contentKey, videoHash); err == nil {
			return nil
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}

	// 4. Fall back to extracting an embedded track.
	return r.extractEmbedded(ctx, j, lang, contentKey, videoHash)
}

func (r *Runner) externalSubtitle(ctx context.Context, j job.Job, lang, contentKey, videoHash string) error {
	s := r.subs
	data, err := s.API.Fetch(ctx, contentKey, lang)
	if err != nil {
		return fmt.Errorf("external subtitle fetch: %w", err)
	}

	path := s.subtitlePath(j.ID, lang, "srt")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write subtitle: %w", err)
	}

	synced := false
	if s.Syncer != nil {
		if err := s.Syncer.Sync(ctx, path, j.StreamURL); err == nil {
			synced = true
		}
	}
	if s.Cache != nil {
		_ = s.Cache.put(contentKey, lang, videoHash, subtitleEntry{Path: path, Synced: synced, Source: "external"})
	}
	r.attachSubtitle(j.ID, job.SubtitleFile{Language: lang, Path: path, Synced: synced, Source: "external"})
	return nil
}

func (r *Runner) extractEmbedded(ctx context.Context, j job.Job, lang, contentKey, videoHash string) error {
	s := r.subs
	if s.Extractor == nil {
		return nil
	}
	idx := embeddedTrackIndex(j, lang)
	if idx < 0 {
		return nil
	}

	path := s.subtitlePath(j.ID, lang, "srt")
	if err := s.Extractor.Extract(ctx, j.StreamURL, idx, path); err != nil {
		return fmt.Errorf("extract embedded subtitle: %w", err)
	}
	if s.Cache != nil {
		_ = s.Cache.put(contentKey, lang, videoHash, subtitleEntry{Path: path, Synced: true, Source: "embedded"})
	}
	r.attachSubtitle(j.ID, job.SubtitleFile{Language: lang, Path: path, Synced: true, Source: "embedded"})
	return nil
}

func (r *Runner) attachSubtitle(jobID string, sf job.SubtitleFile) {
	r.registry.Update(jobID, func(cur *job.Job) {
		for _, existing := range cur.Subtitles {
			if existing.Path == sf.Path {
				return
			}
		}
		cur.Subtitles = append(cur.Subtitles, sf)
	})
}

func (s *SubtitleStack) subtitlePath(jobID, lang, ext string) string {
	return filepath.Join(s.Dir, jobID+"."+lang+"."+ext)
}

// embeddedTrackIndex picks the container stream to extract: the recommended
// track when it matches the language, else the first kept non-forced match.
func embeddedTrackIndex(j job.Job, lang string) int {
	if j.RecommendedSubtitleIndex != nil {
		for _, tr := range j.EmbeddedSubtitleTracks {
			if tr.Index == *j.RecommendedSubtitleIndex && tr.Language == lang {
				return tr.Index
			}
		}
	}
	for _, tr := range j.EmbeddedSubtitleTracks {
		if tr.Keep && !tr.Forced && tr.Language == lang {
			return tr.Index
		}
	}
	return -1
}

// streamHash identifies the exact stream a subtitle was synced against.
func streamHash(streamURL string) string {
	sum := sha256.Sum256([]byte(streamURL))
	return hex.EncodeToString(sum[:8])
}
