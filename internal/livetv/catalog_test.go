package livetv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `channels:
  - id: news1
    name: News One
    sources:
      - http://a.example/news1.m3u8
      - http://b.example/news1.m3u8
  - id: broken
    name: No Sources
    sources: []
`

func writeCatalog(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "channels.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCatalog(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), testCatalog)

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	srcs := c.Sources("news1")
	require.Len(t, srcs, 2)
	assert.Equal(t, "http://a.example/news1.m3u8", srcs[0])

	// Entries without sources are dropped.
	assert.Nil(t, c.Sources("broken"))
	assert.Nil(t, c.Sources("unknown"))
	assert.Len(t, c.Channels(), 1)
}

func TestCatalogHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, testCatalog)

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Watch(ctx)
	}()

	updated := `channels:
  - id: news1
    name: News One
    sources:
      - http://c.example/news1.m3u8
  - id: sports
    name: Sports
    sources:
      - http://a.example/sports.m3u8
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return c.Sources("sports") != nil
	}, 3*time.Second, 20*time.Millisecond)

	srcs := c.Sources("news1")
	require.Len(t, srcs, 1)
	assert.Equal(t, "http://c.example/news1.m3u8", srcs[0])

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestCatalogReloadKeepsOldOnBadWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, testCatalog)

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))

	// A direct reload fails but the served catalog is unchanged.
	assert.Error(t, c.reload())
	assert.Len(t, c.Sources("news1"), 2)
}

func TestCatalogSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, testCatalog)

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	snap := filepath.Join(dir, "snapshot.yaml")
	require.NoError(t, c.Snapshot(snap))

	c2, err := LoadCatalog(snap)
	require.NoError(t, err)
	assert.Equal(t, c.Sources("news1"), c2.Sources("news1"))
}
