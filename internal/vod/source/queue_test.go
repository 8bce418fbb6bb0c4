package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(key string, score float64) Candidate {
	return Candidate{Provenance: ProvenanceProwlarr, StableKey: key, MagnetOrPath: "magnet:" + key, Score: score}
}

func TestScoredQueue_PopsByScoreDescending(t *testing.T) {
	q := NewScoredQueue()
	q.Push([]Candidate{cand("a", 10), cand("b", 30), cand("c", 20)}, true)

	ctx := context.Background()

	first, done := q.Pop(ctx)
	require.NotNil(t, first)
	assert.False(t, done)
	assert.Equal(t, "b", first.StableKey)

	second, _ := q.Pop(ctx)
	require.NotNil(t, second)
	assert.Equal(t, "c", second.StableKey)

	third, _ := q.Pop(ctx)
	require.NotNil(t, third)
	assert.Equal(t, "a", third.StableKey)

	none, done := q.Pop(ctx)
	assert.Nil(t, none)
	assert.True(t, done)
}

func TestScoredQueue_EqualScoreKeepsInsertionOrder(t *testing.T) {
	q := NewScoredQueue()
	q.Push([]Candidate{cand("first", 5)}, false)
	q.Push([]Candidate{cand("second", 5)}, true)

	got, _ := q.Pop(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "first", got.StableKey)
}

func TestScoredQueue_OverBandwidthRanksLast(t *testing.T) {
	over := cand("over", 99)
	over.OverBandwidth = true
	q := NewScoredQueue()
	q.Push([]Candidate{over, cand("budget", 1)}, true)

	got, _ := q.Pop(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "budget", got.StableKey, "in-budget candidates outrank over-bandwidth ones regardless of score")
}

func TestScoredQueue_DuplicateKeysDropped(t *testing.T) {
	q := NewScoredQueue()
	q.Push([]Candidate{cand("x", 1)}, false)
	q.Push([]Candidate{cand("x", 50)}, true)

	got, _ := q.Pop(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, float64(1), got.Score, "second push with same key is a duplicate")

	none, done := q.Pop(context.Background())
	assert.Nil(t, none)
	assert.True(t, done)
}

func TestScoredQueue_MarkTriedBlocksReselection(t *testing.T) {
	q := NewScoredQueue()
	q.MarkTried("x")
	q.Push([]Candidate{cand("x", 10), cand("y", 1)}, true)

	got, _ := q.Pop(context.Background())
	require.NotNil(t, got)
	assert.Equal(t, "y", got.StableKey)
}

func TestScoredQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewScoredQueue()

	go func() {
		time.Sleep(50 * time.Millisecond)
		q.Push([]Candidate{cand("late", 1)}, false)
	}()

	start := time.Now()
	got, done := q.Pop(context.Background())
	require.NotNil(t, got)
	assert.False(t, done)
	assert.Equal(t, "late", got.StableKey)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestScoredQueue_PopHonoursContext(t *testing.T) {
	q := NewScoredQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	got, done := q.Pop(ctx)
	assert.Nil(t, got)
	assert.False(t, done)
}

func TestContentRefKey(t *testing.T) {
	movie := ContentRef{ExternalID: 278, Kind: KindMovie}
	assert.Equal(t, "movie:278", movie.Key())

	episode := ContentRef{ExternalID: 1399, Kind: KindTV, Season: 1, Episode: 2}
	assert.Equal(t, "tv:1399:s01e02", episode.Key())
	assert.True(t, episode.IsEpisodic())
}
