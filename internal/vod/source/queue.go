package source

import (
	"context"
	"sort"
	"sync"
	"time"
)

// popWaitSlice bounds how long a single Pop wait blocks before re-checking.
const popWaitSlice = 500 * time.Millisecond

// ScoredQueue is a deduplicating priority queue of candidates.
//
// Producers push batches as providers stream results; a single consumer pops
// the best remaining candidate. In-budget candidates always rank ahead of
// over-bandwidth ones; within a band, higher score wins and equal scores keep
// insertion order.
type ScoredQueue struct {
	mu     sync.Mutex
	items  []queued
	seen   map[string]struct{}
	tried  map[string]struct{}
	final  bool
	nexSeq uint64
	signal chan struct{}
}

type queued struct {
	cand Candidate
	seq  uint64
}

// NewScoredQueue returns an empty queue.
func NewScoredQueue() *ScoredQueue {
	return &ScoredQueue{
		seen:   make(map[string]struct{}),
		tried:  make(map[string]struct{}),
		signal: make(chan struct{}),
	}
}

// Push merges a batch into the queue, dropping duplicate stable keys, and
// wakes any blocked consumer. isFinal marks the search complete; it is sticky.
func (q *ScoredQueue) Push(batch []Candidate, isFinal bool) {
	q.mu.Lock()
	for _, c := range batch {
		if c.StableKey == "" {
			continue
		}
		if _, dup := q.seen[c.StableKey]; dup {
			continue
		}
		q.seen[c.StableKey] = struct{}{}
		q.items = append(q.items, queued{cand: c, seq: q.nexSeq})
		q.nexSeq++
	}
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if a.cand.OverBandwidth != b.cand.OverBandwidth {
			return !a.cand.OverBandwidth
		}
		if a.cand.Score != b.cand.Score {
			return a.cand.Score > b.cand.Score
		}
		return a.seq < b.seq
	})
	if isFinal {
		q.final = true
	}
	ch := q.signal
	q.signal = make(chan struct{})
	q.mu.Unlock()

	close(ch)
}

// Pop returns the best untried candidate. When the queue is empty and the
// search is not complete it blocks in bounded slices until a candidate
// arrives, the search finishes, or ctx is done. The second return value is
// true once the search is complete and the queue is drained.
func (q *ScoredQueue) Pop(ctx context.Context) (*Candidate, bool) {
	for {
		q.mu.Lock()
		for i, item := range q.items {
			if _, tried := q.tried[item.cand.StableKey]; tried {
				continue
			}
			q.tried[item.cand.StableKey] = struct{}{}
			q.items = append(q.items[:i], q.items[i+1:]...)
			c := item.cand
			q.mu.Unlock()
			return &c, false
		}
		if q.final {
			q.mu.Unlock()
			return nil, true
		}
		ch := q.signal
		q.mu.Unlock()

		timer := time.NewTimer(popWaitSlice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// MarkTried prevents a stable key from being selected again, even if a later
// provider push re-introduces it.
func (q *ScoredQueue) MarkTried(stableKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tried[stableKey] = struct{}{}
	for i, item := range q.items {
		if item.cand.StableKey == stableKey {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
}

// Len reports the number of queued, untried candidates.
func (q *ScoredQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.items {
		if _, tried := q.tried[item.cand.StableKey]; !tried {
			n++
		}
	}
	return n
}

// Complete reports whether the search has finished.
func (q *ScoredQueue) Complete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.final
}
