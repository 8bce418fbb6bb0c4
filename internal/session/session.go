// Package session arbitrates one active playback per debrid key.
//
// The debrid key is the arbitration unit: sub-accounts inherit the parent
// account's key upstream, so two sub-accounts of one parent contend for the
// same slot. The Check path is hot and must stay in single-digit
// milliseconds; anything slower than the deadline is surfaced as a
// retryable timeout rather than left hanging.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/metrics"
)

// ErrTimeout reports an arbiter decision that did not complete within the
// server-side deadline. Clients should retry.
var ErrTimeout = errors.New("session: arbiter deadline exceeded")

// Session is one active playback claim on a debrid key.
type Session struct {
	DebridKey     string    `json:"debridKey"`
	IP            string    `json:"ip"`
	UserID        string    `json:"userId"`
	Username      string    `json:"username"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeatAt"`

	// EndsAt is non-zero once End scheduled removal; the session stays
	// valid until then so rapid reconnects from the same device survive.
	EndsAt time.Time `json:"endsAt,omitempty"`
}

// expired reports whether the session no longer blocks admission.
func (s *Session) expired(now time.Time, idle time.Duration) bool {
	if !s.EndsAt.IsZero() && !now.Before(s.EndsAt) {
		return true
	}
	return now.Sub(s.LastHeartbeat) > idle
}

// Verdict is the arbiter's admission decision.
type Verdict struct {
	Admitted bool
	Active   *Session // the blocking session when denied

	// Created is true when the admit claimed the key (fresh claim or a
	// resurrected end-scheduled one), as opposed to a same-device refresh.
	Created bool
}

// Store is the session persistence backend. Acquire must be atomic: for a
// given key, concurrent calls from different IPs produce exactly one admit.
// End reports whether it released a claim, so a repeated or mismatched End
// returns false.
type Store interface {
	Acquire(ctx context.Context, candidate Session, now time.Time) (Verdict, error)
	Heartbeat(ctx context.Context, debridKey, ip string, now time.Time) error
	End(ctx context.Context, debridKey, ip string, now time.Time) (bool, error)
}

// Config carries the arbiter timing policy.
type Config struct {
	Grace    time.Duration // validity extension after an explicit End
	Idle     time.Duration // heartbeat silence before a session expires
	Deadline time.Duration // hard ceiling on the Check path
}

// Arbiter enforces the one-session-per-key policy over a Store.
type Arbiter struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
}

// New builds an arbiter. Zero config values get the documented defaults.
func New(store Store, cfg Config) *Arbiter {
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 90 * time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 8 * time.Second
	}
	return &Arbiter{
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("session"),
	}
}

// Check admits the caller or reports the session blocking the key. An admit
// replaces any expired session and refreshes a claim from the same IP.
func (a *Arbiter) Check(ctx context.Context, debridKey, ip, userID, username string) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Deadline)
	defer cancel()

	now := time.Now()
	v, err := a.store.Acquire(ctx, Session{
		DebridKey:     debridKey,
		IP:            ip,
		UserID:        userID,
		Username:      username,
		StartedAt:     now,
		LastHeartbeat: now,
	}, now)
	metrics.SessionCheckDuration.Observe(time.Since(now).Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.IncSessionCheck("timeout")
			return Verdict{}, ErrTimeout
		}
		metrics.IncSessionCheck("error")
		return Verdict{}, err
	}

	if v.Admitted {
		metrics.IncSessionCheck("admit")
		if v.Created {
			metrics.ActiveSessions.Inc()
		}
	} else {
		metrics.IncSessionCheck("deny")
		a.logger.Info().
			Str(log.FieldUserID, userID).
			Str("active_user", v.Active.Username).
			Msg("session denied, key in use elsewhere")
	}
	return v, nil
}

// Heartbeat refreshes the claim for the matching device. Unknown or
// mismatched claims are ignored.
func (a *Arbiter) Heartbeat(ctx context.Context, debridKey, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Deadline)
	defer cancel()
	return a.store.Heartbeat(ctx, debridKey, ip, time.Now())
}

// End schedules removal of the claim after the grace window.
func (a *Arbiter) End(ctx context.Context, debridKey, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Deadline)
	defer cancel()
	released, err := a.store.End(ctx, debridKey, ip, time.Now())
	if err != nil {
		return err
	}
	if released {
		metrics.ActiveSessions.Dec()
	}
	return nil
}
