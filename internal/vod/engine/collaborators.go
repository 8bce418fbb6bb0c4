package engine

import (
	"context"
	"errors"
	"time"
)

// DebridState is the torrent lifecycle as reported by the debrid provider.
type DebridState string

const (
	StateMagnetConversion DebridState = "magnet_conversion"
	StateQueued           DebridState = "queued"
	StateDownloading      DebridState = "downloading"
	StateDownloaded       DebridState = "downloaded"
	StateError            DebridState = "error"
)

// ErrDMCA is returned by the debrid client when the provider answers 451.
var ErrDMCA = errors.New("debrid: content blocked (451)")

// DebridStatus is one polling tick of a torrent on the debrid provider.
type DebridStatus struct {
	State        DebridState
	Progress     float64 // 0..100
	Seeders      int
	SpeedBps     int64
	HasPeersInfo bool // false while the provider has not reported seeders/speed
	Link         string
	FileName     string
}

// DebridClient drives magnet-to-URL promotion on the debrid provider.
type DebridClient interface {
	AddMagnet(ctx context.Context, magnet string) (torrentID string, err error)
	Status(ctx context.Context, torrentID string) (DebridStatus, error)
	Unrestrict(ctx context.Context, link string) (url, fileName string, err error)
	// Delete is best-effort cleanup of an abandoned torrent.
	Delete(ctx context.Context, torrentID string) error
}

// ZurgResolver promotes a catalog file path to a direct debrid URL.
type ZurgResolver interface {
	DirectURL(ctx context.Context, filePath string) (url, fileName string, err error)
}

// UserContext carries the per-user inputs the pipeline needs.
type UserContext struct {
	UserRef             string
	BandwidthMbps       float64
	BandwidthMeasuredAt time.Time
}
