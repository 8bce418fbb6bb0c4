package prefetch

import (
	"context"

	"github.com/strandtv/strand/internal/vod/source"
)

// EpisodePicker is the metadata-free default: sequential play advances to
// the next episode of the same season, everything else ends the chain.
// Season boundaries are not visible without a metadata source, so the
// prefetch for a non-existent episode simply finds no sources and expires.
type EpisodePicker struct{}

func (EpisodePicker) Next(_ context.Context, current source.ContentRef, mode Mode) (source.ContentRef, error) {
	if !current.IsEpisodic() || mode != ModeSequential {
		return source.ContentRef{}, ErrNoNext
	}
	next := current
	next.Episode++
	next.DisplayTitle = ""
	return next, nil
}
