package livetv

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/strandtv/strand/internal/log"
	"github.com/strandtv/strand/internal/metrics"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	masterVariantTag    = "#EXT-X-STREAM-INF"
)

// SourceLister supplies the ordered source URLs for a channel.
type SourceLister interface {
	Sources(channelID string) []string
}

// ProxyConfig carries the proxy tunables.
type ProxyConfig struct {
	// StreamPath is the local path prefix segments are rewritten to;
	// the channel id is appended.
	StreamPath      string
	FailThreshold   int
	ManifestTimeout time.Duration
}

// Proxy serves rewritten HLS manifests and pipes segments, sharing one
// failover position per channel across all clients.
type Proxy struct {
	sources SourceLister
	cfg     ProxyConfig
	client  *http.Client
	states  *stateMap
	logger  zerolog.Logger
}

// NewProxy builds a proxy over the source lister. A nil client uses a
// default with the manifest timeout.
func NewProxy(sources SourceLister, cfg ProxyConfig, client *http.Client) *Proxy {
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/livetv/stream/"
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.ManifestTimeout <= 0 {
		cfg.ManifestTimeout = 12 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.ManifestTimeout}
	}
	return &Proxy{
		sources: sources,
		cfg:     cfg,
		client:  client,
		states:  newStateMap(),
		logger:  log.WithComponent("livetv"),
	}
}

// ServeManifest answers a channel manifest request: pick a live source,
// resolve master playlists down to a media playlist, rewrite URL lines.
func (p *Proxy) ServeManifest(w http.ResponseWriter, r *http.Request, channelID string) {
	body, final, err := p.fetchActiveManifest(r.Context(), channelID)
	if err != nil {
		metrics.IncLiveTVRequest("manifest", false)
		p.logger.Warn().Err(err).Str(log.FieldChannelID, channelID).Msg("manifest fetch failed")
		http.Error(w, "no live source for channel", http.StatusBadGateway)
		return
	}

	rewritten := p.rewriteManifest(channelID, body, final)
	metrics.IncLiveTVRequest("manifest", true)
	w.Header().Set("Content-Type", manifestContentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.WriteString(w, rewritten)
}

// ServeSegment answers a segment request carrying the absolute upstream URL.
// Sub-playlists are rewritten; anything else is piped through.
func (p *Proxy) ServeSegment(w http.ResponseWriter, r *http.Request, channelID, target string) {
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}

	if strings.HasSuffix(u.Path, ".m3u8") {
		body, final, err := p.fetchText(r.Context(), target)
		if err != nil {
			p.segmentFailure(w, channelID, err)
			return
		}
		p.states.get(channelID).resetFailures()
		metrics.IncLiveTVRequest("playlist", true)
		w.Header().Set("Content-Type", manifestContentType)
		_, _ = io.WriteString(w, p.rewriteManifest(channelID, body, final))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "invalid url parameter", http.StatusBadRequest)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.segmentFailure(w, channelID, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		p.segmentFailure(w, channelID, fmt.Errorf("upstream status %d", resp.StatusCode))
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are gone; count the failure and let the client retry.
		p.states.get(channelID).markFailure(p.cfg.FailThreshold, len(p.sources.Sources(channelID)))
		metrics.IncLiveTVRequest("segment", false)
		return
	}
	p.states.get(channelID).resetFailures()
	metrics.IncLiveTVRequest("segment", true)
}

func (p *Proxy) segmentFailure(w http.ResponseWriter, channelID string, err error) {
	rotated := p.states.get(channelID).markFailure(p.cfg.FailThreshold, len(p.sources.Sources(channelID)))
	if rotated {
		metrics.LiveTVFailovers.WithLabelValues(channelID).Inc()
		p.logger.Info().Str(log.FieldChannelID, channelID).Msg("segment failures hit threshold, rotating source")
	}
	metrics.IncLiveTVRequest("segment", false)
	p.logger.Debug().Err(err).Str(log.FieldChannelID, channelID).Msg("segment fetch failed")
	http.Error(w, "upstream segment failed", http.StatusBadGateway)
}

// fetchActiveManifest tries sources in rotated order from the shared active
// index; the first success becomes active. Master playlists are resolved to
// their first variant inline, so the caller always gets a media playlist.
func (p *Proxy) fetchActiveManifest(ctx context.Context, channelID string) (string, *url.URL, error) {
	sources := p.sources.Sources(channelID)
	if len(sources) == 0 {
		return "", nil, fmt.Errorf("unknown channel %q", channelID)
	}

	st := p.states.get(channelID)
	start := st.activeIndex()

	var lastErr error
	for i := 0; i < len(sources); i++ {
		idx := (start + i) % len(sources)
		body, final, err := p.fetchText(ctx, sources[idx])
		if err != nil {
			lastErr = err
			continue
		}
		if strings.Contains(body, masterVariantTag) {
			variant := firstVariantURL(body, final)
			if variant == "" {
				return "", nil, fmt.Errorf("master playlist without variants from %s", sources[idx])
			}
			body, final, err = p.fetchText(ctx, variant)
			if err != nil {
				lastErr = err
				continue
			}
		}

		// A source only becomes active once its media playlist resolved; a
		// master whose variant is dead must not pin the index.
		st.markSuccess(idx)
		if idx != start {
			metrics.LiveTVFailovers.WithLabelValues(channelID).Inc()
		}
		return body, final, nil
	}
	return "", nil, fmt.Errorf("all %d sources failed: %w", len(sources), lastErr)
}

// fetchText GETs a URL and returns the body with the final URL after
// redirects, which relative playlist entries resolve against.
func (p *Proxy) fetchText(ctx context.Context, target string) (string, *url.URL, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ManifestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", nil, err
	}
	return string(body), resp.Request.URL, nil
}

// rewriteManifest points every URL line at the local segment endpoint.
// Comment and blank lines pass through verbatim.
func (p *Proxy) rewriteManifest(channelID, body string, base *url.URL) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		abs := trimmed
		if base != nil {
			if u, err := base.Parse(trimmed); err == nil {
				abs = u.String()
			}
		}
		lines[i] = p.cfg.StreamPath + channelID + "?url=" + url.QueryEscape(abs)
	}
	return strings.Join(lines, "\n")
}

// firstVariantURL returns the absolute URL of the first variant in a master
// playlist: the first non-comment line after the variant tag.
func firstVariantURL(body string, base *url.URL) string {
	seenTag := false
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, masterVariantTag) {
			seenTag = true
			continue
		}
		if !seenTag || trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if base != nil {
			if u, err := base.Parse(trimmed); err == nil {
				return u.String()
			}
		}
		return trimmed
	}
	return ""
}
