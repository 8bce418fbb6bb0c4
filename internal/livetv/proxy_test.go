package livetv

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSources struct {
	urls map[string][]string
}

func (s *staticSources) Sources(channelID string) []string {
	return s.urls[channelID]
}

func newTestProxy(sources map[string][]string) *Proxy {
	return NewProxy(&staticSources{urls: sources}, ProxyConfig{
		StreamPath:      "/livetv/stream/",
		FailThreshold:   3,
		ManifestTimeout: 2 * time.Second,
	}, nil)
}

func TestMasterPlaylistResolvedToMediaPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=5000000\nv1.m3u8\n")
	})
	mux.HandleFunc("/v1.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nseg1.ts\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := newTestProxy(map[string][]string{"c": {srv.URL + "/master.m3u8"}})

	rec := httptest.NewRecorder()
	p.ServeManifest(rec, httptest.NewRequest(http.MethodGet, "/livetv/stream/c", nil), "c")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, manifestContentType, rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "#EXT-X-TARGETDURATION:6") // media playlist content
	assert.NotContains(t, body, "#EXT-X-STREAM-INF")

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		assert.True(t, strings.HasPrefix(trimmed, "/livetv/stream/c?url="), "line %q not rewritten", trimmed)
	}
}

func TestRewriteRoundTripsToOriginalURL(t *testing.T) {
	base, err := url.Parse("http://upstream.example/hls/chan/index.m3u8")
	require.NoError(t, err)

	p := newTestProxy(nil)
	out := p.rewriteManifest("c", "#EXTM3U\n#EXTINF:6.0,\n../seg/0001.ts\n", base)

	var rewritten string
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "#") && strings.TrimSpace(line) != "" {
			rewritten = line
		}
	}
	require.NotEmpty(t, rewritten)

	u, err := url.Parse(rewritten)
	require.NoError(t, err)
	assert.Equal(t, "http://upstream.example/hls/seg/0001.ts", u.Query().Get("url"))
}

func TestCommentLinesPreservedVerbatim(t *testing.T) {
	p := newTestProxy(nil)
	in := "#EXTM3U\n#EXT-X-VERSION:3\n\n#EXTINF:6.0, Title With Spaces\n"
	assert.Equal(t, in, p.rewriteManifest("c", in, nil))
}

func TestSegmentFailureRotatesAfterThreshold(t *testing.T) {
	var s0Hits atomic.Int64
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s0Hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = w.Write([]byte("segment-bytes"))
	}))
	defer good.Close()

	p := newTestProxy(map[string][]string{"c": {broken.URL, good.URL}})

	// Three failing segments trip the threshold and advance the source.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		p.ServeSegment(rec, httptest.NewRequest(http.MethodGet, "/", nil), "c", broken.URL+"/seg.ts")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}
	assert.Equal(t, 1, p.states.get("c").activeIndex())

	// The next manifest fetch starts from the rotated source.
	rec := httptest.NewRecorder()
	p.ServeSegment(rec, httptest.NewRequest(http.MethodGet, "/", nil), "c", good.URL+"/seg.ts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "segment-bytes", rec.Body.String())
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
}

func TestManifestFailoverSkipsDeadSource(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer dead.Close()
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXTINF:6.0,\nseg0.ts\n")
	}))
	defer live.Close()

	p := newTestProxy(map[string][]string{"c": {dead.URL, live.URL}})

	rec := httptest.NewRecorder()
	p.ServeManifest(rec, httptest.NewRequest(http.MethodGet, "/", nil), "c")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, p.states.get("c").activeIndex())
}

func TestBrokenVariantDoesNotPinActiveSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=5000000\nv1.m3u8\n")
	})
	mux.HandleFunc("/v1.m3u8", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	halfBroken := httptest.NewServer(mux)
	defer halfBroken.Close()
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXTINF:6.0,\nseg0.ts\n")
	}))
	defer live.Close()

	p := newTestProxy(map[string][]string{"c": {halfBroken.URL + "/master.m3u8", live.URL}})

	rec := httptest.NewRecorder()
	p.ServeManifest(rec, httptest.NewRequest(http.MethodGet, "/", nil), "c")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "seg0.ts")
	assert.Equal(t, 1, p.states.get("c").activeIndex(),
		"a master with a dead variant is not a working source")
}

func TestUnknownChannelIs502(t *testing.T) {
	p := newTestProxy(map[string][]string{})
	rec := httptest.NewRecorder()
	p.ServeManifest(rec, httptest.NewRequest(http.MethodGet, "/", nil), "nope")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSubPlaylistSegmentIsRewrittenNotPiped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXTINF:6.0,\nlow/seg0.ts\n")
	}))
	defer srv.Close()

	p := newTestProxy(map[string][]string{"c": {srv.URL}})

	rec := httptest.NewRecorder()
	p.ServeSegment(rec, httptest.NewRequest(http.MethodGet, "/", nil), "c", srv.URL+"/sub.m3u8")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/livetv/stream/c?url=")
}
