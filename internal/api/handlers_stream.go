package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.deps.Streams.ServeStream(w, r, chi.URLParam(r, "streamID"))
}

func (s *Server) handleProcessed(w http.ResponseWriter, r *http.Request) {
	s.deps.Streams.ServeProcessed(w, r, chi.URLParam(r, "jobID"))
}

// handleLiveTV dispatches on the url query parameter: with it the request
// addresses a segment or sub-playlist, without it the channel manifest.
func (s *Server) handleLiveTV(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if target := r.URL.Query().Get("url"); target != "" {
		s.deps.LiveTV.ServeSegment(w, r, channelID, target)
		return
	}
	s.deps.LiveTV.ServeManifest(w, r, channelID)
}
