package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/strandtv/strand/internal/prefetch"
	"github.com/strandtv/strand/internal/userdir"
	"github.com/strandtv/strand/internal/vod/engine"
	"github.com/strandtv/strand/internal/vod/job"
	"github.com/strandtv/strand/internal/vod/source"
)

// userIDHeader carries the authenticated user id, set by the fronting
// auth layer. Identity issuance is not this daemon's concern.
const userIDHeader = "X-User-ID"

type startRequest struct {
	ExternalID int64  `json:"externalId"`
	Kind       string `json:"kind"`
	Season     int    `json:"season,omitempty"`
	Episode    int    `json:"episode,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

type startResponse struct {
	Immediate bool   `json:"immediate"`
	JobID     string `json:"jobId,omitempty"`
	StreamURL string `json:"streamUrl,omitempty"`
	Source    string `json:"source,omitempty"`
	FileName  string `json:"fileName,omitempty"`
}

func (s *Server) resolveUser(w http.ResponseWriter, r *http.Request) (userdir.User, bool) {
	id := r.Header.Get(userIDHeader)
	if id == "" {
		writeUnauthorized(w)
		return userdir.User{}, false
	}
	u, err := s.deps.Users.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, userdir.ErrNotFound) {
			writeUnauthorized(w)
		} else {
			writeError(w, http.StatusServiceUnavailable, "user_directory", "user directory unavailable")
		}
		return userdir.User{}, false
	}
	return u, true
}

func userContext(u userdir.User) engine.UserContext {
	return engine.UserContext{
		UserRef:             u.ID,
		BandwidthMbps:       u.BandwidthMbps,
		BandwidthMeasuredAt: u.BandwidthMeasuredAt,
	}
}

func contentRef(externalID int64, kind string, season, episode int, platform string) (source.ContentRef, error) {
	ref := source.ContentRef{
		ExternalID: externalID,
		Season:     season,
		Episode:    episode,
		Platform:   source.PlatformNative,
	}
	if externalID <= 0 {
		return ref, errors.New("externalId must be a positive id")
	}
	switch source.Kind(kind) {
	case source.KindMovie:
		ref.Kind = source.KindMovie
	case source.KindTV:
		ref.Kind = source.KindTV
		if season <= 0 || episode <= 0 {
			return ref, errors.New("tv requests need season and episode")
		}
	default:
		return ref, errors.New("kind must be movie or tv")
	}
	if platform == string(source.PlatformWeb) {
		ref.Platform = source.PlatformWeb
	}
	return ref, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	ref, err := contentRef(req.ExternalID, req.Kind, req.Season, req.Episode, req.Platform)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}

	// Fast path: a verified-alive cached link answers without a job. The
	// lookup probes the URL, so a stale entry cannot get through here. Web
	// clients always go through the engine, whose cache probe re-validates
	// the container and remuxes matroska entries cached by native players.
	if s.deps.Cache != nil && ref.Platform != source.PlatformWeb {
		if entry, hit := s.deps.Cache.Lookup(r.Context(), ref.Key()); hit {
			writeJSON(w, http.StatusOK, startResponse{
				Immediate: true,
				StreamURL: entry.StreamURL,
				Source:    "cache",
				FileName:  entry.FileName,
			})
			return
		}
	}

	jobID := s.deps.Engine.Start(ref, userContext(u), engine.StartOptions{})
	writeJSON(w, http.StatusAccepted, startResponse{JobID: jobID})
}

type progressResponse struct {
	Status                   string                      `json:"status"`
	Progress                 int                         `json:"progress"`
	Message                  string                      `json:"message"`
	StreamURL                string                      `json:"streamUrl,omitempty"`
	FileName                 string                      `json:"fileName,omitempty"`
	Quality                  string                      `json:"quality,omitempty"`
	Subtitles                []job.SubtitleFile          `json:"subtitles"`
	EmbeddedSubtitleTracks   []job.EmbeddedSubtitleTrack `json:"embeddedSubtitleTracks"`
	RecommendedSubtitleIndex *int                        `json:"recommendedSubtitleIndex,omitempty"`
	SkipMarkers              *job.SkipMarkers            `json:"skipMarkers,omitempty"`
	Error                    string                      `json:"error,omitempty"`
	SuggestBandwidthRetest   bool                        `json:"suggestBandwidthRetest"`
	HasNextEpisode           bool                        `json:"hasNextEpisode,omitempty"`
	NextEpisode              *job.NextEpisode            `json:"nextEpisode,omitempty"`
}

// messageFor synthesizes the client-facing line when the job carries none.
func messageFor(j job.Job) string {
	if j.HumanMessage != "" {
		return j.HumanMessage
	}
	switch j.Status {
	case job.StatusSearching:
		return "Searching for sources"
	case job.StatusDownloading:
		return "Preparing your stream"
	case job.StatusProcessing:
		return "Optimizing for your device"
	case job.StatusCompleted:
		return "Ready to play"
	case job.StatusError:
		return "Could not find a working stream"
	}
	return string(j.Status)
}

func (s *Server) snapshotResponse(j job.Job, stale func() bool) progressResponse {
	resp := progressResponse{
		Status:                   string(j.Status),
		Progress:                 j.ProgressPercent,
		Message:                  messageFor(j),
		StreamURL:                j.StreamURL,
		FileName:                 j.FileName,
		Quality:                  j.Quality,
		Subtitles:                j.Subtitles,
		EmbeddedSubtitleTracks:   j.EmbeddedSubtitleTracks,
		RecommendedSubtitleIndex: j.RecommendedSubtitleIndex,
		SkipMarkers:              j.SkipMarkers,
		SuggestBandwidthRetest:   j.UsedOverBandwidthFallback || stale(),
		NextEpisode:              j.NextEpisode,
		HasNextEpisode:           j.NextEpisode != nil,
	}
	if j.Status == job.StatusError {
		resp.Error = string(j.ErrorKind)
	}
	if resp.Subtitles == nil {
		resp.Subtitles = []job.SubtitleFile{}
	}
	if resp.EmbeddedSubtitleTracks == nil {
		resp.EmbeddedSubtitleTracks = []job.EmbeddedSubtitleTrack{}
	}
	return resp
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	j, ok := s.deps.Engine.Progress(jobID)
	if !ok {
		writeNotFound(w, "unknown job")
		return
	}
	stale := func() bool {
		return u.BandwidthStale(timeNow(), s.cfg.BandwidthStaleAfter)
	}
	// Failed jobs keep the full snapshot body but carry the HTTP status
	// of their error kind so dumb clients can branch on the code alone.
	code := http.StatusOK
	if j.Status == job.StatusError {
		code = statusForKind(j.ErrorKind)
	}
	writeJSON(w, code, s.snapshotResponse(j, stale))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !s.deps.Engine.Cancel(jobID) {
		writeNotFound(w, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type prefetchRequest struct {
	ExternalID     int64  `json:"externalId"`
	Kind           string `json:"kind"`
	CurrentSeason  int    `json:"currentSeason,omitempty"`
	CurrentEpisode int    `json:"currentEpisode,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

type prefetchResponse struct {
	HasNext     bool             `json:"hasNext"`
	JobID       string           `json:"jobId,omitempty"`
	NextEpisode *job.NextEpisode `json:"nextEpisode,omitempty"`
}

func (s *Server) handlePrefetchNext(w http.ResponseWriter, r *http.Request) {
	var req prefetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	ref, err := contentRef(req.ExternalID, req.Kind, req.CurrentSeason, req.CurrentEpisode, "")
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}

	mode := prefetch.ModeSequential
	if req.Mode == string(prefetch.ModeRandom) {
		mode = prefetch.ModeRandom
	}

	jobID, next, err := s.deps.Prefetch.PrefetchNext(r.Context(), ref, userContext(u), mode)
	if err != nil {
		if errors.Is(err, prefetch.ErrNoNext) {
			writeJSON(w, http.StatusOK, prefetchResponse{HasNext: false})
			return
		}
		writeError(w, http.StatusBadGateway, "prefetch_failed", "could not derive the next title")
		return
	}
	writeJSON(w, http.StatusOK, prefetchResponse{
		HasNext: true,
		JobID:   jobID,
		NextEpisode: &job.NextEpisode{
			ExternalID: next.ExternalID,
			Season:     next.Season,
			Episode:    next.Episode,
			Title:      next.DisplayTitle,
		},
	})
}

func (s *Server) handlePrefetchPromote(w http.ResponseWriter, r *http.Request) {
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	res, ok := s.deps.Prefetch.Promote(r.Context(), jobID)
	if !ok {
		writeNotFound(w, "unknown job")
		return
	}
	stale := func() bool {
		return u.BandwidthStale(timeNow(), s.cfg.BandwidthStaleAfter)
	}
	resp := s.snapshotResponse(res.Job, stale)
	resp.NextEpisode = res.NextEpisode
	resp.HasNextEpisode = res.NextEpisode != nil
	writeJSON(w, http.StatusOK, resp)
}

type reportBadRequest struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

type reportBadResponse struct {
	NewJobID      string `json:"newJobId"`
	ReportedCount int    `json:"reportedCount"`
	ExcludedCount int    `json:"excludedCount"`
}

func (s *Server) handleReportBad(w http.ResponseWriter, r *http.Request) {
	var req reportBadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeBadRequest(w, "jobId is required")
		return
	}
	u, ok := s.resolveUser(w, r)
	if !ok {
		return
	}

	snap, ok := s.deps.Engine.Progress(req.JobID)
	if !ok {
		writeNotFound(w, "unknown job")
		return
	}
	newID, excluded, err := s.deps.Engine.ReportBad(req.JobID, userContext(u))
	if err != nil {
		writeNotFound(w, "unknown job")
		return
	}

	s.logger.Info().
		Str("reason", req.Reason).
		Str("new_job_id", newID).
		Msg("bad stream reported")
	writeJSON(w, http.StatusOK, reportBadResponse{
		NewJobID:      newID,
		ReportedCount: len(snap.AttemptedSources),
		ExcludedCount: excluded,
	})
}
