package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/monitor"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/output"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/paths"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

type startRequest struct {
	IntervalMs    int64    `json:"interval_ms"`
	Paths         []string `json:"paths"`
	Game          string   `json:"game"`
	Platform      string   `json:"platform"`
	FromBeginning bool     `json:"from_beginning"`
}

type startResponse struct {
	Success    bool                        `json:"success"`
	Paths      []string                    `json:"paths"`
	IntervalMs int64                       `json:"interval_ms"`
	Game       string                      `json:"game"`
	Platform   string                      `json:"platform"`
	Confidence float64                     `json:"confidence"`
	Baselined  int                         `json:"baselined"`
	Unreached  []string                    `json:"unreached,omitempty"`
	Sanitized  []paths.SanitizedIdentifier `json:"sanitized,omitempty"`
}

type feedView struct {
	EventType    types.EventType     `json:"event_type"`
	Destination  string              `json:"destination"`
	Visibility   types.Visibility    `json:"visibility"`
	ShowLocation bool                `json:"show_location"`
	Override     *types.FeedOverride `json:"override,omitempty"`
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	statuses := s.cfg.Monitors.MonitoringStatus(chi.URLParam(r, "tenant"))
	if statuses == nil {
		statuses = []monitor.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"monitors": statuses})
}

func (s *Server) handleGetMonitor(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Monitors.ServiceStatus(chi.URLParam(r, "tenant"), chi.URLParam(r, "service"))
	if st.State == monitor.StateAbsent {
		writeJSON(w, http.StatusNotFound, st)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStartMonitor(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.IntervalMs < 0 {
		writeError(w, http.StatusBadRequest, "interval_ms must not be negative")
		return
	}

	res, err := s.cfg.Monitors.Start(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "service"), monitor.StartOptions{
		Interval:      time.Duration(req.IntervalMs) * time.Millisecond,
		Paths:         req.Paths,
		Game:          req.Game,
		Platform:      req.Platform,
		FromBeginning: req.FromBeginning,
	})
	if err != nil {
		writeError(w, monitorErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, startResponse{
		Success:    true,
		Paths:      res.Paths,
		IntervalMs: res.Interval.Milliseconds(),
		Game:       res.Game,
		Platform:   res.Platform,
		Confidence: res.Confidence,
		Baselined:  res.Baselined,
		Unreached:  res.Unreached,
		Sanitized:  res.Sanitized,
	})
}

func (s *Server) handleStopMonitor(w http.ResponseWriter, r *http.Request) {
	res := s.cfg.Monitors.Stop(chi.URLParam(r, "tenant"), chi.URLParam(r, "service"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       res.Stopped,
		"message":       res.Message,
		"files_dropped": res.FilesDropped,
	})
}

func (s *Server) handleCheckMonitor(w http.ResponseWriter, r *http.Request) {
	tenantID, serviceID := chi.URLParam(r, "tenant"), chi.URLParam(r, "service")
	if err := s.cfg.Monitors.ForceCheck(r.Context(), tenantID, serviceID); err != nil {
		writeError(w, monitorErrorStatus(err), err.Error())
		return
	}
	report, _ := s.cfg.Monitors.LastTick(tenantID, serviceID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"report":  report,
	})
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	overrides, err := s.cfg.Overrides.ListOverrides(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	feeds := make([]feedView, 0)
	if s.cfg.Feeds != nil {
		for et, feed := range s.cfg.Feeds.Feeds() {
			view := feedView{EventType: et, Destination: feed.Destination}
			if o, ok := overrides[et]; ok {
				view.Override = &o
			}
			policy := output.ApplyOverride(feed, view.Override)
			view.Visibility = policy.Visibility
			view.ShowLocation = policy.ShowLocation
			feeds = append(feeds, view)
		}
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].EventType < feeds[j].EventType })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feeds":     feeds,
		"overrides": overrides,
	})
}

func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	et, ok := eventTypeParam(w, r)
	if !ok {
		return
	}
	o, err := s.cfg.Overrides.GetOverride(r.Context(), chi.URLParam(r, "tenant"), et)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "no override for "+string(et))
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handlePutOverride(w http.ResponseWriter, r *http.Request) {
	et, ok := eventTypeParam(w, r)
	if !ok {
		return
	}

	var o types.FeedOverride
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if o.Visibility == nil && o.ShowLocation == nil {
		writeError(w, http.StatusBadRequest, "override must set visibility or show_location")
		return
	}
	if o.Visibility != nil && *o.Visibility != types.VisibilityPublic && *o.Visibility != types.VisibilityAdmin {
		writeError(w, http.StatusBadRequest, "visibility must be public or admin")
		return
	}

	if err := s.cfg.Overrides.PutOverride(chi.URLParam(r, "tenant"), et, o); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	et, ok := eventTypeParam(w, r)
	if !ok {
		return
	}
	removed, err := s.cfg.Overrides.DeleteOverride(chi.URLParam(r, "tenant"), et)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no override for "+string(et))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	admin, _ := strconv.ParseBool(r.URL.Query().Get("admin"))
	s.cfg.Live.ServeWS(w, r, chi.URLParam(r, "tenant"), admin)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.DeadLetters.GetAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"size":    len(entries),
		"entries": entries,
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.DeadLetters.Replay(r.Context(), s.cfg.Redeliver)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Msg("Dead letter replay requested")
	writeJSON(w, http.StatusOK, res)
}

func eventTypeParam(w http.ResponseWriter, r *http.Request) (types.EventType, bool) {
	et := types.EventType(chi.URLParam(r, "eventType"))
	if !et.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event type: "+string(et))
		return "", false
	}
	return et, true
}

func monitorErrorStatus(err error) int {
	switch {
	case errors.Is(err, monitor.ErrAlreadyMonitoring), errors.Is(err, monitor.ErrTickInProgress):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrNotMonitoring):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrNoCredentials):
		return http.StatusPreconditionFailed
	case errors.Is(err, monitor.ErrNoReachablePath):
		return http.StatusUnprocessableEntity
	case errors.Is(err, monitor.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
