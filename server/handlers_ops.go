package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/scheduler"
)

// Manual export windows, in days
const (
	defaultSinceDays = 7
	maxSinceDays     = 365
)

func triggerOptions(r *http.Request) (scheduler.TriggerOptions, error) {
	var opts scheduler.TriggerOptions
	var err error
	if opts.Full, err = queryBool(r, "full"); err != nil {
		return opts, err
	}
	if opts.Wait, err = queryBool(r, "wait"); err != nil {
		return opts, err
	}
	if opts.Exclusive, err = queryBool(r, "exclusive"); err != nil {
		return opts, err
	}
	opts.Source = scheduler.TriggerManual
	return opts, nil
}

// handleTrigger starts one connector now. 202 unless ?wait=true, in which
// case the finished run is returned with 200.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, r, errNoScheduler)
		return
	}
	opts, err := triggerOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := chi.URLParam(r, "connector")
	res, err := s.deps.Scheduler.Trigger(r.Context(), name, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context(), s.log).Infow("Manual trigger",
		logger.FieldConnector, name,
		logger.FieldRunID, res.Run.ID,
		"joined", res.Joined)

	status := http.StatusAccepted
	if opts.Wait {
		status = http.StatusOK
	}
	writeOK(w, status, map[string]any{"run": res.Run, "joined": res.Joined})
}

// handleRunNow triggers ?connector= or, by default, every connector.
// Partial failures are reported next to the runs that did start.
func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, r, errNoScheduler)
		return
	}
	opts, err := triggerOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("connector"))
	if name != "" && name != "all" {
		res, err := s.deps.Scheduler.Trigger(r.Context(), name, opts)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeOK(w, http.StatusAccepted, map[string]any{"runs": []scheduler.TriggerResult{res}})
		return
	}

	opts.Source = scheduler.TriggerAll
	results, err := s.deps.Scheduler.TriggerAll(r.Context(), opts)
	if err != nil && len(results) == 0 {
		s.writeError(w, r, err)
		return
	}
	fields := map[string]any{"runs": results}
	if err != nil {
		fields["errors"] = err.Error()
	}
	writeOK(w, http.StatusAccepted, fields)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.writeError(w, r, errNoScheduler)
		return
	}
	limit, err := queryInt(r, "limit", 20, 1, 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.deps.Scheduler.Runs(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fields := map[string]any{
		"connectors": s.deps.Scheduler.States(),
		"runs":       runs,
	}
	if s.deps.Calendar != nil {
		fields["schedules"] = s.deps.Calendar.List()
	}
	writeOK(w, http.StatusOK, fields)
}

// exporter picks ?mode= or the configured default destination
func (s *Server) exporter(r *http.Request) (Exporter, error) {
	if len(s.deps.Exporters) == 0 {
		return nil, errExportDisabled
	}
	mode := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("mode")))
	if mode == "" {
		mode = s.deps.ExportMode
	}
	if mode == "" {
		return nil, errExportDisabled
	}
	ex, ok := s.deps.Exporters[mode]
	if !ok {
		return nil, errors.NewNotFoundError("export mode %q is not configured", mode)
	}
	return ex, nil
}

// handleExportSince exports the last since_days of findings without moving
// the incremental cursor
func (s *Server) handleExportSince(w http.ResponseWriter, r *http.Request) {
	ex, err := s.exporter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	days, err := queryInt(r, "since_days", defaultSinceDays, 0, maxSinceDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since := s.clock().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	res, err := ex.RunSince(r.Context(), since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"result": res, "since": since})
}

func (s *Server) handleExportIncremental(w http.ResponseWriter, r *http.Request) {
	ex, err := s.exporter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := ex.RunIncremental(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleExportCursor(w http.ResponseWriter, r *http.Request) {
	ex, err := s.exporter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := ex.Cursor(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"cursor": c})
}
