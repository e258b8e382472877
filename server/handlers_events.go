package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/teranos/leakhunter/dedup"
	"github.com/teranos/leakhunter/errors"
	"github.com/teranos/leakhunter/eventstore"
	"github.com/teranos/leakhunter/finding"
	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/rules"
)

// wantECS reports whether the caller asked for ECS documents
func wantECS(r *http.Request) (bool, error) {
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "finding":
		return false, nil
	case "ecs":
		return true, nil
	default:
		return false, errors.NewInvalidRequestError("format must be finding or ecs")
	}
}

func render(f finding.Finding, ecs bool) any {
	if ecs {
		return finding.ToECS(f)
	}
	return f
}

// parseEventQuery reads the list filters shared by the list and stream endpoints
func parseEventQuery(r *http.Request) (eventstore.Query, error) {
	var q eventstore.Query
	limit, err := queryInt(r, "limit", eventstore.DefaultLimit, 0, 1<<20)
	if err != nil {
		return q, err
	}
	since, err := queryTime(r, "since")
	if err != nil {
		return q, err
	}
	v := r.URL.Query()
	q = eventstore.Query{
		Since:    since,
		Cursor:   v.Get("cursor"),
		Limit:    limit,
		Platform: strings.ToLower(v.Get("platform")),
		Severity: v.Get("severity"),
		Rule:     v.Get("rule"),
	}
	if q.Severity != "" {
		if _, err := rules.ParseSeverity(q.Severity); err != nil {
			return q, errors.Mark(err, errors.ErrInvalidRequest)
		}
	}
	return q, nil
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ecs, err := wantECS(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := parseEventQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.deps.Events.List(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events := make([]any, len(page.Findings))
	for i, f := range page.Findings {
		events[i] = render(f, ecs)
	}
	writeOK(w, http.StatusOK, map[string]any{
		"count":       len(events),
		"events":      events,
		"next_cursor": page.NextCursor,
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ecs, err := wantECS(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := s.deps.Events.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"event": render(f, ecs)})
}

// handleSubmitEvent admits a finding pushed by an external scanner.
// 201 when admitted, 200 when it was already known.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		s.writeError(w, r, errors.Mark(errors.New("submission is disabled"), errors.ErrServiceUnavailable))
		return
	}
	var sub finding.Submission
	if err := readJSON(w, r, &sub); err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := finding.FromSubmission(sub, s.clock)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, stored, err := s.deps.Submitter.Submit(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if out == dedup.Admitted {
		status = http.StatusCreated
	}
	writeOK(w, status, map[string]any{
		"outcome": out.String(),
		"id":      stored.ID,
		"event":   stored,
	})
}

func (s *Server) handleStoreHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.deps.Events.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"count":   h.Count,
		"oldest":  h.Oldest,
		"newest":  h.Newest,
		"streams": s.hub.Clients(),
	})
}

// replayLimit bounds how much history a stream client can ask for on connect
const replayLimit = eventstore.MaxLimit

// handleStream upgrades to a websocket carrying admitted findings. With
// ?since= the stored findings from that time are replayed first.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ecs, err := wantECS(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := parseEventQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		logger.FromContext(r.Context(), s.log).Debugw("WebSocket upgrade failed", logger.FieldError, err)
		return
	}

	c := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan streamMessage, sendBuffer),
		id:   uuid.NewString(),
		filter: streamFilter{
			platform: q.Platform,
			severity: q.Severity,
			rule:     q.Rule,
			ecs:      ecs,
		},
	}
	if !s.hub.join(c) {
		conn.Close()
		return
	}

	// registered before replay so nothing admitted meanwhile is missed;
	// writePump drops the live copies of replayed findings
	if !q.Since.IsZero() {
		if err := s.replay(r, c, q); err != nil {
			s.log.Warnw("Stream replay failed", "client_id", c.id, logger.FieldError, err)
			s.hub.leave(c)
			conn.Close()
			return
		}
	}

	go c.writePump()
	go c.readPump()
}

func (s *Server) replay(r *http.Request, c *Client, q eventstore.Query) error {
	c.replayed = make(map[string]struct{})
	q.Limit = eventstore.MaxLimit
	q.Cursor = ""
	for len(c.replayed) < replayLimit {
		page, err := s.deps.Events.List(r.Context(), q)
		if err != nil {
			return err
		}
		for _, f := range page.Findings {
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(c.findingMessage(f)); err != nil {
				return err
			}
			c.replayed[f.ID] = struct{}{}
		}
		if len(page.Findings) < q.Limit {
			return nil
		}
		q.Cursor = page.NextCursor
	}
	return nil
}
