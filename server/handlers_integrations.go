package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/leakhunter/logger"
	"github.com/teranos/leakhunter/scheduler"
	"github.com/teranos/leakhunter/webhook"
)

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		s.writeError(w, r, errNoWebhooks)
		return
	}
	var req webhook.Registration
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	hook, err := s.deps.Webhooks.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]any{"id": hook.ID, "webhook": hook})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		s.writeError(w, r, errNoWebhooks)
		return
	}
	hooks, err := s.deps.Webhooks.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if hooks == nil {
		hooks = []webhook.Webhook{}
	}
	writeOK(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		s.writeError(w, r, errNoWebhooks)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Webhooks.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		s.writeError(w, r, errNoWebhooks)
		return
	}
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ds, err := s.deps.Webhooks.Deliveries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ds == nil {
		ds = []webhook.Delivery{}
	}
	writeOK(w, http.StatusOK, map[string]any{"deliveries": ds})
}

// handleDeliverFinding re-sends a stored finding to every matching webhook
func (s *Server) handleDeliverFinding(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		s.writeError(w, r, errNoWebhooks)
		return
	}
	f, err := s.deps.Events.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ds, err := s.deps.Webhooks.DeliverFinding(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context(), s.log).Infow("Manual webhook delivery",
		logger.FieldFindingID, f.ID,
		logger.FieldCount, len(ds))
	writeOK(w, http.StatusOK, map[string]any{"deliveries": ds})
}

// scheduleRequest is a schedule body; enabled defaults to true
type scheduleRequest struct {
	Connector  string `json:"connector"`
	Frequency  string `json:"frequency"`
	Time       string `json:"time"`
	Timezone   string `json:"timezone"`
	DayOfWeek  string `json:"day_of_week"`
	DayOfMonth int    `json:"day_of_month"`
	Enabled    *bool  `json:"enabled"`
}

func (req scheduleRequest) schedule() scheduler.Schedule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return scheduler.Schedule{
		Connector:  req.Connector,
		Frequency:  req.Frequency,
		Time:       req.Time,
		Timezone:   req.Timezone,
		DayOfWeek:  req.DayOfWeek,
		DayOfMonth: req.DayOfMonth,
		Enabled:    enabled,
	}
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calendar == nil {
		s.writeError(w, r, errNoCalendar)
		return
	}
	var req scheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sc, err := s.deps.Calendar.Create(r.Context(), req.schedule())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]any{"id": sc.ID, "schedule": sc})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calendar == nil {
		s.writeError(w, r, errNoCalendar)
		return
	}
	var req scheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sc, err := s.deps.Calendar.Update(r.Context(), chi.URLParam(r, "id"), req.schedule())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"schedule": sc})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calendar == nil {
		s.writeError(w, r, errNoCalendar)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Calendar.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleReloadSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Calendar == nil {
		s.writeError(w, r, errNoCalendar)
		return
	}
	n, err := s.deps.Calendar.Reload(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"loaded": n, "schedules": s.deps.Calendar.List()})
}
