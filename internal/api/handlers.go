package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	syncp "github.com/njoerd114/eventsync/internal/sync"
)

const defaultOperationLimit = 50

// serviceError maps sync errors onto HTTP statuses.
func (s *server) serviceError(w http.ResponseWriter, err error) {
	var cfgErr *provider.ConfigError
	switch {
	case errors.Is(err, syncp.ErrConfigNotFound), errors.Is(err, syncp.ErrOperationNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, syncp.ErrConfigDisabled), errors.Is(err, syncp.ErrNotRetryable):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	case provider.IsNotSupported(err):
		writeError(w, http.StatusUnprocessableEntity, codeUnsupported, err.Error())
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "an unexpected error occurred")
	}
}

// --- sync --------------------------------------------------------------------

func (s *server) webhook(w http.ResponseWriter, r *http.Request) {
	t, err := model.ParseProviderType(mux.Vars(r)["type"])
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, codeBadRequest, "notification body too large")
		return
	}
	n, err := s.svc.HandleWebhook(r.Context(), t, provider.Notification{Headers: r.Header.Clone(), Body: body})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"notified": n})
}

func (s *server) syncUser(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	ops, err := s.svc.SyncUser(r.Context(), user)
	if err != nil {
		s.log.Warn("user sync finished with errors", "user_id", user, "error", err)
	}
	writeJSON(w, http.StatusOK, toOperationDTOs(ops))
}

func (s *server) listConfigurations(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	cfgs, err := s.store.ListConfigurationsByUser(r.Context(), user)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	out := make([]ConfigurationDTO, 0, len(cfgs))
	for _, cfg := range cfgs {
		dto, err := toConfigurationDTO(cfg)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) createConfiguration(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	var req configurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	t, err := model.ParseProviderType(req.ProviderType)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	dir, err := model.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	settings, err := model.DecodeSettings(t, req.Settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	cfg := &model.SyncConfiguration{
		UserID:       user,
		ProviderID:   req.ProviderID,
		ProviderType: t,
		Direction:    dir,
		Enabled:      req.Enabled == nil || *req.Enabled,
		Credentials:  req.Credentials,
		Settings:     settings,
	}
	if err := s.svc.CreateConfiguration(r.Context(), cfg); err != nil {
		s.serviceError(w, err)
		return
	}
	dto, err := toConfigurationDTO(cfg)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

// ownedConfiguration loads the configuration named in the path and checks
// that the caller owns it. Foreign configurations read as missing.
func (s *server) ownedConfiguration(w http.ResponseWriter, r *http.Request) (*model.SyncConfiguration, bool) {
	user, ok := userID(w, r)
	if !ok {
		return nil, false
	}
	cfg, err := s.store.GetConfiguration(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.serviceError(w, err)
		return nil, false
	}
	if cfg == nil || cfg.UserID != user {
		writeError(w, http.StatusNotFound, codeNotFound, "sync configuration not found")
		return nil, false
	}
	return cfg, true
}

func (s *server) syncConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.ownedConfiguration(w, r)
	if !ok {
		return
	}
	op, err := s.svc.SyncConfiguration(r.Context(), cfg.ID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

func (s *server) disableConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.ownedConfiguration(w, r)
	if !ok {
		return
	}
	if err := s.svc.DisableConfiguration(r.Context(), cfg.ID); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) deleteConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.ownedConfiguration(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteConfiguration(r.Context(), cfg.ID); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) listOperations(w http.ResponseWriter, r *http.Request) {
	cfg, ok := s.ownedConfiguration(w, r)
	if !ok {
		return
	}
	limit := defaultOperationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	ops, err := s.store.ListOperations(r.Context(), cfg.ID, limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTOs(ops))
}

func (s *server) retryOperation(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	prev, err := s.store.GetOperation(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if prev == nil || !s.owns(r, user, prev.ConfigID) {
		writeError(w, http.StatusNotFound, codeNotFound, "sync operation not found")
		return
	}
	op, err := s.svc.RetryOperation(r.Context(), id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationDTO(op))
}

func (s *server) owns(r *http.Request, user, configID string) bool {
	cfg, err := s.store.GetConfiguration(r.Context(), configID)
	return err == nil && cfg != nil && cfg.UserID == user
}

// --- events ------------------------------------------------------------------

func (s *server) listEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	evs, err := s.store.ListEventsByUser(r.Context(), user)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	out := make([]EventDTO, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (eventRequest, bool) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return req, false
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, msg)
		return req, false
	}
	return req, true
}

func (s *server) createEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}
	req, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	ev := &model.Event{UserID: user}
	req.apply(ev)
	if err := s.store.CreateEvent(r.Context(), ev); err != nil {
		s.serviceError(w, err)
		return
	}
	s.svc.EnqueueEventSync(user, ev.ID)
	writeJSON(w, http.StatusCreated, toEventDTO(ev))
}

// ownedEvent loads the event named in the path and checks that the caller
// owns it.
func (s *server) ownedEvent(w http.ResponseWriter, r *http.Request) (*model.Event, bool) {
	user, ok := userID(w, r)
	if !ok {
		return nil, false
	}
	ev, err := s.store.GetEvent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.serviceError(w, err)
		return nil, false
	}
	if ev == nil || ev.UserID != user {
		writeError(w, http.StatusNotFound, codeNotFound, "event not found")
		return nil, false
	}
	return ev, true
}

func (s *server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.ownedEvent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

func (s *server) updateEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.ownedEvent(w, r)
	if !ok {
		return
	}
	req, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	req.apply(ev)
	if err := s.store.UpdateEvent(r.Context(), ev); err != nil {
		s.serviceError(w, err)
		return
	}
	s.svc.EnqueueEventSync(ev.UserID, ev.ID)
	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

func (s *server) deleteEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.ownedEvent(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteEvent(r.Context(), ev.ID); err != nil {
		s.serviceError(w, err)
		return
	}
	s.svc.EnqueueMappingCleanup(ev.ID)
	w.WriteHeader(http.StatusNoContent)
}
