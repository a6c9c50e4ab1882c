// Package api is the HTTP surface of eventsync: inbound provider webhooks,
// manual sync triggers, sync configuration management, a minimal event CRUD
// that feeds targeted syncs, the realtime WebSocket and the generated
// calendar files.
//
// Authentication is the job of the fronting proxy. Handlers that act on
// behalf of a user read the user ID from the X-User-ID header.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

// UserHeader carries the authenticated user ID set by the proxy.
const UserHeader = "X-User-ID"

// maxWebhookBody bounds inbound notification payloads.
const maxWebhookBody = 1 << 20

// SyncService is the part of the sync orchestrator the handlers call.
// Implemented by [sync.Service].
type SyncService interface {
	HandleWebhook(ctx context.Context, t model.ProviderType, n provider.Notification) (int, error)
	SyncConfiguration(ctx context.Context, configID string) (*model.SyncOperation, error)
	SyncUser(ctx context.Context, userID string) ([]*model.SyncOperation, error)
	RetryOperation(ctx context.Context, operationID string) (*model.SyncOperation, error)
	CreateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error
	DisableConfiguration(ctx context.Context, configID string) error
	DeleteConfiguration(ctx context.Context, configID string) error
	EnqueueEventSync(userID string, eventIDs ...string)
	EnqueueMappingCleanup(eventID string)
}

// Store is the read/write access to events, configurations and operations
// the handlers need. Implemented by [state.Store].
type Store interface {
	CreateEvent(ctx context.Context, ev *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	UpdateEvent(ctx context.Context, ev *model.Event) error
	DeleteEvent(ctx context.Context, id string) error
	ListEventsByUser(ctx context.Context, userID string) ([]*model.Event, error)

	GetConfiguration(ctx context.Context, id string) (*model.SyncConfiguration, error)
	ListConfigurationsByUser(ctx context.Context, userID string) ([]*model.SyncConfiguration, error)
	GetOperation(ctx context.Context, id string) (*model.SyncOperation, error)
	ListOperations(ctx context.Context, configID string, limit int) ([]*model.SyncOperation, error)
}

// Options are the optional parts of the router.
type Options struct {
	// Realtime serves the WebSocket endpoint when set.
	Realtime http.Handler
	// AssetsDir is served under /assets/ when set.
	AssetsDir string
}

type server struct {
	svc   SyncService
	store Store
	log   *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(svc SyncService, store Store, opts Options, logger *slog.Logger) *mux.Router {
	s := &server{svc: svc, store: store, log: logger}

	r := mux.NewRouter()
	r.Use(logging(logger))
	r.Use(recovery(logger))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api.HandleFunc("/sync/webhook/{type}", s.webhook).Methods(http.MethodPost)
	api.HandleFunc("/sync/now", s.syncUser).Methods(http.MethodPost)
	api.HandleFunc("/sync/configurations", s.listConfigurations).Methods(http.MethodGet)
	api.HandleFunc("/sync/configurations", s.createConfiguration).Methods(http.MethodPost)
	api.HandleFunc("/sync/configurations/{id}", s.deleteConfiguration).Methods(http.MethodDelete)
	api.HandleFunc("/sync/configurations/{id}/sync", s.syncConfiguration).Methods(http.MethodPost)
	api.HandleFunc("/sync/configurations/{id}/disable", s.disableConfiguration).Methods(http.MethodPost)
	api.HandleFunc("/sync/configurations/{id}/operations", s.listOperations).Methods(http.MethodGet)
	api.HandleFunc("/sync/operations/{id}/retry", s.retryOperation).Methods(http.MethodPost)

	api.HandleFunc("/events", s.listEvents).Methods(http.MethodGet)
	api.HandleFunc("/events", s.createEvent).Methods(http.MethodPost)
	api.HandleFunc("/events/{id}", s.getEvent).Methods(http.MethodGet)
	api.HandleFunc("/events/{id}", s.updateEvent).Methods(http.MethodPut)
	api.HandleFunc("/events/{id}", s.deleteEvent).Methods(http.MethodDelete)

	if opts.Realtime != nil {
		api.Handle("/ws", opts.Realtime).Methods(http.MethodGet)
	}
	if opts.AssetsDir != "" {
		r.PathPrefix("/assets/").Handler(http.StripPrefix("/assets/", http.FileServer(http.Dir(opts.AssetsDir))))
	}
	return r
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// userID returns the caller, writing a 401 when the header is missing.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserHeader)
	if id == "" {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing "+UserHeader+" header")
		return "", false
	}
	return id, true
}
