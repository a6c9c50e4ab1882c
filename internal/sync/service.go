package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
)

var (
	ErrConfigNotFound    = errors.New("sync configuration not found")
	ErrConfigDisabled    = errors.New("sync configuration is disabled")
	ErrOperationNotFound = errors.New("sync operation not found")
	ErrNotRetryable      = errors.New("only failed operations can be retried")
)

const defaultInterval = 60 * time.Minute

// metaSequence counts the updates pushed through a mapping. It becomes the
// SEQUENCE of the generated calendar file.
const metaSequence = "sequence"

// Deps are the collaborators of a [Service].
type Deps struct {
	Store    Store
	Adapters AdapterOpener
	Mapper   EventMapper
	// Publisher and Assets are optional.
	Publisher Publisher
	Assets    AssetGenerator
	// Dispatcher runs background work. When nil, background work runs
	// inline on the caller's goroutine.
	Dispatcher *Dispatcher
	Logger     *slog.Logger
}

// Options tune a [Service]. Zero values select the defaults.
type Options struct {
	// BaseURL is the externally reachable URL webhook callbacks are built on.
	BaseURL         string
	DefaultInterval time.Duration
	EchoWindow      time.Duration
	MatchWindow     time.Duration
	// RenewBefore selects webhook subscriptions for renewal. Defaults to 24h.
	RenewBefore time.Duration
}

// Service is the sync orchestrator. Construct one per process with
// [NewService] and share it between the HTTP handlers and the scheduler.
type Service struct {
	store    Store
	adapters AdapterOpener
	mapper   EventMapper
	pub      Publisher
	assets   AssetGenerator
	dispatch *Dispatcher
	rec      *Reconciler
	opts     Options
	log      *slog.Logger
	now      func() time.Time
	inst     *instruments

	mu      sync.Mutex
	running map[string]bool
}

// NewService wires a Service.
func NewService(deps Deps, opts Options) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = defaultInterval
	}
	if opts.RenewBefore <= 0 {
		opts.RenewBefore = 24 * time.Hour
	}
	return &Service{
		store:    deps.Store,
		adapters: deps.Adapters,
		mapper:   deps.Mapper,
		pub:      pub,
		assets:   deps.Assets,
		dispatch: deps.Dispatcher,
		rec:      NewReconciler(deps.Store, deps.Mapper, pub, opts.EchoWindow, opts.MatchWindow, logger),
		opts:     opts,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
		inst:     newInstruments(logger),
		running:  make(map[string]bool),
	}
}

// SetClock replaces the time source of the service and its reconciler.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.rec.now = now
}

// kindFor returns the operation kind of a pass over a configuration with
// direction d.
func kindFor(d model.Direction) model.OperationKind {
	switch d {
	case model.DirectionPull:
		return model.OperationPull
	case model.DirectionPush:
		return model.OperationPush
	}
	return model.OperationFull
}

// SyncConfiguration runs one pass over the configuration: a pull phase when
// its direction pulls, then a push phase when it pushes. Per-event failures
// are recorded on the returned operation; an error is returned only when the
// configuration cannot be loaded or its adapter cannot be opened.
func (s *Service) SyncConfiguration(ctx context.Context, configID string) (*model.SyncOperation, error) {
	cfg, err := s.loadConfiguration(ctx, configID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("configuration %s: %w", configID, ErrConfigDisabled)
	}
	return s.runPass(ctx, cfg, kindFor(cfg.Direction), 0)
}

func (s *Service) loadConfiguration(ctx context.Context, configID string) (*model.SyncConfiguration, error) {
	cfg, err := s.store.GetConfiguration(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("loading configuration %s: %w", configID, err)
	}
	if cfg == nil {
		return nil, fmt.Errorf("configuration %s: %w", configID, ErrConfigNotFound)
	}
	return cfg, nil
}

func (s *Service) runPass(ctx context.Context, cfg *model.SyncConfiguration, kind model.OperationKind, retryCount int) (*model.SyncOperation, error) {
	ctx, span := s.inst.tracer.Start(ctx, spanPass, trace.WithAttributes(
		attribute.String("sync.config_id", cfg.ID),
		attribute.String("sync.provider", string(cfg.ProviderType)),
		attribute.String("sync.kind", string(kind)),
	))
	defer span.End()

	log := s.log.With("config_id", cfg.ID, "provider", cfg.ProviderType, "kind", kind)
	op := &model.SyncOperation{ConfigID: cfg.ID, Kind: kind, RetryCount: retryCount}
	if err := s.store.CreateOperation(ctx, op); err != nil {
		return nil, err
	}

	var (
		stats Stats
		errs  []error
	)
	adapter, err := s.adapters.Open(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		s.finish(ctx, cfg, op, []error{err}, log)
		return op, err
	}
	caps := adapter.Capabilities()

	if cfg.Direction.Pulls() {
		if caps.CanPull() {
			errs = append(errs, s.pull(ctx, cfg, adapter, &stats, log)...)
		} else {
			errs = append(errs, &provider.NotSupportedError{Provider: cfg.ProviderType, Operation: "pull events"})
		}
	}
	if cfg.Direction.Pushes() {
		errs = append(errs, s.push(ctx, cfg, adapter, caps, &stats, log)...)
	}
	s.persistCredentials(ctx, cfg, adapter, log)

	stats.Errors = len(errs)
	s.inst.record(ctx, span, string(cfg.ProviderType), stats)
	if len(errs) > 0 {
		span.RecordError(errors.Join(errs...))
	}
	s.finish(ctx, cfg, op, errs, log)
	log.Info("sync pass finished",
		"status", op.Status,
		"created", stats.Created,
		"updated", stats.Updated,
		"deleted", stats.Deleted,
		"linked", stats.Linked,
		"echoes", stats.Echoes,
		"pushed", stats.Pushed,
		"errors", stats.Errors,
	)
	return op, nil
}

// finish persists the outcome of op and schedules the next pass. Persistence
// failures are logged; the pass result stands.
func (s *Service) finish(ctx context.Context, cfg *model.SyncConfiguration, op *model.SyncOperation, errs []error, log *slog.Logger) {
	op.Status = model.OperationCompleted
	op.Errors = nil
	for _, err := range errs {
		op.Errors = append(op.Errors, err.Error())
	}
	if len(errs) > 0 {
		op.Status = model.OperationFailed
	}
	op.CompletedAt = s.now()
	if err := s.store.FinishOperation(ctx, op); err != nil {
		log.Error("persisting operation result", "operation_id", op.ID, "error", err)
	}

	now := s.now()
	if err := s.store.MarkSynced(ctx, cfg.ID, now, now.Add(s.interval(cfg))); err != nil {
		log.Error("stamping sync time", "error", err)
	}
}

func (s *Service) interval(cfg *model.SyncConfiguration) time.Duration {
	if cfg.Settings != nil {
		if d := cfg.Settings.Interval(); d > 0 {
			return d
		}
	}
	return s.opts.DefaultInterval
}

func (s *Service) pull(ctx context.Context, cfg *model.SyncConfiguration, a provider.Adapter, stats *Stats, log *slog.Logger) []error {
	res, err := a.PullEvents(ctx, cfg.SyncToken)
	if errors.Is(err, provider.ErrSyncTokenInvalid) && cfg.SyncToken != "" {
		log.Warn("sync token rejected, running full pull")
		if err := s.store.UpdateSyncToken(ctx, cfg.ID, ""); err != nil {
			return []error{err}
		}
		cfg.SyncToken = ""
		res, err = a.PullEvents(ctx, "")
	}
	if err != nil {
		return []error{fmt.Errorf("pulling events: %w", err)}
	}

	var errs []error
	for i := range res.Events {
		ext := &res.Events[i]
		o, err := s.rec.Reconcile(ctx, cfg, ext)
		if err != nil {
			log.Warn("reconciling external event failed", "external_id", ext.ID, "error", err)
			errs = append(errs, fmt.Errorf("reconciling %s: %w", ext.ID, err))
			continue
		}
		stats.add(o)
	}

	if res.NextSyncToken != "" && res.NextSyncToken != cfg.SyncToken {
		if err := s.store.UpdateSyncToken(ctx, cfg.ID, res.NextSyncToken); err != nil {
			errs = append(errs, err)
		} else {
			cfg.SyncToken = res.NextSyncToken
		}
	}
	return errs
}

// push creates the unmapped events of the owner, then updates the mapped
// events edited since their last sync.
func (s *Service) push(ctx context.Context, cfg *model.SyncConfiguration, a provider.Adapter, caps provider.Capabilities, stats *Stats, log *slog.Logger) []error {
	var errs []error
	if caps.SupportsEntity(model.EntityEvent) {
		unmapped, err := s.store.ListUnmappedEvents(ctx, cfg.ID, cfg.UserID)
		if err != nil {
			return []error{err}
		}
		for _, ev := range unmapped {
			if err := s.pushCreate(ctx, cfg, a, ev); err != nil {
				log.Warn("pushing event failed", "event_id", ev.ID, "error", err)
				errs = append(errs, fmt.Errorf("pushing event %s: %w", ev.ID, err))
				continue
			}
			stats.Pushed++
		}

		stale, err := s.store.ListStaleMappedEvents(ctx, cfg.ID)
		if err != nil {
			return append(errs, err)
		}
		for _, me := range stale {
			if err := s.pushUpdate(ctx, cfg, a, me.Event, me.Mapping); err != nil {
				log.Warn("updating event failed", "event_id", me.Event.ID, "external_id", me.Mapping.ExternalID, "error", err)
				errs = append(errs, fmt.Errorf("updating event %s: %w", me.Event.ID, err))
				continue
			}
			stats.Pushed++
		}
	}

	if caps.SupportsEntity(model.EntityAnnouncement) {
		if ap, ok := a.(provider.AnnouncementPusher); ok {
			errs = append(errs, s.pushAnnouncements(ctx, cfg, ap, stats, log)...)
		}
	}
	return errs
}

// pushCreate pushes ev as a new remote event and inserts its mapping before
// anything else happens, so an echo arriving through a webhook finds it.
func (s *Service) pushCreate(ctx context.Context, cfg *model.SyncConfiguration, a provider.Adapter, ev *model.Event) error {
	ext, err := s.mapper.ToExternal(ctx, ev, cfg.ProviderType)
	if err != nil {
		return err
	}
	res, err := a.PushEvent(ctx, ext)
	if err != nil {
		return err
	}
	if res == nil || res.ExternalID == "" {
		return fmt.Errorf("%s returned no external id", cfg.ProviderType)
	}
	m := &model.SyncMapping{
		ConfigID:     cfg.ID,
		EventID:      ev.ID,
		ExternalID:   res.ExternalID,
		ProviderID:   cfg.ProviderID,
		ETag:         res.ETag,
		Metadata:     maps.Clone(res.Metadata),
		LastSyncedAt: ev.UpdatedAt,
	}
	if err := s.store.UpsertMapping(ctx, m); err != nil {
		return err
	}
	s.generateAsset(ev.ID, ext, 0)
	return nil
}

// pushUpdate sends the current state of a mapped event. Cancelled events are
// deleted remotely and unmapped.
func (s *Service) pushUpdate(ctx context.Context, cfg *model.SyncConfiguration, a provider.Adapter, ev *model.Event, m *model.SyncMapping) error {
	if ev.Status == model.EventStatusCancelled {
		if err := a.DeleteEvent(ctx, m.ExternalID); err != nil && !provider.IsNotSupported(err) {
			return err
		}
		if err := s.store.DeleteMapping(ctx, m.ID); err != nil {
			return err
		}
		s.removeAsset(ev.ID)
		return nil
	}

	ext, err := s.mapper.ToExternal(ctx, ev, cfg.ProviderType)
	if err != nil {
		return err
	}
	res, err := a.UpdateEvent(ctx, m.ExternalID, ext)
	if err != nil {
		return err
	}

	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	if res != nil {
		if res.ExternalID != "" {
			m.ExternalID = res.ExternalID
		}
		m.ETag = res.ETag
		maps.Copy(m.Metadata, res.Metadata)
	}
	seq, _ := strconv.Atoi(m.Metadata[metaSequence])
	seq++
	m.Metadata[metaSequence] = strconv.Itoa(seq)
	m.LastSyncedAt = ev.UpdatedAt
	if err := s.store.UpsertMapping(ctx, m); err != nil {
		return err
	}
	s.generateAsset(ev.ID, ext, seq)
	return nil
}

func (s *Service) pushAnnouncements(ctx context.Context, cfg *model.SyncConfiguration, ap provider.AnnouncementPusher, stats *Stats, log *slog.Logger) []error {
	var errs []error
	unmapped, err := s.store.ListUnmappedAnnouncements(ctx, cfg.ID, cfg.UserID)
	if err != nil {
		return []error{err}
	}
	for _, an := range unmapped {
		res, err := ap.PushAnnouncement(ctx, an)
		if err == nil && (res == nil || res.ExternalID == "") {
			err = fmt.Errorf("%s returned no external id", cfg.ProviderType)
		}
		if err == nil {
			err = s.store.UpsertMapping(ctx, &model.SyncMapping{
				ConfigID:       cfg.ID,
				AnnouncementID: an.ID,
				ExternalID:     res.ExternalID,
				ProviderID:     cfg.ProviderID,
				ETag:           res.ETag,
				Metadata:       maps.Clone(res.Metadata),
				LastSyncedAt:   an.UpdatedAt,
			})
		}
		if err != nil {
			log.Warn("pushing announcement failed", "announcement_id", an.ID, "error", err)
			errs = append(errs, fmt.Errorf("pushing announcement %s: %w", an.ID, err))
			continue
		}
		stats.Pushed++
	}

	stale, err := s.store.ListStaleMappedAnnouncements(ctx, cfg.ID)
	if err != nil {
		return append(errs, err)
	}
	for _, ma := range stale {
		res, err := ap.UpdateAnnouncement(ctx, ma.Mapping.ExternalID, ma.Announcement)
		if err == nil {
			m := ma.Mapping
			if res != nil {
				if res.ExternalID != "" {
					m.ExternalID = res.ExternalID
				}
				m.ETag = res.ETag
			}
			m.LastSyncedAt = ma.Announcement.UpdatedAt
			err = s.store.UpsertMapping(ctx, m)
		}
		if err != nil {
			log.Warn("updating announcement failed", "announcement_id", ma.Announcement.ID, "error", err)
			errs = append(errs, fmt.Errorf("updating announcement %s: %w", ma.Announcement.ID, err))
			continue
		}
		stats.Pushed++
	}
	return errs
}

func (s *Service) persistCredentials(ctx context.Context, cfg *model.SyncConfiguration, a provider.Adapter, log *slog.Logger) {
	cr, ok := a.(provider.CredentialRefresher)
	if !ok {
		return
	}
	creds, changed := cr.RefreshedCredentials()
	if !changed {
		return
	}
	if err := s.store.UpdateCredentials(ctx, cfg.ID, creds); err != nil {
		log.Error("persisting refreshed credentials", "error", err)
		return
	}
	cfg.Credentials = creds
	log.Debug("persisted refreshed credentials")
}

func (s *Service) generateAsset(eventID string, ext *model.ExternalEvent, seq int) {
	if s.assets == nil {
		return
	}
	if _, err := s.assets.Generate(eventID, ext, seq); err != nil {
		s.log.Warn("generating calendar file", "event_id", eventID, "error", err)
	}
}

func (s *Service) removeAsset(eventID string) {
	if s.assets == nil {
		return
	}
	if err := s.assets.Remove(eventID); err != nil {
		s.log.Warn("removing calendar file", "event_id", eventID, "error", err)
	}
}

// SyncUser runs a pass over every enabled configuration of userID, in
// order. It returns the operations that ran and the joined setup errors.
func (s *Service) SyncUser(ctx context.Context, userID string) ([]*model.SyncOperation, error) {
	cfgs, err := s.store.ListConfigurationsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var (
		ops  []*model.SyncOperation
		errs []error
	)
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		op, err := s.runPass(ctx, cfg, kindFor(cfg.Direction), 0)
		if op != nil {
			ops = append(ops, op)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("configuration %s: %w", cfg.ID, err))
		}
	}
	return ops, errors.Join(errs...)
}

// SyncDue dispatches a pass for every enabled configuration whose next sync
// time has come. A configuration whose previous dispatched pass is still
// running is skipped. It returns the number of passes dispatched.
func (s *Service) SyncDue(ctx context.Context) (int, error) {
	cfgs, err := s.store.ListDueConfigurations(ctx, s.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cfg := range cfgs {
		if !s.claim(cfg.ID) {
			s.log.Debug("previous pass still running", "config_id", cfg.ID)
			continue
		}
		id := cfg.ID
		ok := s.background("sync "+id, func(ctx context.Context) error {
			defer s.release(id)
			_, err := s.SyncConfiguration(ctx, id)
			return err
		})
		if !ok {
			s.release(id)
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) claim(configID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[configID] {
		return false
	}
	s.running[configID] = true
	return true
}

func (s *Service) release(configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, configID)
}

// background hands fn to the dispatcher, or runs it inline without one.
func (s *Service) background(name string, fn Task) bool {
	if s.dispatch != nil {
		return s.dispatch.Submit(name, fn)
	}
	if err := fn(context.Background()); err != nil {
		s.log.Error("background task failed", "task", name, "error", err)
	}
	return true
}

// SyncSpecificEvents pushes the given events of userID to every enabled
// push configuration of that user: a create for unmapped events, an update
// for mapped ones, and a remote delete for mapped events that no longer
// exist locally. Failures are logged and recorded on the returned targeted
// operations, never returned.
func (s *Service) SyncSpecificEvents(ctx context.Context, userID string, eventIDs []string) []*model.SyncOperation {
	ctx, span := s.inst.tracer.Start(ctx, spanTargeted, trace.WithAttributes(
		attribute.String("sync.user_id", userID),
		attribute.Int("sync.events", len(eventIDs)),
	))
	defer span.End()

	cfgs, err := s.store.ListConfigurationsByUser(ctx, userID)
	if err != nil {
		s.log.Error("listing configurations for targeted sync", "user_id", userID, "error", err)
		return nil
	}

	var ops []*model.SyncOperation
	for _, cfg := range cfgs {
		if !cfg.Enabled || !cfg.Direction.Pushes() {
			continue
		}
		log := s.log.With("config_id", cfg.ID, "provider", cfg.ProviderType, "kind", model.OperationTargeted)
		op := &model.SyncOperation{ConfigID: cfg.ID, Kind: model.OperationTargeted}
		if err := s.store.CreateOperation(ctx, op); err != nil {
			log.Error("recording targeted operation", "error", err)
			continue
		}
		ops = append(ops, op)

		var (
			stats Stats
			errs  []error
		)
		adapter, err := s.adapters.Open(ctx, cfg)
		if err != nil {
			log.Warn("opening adapter for targeted sync", "error", err)
			s.finishTargeted(ctx, op, []error{err}, log)
			continue
		}
		for _, id := range eventIDs {
			if err := s.syncEvent(ctx, cfg, adapter, userID, id); err != nil {
				log.Warn("targeted sync of event failed", "event_id", id, "error", err)
				errs = append(errs, fmt.Errorf("event %s: %w", id, err))
				continue
			}
			stats.Pushed++
		}
		s.persistCredentials(ctx, cfg, adapter, log)
		stats.Errors = len(errs)
		s.inst.record(ctx, span, string(cfg.ProviderType), stats)
		s.finishTargeted(ctx, op, errs, log)
	}
	return ops
}

// SyncSingleEvent is [Service.SyncSpecificEvents] for one event.
func (s *Service) SyncSingleEvent(ctx context.Context, userID, eventID string) []*model.SyncOperation {
	return s.SyncSpecificEvents(ctx, userID, []string{eventID})
}

// EnqueueEventSync dispatches [Service.SyncSpecificEvents] in the
// background. It never blocks and never fails the caller.
func (s *Service) EnqueueEventSync(userID string, eventIDs ...string) {
	ids := append([]string(nil), eventIDs...)
	s.background("targeted sync "+userID, func(ctx context.Context) error {
		s.SyncSpecificEvents(ctx, userID, ids)
		return nil
	})
}

func (s *Service) syncEvent(ctx context.Context, cfg *model.SyncConfiguration, a provider.Adapter, userID, eventID string) error {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}
	if ev != nil && ev.UserID != userID {
		return nil
	}
	m, err := s.store.GetMappingByEvent(ctx, cfg.ID, eventID)
	if err != nil {
		return err
	}

	switch {
	case ev == nil && m == nil:
		return nil
	case ev == nil:
		err := a.DeleteEvent(ctx, m.ExternalID)
		if err != nil && provider.IsNotSupported(err) {
			err = nil
		}
		if delErr := s.store.DeleteMapping(ctx, m.ID); delErr != nil {
			return errors.Join(err, delErr)
		}
		return err
	case m != nil:
		return s.pushUpdate(ctx, cfg, a, ev, m)
	case ev.Status == model.EventStatusCancelled:
		return nil
	}
	return s.pushCreate(ctx, cfg, a, ev)
}

func (s *Service) finishTargeted(ctx context.Context, op *model.SyncOperation, errs []error, log *slog.Logger) {
	op.Status = model.OperationCompleted
	for _, err := range errs {
		op.Errors = append(op.Errors, err.Error())
	}
	if len(errs) > 0 {
		op.Status = model.OperationFailed
	}
	op.CompletedAt = s.now()
	if err := s.store.FinishOperation(ctx, op); err != nil {
		log.Error("persisting operation result", "operation_id", op.ID, "error", err)
	}
}

// DeleteEventMappings cleans up after a hard local delete: every mapping of
// the event is deleted remotely where its configuration pushes, then removed
// locally whether or not the remote call succeeded. Remote failures are
// logged only; the returned error reports local persistence failures.
func (s *Service) DeleteEventMappings(ctx context.Context, eventID string) error {
	mappings, err := s.store.ListMappingsByEvent(ctx, eventID)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range mappings {
		s.deleteRemote(ctx, m)
		if err := s.store.DeleteMapping(ctx, m.ID); err != nil {
			errs = append(errs, err)
		}
	}
	s.removeAsset(eventID)
	return errors.Join(errs...)
}

// EnqueueMappingCleanup dispatches [Service.DeleteEventMappings] in the
// background.
func (s *Service) EnqueueMappingCleanup(eventID string) {
	s.background("mapping cleanup "+eventID, func(ctx context.Context) error {
		return s.DeleteEventMappings(ctx, eventID)
	})
}

func (s *Service) deleteRemote(ctx context.Context, m *model.SyncMapping) {
	log := s.log.With("config_id", m.ConfigID, "external_id", m.ExternalID)
	cfg, err := s.store.GetConfiguration(ctx, m.ConfigID)
	if err != nil {
		log.Warn("loading configuration for remote delete", "error", err)
		return
	}
	if cfg == nil || !cfg.Enabled || !cfg.Direction.Pushes() {
		return
	}
	a, err := s.adapters.Open(ctx, cfg)
	if err == nil {
		err = a.DeleteEvent(ctx, m.ExternalID)
	}
	if err != nil && !provider.IsNotSupported(err) {
		log.Warn("remote delete failed, dropping mapping anyway", "error", err)
	}
}

// RetryOperation reruns the pass behind a failed operation. Targeted
// operations are retried as a regular pass of their configuration.
func (s *Service) RetryOperation(ctx context.Context, operationID string) (*model.SyncOperation, error) {
	prev, err := s.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("operation %s: %w", operationID, ErrOperationNotFound)
	}
	if prev.Status != model.OperationFailed {
		return nil, fmt.Errorf("operation %s is %s: %w", operationID, prev.Status, ErrNotRetryable)
	}
	cfg, err := s.loadConfiguration(ctx, prev.ConfigID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("configuration %s: %w", cfg.ID, ErrConfigDisabled)
	}
	kind := prev.Kind
	if kind == model.OperationTargeted {
		kind = kindFor(cfg.Direction)
	}
	return s.runPass(ctx, cfg, kind, prev.RetryCount+1)
}

// CreateConfiguration validates cfg against the capabilities of its provider
// type, stores it and registers a webhook where the provider supports one.
// A failed webhook registration is logged; the configuration still works by
// polling.
func (s *Service) CreateConfiguration(ctx context.Context, cfg *model.SyncConfiguration) error {
	if _, err := model.ParseDirection(string(cfg.Direction)); err != nil {
		return err
	}
	caps, err := s.adapters.Capabilities(cfg.ProviderType)
	if err != nil {
		return err
	}
	if !caps.SupportsDirection(cfg.Direction) {
		return &provider.NotSupportedError{Provider: cfg.ProviderType, Operation: "sync direction " + string(cfg.Direction)}
	}
	if cfg.Settings == nil {
		settings, err := model.NewSettings(cfg.ProviderType)
		if err != nil {
			return err
		}
		cfg.Settings = settings
	}
	if err := s.store.CreateConfiguration(ctx, cfg); err != nil {
		return err
	}
	s.log.Info("configuration created", "config_id", cfg.ID, "provider", cfg.ProviderType, "direction", cfg.Direction)

	if caps.Webhooks && cfg.Enabled {
		if err := s.SetupWebhook(ctx, cfg.ID); err != nil {
			s.log.Warn("webhook registration failed, relying on polling", "config_id", cfg.ID, "error", err)
		}
	}
	return nil
}

// DisableConfiguration cancels the webhook of a configuration and stops its
// scheduled passes. Mappings are kept so re-enabling resumes without
// duplicates.
func (s *Service) DisableConfiguration(ctx context.Context, configID string) error {
	if _, err := s.loadConfiguration(ctx, configID); err != nil {
		return err
	}
	if err := s.RemoveWebhook(ctx, configID); err != nil {
		return err
	}
	return s.store.SetEnabled(ctx, configID, false)
}

// DeleteConfiguration cancels the webhook of a configuration and deletes it
// together with its mappings, operations and subscriptions.
func (s *Service) DeleteConfiguration(ctx context.Context, configID string) error {
	if _, err := s.loadConfiguration(ctx, configID); err != nil {
		return err
	}
	if err := s.RemoveWebhook(ctx, configID); err != nil {
		return err
	}
	return s.store.DeleteConfiguration(ctx, configID)
}
