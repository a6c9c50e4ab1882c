package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/eventsync/internal/mapping"
	"github.com/njoerd114/eventsync/internal/model"
)

const (
	defaultEchoWindow  = 30 * time.Second
	defaultMatchWindow = 2 * time.Minute
)

// outcome is what reconciling one external event did locally.
type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeCreated         // new internal event
	outcomeUpdated         // internal event overwritten from the provider
	outcomeDeleted         // cancelled upstream, removed locally
	outcomeLinked          // mapping healed to an existing event, no overwrite
	outcomeEcho            // recent local edit wins, mapping touched only
)

func (o outcome) String() string {
	switch o {
	case outcomeCreated:
		return "created"
	case outcomeUpdated:
		return "updated"
	case outcomeDeleted:
		return "deleted"
	case outcomeLinked:
		return "linked"
	case outcomeEcho:
		return "echo"
	}
	return "ignored"
}

// Stats tracks what a single sync pass did.
type Stats struct {
	Created int
	Updated int
	Deleted int
	Linked  int
	Echoes  int
	Ignored int
	Pushed  int
	Errors  int
}

func (s *Stats) add(o outcome) {
	switch o {
	case outcomeCreated:
		s.Created++
	case outcomeUpdated:
		s.Updated++
	case outcomeDeleted:
		s.Deleted++
	case outcomeLinked:
		s.Linked++
	case outcomeEcho:
		s.Echoes++
	default:
		s.Ignored++
	}
}

// Reconciler turns one pulled external event into a local create, update,
// delete or no-op. It is stateless between calls; all persistent state lives
// in the [Store].
//
// Decision order, first match wins:
//
//  1. cancelled upstream: delete the mapped event
//  2. existing mapping: overwrite, unless edited locally within the echo window
//  3. embedded internal ID: heal the mapping, or ignore a deleted event
//  4. fuzzy match on title or start time: heal, then apply rule 2
//  5. create
type Reconciler struct {
	store       Store
	mapper      EventMapper
	pub         Publisher
	log         *slog.Logger
	now         func() time.Time
	echoWindow  time.Duration
	matchWindow time.Duration
}

// NewReconciler creates a Reconciler. Zero windows select the defaults of 30
// seconds and 2 minutes; pub may be nil.
func NewReconciler(store Store, mapper EventMapper, pub Publisher, echoWindow, matchWindow time.Duration, logger *slog.Logger) *Reconciler {
	if pub == nil {
		pub = nopPublisher{}
	}
	if echoWindow <= 0 {
		echoWindow = defaultEchoWindow
	}
	if matchWindow <= 0 {
		matchWindow = defaultMatchWindow
	}
	return &Reconciler{
		store:       store,
		mapper:      mapper,
		pub:         pub,
		log:         logger,
		now:         func() time.Time { return time.Now().UTC() },
		echoWindow:  echoWindow,
		matchWindow: matchWindow,
	}
}

// Reconcile applies ext, pulled through cfg, to the internal store.
func (r *Reconciler) Reconcile(ctx context.Context, cfg *model.SyncConfiguration, ext *model.ExternalEvent) (outcome, error) {
	if ext.ID == "" {
		return outcomeIgnored, fmt.Errorf("external event %q has no id", ext.Summary)
	}
	log := r.log.With("config_id", cfg.ID, "external_id", ext.ID)

	m, err := r.store.GetMappingByExternalID(ctx, cfg.ID, ext.ID)
	if err != nil {
		return outcomeIgnored, err
	}

	if ext.IsCancelled() {
		if m == nil {
			return outcomeIgnored, nil
		}
		return r.deleteMapped(ctx, m, log)
	}

	if m != nil && m.EventID == "" {
		return outcomeIgnored, nil
	}
	if m != nil {
		existing, err := r.mappedEvent(ctx, m, log)
		if err != nil {
			return outcomeIgnored, err
		}
		if existing != nil {
			return r.overwrite(ctx, m, existing, ext, log)
		}
	}

	if id := ext.InternalID(); id != "" {
		existing, err := r.store.GetEvent(ctx, id)
		if err != nil {
			return outcomeIgnored, err
		}
		if existing == nil {
			log.Info("ignoring echo of deleted event", "internal_id", id)
			return outcomeIgnored, nil
		}
		if _, err := r.link(ctx, cfg, existing.ID, ext); err != nil {
			return outcomeIgnored, err
		}
		log.Debug("healed mapping from embedded id", "event_id", existing.ID)
		return outcomeLinked, nil
	}

	fresh, err := r.mapper.ToInternal(ctx, ext, cfg.UserID)
	if err != nil {
		return outcomeIgnored, fmt.Errorf("mapping external event %s: %w", ext.ID, err)
	}

	match, err := r.findMatch(ctx, cfg, ext, fresh)
	if err != nil {
		return outcomeIgnored, err
	}
	if match != nil {
		linked, err := r.link(ctx, cfg, match.ID, ext)
		if err != nil {
			return outcomeIgnored, err
		}
		log.Info("matched unmapped external event", "event_id", match.ID, "title", match.Title)
		return r.overwrite(ctx, linked, match, ext, log)
	}

	return r.create(ctx, cfg, fresh, ext)
}

// mappedEvent loads the event m points at. A mapping whose event is gone is
// removed and (nil, nil) returned so the caller falls through to matching.
func (r *Reconciler) mappedEvent(ctx context.Context, m *model.SyncMapping, log *slog.Logger) (*model.Event, error) {
	ev, err := r.store.GetEvent(ctx, m.EventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		log.Warn("dropping mapping of missing event", "event_id", m.EventID)
		if err := r.store.DeleteMapping(ctx, m.ID); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func (r *Reconciler) deleteMapped(ctx context.Context, m *model.SyncMapping, log *slog.Logger) (outcome, error) {
	if m.EventID == "" {
		return outcomeDeleted, r.store.DeleteMapping(ctx, m.ID)
	}
	if err := r.store.DeleteEvent(ctx, m.EventID); err != nil {
		return outcomeIgnored, err
	}
	if err := r.store.DeleteMappingsByEvent(ctx, m.EventID); err != nil {
		return outcomeIgnored, err
	}
	log.Info("deleted event cancelled upstream", "event_id", m.EventID)
	r.pub.Publish(KindDeleted, []string{m.EventID})
	return outcomeDeleted, nil
}

// overwrite applies ext onto existing unless existing was edited within the
// echo window, in which case only the mapping is touched. A recent edit that
// was not pushed yet leaves the mapping stale so the push phase sends it.
func (r *Reconciler) overwrite(ctx context.Context, m *model.SyncMapping, existing *model.Event, ext *model.ExternalEvent, log *slog.Logger) (outcome, error) {
	now := r.now()
	if now.Sub(existing.UpdatedAt) < r.echoWindow {
		if existing.UpdatedAt.After(m.LastSyncedAt) {
			log.Debug("recent local edit pending push, skipping overwrite", "event_id", existing.ID)
			return outcomeEcho, nil
		}
		log.Debug("recent local edit, skipping overwrite", "event_id", existing.ID, "updated_at", existing.UpdatedAt)
		if err := r.store.TouchMapping(ctx, m.ID, now); err != nil {
			return outcomeIgnored, err
		}
		return outcomeEcho, nil
	}

	fresh, err := r.mapper.ToInternal(ctx, ext, existing.UserID)
	if err != nil {
		return outcomeIgnored, fmt.Errorf("mapping external event %s: %w", ext.ID, err)
	}
	updated := mapping.Overlay(existing, fresh)
	if err := r.store.UpdateEvent(ctx, updated); err != nil {
		return outcomeIgnored, err
	}

	m.ETag = ext.ETag
	m.LastSyncedAt = updated.UpdatedAt
	if err := r.store.UpsertMapping(ctx, m); err != nil {
		return outcomeIgnored, err
	}

	for _, a := range ext.Attendees {
		if a.Email == "" || a.ResponseStatus == "" {
			continue
		}
		if _, err := r.store.UpdateParticipation(ctx, updated.ID, a.Email, a.ResponseStatus); err != nil {
			return outcomeIgnored, err
		}
	}

	log.Info("updated event from provider", "event_id", updated.ID, "title", updated.Title)
	r.pub.Publish(KindUpdated, []string{updated.ID})
	return outcomeUpdated, nil
}

// link inserts or re-points the mapping of eventID on cfg to ext.
func (r *Reconciler) link(ctx context.Context, cfg *model.SyncConfiguration, eventID string, ext *model.ExternalEvent) (*model.SyncMapping, error) {
	m := &model.SyncMapping{
		ConfigID:     cfg.ID,
		EventID:      eventID,
		ExternalID:   ext.ID,
		ProviderID:   cfg.ProviderID,
		ETag:         ext.ETag,
		LastSyncedAt: r.now(),
	}
	if err := r.store.UpsertMapping(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// findMatch looks for an unmapped local twin of ext. Candidates with the
// exact title are tried first; a candidate with another title matches only
// when no title candidate does.
func (r *Reconciler) findMatch(ctx context.Context, cfg *model.SyncConfiguration, ext *model.ExternalEvent, fresh *model.Event) (*model.Event, error) {
	day := fresh.StartAt.UTC().Truncate(24 * time.Hour)
	from := day.Add(-r.matchWindow)
	to := day.Add(24*time.Hour + r.matchWindow)
	if !fresh.AllDay {
		if s := fresh.StartAt.Add(-r.matchWindow); s.Before(from) {
			from = s
		}
		if e := fresh.StartAt.Add(r.matchWindow); e.After(to) {
			to = e
		}
	}

	candidates, err := r.store.FindMatchCandidates(ctx, fresh.UserID, fresh.Title, from, to)
	if err != nil {
		return nil, err
	}

	var byTime *model.Event
	for _, c := range candidates {
		if !r.startsTogether(c, fresh) {
			continue
		}
		taken, err := r.store.GetMappingByEvent(ctx, cfg.ID, c.ID)
		if err != nil {
			return nil, err
		}
		if taken != nil && taken.ExternalID != ext.ID {
			continue
		}
		if c.Title == fresh.Title {
			return c, nil
		}
		if byTime == nil {
			byTime = c
		}
	}
	return byTime, nil
}

// startsTogether compares start times: dates for two all-day events, the
// match window for two timed events, and UTC dates across the two kinds.
// The cross-kind rule ignores the time zone of the timed event.
func (r *Reconciler) startsTogether(local, fresh *model.Event) bool {
	switch {
	case local.AllDay && fresh.AllDay:
		return local.StartDate() == fresh.StartDate()
	case !local.AllDay && !fresh.AllDay:
		d := local.StartAt.Sub(fresh.StartAt)
		if d < 0 {
			d = -d
		}
		return d <= r.matchWindow
	default:
		return local.StartDate() == fresh.StartDate()
	}
}

func (r *Reconciler) create(ctx context.Context, cfg *model.SyncConfiguration, ev *model.Event, ext *model.ExternalEvent) (outcome, error) {
	if err := r.store.CreateEvent(ctx, ev); err != nil {
		return outcomeIgnored, err
	}
	if _, err := r.link(ctx, cfg, ev.ID, ext); err != nil {
		return outcomeIgnored, err
	}
	if err := r.associateAttendees(ctx, ev, ext.Attendees); err != nil {
		return outcomeIgnored, err
	}
	r.log.Info("created event from provider", "config_id", cfg.ID, "external_id", ext.ID, "event_id", ev.ID, "title", ev.Title)
	r.pub.Publish(KindCreated, []string{ev.ID})
	return outcomeCreated, nil
}

// associateAttendees links each attendee to the event, creating an
// address-book contact for unknown e-mail addresses.
func (r *Reconciler) associateAttendees(ctx context.Context, ev *model.Event, attendees []model.Attendee) error {
	for _, a := range attendees {
		if a.Email == "" {
			continue
		}
		c, err := r.store.FindContactByEmail(ctx, ev.UserID, a.Email)
		if err != nil {
			return err
		}
		if c == nil {
			c = &model.Contact{UserID: ev.UserID, Name: a.DisplayName, Email: a.Email}
			if err := r.store.CreateContact(ctx, c); err != nil {
				return err
			}
		}
		if err := r.store.AssociateContact(ctx, ev.ID, c.ID, a.ResponseStatus); err != nil {
			return err
		}
	}
	return nil
}
