// Package store keeps issues, comments, attachments and notifications in a key-value
// backend, simulating the latency of the REST service it stands in for.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portal/api/internal/blob"
	"portal/api/internal/kv"
	"portal/api/internal/rbac"
	"portal/api/internal/search"
	"portal/api/internal/signal"
)

// Persisted key names. They match what earlier clients wrote, so existing data loads as is.
const (
	KeyIssues        = "mock_issues"
	KeyComments      = "mock_comments"
	KeyNotifications = "mock_notifications"
	KeyIDs           = "mock_ids"
	KeySignal        = "mock_notifications_signal"
)

// Searcher matches free-text queries against issues and keeps an index current.
type Searcher interface {
	Search(q search.Query, candidates []search.IssueRecord) []int
	IndexIssue(record search.IssueRecord)
}

type Options struct {
	Publisher  signal.Publisher
	Sink       blob.Sink
	Search     Searcher
	Logger     zerolog.Logger
	LatencyMin time.Duration
	LatencyMax time.Duration
	Now        func() time.Time
}

type Store struct {
	backend    kv.Backend
	publisher  signal.Publisher
	sink       blob.Sink
	search     Searcher
	log        zerolog.Logger
	latencyMin time.Duration
	latencyMax time.Duration
	now        func() time.Time

	// mu serializes every read-modify-write against the backend.
	mu    sync.Mutex
	ready bool
	// events written under mu, published once it is released
	pending []signal.Event
}

func New(backend kv.Backend, opts Options) *Store {
	s := &Store{
		backend:    backend,
		publisher:  opts.Publisher,
		sink:       opts.Sink,
		search:     opts.Search,
		log:        opts.Logger,
		latencyMin: opts.LatencyMin,
		latencyMax: opts.LatencyMax,
		now:        opts.Now,
	}
	if s.sink == nil {
		s.sink = blob.DataURISink{}
	}
	if s.search == nil {
		s.search = search.NewService(nil, opts.Logger)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.latencyMax < s.latencyMin {
		s.latencyMax = s.latencyMin
	}
	return s
}

// Init writes an empty value for every collection missing from the backend.
// Existing data is never overwritten, so calling it repeatedly is safe.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked(ctx)
}

func (s *Store) initLocked(ctx context.Context) error {
	if s.ready {
		return nil
	}
	defaults := []struct {
		key   string
		value any
	}{
		{KeyIssues, []Issue{}},
		{KeyComments, map[string][]Comment{}},
		{KeyNotifications, []Notification{}},
		{KeyIDs, initialCounters()},
	}
	for _, d := range defaults {
		_, ok, err := s.backend.Get(ctx, d.key)
		if err != nil {
			return fmt.Errorf("init %s: %w", d.key, err)
		}
		if ok {
			continue
		}
		if err := s.save(ctx, d.key, d.value); err != nil {
			return fmt.Errorf("init %s: %w", d.key, err)
		}
	}
	s.ready = true
	return nil
}

// begin waits out the simulated latency, then takes the store lock and makes sure the
// collections exist. The caller must call the returned unlock.
func (s *Store) begin(ctx context.Context) (func(), error) {
	if err := s.delay(ctx); err != nil {
		return nil, err
	}
	return s.lock(ctx)
}

// lock takes the store lock. The returned unlock releases it and then publishes the
// events queued while it was held, so a slow publisher never stalls other operations.
func (s *Store) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if err := s.initLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return func() {
		events := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, event := range events {
			s.publish(context.WithoutCancel(ctx), event)
		}
	}, nil
}

func (s *Store) delay(ctx context.Context) error {
	d := s.latencyMin
	if span := s.latencyMax - s.latencyMin; span > 0 {
		d += time.Duration(rand.Int64N(int64(span) + 1))
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func load[T any](ctx context.Context, s *Store, key string, fallback T) (T, error) {
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return fallback, err
	}
	if !ok {
		return fallback, nil
	}
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("store: unreadable collection, using empty value")
		return fallback, nil
	}
	return value, nil
}

func (s *Store) save(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, key, string(raw))
}

func (s *Store) loadIssues(ctx context.Context) ([]Issue, error) {
	issues, err := load(ctx, s, KeyIssues, []Issue{})
	if err != nil {
		return nil, fmt.Errorf("load issues: %w", err)
	}
	if issues == nil {
		issues = []Issue{}
	}
	return issues, nil
}

func (s *Store) loadComments(ctx context.Context) (map[string][]Comment, error) {
	comments, err := load(ctx, s, KeyComments, map[string][]Comment{})
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	if comments == nil {
		comments = map[string][]Comment{}
	}
	return comments, nil
}

func (s *Store) loadNotifications(ctx context.Context) ([]Notification, error) {
	notifications, err := load(ctx, s, KeyNotifications, []Notification{})
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	if notifications == nil {
		notifications = []Notification{}
	}
	return notifications, nil
}

func (s *Store) loadCounters(ctx context.Context) (Counters, error) {
	ids, err := load(ctx, s, KeyIDs, initialCounters())
	if err != nil {
		return Counters{}, fmt.Errorf("load ids: %w", err)
	}
	return ids, nil
}

func commentKey(issueID int) string {
	return strconv.Itoa(issueID)
}

func findIssue(issues []Issue, id int) int {
	for i := range issues {
		if issues[i].ID == id {
			return i
		}
	}
	return -1
}

// note is a notification waiting to be written together with the change that caused it.
type note struct {
	kind    signal.Kind
	issueID int
	role    *rbac.Role
	message string
}

func roleRef(role rbac.Role) *rbac.Role {
	return &role
}

// changeSet is everything one operation writes. Nil collections are left untouched.
type changeSet struct {
	ids      Counters
	issues   []Issue
	comments map[string][]Comment
	notes    []note
}

// apply persists a change set. Counters go first so a failed write never leads to id reuse.
func (s *Store) apply(ctx context.Context, c changeSet) error {
	ctx = context.WithoutCancel(ctx)
	var notifications []Notification
	var created []Notification
	if len(c.notes) > 0 {
		var err error
		notifications, err = s.loadNotifications(ctx)
		if err != nil {
			return err
		}
		c.ids.coverNotifications(notifications)
		now := s.timestamp()
		for _, n := range c.notes {
			notification := Notification{
				ID:        take(&c.ids.Notif),
				Message:   n.message,
				Role:      n.role,
				CreatedAt: now,
			}
			notifications = append([]Notification{notification}, notifications...)
			created = append(created, notification)
		}
	}

	if err := s.save(ctx, KeyIDs, c.ids); err != nil {
		return fmt.Errorf("save ids: %w", err)
	}
	if c.issues != nil {
		if err := s.save(ctx, KeyIssues, c.issues); err != nil {
			return fmt.Errorf("save issues: %w", err)
		}
	}
	if c.comments != nil {
		if err := s.save(ctx, KeyComments, c.comments); err != nil {
			return fmt.Errorf("save comments: %w", err)
		}
	}
	if len(created) == 0 {
		return nil
	}
	if err := s.save(ctx, KeyNotifications, notifications); err != nil {
		return fmt.Errorf("save notifications: %w", err)
	}

	at := s.timestamp()
	if err := s.backend.Set(ctx, KeySignal, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("save signal: %w", err)
	}
	for i, n := range c.notes {
		s.pending = append(s.pending, signal.Event{
			Kind:           n.kind,
			IssueID:        n.issueID,
			NotificationID: created[i].ID,
			At:             at,
		})
	}
	return nil
}

func (s *Store) publish(ctx context.Context, event signal.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn().Err(err).Str("kind", string(event.Kind)).Int("issue_id", event.IssueID).Msg("store: publish signal")
	}
}

// LastSignal returns the Unix-milliseconds timestamp of the most recent notification, or 0.
func (s *Store) LastSignal(ctx context.Context) (int64, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	raw, ok, err := s.backend.Get(ctx, KeySignal)
	if err != nil {
		return 0, fmt.Errorf("load signal: %w", err)
	}
	if !ok {
		return 0, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.log.Warn().Err(err).Str("key", KeySignal).Msg("store: unreadable signal, using 0")
		return 0, nil
	}
	return ms, nil
}
