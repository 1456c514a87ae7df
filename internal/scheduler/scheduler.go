// Package scheduler polls feeds on a timer and forwards new items to a
// notification sink.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/agentq/internal/feed"
	"github.com/kalambet/agentq/internal/notify"
)

var (
	// ErrBusy means a check of the same monitor is already running.
	ErrBusy = errors.New("check already in progress")
	// ErrUnknownMonitor means no monitor is registered under the key.
	ErrUnknownMonitor = errors.New("unknown monitor")
	// ErrInvalidFeed means a URL given for a subscription is not a readable feed.
	ErrInvalidFeed = errors.New("invalid feed")
)

// Reader fetches a feed snapshot.
type Reader interface {
	Read(ctx context.Context, src feed.Source) (feed.Snapshot, error)
}

// Store persists feed state and subscriptions.
type Store interface {
	FeedState(ctx context.Context, key string) (feed.State, error)
	SaveFeedState(ctx context.Context, st feed.State) error
	AddSubscription(ctx context.Context, sub feed.Subscription) (feed.Subscription, error)
	RemoveSubscription(ctx context.Context, chatID, id string) (feed.Subscription, error)
	Subscriptions(ctx context.Context, chatID string) ([]feed.Subscription, error)
}

// Options tunes a Scheduler.
type Options struct {
	Interval    time.Duration // default poll interval, 5m when zero
	PostDelay   time.Duration // pause between delivered messages; zero sends back to back
	SeenCap     int
	Concurrency int // parallel checks in CheckAll, default 4
}

// Result is the outcome of checking one monitor.
type Result struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

type entry struct {
	monitor Monitor
	guard   sync.Mutex
	cancel  context.CancelFunc
}

// Scheduler runs one polling loop per monitor. Checks of one monitor never
// overlap; a check that would overlap is skipped.
type Scheduler struct {
	store  Store
	reader Reader
	sink   notify.Sink
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	loaded  bool
	runCtx  context.Context
	group   *errgroup.Group
}

// New creates a Scheduler over the given static monitors.
func New(store Store, reader Reader, sink notify.Sink, monitors []Monitor, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	s := &Scheduler{
		store:   store,
		reader:  reader,
		sink:    sink,
		opts:    opts,
		logger:  slog.Default().With("component", "scheduler"),
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*entry),
	}
	for _, m := range monitors {
		key := s.normalize(&m)
		s.entries[key] = &entry{monitor: m}
	}
	return s
}

func (s *Scheduler) normalize(m *Monitor) string {
	if m.Key == "" {
		m.Key = m.Source.URL
	}
	if m.Interval <= 0 {
		m.Interval = s.opts.Interval
	}
	if m.Mode == "" {
		m.Mode = feed.ModeSeen
	}
	return m.Key
}

// load registers stored subscriptions once.
func (s *Scheduler) load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	subs, err := s.store.Subscriptions(ctx, "")
	if err != nil {
		return fmt.Errorf("loading subscriptions: %w", err)
	}
	for _, sub := range subs {
		m := subscriptionMonitor(sub)
		if _, ok := s.entries[s.normalize(&m)]; !ok {
			s.entries[m.Key] = &entry{monitor: m}
		}
	}
	s.loaded = true
	return nil
}

// Run polls every monitor until ctx is cancelled. Each monitor is checked
// once immediately, then on every tick of its interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.load(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.runCtx, s.group = gctx, g
	for _, e := range s.entries {
		s.startLocked(e)
	}
	n := len(s.entries)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "monitors", n)
	<-gctx.Done()

	s.mu.Lock()
	s.runCtx, s.group = nil, nil
	s.mu.Unlock()

	g.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) startLocked(e *entry) {
	if s.group == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.runCtx)
	e.cancel = cancel
	s.group.Go(func() error {
		s.loop(ctx, e)
		return nil
	})
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.monitor.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.check(ctx, e); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
			s.logger.Warn("feed check failed", "feed", e.monitor.Key, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check polls the monitor registered under key and returns how many items
// it delivered.
func (s *Scheduler) Check(ctx context.Context, key string) (int, error) {
	if err := s.load(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMonitor, key)
	}
	return s.check(ctx, e)
}

// CheckAll polls every monitor with bounded parallelism. One failing feed
// does not affect the others.
func (s *Scheduler) CheckAll(ctx context.Context) ([]Result, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	slices.SortFunc(entries, func(a, b *entry) int { return strings.Compare(a.monitor.Key, b.monitor.Key) })

	results := make([]Result, len(entries))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, e := range entries {
		g.Go(func() error {
			n, err := s.check(ctx, e)
			results[i] = Result{Key: e.monitor.Key, Name: e.monitor.Name, Delivered: n}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	g.Wait()
	return results, nil
}

// Monitors returns every registered monitor ordered by key.
func (s *Scheduler) Monitors(ctx context.Context) ([]Monitor, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Monitor, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.monitor)
	}
	slices.SortFunc(out, func(a, b Monitor) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// check runs one poll: read, diff, save, deliver. State is saved before
// delivery, so a crash mid-delivery loses items rather than repeating them.
func (s *Scheduler) check(ctx context.Context, e *entry) (int, error) {
	if !e.guard.TryLock() {
		s.logger.Info("feed check already running, skipping", "feed", e.monitor.Key)
		return 0, ErrBusy
	}
	defer e.guard.Unlock()

	m := e.monitor
	snap, err := s.reader.Read(ctx, m.Source)
	if err != nil {
		return 0, err
	}

	prior, err := s.store.FeedState(ctx, m.Key)
	if err != nil {
		return 0, fmt.Errorf("loading state: %w", err)
	}
	prior.Key = m.Key
	prior.Mode = m.Mode

	items, next := feed.Diff(snap.Items, prior, feed.Options{Keywords: m.Keywords, SeenCap: s.opts.SeenCap})
	if !next.Initialized {
		s.logger.Debug("feed empty, no baseline yet", "feed", m.Key)
		return 0, nil
	}
	next.CheckedAt = s.now()
	if err := s.store.SaveFeedState(ctx, next); err != nil {
		return 0, fmt.Errorf("saving state: %w", err)
	}
	if !prior.Initialized {
		s.logger.Info("feed baseline recorded", "feed", m.Key, "items", len(snap.Items))
		return 0, nil
	}

	name := m.Name
	if name == "" {
		name = snap.Title
	}
	if name == "" {
		name = m.Source.URL
	}
	for i, it := range items {
		if i > 0 && s.opts.PostDelay > 0 {
			select {
			case <-ctx.Done():
				return i, ctx.Err()
			case <-time.After(s.opts.PostDelay):
			}
		}
		notify.Send(ctx, s.sink, m.Destination, feed.Format(name, it))
	}
	if len(items) > 0 {
		s.logger.Info("delivered feed items", "feed", m.Key, "count", len(items))
	}
	return len(items), nil
}

// Subscribe validates rawURL by reading it, stores a subscription for
// chatID and records the current items as already seen. An empty name
// takes the feed title.
func (s *Scheduler) Subscribe(ctx context.Context, chatID, rawURL, name string) (feed.Subscription, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return feed.Subscription{}, fmt.Errorf("%w: %q is not an http(s) URL", ErrInvalidFeed, rawURL)
	}
	if err := s.load(ctx); err != nil {
		return feed.Subscription{}, err
	}

	snap, err := s.reader.Read(ctx, feed.Source{URL: u.String(), Kind: feed.KindRSS})
	if err != nil {
		return feed.Subscription{}, fmt.Errorf("%w: %v", ErrInvalidFeed, err)
	}
	if name = strings.TrimSpace(name); name == "" {
		name = snap.Title
	}
	if name == "" {
		name = u.Host
	}

	sub, err := s.store.AddSubscription(ctx, feed.Subscription{ChatID: chatID, URL: u.String(), Name: name})
	if err != nil {
		return feed.Subscription{}, err
	}

	m := subscriptionMonitor(sub)
	s.normalize(&m)
	_, baseline := feed.Diff(snap.Items, feed.State{Key: m.Key, Mode: m.Mode}, feed.Options{SeenCap: s.opts.SeenCap})
	if baseline.Initialized {
		baseline.CheckedAt = s.now()
		if err := s.store.SaveFeedState(ctx, baseline); err != nil {
			s.logger.Warn("saving subscription baseline", "feed", m.Key, "error", err)
		}
	}

	s.mu.Lock()
	e := &entry{monitor: m}
	s.entries[m.Key] = e
	s.startLocked(e)
	s.mu.Unlock()

	s.logger.Info("subscribed", "chat_id", chatID, "feed", sub.URL, "id", sub.ID)
	return sub, nil
}

// Unsubscribe removes a subscription of chatID and stops its polling.
func (s *Scheduler) Unsubscribe(ctx context.Context, chatID, id string) (feed.Subscription, error) {
	sub, err := s.store.RemoveSubscription(ctx, chatID, id)
	if err != nil {
		return feed.Subscription{}, err
	}

	s.mu.Lock()
	if e, ok := s.entries[sub.StateKey()]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(s.entries, sub.StateKey())
	}
	s.mu.Unlock()

	s.logger.Info("unsubscribed", "chat_id", chatID, "feed", sub.URL, "id", sub.ID)
	return sub, nil
}

// Subscriptions lists the subscriptions of chatID, or all when chatID is empty.
func (s *Scheduler) Subscriptions(ctx context.Context, chatID string) ([]feed.Subscription, error) {
	return s.store.Subscriptions(ctx, chatID)
}
