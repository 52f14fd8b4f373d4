package offline0

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"

	"offline0/internal/notify"
	"offline0/internal/store"
)

type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// BatchResult summarizes one pass over the pending queue.
type BatchResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	// Retried counts failures that left the request pending.
	Retried int `json:"retried"`
	// Failed counts requests that became failed in this batch.
	Failed int `json:"failed"`
	Purged int `json:"purged"`
	// Interrupted counts replays cut short by cancellation; those requests
	// stay pending with their retry count unchanged.
	Interrupted int `json:"interrupted,omitempty"`
	// Err is set when the batch could not read or purge the queue.
	Err error `json:"-"`
}

type SyncerOptions struct {
	// TerminalStatuses are HTTP statuses that fail a request immediately
	// instead of counting towards the retry bound.
	TerminalStatuses []int
	// AuthPathPrefix limits bearer tokens to URLs under this prefix.
	AuthPathPrefix string
	// FollowUpInitial and FollowUpMax bound the backoff between follow-up
	// passes while failed replays remain pending.
	FollowUpInitial time.Duration
	FollowUpMax     time.Duration
}

// Syncer replays the offline queue against the origin. At most one batch
// runs at a time; triggers that arrive during a batch are dropped.
type Syncer struct {
	queue     *Queue
	transport Transport
	auth      Auth
	notifier  notify.Notifier
	opts      SyncerOptions
	terminal  map[int]bool

	status  *Subject[SyncStatus]
	running atomic.Bool

	followUp   backoff.BackOff
	followUpCh chan time.Duration

	logger  *slog.Logger
	metrics *metrics
	hub     *sentry.Hub
}

func NewSyncer(q *Queue, t Transport, a Auth, n notify.Notifier, opts SyncerOptions, logger *slog.Logger) *Syncer {
	if n == nil {
		n = notify.Nop
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AuthPathPrefix == "" {
		opts.AuthPathPrefix = "/"
	}
	if opts.FollowUpInitial <= 0 {
		opts.FollowUpInitial = 5 * time.Second
	}
	if opts.FollowUpMax <= 0 {
		opts.FollowUpMax = 5 * time.Minute
	}
	terminal := make(map[int]bool, len(opts.TerminalStatuses))
	for _, st := range opts.TerminalStatuses {
		terminal[st] = true
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.FollowUpInitial
	bo.MaxInterval = opts.FollowUpMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Syncer{
		queue:      q,
		transport:  t,
		auth:       a,
		notifier:   n,
		opts:       opts,
		terminal:   terminal,
		status:     NewSubject(SyncIdle),
		followUp:   bo,
		followUpCh: make(chan time.Duration, 1),
		logger:     logger,
	}
}

func (s *Syncer) Status() SyncStatus { return s.status.Value() }

// SubscribeStatus calls fn with the current status and on every change.
func (s *Syncer) SubscribeStatus(fn func(SyncStatus)) (unsubscribe func()) {
	return s.status.Subscribe(fn)
}

// Running reports whether a batch is in flight.
func (s *Syncer) Running() bool { return s.running.Load() }

// Trigger runs one batch. It returns false without doing anything when a
// batch is already running.
func (s *Syncer) Trigger(ctx context.Context) (BatchResult, bool) {
	if !s.running.CompareAndSwap(false, true) {
		return BatchResult{}, false
	}
	defer s.running.Store(false)
	return s.runBatch(ctx), true
}

func (s *Syncer) runBatch(ctx context.Context) BatchResult {
	var res BatchResult
	s.status.Set(SyncSyncing)

	items, err := s.queue.ListPending(ctx)
	if err != nil {
		return s.fail(res, fmt.Errorf("list pending: %w", err))
	}
	if len(items) > 0 {
		s.logger.Info("sync started", "pending", len(items))
	}

	// queue bookkeeping outlives ctx so a replayed request is never left
	// pending after the origin accepted it
	wctx := context.WithoutCancel(ctx)
	for _, item := range items {
		if ctx.Err() != nil {
			// shutting down; remaining items stay pending untouched
			break
		}
		res.Attempted++
		s.replayOne(ctx, wctx, item, &res)
	}

	purged, err := s.queue.PurgeSynced(wctx)
	if err != nil {
		return s.fail(res, fmt.Errorf("purge synced: %w", err))
	}
	res.Purged = purged

	s.status.Set(SyncIdle)
	s.metrics.batch("ok")
	if _, err := s.queue.Size(wctx); err != nil {
		s.logger.Warn("queue size failed", "error", err)
	}

	if res.Attempted > 0 {
		s.logger.Info("sync finished",
			"attempted", res.Attempted, "synced", res.Synced,
			"retried", res.Retried, "failed", res.Failed, "purged", res.Purged,
			"interrupted", res.Interrupted)
	}
	if res.Synced > 0 {
		s.notifier.Notify("Sync complete", fmt.Sprintf("%d offline change(s) synchronized", res.Synced))
	}
	s.scheduleFollowUp(res)
	return res
}

func (s *Syncer) replayOne(ctx, wctx context.Context, item store.QueuedRequest, res *BatchResult) {
	err := s.replay(ctx, item)
	if err == nil {
		if err := s.queue.MarkSynced(wctx, item.ID); err != nil {
			s.logger.Error("mark synced failed", "id", item.ID, "error", err)
			return
		}
		res.Synced++
		s.metrics.replay("synced")
		return
	}

	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		// the origin never judged this attempt
		res.Interrupted++
		s.metrics.replay("interrupted")
		s.logger.Info("replay interrupted", "id", item.ID, "method", item.Method, "url", item.URL)
		return
	}

	status := 0
	var he *HTTPError
	if errors.As(err, &he) {
		status = he.Status
	}

	if status != 0 && s.terminal[status] {
		if err := s.queue.MarkTerminal(wctx, item.ID, err, status); err != nil {
			s.logger.Error("mark failed failed", "id", item.ID, "error", err)
			return
		}
		res.Failed++
		s.metrics.replay("failed")
		s.permanentFailure(item, err)
		return
	}

	next, merr := s.queue.MarkFailed(wctx, item.ID, err, status)
	if merr != nil {
		s.logger.Error("mark failed failed", "id", item.ID, "error", merr)
		return
	}
	if next == store.StatusFailed {
		res.Failed++
		s.metrics.replay("failed")
		s.permanentFailure(item, err)
		return
	}
	res.Retried++
	s.metrics.replay("retry")
	s.logger.Warn("replay failed, will retry", "id", item.ID, "method", item.Method, "url", item.URL, "error", err)
}

func (s *Syncer) replay(ctx context.Context, item store.QueuedRequest) error {
	req := &Request{
		Method: item.Method,
		URL:    item.URL,
		Header: cloneHeader(item.Header),
		Body:   item.Body,
	}
	if item.IdempotencyKey != "" {
		req.Header.Set(idempotencyHeader, item.IdempotencyKey)
	}
	if s.auth != nil && strings.HasPrefix(pathOf(item.URL), s.opts.AuthPathPrefix) {
		token, err := s.auth.Token(ctx)
		switch {
		case err == nil:
			req.Header.Set("Authorization", bearer(token))
		case !errors.Is(err, ErrNoToken):
			s.logger.Warn("auth token unavailable for replay", "id", item.ID, "error", err)
		}
	}
	_, err := s.transport.Send(ctx, req)
	return err
}

func (s *Syncer) permanentFailure(item store.QueuedRequest, err error) {
	s.logger.Error("queued request failed permanently", "id", item.ID, "method", item.Method, "url", item.URL, "error", err)
	s.notifier.Notify("Request failed permanently",
		fmt.Sprintf("%s %s could not be synchronized: %v", item.Method, item.URL, err))
}

func (s *Syncer) fail(res BatchResult, err error) BatchResult {
	res.Err = err
	s.status.Set(SyncError)
	s.metrics.batch("error")
	s.logger.Error("sync failed", "error", err)
	if s.hub != nil {
		s.hub.CaptureException(err)
	}
	return res
}

// scheduleFollowUp asks Run for another pass when replays failed but
// remain pending; a clean batch resets the backoff.
func (s *Syncer) scheduleFollowUp(res BatchResult) {
	if res.Retried == 0 {
		s.followUp.Reset()
		return
	}
	d := s.followUp.NextBackOff()
	if d == backoff.Stop {
		return
	}
	select {
	case s.followUpCh <- d:
	default:
		// a follow-up is already scheduled
	}
}

// Run executes scheduled follow-up passes until ctx is done. A pass only runs
// when online reports true.
func (s *Syncer) Run(ctx context.Context, online func() bool) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.followUpCh:
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if online() {
				s.Trigger(ctx)
			}
		}
	}
}

func pathOf(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	if rawURL == "" {
		return "/"
	}
	return rawURL
}
