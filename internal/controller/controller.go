// Package controller orchestrates the fetch, parse and merge cycle.
//
// Refresh is the only state-mutating entry point: it fetches the live
// batch, merges it into the historical store and returns both. A failed
// fetch never reaches the store. The controller never retries; retry and
// scheduling belong to the caller (see cmd/nodewatchd).
package controller

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/nodewatch/config"
	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/history"
	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/parser"
	"github.com/xtxerr/nodewatch/internal/snapshot"
	"github.com/xtxerr/nodewatch/internal/transport"
)

var log = logging.Component("controller")

// Controller serves refreshes and node queries for one session.
type Controller struct {
	transport transport.Transport
	store     *history.Store
	session   *transport.Session
	now       func() time.Time

	// Concurrent reads share one transport round trip, bounded by
	// fetchTimeout rather than by any one caller's context.
	fetches      singleflight.Group
	fetchTimeout time.Duration
	requests     atomic.Uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source used to stamp fetched batches.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithFetchTimeout bounds a shared read fetch. Callers leave early when
// their own context ends; the fetch itself runs until done or timed out.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// New creates a controller. The session is fixed for the controller's
// lifetime; build another controller to act as a different user.
func New(t transport.Transport, store *history.Store, session *transport.Session, opts ...Option) (*Controller, error) {
	if t == nil {
		return nil, errors.NewMissingField("transport")
	}
	if store == nil {
		return nil, errors.NewMissingField("store")
	}
	if session == nil {
		return nil, errors.NewMissingField("session")
	}

	c := &Controller{
		transport: t,
		store:     store,
		session:   session,
		now:       time.Now,

		fetchTimeout: config.DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Store returns the historical store.
func (c *Controller) Store() *history.Store {
	return c.store
}

// Session returns the controller's session.
func (c *Controller) Session() *transport.Session {
	return c.session
}

// FetchCurrent fetches and parses the live batch. Every snapshot carries
// the time the fetch started. Transport errors, cancellation and empty or
// whitespace-only payloads are returned as *errors.FetchError.
//
// Callers that overlap share one round trip. The shared fetch does not
// inherit any caller's cancellation; each caller stops waiting when its
// own context ends.
func (c *Controller) FetchCurrent(ctx context.Context) ([]snapshot.NodeSnapshot, error) {
	ctx = c.requestContext(ctx)
	if err := ctx.Err(); err != nil {
		return nil, errors.NewFetchError("fetch", err)
	}

	ch := c.fetches.DoChan("fetch", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fctx)
	})

	select {
	case <-ctx.Done():
		return nil, errors.NewFetchError("fetch", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		batch := res.Val.([]snapshot.NodeSnapshot)
		if res.Shared {
			fetchShared.Inc()
			batch = append([]snapshot.NodeSnapshot(nil), batch...)
		}
		return batch, nil
	}
}

func (c *Controller) fetch(ctx context.Context) ([]snapshot.NodeSnapshot, error) {
	logger := logging.WithContext(ctx).With("component", "controller")
	observedAt := c.now()
	start := time.Now()

	raw, err := c.transport.Fetch(ctx, c.session.Credentials)
	fetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		fetchTotal.WithLabelValues(fetchResult(err)).Inc()
		logger.Warn("fetch failed", "error", err, "duration", time.Since(start))
		return nil, errors.NewFetchError("fetch", err)
	}
	if strings.TrimSpace(raw) == "" {
		fetchTotal.WithLabelValues("empty").Inc()
		logger.Warn("fetch returned no payload", "duration", time.Since(start))
		return nil, errors.NewFetchError("fetch", errors.ErrEmptyPayload)
	}

	batch := parser.Parse(raw, observedAt)
	fetchTotal.WithLabelValues("ok").Inc()
	currentNodes.Set(float64(len(batch)))
	logger.Debug("fetched", "nodes", len(batch), "bytes", len(raw), "duration", time.Since(start))

	return batch, nil
}

// Refresh fetches the live batch and merges it into the store. It returns
// the live batch and the updated historical collection.
//
// Refresh always performs its own round trip under ctx, so it never
// fails because of another caller. A fetch failure returns before the
// store is touched. When the merged
// collection was computed but could not be persisted, both slices are
// returned along with an error wrapping errors.ErrStoreWrite.
func (c *Controller) Refresh(ctx context.Context) (current, historical []snapshot.NodeSnapshot, err error) {
	ctx = c.requestContext(ctx)
	logger := logging.WithContext(ctx).With("component", "controller")
	start := time.Now()

	current, err = c.fetch(ctx)
	if err != nil {
		refreshTotal.WithLabelValues("fetch_error").Inc()
		return nil, nil, err
	}

	historical, err = c.store.Merge(current)
	if err != nil {
		refreshTotal.WithLabelValues("store_error").Inc()
		logger.Error("merge failed", "current", len(current), "error", err)
		return current, historical, err
	}

	refreshTotal.WithLabelValues("ok").Inc()
	lastRefresh.SetToCurrentTime()
	logger.Info("refresh complete",
		"current", len(current),
		"historical", len(historical),
		"duration", time.Since(start))

	return current, historical, nil
}

// HistoryFor returns the persisted history of node, ascending by time.
func (c *Controller) HistoryFor(node string) []snapshot.NodeSnapshot {
	return c.store.HistoryFor(node)
}

// CurrentStateFor refetches the live batch and returns node's snapshot.
// A node absent from the batch yields errors.ErrNoSnapshot.
func (c *Controller) CurrentStateFor(ctx context.Context, node string) (snapshot.NodeSnapshot, error) {
	current, err := c.FetchCurrent(ctx)
	if err != nil {
		return snapshot.NodeSnapshot{}, err
	}

	s, ok := c.store.CurrentStateFor(node, current)
	if !ok {
		return snapshot.NodeSnapshot{}, errors.Wrapf(errors.ErrNoSnapshot, "node %q", node)
	}
	return s, nil
}

// ValidateCredentials checks a login against the transport. It does not
// change the controller's session.
func (c *Controller) ValidateCredentials(ctx context.Context, username, secret string) bool {
	return c.transport.ValidateCredentials(ctx, username, secret)
}

// requestContext tags ctx with the session and, if not already present,
// a new request number.
func (c *Controller) requestContext(ctx context.Context) context.Context {
	if logging.RequestIDFromContext(ctx) != 0 {
		return ctx
	}
	ctx = logging.ContextWithSessionID(ctx, c.session.ID)
	return logging.ContextWithRequestID(ctx, c.requests.Add(1))
}

func fetchResult(err error) string {
	switch {
	case errors.Is(err, errors.ErrAuthFailed):
		return "auth_error"
	case errors.Is(err, errors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
