package controller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/history"
	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/snapshot"
	"github.com/xtxerr/nodewatch/internal/storage/csvfile"
	"github.com/xtxerr/nodewatch/internal/testutil"
	"github.com/xtxerr/nodewatch/internal/transport"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctrl      *Controller
	transport *testutil.FakeTransport
	store     *history.Store
	clock     *atomic.Pointer[time.Time]
}

func (f *fixture) advance(d time.Duration) {
	next := f.clock.Load().Add(d)
	f.clock.Store(&next)
}

func newFixture(t *testing.T, payload string) *fixture {
	t.Helper()

	clock := &atomic.Pointer[time.Time]{}
	start := t0
	clock.Store(&start)
	now := func() time.Time { return *clock.Load() }

	store, err := history.New(testutil.StorePath(t, "history.csv"), history.WithClock(now))
	require.NoError(t, err)

	fake := testutil.NewFakeTransport(payload)
	session := transport.NewSession(transport.Credentials{Username: "alice", Secret: "secret"})

	ctrl, err := New(fake, store, session, WithClock(now))
	require.NoError(t, err)

	return &fixture{ctrl: ctrl, transport: fake, store: store, clock: clock}
}

var clusterPayload = testutil.Payload(
	testutil.Snap("node01", time.Time{}, 0.5, 2048, 1024, "IDLE"),
	testutil.Snap("node02", time.Time{}, 3.25, 4096, 512, "ALLOCATED"),
)

func TestNew_Validation(t *testing.T) {
	store, err := history.New(testutil.StorePath(t, "h.csv"))
	require.NoError(t, err)
	fake := testutil.NewFakeTransport("")
	session := transport.NewSession(transport.Credentials{Username: "alice"})

	_, err = New(nil, store, session)
	assert.ErrorIs(t, err, errors.ErrMissingField)
	_, err = New(fake, nil, session)
	assert.ErrorIs(t, err, errors.ErrMissingField)
	_, err = New(fake, store, nil)
	assert.ErrorIs(t, err, errors.ErrMissingField)

	ctrl, err := New(fake, store, session)
	require.NoError(t, err)
	assert.Same(t, store, ctrl.Store())
	assert.Same(t, session, ctrl.Session())
}

// =============================================================================
// FetchCurrent
// =============================================================================

func TestFetchCurrent(t *testing.T) {
	f := newFixture(t, clusterPayload)

	batch, err := f.ctrl.FetchCurrent(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 2)

	assert.Equal(t, "node01", batch[0].NodeName)
	assert.Equal(t, 0.5, batch[0].CPULoad)
	assert.Equal(t, int64(2048), batch[0].TotalMemory)
	assert.Equal(t, int64(1024), batch[0].FreeMemory)
	assert.Equal(t, "IDLE", batch[0].State)
	assert.Equal(t, "node02", batch[1].NodeName)

	for _, s := range batch {
		assert.True(t, s.Timestamp.Equal(t0), "snapshot stamped with fetch start")
	}
	assert.Equal(t, "alice", f.transport.LastCredentials().Username)
	assert.Equal(t, "secret", f.transport.LastCredentials().Secret)
}

func TestFetchCurrent_EmptyPayload(t *testing.T) {
	for name, payload := range map[string]string{
		"empty":      "",
		"whitespace": " \n\t\n  \n",
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, payload)

			batch, err := f.ctrl.FetchCurrent(context.Background())
			assert.Nil(t, batch)
			assert.ErrorIs(t, err, errors.ErrFetch)
			assert.ErrorIs(t, err, errors.ErrEmptyPayload)

			var fe *errors.FetchError
			assert.True(t, errors.As(err, &fe))
		})
	}
}

func TestFetchCurrent_TransportErrorNotRetried(t *testing.T) {
	f := newFixture(t, "")
	f.transport.Reset().
		Then("", fmt.Errorf("dial: %w", errors.ErrTimeout)).
		Then(clusterPayload, nil)

	_, err := f.ctrl.FetchCurrent(context.Background())
	assert.ErrorIs(t, err, errors.ErrFetch)
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.True(t, errors.IsFetchError(err))
	assert.Equal(t, 1, f.transport.Calls())

	// The caller decides to retry.
	batch, err := f.ctrl.FetchCurrent(context.Background())
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, 2, f.transport.Calls())
}

func TestFetchCurrent_Cancelled(t *testing.T) {
	f := newFixture(t, "")
	f.transport.Reset().ThenFunc(func(ctx context.Context, _ transport.Credentials) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.ctrl.FetchCurrent(ctx)
	assert.ErrorIs(t, err, errors.ErrFetch)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.transport.Calls())
}

// blockingFetch holds a fetch until release is closed or the fetch's own
// context ends. started is closed when the fetch begins.
func blockingFetch(started, release chan struct{}) testutil.FetchFunc {
	return func(ctx context.Context, _ transport.Credentials) (string, error) {
		close(started)
		select {
		case <-release:
			return clusterPayload, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func TestFetchCurrent_CallerCancellationDoesNotFailOthers(t *testing.T) {
	f := newFixture(t, "")
	started, release := make(chan struct{}), make(chan struct{})
	f.transport.Reset().ThenFunc(blockingFetch(started, release))

	reqCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := f.ctrl.CurrentStateFor(reqCtx, "node01")
		first <- err
	}()
	<-started

	second := make(chan []snapshot.NodeSnapshot, 1)
	gt := testutil.NewGoroutineTest(t)
	gt.Go(func() error {
		batch, err := f.ctrl.FetchCurrent(context.Background())
		second <- batch
		return err
	})
	time.Sleep(50 * time.Millisecond)

	cancel()
	err := <-first
	assert.ErrorIs(t, err, errors.ErrFetch)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	gt.Wait()
	assert.Len(t, <-second, 2)
	assert.Equal(t, 1, f.transport.Calls())
}

func TestRefresh_NotFailedByCancelledReader(t *testing.T) {
	f := newFixture(t, "")
	started, release := make(chan struct{}), make(chan struct{})
	defer close(release)
	f.transport.Reset().
		ThenFunc(blockingFetch(started, release)).
		Then(clusterPayload, nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	reader := make(chan error, 1)
	go func() {
		_, err := f.ctrl.CurrentStateFor(reqCtx, "node01")
		reader <- err
	}()
	<-started

	refreshed := make(chan error, 1)
	var current, historical []snapshot.NodeSnapshot
	go func() {
		var err error
		current, historical, err = f.ctrl.Refresh(context.Background())
		refreshed <- err
	}()

	cancel()
	assert.ErrorIs(t, <-reader, context.Canceled)

	require.NoError(t, <-refreshed)
	assert.Len(t, current, 2)
	assert.Len(t, historical, 2)
	assert.Len(t, f.ctrl.HistoryFor("node01"), 1)
	assert.Equal(t, 2, f.transport.Calls(), "refresh performs its own round trip")
}

func TestFetchCurrent_UnparseableBlocksStillYieldRecords(t *testing.T) {
	f := newFixture(t, "NodeName=n1\nCPULoad=abc\n\ngarbage line\n")

	batch, err := f.ctrl.FetchCurrent(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "n1", batch[0].NodeName)
	assert.Equal(t, 0.0, batch[0].CPULoad)
	assert.False(t, batch[1].Identified())
}

func TestFetchCurrent_CollapsesConcurrentCalls(t *testing.T) {
	f := newFixture(t, "")

	release := make(chan struct{})
	f.transport.Reset().ThenFunc(func(context.Context, transport.Credentials) (string, error) {
		<-release
		return clusterPayload, nil
	})

	const n = 8
	results := make(chan []snapshot.NodeSnapshot, n)
	gt := testutil.NewGoroutineTest(t)
	for i := 0; i < n; i++ {
		gt.Go(func() error {
			batch, err := f.ctrl.FetchCurrent(context.Background())
			if err != nil {
				return err
			}
			results <- batch
			return nil
		})
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	gt.Wait()
	close(results)

	for batch := range results {
		require.Len(t, batch, 2)
		assert.Equal(t, "node01", batch[0].NodeName)
	}
	assert.Less(t, f.transport.Calls(), n)
}

// =============================================================================
// Refresh
// =============================================================================

func TestRefresh(t *testing.T) {
	f := newFixture(t, clusterPayload)
	ctx := context.Background()

	current, historical, err := f.ctrl.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, current, 2)
	assert.Len(t, historical, 2)

	f.advance(time.Minute)
	current, historical, err = f.ctrl.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, current, 2)
	assert.Len(t, historical, 4)

	_, err = os.Stat(f.store.Path())
	assert.NoError(t, err)

	hist := f.ctrl.HistoryFor("node01")
	require.Len(t, hist, 2)
	assert.True(t, hist[0].Timestamp.Equal(t0))
	assert.True(t, hist[1].Timestamp.Equal(t0.Add(time.Minute)))
}

func TestRefresh_SameInstantIsIdempotent(t *testing.T) {
	f := newFixture(t, clusterPayload)
	ctx := context.Background()

	_, first, err := f.ctrl.Refresh(ctx)
	require.NoError(t, err)
	_, second, err := f.ctrl.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, len(first), len(second))
}

func TestRefresh_RetentionDropsOldRecords(t *testing.T) {
	f := newFixture(t, clusterPayload)
	ctx := context.Background()

	_, _, err := f.ctrl.Refresh(ctx)
	require.NoError(t, err)

	f.advance(7*24*time.Hour + time.Hour)
	_, historical, err := f.ctrl.Refresh(ctx)
	require.NoError(t, err)

	require.Len(t, historical, 2)
	for _, s := range historical {
		assert.True(t, s.Timestamp.Equal(*f.clock.Load()))
	}
}

func TestRefresh_FetchFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t, "")
	f.transport.Reset().Then("", fmt.Errorf("dial: %w", errors.ErrConnectionFailed))

	current, historical, err := f.ctrl.Refresh(context.Background())
	assert.ErrorIs(t, err, errors.ErrFetch)
	assert.Nil(t, current)
	assert.Nil(t, historical)

	_, statErr := os.Stat(f.store.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestRefresh_FetchFailureKeepsExistingHistory(t *testing.T) {
	f := newFixture(t, clusterPayload)
	ctx := context.Background()

	_, _, err := f.ctrl.Refresh(ctx)
	require.NoError(t, err)
	before, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)

	f.transport.Reset().Then("   ", nil)
	f.advance(time.Minute)
	_, _, err = f.ctrl.Refresh(ctx)
	assert.ErrorIs(t, err, errors.ErrEmptyPayload)

	after, err := os.ReadFile(f.store.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// brokenCodec reads CSV but cannot write.
type brokenCodec struct {
	*csvfile.Codec
}

func (brokenCodec) Encode(io.Writer, []snapshot.NodeSnapshot) error {
	return fmt.Errorf("disk full")
}

func TestRefresh_StoreWriteFailure(t *testing.T) {
	store, err := history.New(testutil.StorePath(t, "history.csv"),
		history.WithCodec(brokenCodec{csvfile.NewCodec()}))
	require.NoError(t, err)
	session := transport.NewSession(transport.Credentials{Username: "alice"})
	ctrl, err := New(testutil.NewFakeTransport(clusterPayload), store, session)
	require.NoError(t, err)

	current, historical, err := ctrl.Refresh(context.Background())
	assert.ErrorIs(t, err, errors.ErrStoreWrite)
	assert.False(t, errors.IsFetchError(err))
	assert.Len(t, current, 2)
	assert.Len(t, historical, 2)

	_, statErr := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestRefresh_LogsSessionAndRequest(t *testing.T) {
	var buf bytes.Buffer
	logging.InitWriter(&buf, slog.LevelDebug, true)
	t.Cleanup(func() { logging.Init(slog.LevelInfo, false) })

	f := newFixture(t, clusterPayload)
	_, _, err := f.ctrl.Refresh(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"refresh complete"`)
	assert.Contains(t, out, `"session_id":"`+f.ctrl.Session().ID+`"`)
	assert.Contains(t, out, `"request_id":1`)
	assert.NotContains(t, out, "secret")
}

// =============================================================================
// Queries
// =============================================================================

func TestHistoryFor_EmptyStore(t *testing.T) {
	f := newFixture(t, clusterPayload)

	hist := f.ctrl.HistoryFor("node01")
	assert.NotNil(t, hist)
	assert.Empty(t, hist)
	assert.Equal(t, 0, f.transport.Calls())
}

func TestCurrentStateFor(t *testing.T) {
	f := newFixture(t, clusterPayload)
	ctx := context.Background()

	s, err := f.ctrl.CurrentStateFor(ctx, "node02")
	require.NoError(t, err)
	assert.Equal(t, "ALLOCATED", s.State)
	assert.Equal(t, 1, f.transport.Calls())

	// Always a live refetch, never the stored history.
	f.transport.Reset().Then(testutil.Payload(
		testutil.Snap("node02", time.Time{}, 0, 4096, 4096, "DOWN"),
	), nil)
	s, err = f.ctrl.CurrentStateFor(ctx, "node02")
	require.NoError(t, err)
	assert.Equal(t, "DOWN", s.State)
	assert.Equal(t, 1, f.transport.Calls())

	_, statErr := os.Stat(f.store.Path())
	assert.True(t, os.IsNotExist(statErr), "current-state queries never write")
}

func TestCurrentStateFor_Absent(t *testing.T) {
	f := newFixture(t, clusterPayload)

	_, err := f.ctrl.CurrentStateFor(context.Background(), "node99")
	assert.ErrorIs(t, err, errors.ErrNoSnapshot)
	assert.False(t, errors.IsFetchError(err))
}

func TestQueries_EmptyNameIsUnaddressable(t *testing.T) {
	f := newFixture(t, clusterPayload+"\n\nCPULoad=9.0 State=DOWN\n")
	ctx := context.Background()

	current, historical, err := f.ctrl.Refresh(ctx)
	require.NoError(t, err)
	require.Len(t, current, 3)
	require.Len(t, historical, 3)

	assert.Empty(t, f.ctrl.HistoryFor(""))

	_, err = f.ctrl.CurrentStateFor(ctx, "")
	assert.ErrorIs(t, err, errors.ErrNoSnapshot)
}

func TestCurrentStateFor_FetchFailure(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.ctrl.CurrentStateFor(context.Background(), "node01")
	assert.ErrorIs(t, err, errors.ErrFetch)
}

func TestValidateCredentials(t *testing.T) {
	f := newFixture(t, clusterPayload)
	f.transport.Users["bob"] = "pw"

	ctx := context.Background()
	assert.True(t, f.ctrl.ValidateCredentials(ctx, "bob", "pw"))
	assert.False(t, f.ctrl.ValidateCredentials(ctx, "bob", "nope"))
	assert.Equal(t, "alice", f.ctrl.Session().Credentials.Username)
}
