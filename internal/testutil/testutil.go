// Package testutil provides fakes and helpers shared by package tests.
//
// Using t.Fatal() or t.FailNow() in goroutines causes undefined behavior
// because these methods call runtime.Goexit() which only terminates the
// current goroutine. Use GoroutineTest to collect errors instead.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/nodewatch/internal/snapshot"
	"github.com/xtxerr/nodewatch/internal/transport"
)

// =============================================================================
// Fake Transport
// =============================================================================

// FetchFunc produces one fetch result.
type FetchFunc func(ctx context.Context, creds transport.Credentials) (string, error)

// FakeTransport is a scripted transport.Transport. Each Fetch consumes the
// next queued response; when the queue is empty the last one repeats.
type FakeTransport struct {
	mu        sync.Mutex
	responses []FetchFunc
	calls     []transport.Credentials

	// Users maps username to secret for ValidateCredentials.
	Users map[string]string
}

// NewFakeTransport creates a fake that returns payload on every fetch.
func NewFakeTransport(payload string) *FakeTransport {
	f := &FakeTransport{Users: map[string]string{}}
	return f.Then(payload, nil)
}

// Then queues a fixed response.
func (f *FakeTransport) Then(payload string, err error) *FakeTransport {
	return f.ThenFunc(func(context.Context, transport.Credentials) (string, error) {
		return payload, err
	})
}

// ThenFunc queues a computed response.
func (f *FakeTransport) ThenFunc(fn FetchFunc) *FakeTransport {
	f.mu.Lock()
	f.responses = append(f.responses, fn)
	f.mu.Unlock()
	return f
}

// Reset drops queued responses and recorded calls.
func (f *FakeTransport) Reset() *FakeTransport {
	f.mu.Lock()
	f.responses = nil
	f.calls = nil
	f.mu.Unlock()
	return f
}

// Fetch implements transport.Transport.
func (f *FakeTransport) Fetch(ctx context.Context, creds transport.Credentials) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, creds)
	var fn FetchFunc
	switch len(f.responses) {
	case 0:
		f.mu.Unlock()
		return "", fmt.Errorf("fake transport: no response queued")
	case 1:
		fn = f.responses[0]
	default:
		fn = f.responses[0]
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()

	return fn(ctx, creds)
}

// ValidateCredentials implements transport.Transport.
func (f *FakeTransport) ValidateCredentials(_ context.Context, username, secret string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	want, ok := f.Users[username]
	return ok && want == secret
}

// Calls returns the number of Fetch calls.
func (f *FakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// LastCredentials returns the credentials of the most recent Fetch.
func (f *FakeTransport) LastCredentials() transport.Credentials {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return transport.Credentials{}
	}
	return f.calls[len(f.calls)-1]
}

// =============================================================================
// Builders
// =============================================================================

// Snap builds a snapshot.
func Snap(node string, ts time.Time, cpu float64, total, free int64, state string) snapshot.NodeSnapshot {
	return snapshot.NodeSnapshot{
		NodeName:    node,
		Timestamp:   ts,
		CPULoad:     cpu,
		TotalMemory: total,
		FreeMemory:  free,
		State:       state,
	}
}

// Block renders s as an scontrol-style block, one key per line.
func Block(s snapshot.NodeSnapshot) string {
	return fmt.Sprintf("NodeName=%s\nCPULoad=%g\nRealMemory=%d\nFreeMem=%d\nState=%s",
		s.NodeName, s.CPULoad, s.TotalMemory, s.FreeMemory, s.State)
}

// Payload renders a batch the way the status command prints it.
func Payload(batch ...snapshot.NodeSnapshot) string {
	blocks := make([]string, len(batch))
	for i := range batch {
		blocks[i] = Block(batch[i])
	}
	return strings.Join(blocks, "\n\n") + "\n"
}

// StorePath returns a path for a store file inside a per-test directory.
func StorePath(t testing.TB, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

// FixedClock returns a clock that always reports ts.
func FixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

// =============================================================================
// Goroutine Errors
// =============================================================================

// GoroutineTest collects errors from goroutines and reports them on Wait.
//
//	gt := testutil.NewGoroutineTest(t)
//	for i := 0; i < 10; i++ {
//	    gt.Go(func() error { return doSomething() })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t      testing.TB
	wg     sync.WaitGroup
	errors chan error
}

// NewGoroutineTest creates a GoroutineTest.
func NewGoroutineTest(t testing.TB) *GoroutineTest {
	return &GoroutineTest{
		t:      t,
		errors: make(chan error, 100),
	}
}

// Go runs fn in a goroutine and records its error.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			select {
			case gt.errors <- err:
			default:
				gt.t.Logf("error channel full, dropping error: %v", err)
			}
		}
	}()
}

// Wait waits for all goroutines and fails the test if any returned an error.
func (gt *GoroutineTest) Wait() {
	gt.wg.Wait()
	close(gt.errors)

	var failed bool
	for err := range gt.errors {
		gt.t.Errorf("goroutine error: %v", err)
		failed = true
	}
	if failed {
		gt.t.FailNow()
	}
}

// WithTimeout runs fn and fails if it does not return within timeout.
func WithTimeout(t testing.TB, timeout time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timeout after %v", timeout)
	}
}
