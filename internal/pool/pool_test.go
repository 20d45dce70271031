package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signd/internal/sandbox"
	"signd/internal/signing"
)

const poolTestScript = `
function sign_detail(params) { return "tok-" + params.n; }
function sign_throw(params) { throw new Error("bad state"); }
`

// testFactory builds real sandbox contexts and counts builds so tests can
// observe replacement activity.
type testFactory struct {
	mu     sync.Mutex
	builds int
	hash   string
}

func (f *testFactory) setHash(h string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hash = h
}

func (f *testFactory) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds
}

func (f *testFactory) factory() Factory {
	return func() (*sandbox.Context, error) {
		f.mu.Lock()
		f.builds++
		id := fmt.Sprintf("ctx-%d", f.builds)
		hash := f.hash
		f.mu.Unlock()
		script := signing.Script{Source: poolTestScript, Hash: hash}
		return sandbox.Build(id, script, []string{"sign_detail"})
	}
}

func newTestPool(t *testing.T, size int, acquireTimeout time.Duration) (*Pool, *testFactory) {
	t.Helper()
	f := &testFactory{hash: "v1"}
	p, err := New(Config{
		Size:           size,
		AcquireTimeout: acquireTimeout,
	}, f.factory(), "v1", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, f
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2, time.Second)
	require.True(t, p.Ready())
	require.Equal(t, 2, p.ReadyCount())

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	token, err := lease.Context().Invoke("sign_detail", map[string]any{"n": "1"}, "", time.Second)
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	p.Release(lease, true)
	require.Equal(t, 2, p.ReadyCount())
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1, 50*time.Millisecond)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(lease, true)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	require.Equal(t, signing.KindServiceUnavailable, signing.KindOf(err))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireHonorsCallerCancellation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1, 5*time.Second)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(lease, true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	require.Equal(t, signing.KindServiceUnavailable, signing.KindOf(err))
	require.Less(t, time.Since(start), time.Second, "cancellation must abort the wait immediately")
}

// Three concurrent callers against a pool of two: exactly two proceed
// immediately, the third waits for a release.
func TestThirdCallerQueuesBehindPoolOfTwo(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 2, 5*time.Second)

	var concurrent atomic.Int32
	var peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background())
			require.NoError(t, err)
			cur := concurrent.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(100 * time.Millisecond)
			concurrent.Add(-1)
			p.Release(lease, true)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 2, peak.Load(), "pool size must cap concurrency at 2")
}

func TestFaultedContextIsReplacedTransparently(t *testing.T) {
	t.Parallel()

	p, f := newTestPool(t, 1, time.Second)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = lease.Context().Invoke("sign_throw", map[string]any{}, "", time.Second)
	require.Error(t, err)
	require.Equal(t, signing.KindScriptRuntime, signing.KindOf(err))
	p.Release(lease, false)

	// The replacement build restores capacity.
	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	token, err := lease.Context().Invoke("sign_detail", map[string]any{"n": "2"}, "", time.Second)
	require.NoError(t, err)
	require.Equal(t, "tok-2", token)
	p.Release(lease, true)
	require.GreaterOrEqual(t, f.buildCount(), 2)
}

func TestTimedOutContextNeverReturnsToIdle(t *testing.T) {
	t.Parallel()

	f := &testFactory{hash: "v1"}
	loopScript := signing.Script{
		Source: `function sign_detail(params) { while (true) {} }`,
		Hash:   "v1",
	}
	p, err := New(Config{Size: 1, AcquireTimeout: time.Second}, func() (*sandbox.Context, error) {
		f.mu.Lock()
		f.builds++
		id := fmt.Sprintf("loop-%d", f.builds)
		f.mu.Unlock()
		return sandbox.Build(id, loopScript, nil)
	}, "v1", zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	timedOutCtx := lease.Context()
	_, err = timedOutCtx.Invoke("sign_detail", nil, "", 50*time.Millisecond)
	require.Equal(t, signing.KindInvocationTimeout, signing.KindOf(err))
	p.Release(lease, false)

	lease, err = p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotSame(t, timedOutCtx, lease.Context(), "timed-out context must not be reused")
	p.Release(lease, true)
}

func TestOnScriptUpdatedRetiresStaleContexts(t *testing.T) {
	t.Parallel()

	p, f := newTestPool(t, 2, 2*time.Second)

	f.setHash("v2")
	p.OnScriptUpdated(signing.Script{Source: poolTestScript, Hash: "v2"})

	// Both idle v1 contexts were retired; replacements carry v2.
	deadline := time.Now().Add(3 * time.Second)
	for {
		lease, err := p.Acquire(context.Background())
		require.NoError(t, err)
		hash := lease.Context().ScriptHash()
		p.Release(lease, true)
		if hash == "v2" {
			break
		}
		require.True(t, time.Now().Before(deadline), "expected a v2 context before deadline")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBusyStaleContextRetiresOnRelease(t *testing.T) {
	t.Parallel()

	p, f := newTestPool(t, 1, 2*time.Second)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)

	f.setHash("v2")
	p.OnScriptUpdated(signing.Script{Source: poolTestScript, Hash: "v2"})

	// Release of the busy v1 context retires it and schedules a v2 build.
	p.Release(lease, true)

	next, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v2", next.Context().ScriptHash())
	p.Release(next, true)
}

func TestRotationThresholdRetiresLongLivedContexts(t *testing.T) {
	t.Parallel()

	f := &testFactory{hash: "v1"}
	p, err := New(Config{
		Size:           1,
		AcquireTimeout: time.Second,
		MaxInvocations: 2,
	}, f.factory(), "v1", zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	firstID := ""
	for i := 0; i < 3; i++ {
		lease, acquireErr := p.Acquire(context.Background())
		require.NoError(t, acquireErr)
		if firstID == "" {
			firstID = lease.Context().ID()
		}
		_, invokeErr := lease.Context().Invoke("sign_detail", map[string]any{"n": "r"}, "", time.Second)
		require.NoError(t, invokeErr)
		p.Release(lease, true)
	}

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, firstID, lease.Context().ID(), "rotation threshold must retire the first context")
	p.Release(lease, true)
}

func TestReleaseIsIdempotentPerLease(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, 1, time.Second)

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(lease, true)
	p.Release(lease, true)
	require.Equal(t, 1, p.ReadyCount())
}
