// Package pool maintains a fixed-size set of warm sandbox contexts built
// from the active algorithm script, hands them out one caller at a time,
// and replaces them when they go stale, fault, or age out.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signd/internal/sandbox"
	"signd/internal/signing"
	"signd/internal/telemetry"
)

// Factory builds a sandbox context from the currently active script. The
// pool calls it at startup and for every replacement build.
type Factory func() (*sandbox.Context, error)

// Config controls pool sizing and rotation.
type Config struct {
	Size           int
	AcquireTimeout time.Duration
	// MaxInvocations retires a context after this many invocations; zero
	// disables rotation.
	MaxInvocations int64
}

// Pool owns the sandbox contexts. One context serves exactly one concurrent
// caller, so Size is the service's signing concurrency ceiling; callers
// beyond capacity queue on Acquire up to its timeout.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *zap.Logger

	idle chan *sandbox.Context

	mu         sync.RWMutex
	activeHash string

	ready  atomic.Int32
	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Lease is an exclusively held context. It must be returned with Release
// exactly once.
type Lease struct {
	ctx      *sandbox.Context
	released atomic.Bool
}

// Context returns the leased sandbox context.
func (l *Lease) Context() *sandbox.Context { return l.ctx }

// New builds Size contexts up front and fails fast if any build fails, so a
// bad initial script never yields a half-alive service.
func New(cfg Config, factory Factory, activeHash string, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:        cfg,
		factory:    factory,
		logger:     logger,
		idle:       make(chan *sandbox.Context, cfg.Size),
		activeHash: activeHash,
		stop:       make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		c, err := factory()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.idle <- c
		p.ready.Add(1)
	}
	telemetry.SetReadyContexts(int(p.ready.Load()))
	return p, nil
}

// Acquire blocks until an idle, current context is available, the timeout
// elapses, or the caller's context finishes. Stale contexts found on the
// idle channel are retired on the spot and the wait continues within the
// original deadline.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		select {
		case c, ok := <-p.idle:
			if !ok {
				return nil, signing.Errorf(signing.KindServiceUnavailable, "pool is closed")
			}
			if p.isStale(c) || c.Unusable() {
				p.retire(c, "stale")
				p.scheduleReplacement()
				continue
			}
			return &Lease{ctx: c}, nil
		case <-timer.C:
			return nil, signing.Errorf(signing.KindServiceUnavailable,
				"no sandbox context became available within %v", p.cfg.AcquireTimeout)
		case <-ctx.Done():
			return nil, signing.E(signing.KindServiceUnavailable,
				"acquire wait aborted", ctx.Err())
		}
	}
}

// Release returns the context behind the lease. Healthy, current contexts
// under the rotation threshold go back to the idle set; everything else is
// retired and a replacement build is scheduled. Release is idempotent per
// lease.
func (p *Pool) Release(l *Lease, healthy bool) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	c := l.ctx
	switch {
	case !healthy || c.Unusable():
		p.retire(c, "faulted")
		p.scheduleReplacement()
	case p.isStale(c):
		p.retire(c, "stale")
		p.scheduleReplacement()
	case p.cfg.MaxInvocations > 0 && c.Invocations() >= p.cfg.MaxInvocations:
		p.retire(c, "rotated")
		p.scheduleReplacement()
	default:
		select {
		case p.idle <- c:
		default:
			// Cannot happen while leases are balanced; retire rather
			// than block.
			p.retire(c, "overflow")
		}
	}
}

// OnScriptUpdated marks every existing context stale. Idle stale contexts
// are retired and replaced immediately; busy ones retire on release. The
// pool stays online throughout.
func (p *Pool) OnScriptUpdated(script signing.Script) {
	p.mu.Lock()
	p.activeHash = script.Hash
	p.mu.Unlock()

	var keep []*sandbox.Context
	for {
		select {
		case c := <-p.idle:
			if p.isStale(c) {
				p.retire(c, "stale")
				p.scheduleReplacement()
			} else {
				// Already built from the new script by a racing
				// replacement goroutine.
				keep = append(keep, c)
			}
			continue
		default:
		}
		break
	}
	for _, c := range keep {
		p.idle <- c
	}
}

// Ready reports whether at least one context is alive, which is the
// liveness condition for the service.
func (p *Pool) Ready() bool {
	return p.ready.Load() > 0
}

// ReadyCount returns the number of live contexts (idle or leased).
func (p *Pool) ReadyCount() int {
	return int(p.ready.Load())
}

// Close retires all idle contexts and stops replacement builds.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stop)
	for {
		select {
		case c := <-p.idle:
			p.retire(c, "shutdown")
		default:
			p.wg.Wait()
			return
		}
	}
}

func (p *Pool) isStale(c *sandbox.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return c.ScriptHash() != p.activeHash
}

func (p *Pool) retire(c *sandbox.Context, reason string) {
	c.Retire()
	telemetry.SetReadyContexts(int(p.ready.Add(-1)))
	p.logger.Info("context retired",
		zap.String("context_id", c.ID()),
		zap.String("reason", reason),
		zap.Int64("invocations", c.Invocations()),
	)
	telemetry.ObserveRetirement(reason)
}

// scheduleReplacement builds a fresh context asynchronously, retrying with
// capped backoff until it succeeds or the pool closes. The pool keeps
// serving with degraded capacity in the meantime.
func (p *Pool) scheduleReplacement() {
	if p.closed.Load() {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		backoff := 50 * time.Millisecond
		for {
			select {
			case <-p.stop:
				return
			default:
			}
			c, err := p.factory()
			if err != nil {
				p.logger.Warn("replacement context build failed",
					zap.Error(err), zap.Duration("retry_in", backoff))
				select {
				case <-p.stop:
					return
				case <-time.After(backoff):
				}
				if backoff *= 2; backoff > 5*time.Second {
					backoff = 5 * time.Second
				}
				continue
			}
			if p.isStale(c) {
				// Script rotated between factory read and build finish;
				// rebuild from the newer version.
				c.Retire()
				continue
			}
			select {
			case p.idle <- c:
				telemetry.SetReadyContexts(int(p.ready.Add(1)))
			case <-p.stop:
				c.Retire()
			}
			return
		}
	}()
}
