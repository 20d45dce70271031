// Package sandbox owns warm otto execution environments for the vendor
// signing script. A Context evaluates the script exactly once at build time
// and afterwards exposes its top-level signing functions as invocable entry
// points. The script observes only the ES5 baseline (Math, Date, JSON —
// otto has no filesystem, network, or process capability), a minimal
// browser stub, and a deferred-callback timer shim.
package sandbox

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/robertkrimen/otto"

	"signd/internal/signing"
)

// errHalt is delivered through the otto interrupt channel by the watchdog.
// It must never escape Invoke.
var errHalt = errors.New("sandbox: execution halted")

// bootstrapJS seeds browser-like globals so obfuscated vendor scripts that
// probe window/document/navigator evaluate without ReferenceError. The
// user-agent placeholder is overwritten per invocation.
const bootstrapJS = `
var window = this;
var document = { cookie: "", referrer: "" };
var navigator = { userAgent: "signd/1.0" };
`

// Context is one isolated script-execution environment. Exactly one
// invocation may run against a Context at any instant; the pool's lease
// protocol enforces this and the inflight counter verifies it.
type Context struct {
	id         string
	scriptHash string
	createdAt  time.Time

	vm     *otto.Otto
	timers *timerQueue

	invocations atomic.Int64
	inflight    atomic.Int32
	unusable    atomic.Bool
}

// Build evaluates the script in a fresh VM and verifies that every required
// entry point is defined as a function. It fails if evaluation throws.
func Build(id string, script signing.Script, requiredEntryPoints []string) (*Context, error) {
	vm := otto.New()
	// Installed once for the VM's lifetime. Invoke's watchdog sends on it
	// and drains it; the field itself is never reassigned, so a watchdog
	// firing at any point finds a live buffered channel and cannot block.
	vm.Interrupt = make(chan func(), 1)
	timers := newTimerQueue()

	if _, err := vm.Run(bootstrapJS); err != nil {
		return nil, signing.E(signing.KindSandboxBuild, "bootstrap globals", err)
	}
	if err := timers.install(vm); err != nil {
		return nil, signing.E(signing.KindSandboxBuild, "install timer shim", err)
	}

	if _, err := vm.Run(script.Source); err != nil {
		return nil, signing.E(signing.KindSandboxBuild, "evaluate algorithm script", err)
	}

	for _, name := range requiredEntryPoints {
		fn, err := vm.Get(name)
		if err != nil || !fn.IsFunction() {
			return nil, signing.Errorf(signing.KindSandboxBuild,
				"entry point %q is not defined as a function", name)
		}
	}

	return &Context{
		id:         id,
		scriptHash: script.Hash,
		createdAt:  time.Now().UTC(),
		vm:         vm,
		timers:     timers,
	}, nil
}

// ID returns the context identifier.
func (c *Context) ID() string { return c.id }

// ScriptHash returns the hash of the script this context was built from.
func (c *Context) ScriptHash() string { return c.scriptHash }

// CreatedAt returns the build time.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Invocations returns the number of completed invocations.
func (c *Context) Invocations() int64 { return c.invocations.Load() }

// Unusable reports whether a previous invocation aborted mid-execution,
// leaving the VM's internal state unknown.
func (c *Context) Unusable() bool { return c.unusable.Load() }

// InFlight exposes the concurrent-invocation counter for invariant checks
// in tests.
func (c *Context) InFlight() int32 { return c.inflight.Load() }

// Retire marks the context terminally unusable and discards any deferred
// callbacks. Retired contexts are never reused; the VM is left to the
// garbage collector.
func (c *Context) Retire() {
	c.unusable.Store(true)
	c.timers.reset()
}

// Invoke calls the named entry point with the given parameters under a hard
// wall-clock deadline. A timeout or an uncaught script error marks the
// context unusable; a missing entry point does not, because the VM state is
// untouched.
func (c *Context) Invoke(entryPoint string, params map[string]any, userAgent string, timeout time.Duration) (token string, err error) {
	if !c.inflight.CompareAndSwap(0, 1) {
		return "", signing.Errorf(signing.KindInternal,
			"context %s invoked concurrently", c.id)
	}
	defer c.inflight.Store(0)

	if c.unusable.Load() {
		return "", signing.Errorf(signing.KindInternal,
			"context %s is retired and must not be reused", c.id)
	}

	fn, getErr := c.vm.Get(entryPoint)
	if getErr != nil || !fn.IsFunction() {
		return "", signing.Errorf(signing.KindEntryPointNotFound,
			"entry point %q is not a function in script %s", entryPoint, c.scriptHash)
	}

	if userAgent != "" {
		// Exclusive ownership of the VM makes this per-call mutation safe.
		if _, uaErr := c.vm.Run("navigator.userAgent = " + strconv.Quote(userAgent) + ";"); uaErr != nil {
			return "", signing.E(signing.KindScriptRuntime, "seed user agent", uaErr)
		}
	}

	// Watchdog: the interrupt channel is otto's one cross-goroutine control
	// point. The delivered func panics with errHalt, which we recover below.
	var timedOut atomic.Bool
	deadline := time.Now().Add(timeout)
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		c.vm.Interrupt <- func() { panic(errHalt) }
	})

	defer func() {
		watchdog.Stop()
		// Clear a halt delivered after the call already returned so it
		// cannot fire inside an unrelated later invocation.
		select {
		case <-c.vm.Interrupt:
		default:
		}
		if r := recover(); r != nil {
			c.unusable.Store(true)
			if r == errHalt || timedOut.Load() {
				token = ""
				err = signing.Errorf(signing.KindInvocationTimeout,
					"entry point %q exceeded %v", entryPoint, timeout)
				return
			}
			token = ""
			err = signing.Errorf(signing.KindScriptRuntime,
				"entry point %q aborted: %v", entryPoint, r)
		}
	}()

	if params == nil {
		params = map[string]any{}
	}
	value, callErr := c.vm.Call(entryPoint, nil, params)
	if callErr != nil {
		c.unusable.Store(true)
		if timedOut.Load() {
			return "", signing.Errorf(signing.KindInvocationTimeout,
				"entry point %q exceeded %v", entryPoint, timeout)
		}
		return "", signing.E(signing.KindScriptRuntime,
			fmt.Sprintf("entry point %q threw", entryPoint), callErr)
	}

	// Fire deferred callbacks the entry point scheduled, within what is
	// left of the deadline.
	if drainErr := c.timers.drain(deadline); drainErr != nil {
		c.unusable.Store(true)
		if timedOut.Load() {
			return "", signing.Errorf(signing.KindInvocationTimeout,
				"entry point %q exceeded %v", entryPoint, timeout)
		}
		return "", signing.E(signing.KindScriptRuntime,
			fmt.Sprintf("deferred callback of %q threw", entryPoint), drainErr)
	}

	// The watchdog may have fired while the call was finishing; the VM may
	// already have consumed the halt or still hold it, so the context
	// cannot be trusted either way.
	if timedOut.Load() {
		c.unusable.Store(true)
		return "", signing.Errorf(signing.KindInvocationTimeout,
			"entry point %q exceeded %v", entryPoint, timeout)
	}

	out, strErr := value.ToString()
	if strErr != nil {
		return "", signing.E(signing.KindScriptRuntime, "convert signature to string", strErr)
	}
	c.invocations.Add(1)
	return out, nil
}
