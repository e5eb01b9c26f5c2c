// Package sandbox implements the one-plugin JavaScript execution
// context (§4.D): a goja VM with a bounded heap, a per-eval timeout,
// and a fixed set of host callbacks as the only bridge to the outside
// world.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/dop251/goja"

	"devrig/internal/apperr"
)

const (
	// HeapLimitBytes is the hard memory cap per sandbox (§4.D, §5).
	HeapLimitBytes = 128 * 1024 * 1024
	// EvalTimeout bounds every eval / function invocation (§4.D, §5).
	EvalTimeout = 5 * time.Second
)

var funcNameRe = regexp.MustCompile(`^[\w.]+$`)

// State is one of the sandbox lifecycle states (§4.D).
type State int

const (
	StateConstructed State = iota
	StateInitialized
	StateActive
	StateEvicted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateInitialized:
		return "initialized"
	case StateActive:
		return "active"
	case StateEvicted:
		return "evicted"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// HostCallbacks is the set of host functions a sandbox installs under
// reserved `__host*` names. Implementations live in internal/hostfuncs;
// every argument/result is JSON so nothing crosses the boundary by
// reference, per §9's structured-copy requirement.
type HostCallbacks interface {
	Log(pluginID string, level, message string)
	Fetch(ctx context.Context, pluginID string, urlAndOpts string) (string, error)
	GetSecret(ctx context.Context, pluginID string, key string) (string, error)
	StoreItems(ctx context.Context, pluginID string, itemsJSON string) error
	QueryItems(ctx context.Context, pluginID string, filterJSON string) (string, error)
	MarkRead(ctx context.Context, pluginID string, idsJSON string) error
	Archive(ctx context.Context, pluginID string, idsJSON string) error
	EmitEvent(pluginID string, name string, dataJSON string)
	RequestAI(ctx context.Context, pluginID string, op string, paramsJSON string) (string, error)
}

// facadeScript installs the guest-visible `devrig` namespace that wraps
// each `__host*` callback in a Promise, the documented plugin API
// surface (§4.D, §6).
const facadeScript = `
globalThis.devrig = {
  log: function(level, msg) { __hostLog(level, String(msg)); },
  fetch: function(url, opts) {
    return new Promise(function(resolve, reject) {
      try {
        var result = __hostFetch(JSON.stringify({url: url, opts: opts || {}}));
        resolve(JSON.parse(result));
      } catch (e) { reject(e); }
    });
  },
  getSecret: function(key) {
    return new Promise(function(resolve, reject) {
      try {
        var result = __hostGetSecret(key);
        resolve(result === "" ? null : JSON.parse(result));
      } catch (e) { reject(e); }
    });
  },
  storeItems: function(items) {
    return new Promise(function(resolve, reject) {
      try { __hostStoreItems(JSON.stringify(items || [])); resolve(); }
      catch (e) { reject(e); }
    });
  },
  queryItems: function(filter) {
    return new Promise(function(resolve, reject) {
      try { resolve(JSON.parse(__hostQueryItems(JSON.stringify(filter || {})))); }
      catch (e) { reject(e); }
    });
  },
  markRead: function(ids) {
    return new Promise(function(resolve, reject) {
      try { __hostMarkRead(JSON.stringify(ids || [])); resolve(); }
      catch (e) { reject(e); }
    });
  },
  archive: function(ids) {
    return new Promise(function(resolve, reject) {
      try { __hostArchive(JSON.stringify(ids || [])); resolve(); }
      catch (e) { reject(e); }
    });
  },
  emitEvent: function(name, data) { __hostEmitEvent(name, JSON.stringify(data || {})); },
  requestAI: function(op, params) {
    return new Promise(function(resolve, reject) {
      try { resolve(JSON.parse(__hostRequestAI(op, JSON.stringify(params || {})))); }
      catch (e) { reject(e); }
    });
  }
};
`

// Sandbox is a single plugin's isolated goja execution context.
type Sandbox struct {
	mu           sync.Mutex
	pluginID     string
	vm           *goja.Runtime
	callbacks    HostCallbacks
	state        State
	lastAccessed time.Time
	log          *slog.Logger
}

// New constructs a sandbox in the `constructed` state. Call Initialize
// before any Invoke.
func New(pluginID string, callbacks HostCallbacks) *Sandbox {
	return &Sandbox{
		pluginID:  pluginID,
		callbacks: callbacks,
		state:     StateConstructed,
		log:       slog.Default().With("component", "sandbox", "plugin_id", pluginID),
	}
}

// Initialize builds the goja runtime, installs host callbacks and the
// guest-side façade, then evaluates every entry-point source in order.
// Reaching `initialized` requires both steps to succeed (§4.D).
func (s *Sandbox) Initialize(entryPoints map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConstructed {
		return apperr.New(apperr.KindNotInitialized, "sandbox already initialized")
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(1024)
	if err := vm.SetMemoryLimit(HeapLimitBytes); err != nil {
		s.log.Warn("memory limit not enforced by this goja build", "error", err)
	}

	s.installHostFunctions(vm)

	if _, err := vm.RunString(facadeScript); err != nil {
		return apperr.Wrap(apperr.KindUnknown, "failed to install plugin facade", err)
	}

	for filename, source := range entryPoints {
		if _, err := vm.RunString(source); err != nil {
			return apperr.Wrap(apperr.KindUnknown, "failed to evaluate entry point "+filename, err)
		}
	}

	s.vm = vm
	s.state = StateInitialized
	s.lastAccessed = time.Now()
	return nil
}

func (s *Sandbox) installHostFunctions(vm *goja.Runtime) {
	mustSet := func(name string, fn func(goja.FunctionCall) goja.Value) {
		if err := vm.Set(name, fn); err != nil {
			s.log.Error("failed to install host function", "name", name, "error", err)
		}
	}

	mustSet("__hostLog", func(call goja.FunctionCall) goja.Value {
		level := call.Argument(0).String()
		msg := call.Argument(1).String()
		s.callbacks.Log(s.pluginID, level, msg)
		return goja.Undefined()
	})
	mustSet("__hostFetch", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0).String()
		result, err := s.callbacks.Fetch(context.Background(), s.pluginID, arg)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(result)
	})
	mustSet("__hostGetSecret", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		result, err := s.callbacks.GetSecret(context.Background(), s.pluginID, key)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(result)
	})
	mustSet("__hostStoreItems", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0).String()
		if err := s.callbacks.StoreItems(context.Background(), s.pluginID, arg); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	mustSet("__hostQueryItems", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0).String()
		result, err := s.callbacks.QueryItems(context.Background(), s.pluginID, arg)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(result)
	})
	mustSet("__hostMarkRead", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0).String()
		if err := s.callbacks.MarkRead(context.Background(), s.pluginID, arg); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	mustSet("__hostArchive", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0).String()
		if err := s.callbacks.Archive(context.Background(), s.pluginID, arg); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	mustSet("__hostEmitEvent", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		data := call.Argument(1).String()
		s.callbacks.EmitEvent(s.pluginID, name, data)
		return goja.Undefined()
	})
	mustSet("__hostRequestAI", func(call goja.FunctionCall) goja.Value {
		op := call.Argument(0).String()
		params := call.Argument(1).String()
		result, err := s.callbacks.RequestAI(context.Background(), s.pluginID, op, params)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(result)
	})
}

// Invoke calls a guest function by name with JSON-encoded arguments and
// returns the JSON-encoded result (§4.D). The name is validated against
// `^[\w.]+$` before anything is evaluated. A guest function that
// returns a thenable (every devrig.* bridge call does, and so does any
// async entry point awaiting one) is driven to settlement: the resolved
// value is what gets serialized, and a rejection surfaces as an error.
// The host bridges are synchronous, so the promise chain settles inside
// the same evaluation — goja runs the reaction jobs before RunString
// returns — and the settlement is captured into a per-invocation
// global read back afterwards.
func (s *Sandbox) Invoke(ctx context.Context, funcName string, argsJSON string) (string, error) {
	if !funcNameRe.MatchString(funcName) {
		return "", apperr.Validation("invalid guest function name: " + funcName)
	}

	s.mu.Lock()
	if s.state == StateDisposed || s.state == StateEvicted {
		s.mu.Unlock()
		return "", apperr.New(apperr.KindSandboxDisposed, "sandbox is disposed")
	}
	if s.state != StateInitialized && s.state != StateActive {
		s.mu.Unlock()
		return "", apperr.New(apperr.KindNotInitialized, "sandbox not initialized")
	}
	s.state = StateActive
	s.lastAccessed = time.Now()
	vm := s.vm
	s.mu.Unlock()

	call := fmt.Sprintf(`
		(function() {
			var fn = globalThis[%q];
			if (typeof fn !== "function") { throw new Error("function not found: " + %q); }
			var result = fn.apply(null, JSON.parse(%q));
			if (result && typeof result.then === "function") {
				__invokeState = { pending: true };
				result.then(function(v) {
					__invokeState = { value: JSON.stringify(v) };
				}, function(e) {
					__invokeState = { rejected: true, error: String(e && e.message ? e.message : e) };
				});
			} else {
				__invokeState = { value: JSON.stringify(result) };
			}
		})()
	`, funcName, funcName, argsJSON)

	done := make(chan struct{})
	var runErr error

	timer := time.AfterFunc(EvalTimeout, func() {
		vm.Interrupt(apperr.New(apperr.KindTimeout, "guest evaluation exceeded 5s timeout"))
	})
	defer timer.Stop()

	go func() {
		defer close(done)
		_, runErr = vm.RunString(call)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		vm.Interrupt(ctx.Err())
		<-done
	}

	if runErr != nil {
		if ex, ok := runErr.(*goja.InterruptedError); ok {
			if appErr, ok := ex.Value().(*apperr.Error); ok {
				return "", appErr
			}
			return "", apperr.New(apperr.KindTimeout, "guest evaluation interrupted")
		}
		return "", apperr.Wrap(apperr.KindUnknown, "guest function invocation failed", runErr)
	}

	state := vm.Get("__invokeState")
	if state == nil || goja.IsUndefined(state) || goja.IsNull(state) {
		return "", apperr.New(apperr.KindUnknown, "guest invocation recorded no result")
	}
	obj := state.ToObject(vm)
	if v := obj.Get("pending"); v != nil && v.ToBoolean() {
		// The returned promise never settled; its eventual value (if
		// any) is unobservable to the host (§4.D disposal semantics).
		return "", apperr.New(apperr.KindTimeout, "guest promise did not settle")
	}
	if v := obj.Get("rejected"); v != nil && v.ToBoolean() {
		return "", apperr.New(apperr.KindUnknown, "guest promise rejected: "+obj.Get("error").String())
	}
	return obj.Get("value").String(), nil
}

// LastAccessed reports the time of the most recent Invoke, used by the
// sandbox pool's LRU eviction (§4.E, §5 invariant 5).
func (s *Sandbox) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// State reports the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Evict marks the sandbox evicted, releasing its VM. Functionally
// equivalent to Dispose for callers (§4.D); the manager constructs a
// fresh instance if the plugin is dispatched to again.
func (s *Sandbox) Evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed || s.state == StateEvicted {
		return
	}
	s.state = StateEvicted
	s.vm = nil
}

// Dispose tears the sandbox down. Idempotent; any in-flight guest
// promise becomes unobservable after this returns.
func (s *Sandbox) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed {
		return
	}
	s.state = StateDisposed
	s.vm = nil
}
