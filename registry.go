package timetable

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/theoremus-urban-solutions/timetable-engine/metastore"
	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

// HandleState is the lifecycle state of a provider handle.
type HandleState int

const (
	StateUnknown HandleState = iota
	StateValidating
	StateReady
	StateError
	StateImporting
)

func (s HandleState) String() string {
	switch s {
	case StateValidating:
		return "validating"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateImporting:
		return "importing"
	default:
		return "unknown"
	}
}

// Metastore keys used for validation-result caching, grouped by provider id.
const (
	metaKeyState       = "state"
	metaKeyMessage     = "message"
	metaKeyValidatedAt = "validated_at"
	metaKeyFormat      = "format_result"
	metaKeyType        = "type_result"

	metaResultPassed = "passed"
	metaResultFailed = "failed"
)

// ProviderHandle identifies one provider id. Exactly one active handle
// exists per id at a time; handles move between the active and idle pools
// and are destroyed after idling past the idle timeout.
type ProviderHandle struct {
	ID         string
	Definition provider.Definition

	State        HandleState
	StateMessage string

	// Provider is set once construction and validation succeed.
	Provider provider.Provider
	Features []provider.Capability

	// refs counts cache entries holding this handle.
	refs int

	// ctx scopes every fetch issued through this handle; destroying the
	// handle cancels it so outstanding fetches abort instead of hanging.
	ctx    context.Context
	cancel context.CancelFunc

	idleTimer *clock.Timer
}

// ProviderRegistry creates, validates, pools and evicts provider handles.
// All methods must be called from the engine's coordination loop; the
// construction closure returned by Acquire is the one piece that runs off
// the loop, inside the fetch goroutine that triggered it.
type ProviderRegistry struct {
	factories map[string]provider.Factory
	defs      provider.DefinitionSource
	meta      metastore.Store
	clock     clock.Clock

	active map[string]*ProviderHandle
	idle   map[string]*ProviderHandle

	idleTTL time.Duration

	// enqueue posts handle state transitions back onto the loop.
	enqueue func(func())

	rootCtx    context.Context
	cancelRoot context.CancelFunc
}

func NewProviderRegistry(factories []provider.Factory, defs provider.DefinitionSource, meta metastore.Store, clk clock.Clock, idleTTL time.Duration, enqueue func(func())) *ProviderRegistry {
	byType := make(map[string]provider.Factory, len(factories))
	for _, f := range factories {
		byType[f.Type()] = f
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProviderRegistry{
		factories:  byType,
		defs:       defs,
		meta:       meta,
		clock:      clk,
		active:     make(map[string]*ProviderHandle),
		idle:       make(map[string]*ProviderHandle),
		idleTTL:    idleTTL,
		enqueue:    enqueue,
		rootCtx:    ctx,
		cancelRoot: cancel,
	}
}

// constructFunc runs the validation pipeline and construction for a freshly
// created handle. It is executed off the coordination loop.
type constructFunc func(ctx context.Context) (provider.Provider, error)

// Acquire returns the handle for a provider id, creating one lazily. When a
// new handle is created, the returned constructFunc must be run (off the
// loop) before the handle's provider can serve fetches; its completion is
// posted back to the loop by the registry. Acquire fails with
// ProviderNotReadyError when a handle exists but is not Ready.
func (r *ProviderRegistry) Acquire(id string) (*ProviderHandle, constructFunc, error) {
	if h, ok := r.active[id]; ok {
		if h.State != StateReady {
			return nil, nil, &ProviderNotReadyError{ProviderID: id, State: h.State, Message: h.StateMessage}
		}
		h.refs++
		return h, nil, nil
	}
	if h, ok := r.idle[id]; ok {
		if h.State != StateReady {
			// Left in the idle pool; its idle timer still destroys it.
			return nil, nil, &ProviderNotReadyError{ProviderID: id, State: h.State, Message: h.StateMessage}
		}
		delete(r.idle, id)
		if h.idleTimer != nil {
			h.idleTimer.Stop()
			h.idleTimer = nil
		}
		r.active[id] = h
		h.refs = 1
		logRegistry.Debugw("reactivated idle provider handle", "provider", id)
		return h, nil, nil
	}

	def, err := r.defs.Lookup(id)
	if err != nil {
		return nil, nil, fmt.Errorf("provider %s: %w", id, err)
	}
	factory, ok := r.factories[def.Type]
	if !ok {
		return nil, nil, fmt.Errorf("provider %s: no factory for type %q", id, def.Type)
	}

	// Cached validation failure: fail fast until the backing definition has
	// a newer modification timestamp than the cached result.
	if msg, failed := r.cachedFailure(def); failed {
		return nil, nil, &ProviderNotReadyError{ProviderID: id, State: StateError, Message: msg}
	}

	ctx, cancel := context.WithCancel(r.rootCtx)
	h := &ProviderHandle{
		ID:         id,
		Definition: def,
		State:      StateValidating,
		refs:       1,
		ctx:        ctx,
		cancel:     cancel,
	}
	r.active[id] = h
	r.writeMeta(id, metaKeyState, h.State.String())

	return h, r.constructPipeline(h, factory), nil
}

// cachedFailure reports whether a still-valid failed validation is cached
// for the definition.
func (r *ProviderRegistry) cachedFailure(def provider.Definition) (string, bool) {
	validatedAt, ok := r.readMeta(def.ID, metaKeyValidatedAt)
	if !ok {
		return "", false
	}
	at, err := time.Parse(time.RFC3339Nano, validatedAt)
	if err != nil || at.Before(def.ModTime) {
		return "", false
	}
	format, _ := r.readMeta(def.ID, metaKeyFormat)
	typ, _ := r.readMeta(def.ID, metaKeyType)
	if format == metaResultFailed || typ == metaResultFailed {
		msg, _ := r.readMeta(def.ID, metaKeyMessage)
		return msg, true
	}
	return "", false
}

// cachedSuccess reports whether both validation stages passed for a result
// at least as new as the definition.
func (r *ProviderRegistry) cachedSuccess(def provider.Definition) bool {
	validatedAt, ok := r.readMeta(def.ID, metaKeyValidatedAt)
	if !ok {
		return false
	}
	at, err := time.Parse(time.RFC3339Nano, validatedAt)
	if err != nil || at.Before(def.ModTime) {
		return false
	}
	format, _ := r.readMeta(def.ID, metaKeyFormat)
	typ, _ := r.readMeta(def.ID, metaKeyType)
	return format == metaResultPassed && typ == metaResultPassed
}

func (r *ProviderRegistry) constructPipeline(h *ProviderHandle, factory provider.Factory) constructFunc {
	return func(ctx context.Context) (provider.Provider, error) {
		def := h.Definition
		reuse := r.cachedSuccess(def)

		if !reuse {
			if err := factory.ValidateFormat(def); err != nil {
				r.writeMeta(def.ID, metaKeyFormat, metaResultFailed)
				r.finishConstruction(h, nil, fmt.Errorf("format test: %w", err))
				return nil, err
			}
			r.writeMeta(def.ID, metaKeyFormat, metaResultPassed)
		}

		// Construction can be a long import for feed-backed providers.
		r.transition(h, StateImporting, "")
		p, err := factory.Create(ctx, def)
		if err != nil {
			r.finishConstruction(h, nil, err)
			return nil, err
		}

		if !reuse {
			if err := factory.Validate(ctx, p); err != nil {
				r.writeMeta(def.ID, metaKeyType, metaResultFailed)
				r.finishConstruction(h, nil, fmt.Errorf("type test: %w", err))
				return nil, err
			}
			r.writeMeta(def.ID, metaKeyType, metaResultPassed)
			r.writeMeta(def.ID, metaKeyValidatedAt, def.ModTime.Format(time.RFC3339Nano))
		}

		r.finishConstruction(h, p, nil)
		return p, nil
	}
}

// transition posts a handle state change onto the loop and mirrors it into
// the metastore so external tooling can observe coarse provider state.
func (r *ProviderRegistry) transition(h *ProviderHandle, state HandleState, msg string) {
	r.writeMeta(h.ID, metaKeyState, state.String())
	r.enqueue(func() {
		h.State = state
		h.StateMessage = msg
	})
}

func (r *ProviderRegistry) finishConstruction(h *ProviderHandle, p provider.Provider, err error) {
	if err != nil {
		msg := err.Error()
		r.writeMeta(h.ID, metaKeyMessage, msg)
		r.writeMeta(h.ID, metaKeyValidatedAt, h.Definition.ModTime.Format(time.RFC3339Nano))
		r.transition(h, StateError, msg)
		logRegistry.Errorw("provider construction failed", "provider", h.ID, "err", err)
		return
	}
	features := p.Features()
	r.writeMeta(h.ID, metaKeyMessage, "")
	r.enqueue(func() {
		h.Provider = p
		h.Features = features
		h.State = StateReady
		h.StateMessage = ""
	})
	r.writeMeta(h.ID, metaKeyState, StateReady.String())
	logRegistry.Infow("provider ready", "provider", h.ID, "type", h.Definition.Type)
}

// Release drops one entry reference. A handle with no referencing entries
// moves to the idle pool and is destroyed after the idle timeout unless
// re-acquired.
func (r *ProviderRegistry) Release(id string) {
	h, ok := r.active[id]
	if !ok {
		return
	}
	h.refs--
	if h.refs > 0 {
		return
	}
	delete(r.active, id)
	r.idle[id] = h
	h.idleTimer = r.clock.AfterFunc(r.idleTTL, func() {
		r.enqueue(func() { r.destroyIdle(id) })
	})
	logRegistry.Debugw("provider handle idled", "provider", id)
}

func (r *ProviderRegistry) destroyIdle(id string) {
	h, ok := r.idle[id]
	if !ok {
		return
	}
	delete(r.idle, id)
	h.cancel()
	logRegistry.Infow("destroyed idle provider handle", "provider", id)
}

// Invalidate forces re-validation of a provider, used when its backing
// definition changes. Any existing handle is destroyed; outstanding fetches
// for it abort through the handle context.
func (r *ProviderRegistry) Invalidate(id string) {
	if err := r.meta.DeleteGroup(context.Background(), id); err != nil {
		logRegistry.Errorw("cannot clear cached validation", "provider", id, "err", err)
	}
	if h, ok := r.active[id]; ok {
		delete(r.active, id)
		h.cancel()
	}
	if h, ok := r.idle[id]; ok {
		delete(r.idle, id)
		if h.idleTimer != nil {
			h.idleTimer.Stop()
		}
		h.cancel()
	}
	logRegistry.Infow("invalidated provider", "provider", id)
}

// Peek returns the handle for id from either pool without touching
// refcounts.
func (r *ProviderRegistry) Peek(id string) (*ProviderHandle, bool) {
	if h, ok := r.active[id]; ok {
		return h, true
	}
	h, ok := r.idle[id]
	return h, ok
}

func (r *ProviderRegistry) Close() {
	r.cancelRoot()
	for _, h := range r.idle {
		if h.idleTimer != nil {
			h.idleTimer.Stop()
		}
	}
}

func (r *ProviderRegistry) readMeta(id, key string) (string, bool) {
	v, ok, err := r.meta.Get(context.Background(), id, key)
	if err != nil {
		logRegistry.Errorw("metastore read failed", "provider", id, "key", key, "err", err)
		return "", false
	}
	return v, ok
}

func (r *ProviderRegistry) writeMeta(id, key, value string) {
	if err := r.meta.Put(context.Background(), id, key, value); err != nil {
		logRegistry.Errorw("metastore write failed", "provider", id, "key", key, "err", err)
	}
}
