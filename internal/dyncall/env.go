package dyncall

import (
	"go.uber.org/zap"

	"github.com/wasmbind/wasmbind/internal/interp"
	"github.com/wasmbind/wasmbind/internal/metadata"
)

// Env bundles the collaborators every call-path operation needs: the
// native engine slice, the interpreter reentrancy lock, the deferred
// finalizer queue, the marshaling and wrapping collaborators, the
// descriptor cache and the trampoline registry.
type Env struct {
	native      Native
	lock        interp.Locker
	finalizers  *interp.FinalizerQueue
	marshal     Marshaler
	objects     ObjectWrapper
	cache       *Cache
	trampolines *registry
	resolve     ResolveFunc
	logger      *zap.Logger
}

// ResolveFunc maps a callback type name to its declared metadata, so
// function-valued arguments can grow a matching trampoline.
type ResolveFunc func(name string) (*metadata.CallableInfo, bool)

// New creates a call-bridge environment with the default marshaler and
// object wrapper.
func New(native Native, lock interp.Locker, finalizers *interp.FinalizerQueue, logger *zap.Logger) *Env {
	e := &Env{
		native:      native,
		lock:        lock,
		finalizers:  finalizers,
		cache:       NewCache(logger),
		trampolines: newRegistry(),
		logger:      logger.With(zap.String("component", "dyncall")),
	}
	e.marshal = NewValueMarshaler(native, logger)
	e.objects = &instanceWrapper{}
	return e
}

// SetMarshaler substitutes the value-marshaling collaborator.
func (e *Env) SetMarshaler(m Marshaler) { e.marshal = m }

// SetObjectWrapper substitutes the instance-wrapping collaborator.
func (e *Env) SetObjectWrapper(w ObjectWrapper) { e.objects = w }

// SetResolver wires the callback-metadata lookup used when a declared
// argument carries a function value.
func (e *Env) SetResolver(r ResolveFunc) { e.resolve = r }

// Cache exposes the descriptor cache (for inspection).
func (e *Env) Cache() *Cache { return e.cache }

// Finalizers exposes the deferred-finalization queue.
func (e *Env) Finalizers() *interp.FinalizerQueue { return e.finalizers }
