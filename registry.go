package weft

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
)

const MaxServiceNameLength = 128

// ReservedPrefix marks service names owned by the framework itself, such
// as the lookup probe. User registrations may not claim them.
const ReservedPrefix = "weft."

var InvalidServiceName = regexp.MustCompile(`[^A-Za-z0-9\-\.]+`)

func ValidateServiceName(name string) bool {
	return name != "" &&
		!InvalidServiceName.MatchString(name) &&
		len(name) <= MaxServiceNameLength
}

// Handler is the uniform dispatch target of a service: payload bytes in,
// payload bytes out. The blob's internal structure belongs to the
// application; a returned error travels to the caller as a HandlerError.
type Handler interface {
	ServeRPC(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (fn HandlerFunc) ServeRPC(ctx context.Context, payload []byte) ([]byte, error) {
	return fn(ctx, payload)
}

// Registry maps locally hosted service names to their handlers. Names are
// unique: re-registering a live name fails instead of silently replacing
// the handler, so lookups never observe a surprise swap.
type Registry struct {
	lk       sync.RWMutex
	services map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]Handler),
	}
}

// Register exposes handler under name. It fails with ErrNameTaken when the
// name is live, ErrNameInvalid when it doesn't parse, and ErrNameReserved
// for the framework's own namespace.
func (r *Registry) Register(name string, handler Handler) error {
	if strings.HasPrefix(name, ReservedPrefix) {
		return ErrNameReserved
	}
	return r.register(name, handler)
}

// register is Register without the reserved-prefix guard; the node uses it
// to install builtin services.
func (r *Registry) register(name string, handler Handler) error {
	if !ValidateServiceName(name) {
		return ErrNameInvalid
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	if _, has := r.services[name]; has {
		return ErrNameTaken
	}
	r.services[name] = handler
	return nil
}

// Unregister releases name. Releasing an unknown name is a no-op.
func (r *Registry) Unregister(name string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	delete(r.services, name)
}

// LookupLocal answers with the handler registered under name, if any.
func (r *Registry) LookupLocal(name string) (Handler, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	h, ok := r.services[name]
	return h, ok
}

// Scan lists registered names with the given prefix, sorted. An empty
// prefix lists everything, builtins included.
func (r *Registry) Scan(prefix string) []string {
	r.lk.RLock()
	found := make([]string, 0, len(r.services))
	for name := range r.services {
		if strings.HasPrefix(name, prefix) {
			found = append(found, name)
		}
	}
	r.lk.RUnlock()

	sort.Strings(found)
	return found
}
