// Package surface defines the outbound automation surface contract: the one
// channel per account through which messages are sent and recipients checked.
package surface

import (
	"context"
	"fmt"
	"sync"

	"antrian-wa/internal/domain"
)

// Reachability is the outcome of a recipient check.
type Reachability string

const (
	Reachable   Reachability = "reachable"
	Unreachable Reachability = "unreachable"
	Unknown     Reachability = "unknown"
)

// Surface drives one paired device.
type Surface interface {
	Send(ctx context.Context, phone, content string) error
	CheckReachable(ctx context.Context, phone string) (Reachability, error)
}

// Error is a surface failure that already knows its failure code.
type Error struct {
	Code domain.Reason
	Err  error
}

// Errorf builds an Error with a formatted cause.
func Errorf(code domain.Reason, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailureCode reports the code carried by the error.
func (e *Error) FailureCode() domain.Reason { return e.Code }

// Registry maps device IDs to live surfaces in this process.
type Registry struct {
	mu       sync.RWMutex
	surfaces map[string]Surface
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{surfaces: map[string]Surface{}}
}

// Register binds s to deviceID, replacing any previous binding.
func (r *Registry) Register(deviceID string, s Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.surfaces[deviceID] = s
}

// Unregister drops the binding of deviceID.
func (r *Registry) Unregister(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.surfaces, deviceID)
}

// Get returns the surface bound to deviceID.
func (r *Registry) Get(deviceID string) (Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.surfaces[deviceID]
	return s, ok
}
