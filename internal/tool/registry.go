// Package tool aggregates the callable tools exposed by a job's tool servers
// behind a single catalog and invocation entry point.
package tool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrUnknownTool reports an invocation of a name absent from the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// InvocationError wraps a server-side fault during a tool call. It is
// recoverable within a run: the loop reports it to the model as a tool-result
// turn rather than aborting.
type InvocationError struct {
	ServerID string
	Tool     string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s on server %s: %v", e.Tool, e.ServerID, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// Descriptor describes one callable tool and the server that owns it.
type Descriptor struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	ServerID    string
}

// Result holds a successful tool invocation outcome, flattened to text for
// re-injection into the conversation.
type Result struct {
	Content string
}

// Server is the capability a tool provider must implement. One variant
// exists per transport kind; the registry dispatches through this interface
// only.
type Server interface {
	ID() string
	ListTools(ctx context.Context) ([]Descriptor, error)
	Call(ctx context.Context, name string, args map[string]any) (*Result, error)
	Close() error
}

// Registry routes tool invocations to the owning server. Discover must be
// called once before Invoke; the catalog is read-only afterwards.
type Registry struct {
	servers []Server

	mu       sync.RWMutex
	byName   map[string]Server
	catalog  []Descriptor
	warnings []string
}

func NewRegistry(servers ...Server) *Registry {
	return &Registry{
		servers: servers,
		byName:  make(map[string]Server),
	}
}

// Discover aggregates descriptors across all configured servers. A name
// collision across servers resolves to the first-registered server; the
// collision is recorded as a non-fatal warning.
func (r *Registry) Discover(ctx context.Context) ([]Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byName = make(map[string]Server)
	r.catalog = r.catalog[:0]
	r.warnings = r.warnings[:0]

	for _, srv := range r.servers {
		tools, err := srv.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tools on server %s: %w", srv.ID(), err)
		}
		for _, desc := range tools {
			if prev, exists := r.byName[desc.Name]; exists {
				warning := fmt.Sprintf("tool %q on server %s shadowed by server %s", desc.Name, srv.ID(), prev.ID())
				r.warnings = append(r.warnings, warning)
				continue
			}
			desc.ServerID = srv.ID()
			r.byName[desc.Name] = srv
			r.catalog = append(r.catalog, desc)
		}
	}

	sort.Slice(r.catalog, func(i, j int) bool { return r.catalog[i].Name < r.catalog[j].Name })
	out := make([]Descriptor, len(r.catalog))
	copy(out, r.catalog)
	return out, nil
}

// Catalog returns the descriptors produced by the last Discover.
func (r *Registry) Catalog() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.catalog))
	copy(out, r.catalog)
	return out
}

// Warnings returns the collision warnings recorded during Discover.
func (r *Registry) Warnings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// Invoke routes a call to the owning server and surfaces exactly one outcome.
// An unregistered name fails with ErrUnknownTool; a server-side fault fails
// with *InvocationError. Both are recoverable from the loop's point of view.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (*Result, error) {
	r.mu.RLock()
	srv, exists := r.byName[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := srv.Call(ctx, name, args)
	if err != nil {
		return nil, &InvocationError{ServerID: srv.ID(), Tool: name, Err: err}
	}
	if res == nil {
		return nil, &InvocationError{ServerID: srv.ID(), Tool: name, Err: errors.New("server returned nil result")}
	}
	return res, nil
}

// Close releases every server session. Errors are logged and swallowed so
// shutdown never masks the run outcome.
func (r *Registry) Close() {
	for _, srv := range r.servers {
		if err := srv.Close(); err != nil {
			log.Printf("[tool] close server %s: %v", srv.ID(), err)
		}
	}
}
