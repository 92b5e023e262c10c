package tool

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeServer is an in-memory Server for registry tests.
type fakeServer struct {
	id       string
	tools    []Descriptor
	listErr  error
	callErr  error
	reply    string
	calls    []string
	closed   bool
	closeErr error
}

func (f *fakeServer) ID() string { return f.id }

func (f *fakeServer) ListTools(ctx context.Context) ([]Descriptor, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeServer) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	f.calls = append(f.calls, name)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &Result{Content: f.reply}, nil
}

func (f *fakeServer) Close() error {
	f.closed = true
	return f.closeErr
}

func TestDiscover_AggregatesAndSorts(t *testing.T) {
	a := &fakeServer{id: "a", tools: []Descriptor{{Name: "zeta"}, {Name: "alpha"}}}
	b := &fakeServer{id: "b", tools: []Descriptor{{Name: "mid"}}}
	r := NewRegistry(a, b)

	catalog, err := r.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if len(catalog) != 3 {
		t.Fatalf("catalog size = %d, want 3", len(catalog))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if catalog[i].Name != want {
			t.Errorf("catalog[%d] = %q, want %q", i, catalog[i].Name, want)
		}
	}
	if catalog[0].ServerID != "a" || catalog[1].ServerID != "b" {
		t.Error("descriptors should carry the owning server id")
	}
}

func TestDiscover_FirstRegisteredWinsOnCollision(t *testing.T) {
	a := &fakeServer{id: "a", tools: []Descriptor{{Name: "echo"}}, reply: "from-a"}
	b := &fakeServer{id: "b", tools: []Descriptor{{Name: "echo"}}, reply: "from-b"}
	r := NewRegistry(a, b)

	catalog, err := r.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	if len(catalog) != 1 {
		t.Fatalf("catalog size = %d, want 1", len(catalog))
	}
	if catalog[0].ServerID != "a" {
		t.Errorf("owner = %q, want first-registered server a", catalog[0].ServerID)
	}

	warnings := r.Warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], "echo") {
		t.Errorf("expected one collision warning naming the tool, got %v", warnings)
	}

	res, err := r.Invoke(context.Background(), "echo", nil)
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if res.Content != "from-a" {
		t.Errorf("invocation routed to %q, want first-registered server", res.Content)
	}
}

func TestDiscover_ListFailureIsFatal(t *testing.T) {
	bad := &fakeServer{id: "bad", listErr: errors.New("connection refused")}
	r := NewRegistry(bad)
	if _, err := r.Discover(context.Background()); err == nil {
		t.Fatal("expected error from failing server")
	}
}

func TestInvoke_UnknownTool(t *testing.T) {
	r := NewRegistry(&fakeServer{id: "a"})
	if _, err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover error: %v", err)
	}
	_, err := r.Invoke(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("error = %v, want ErrUnknownTool", err)
	}
}

func TestInvoke_ServerFaultWrapsInvocationError(t *testing.T) {
	fault := errors.New("remote exception")
	srv := &fakeServer{id: "a", tools: []Descriptor{{Name: "echo"}}, callErr: fault}
	r := NewRegistry(srv)
	if _, err := r.Discover(context.Background()); err != nil {
		t.Fatalf("Discover error: %v", err)
	}

	_, err := r.Invoke(context.Background(), "echo", map[string]any{"x": 1})
	var invErr *InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("error = %T, want *InvocationError", err)
	}
	if invErr.ServerID != "a" || invErr.Tool != "echo" {
		t.Errorf("error detail = %+v", invErr)
	}
	if !errors.Is(err, fault) {
		t.Error("InvocationError should unwrap to the raw fault")
	}
}

func TestClose_ReleasesEveryServer(t *testing.T) {
	a := &fakeServer{id: "a"}
	b := &fakeServer{id: "b", closeErr: errors.New("already closed")}
	c := &fakeServer{id: "c"}
	r := NewRegistry(a, b, c)

	r.Close()
	for _, srv := range []*fakeServer{a, b, c} {
		if !srv.closed {
			t.Errorf("server %s not closed", srv.id)
		}
	}
}
