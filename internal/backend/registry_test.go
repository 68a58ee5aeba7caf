package backend

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/opswarden/opswarden/internal/action"
)

type fakeBackend struct {
	name    string
	defs    []action.Definition
	execute func(ctx context.Context, name string, params action.Params) (*Result, error)
}

func (f *fakeBackend) Name() string                 { return f.name }
func (f *fakeBackend) Actions() []action.Definition { return append([]action.Definition(nil), f.defs...) }
func (f *fakeBackend) Execute(ctx context.Context, name string, params action.Params) (*Result, error) {
	return f.execute(ctx, name, params)
}

type planningBackend struct {
	fakeBackend
}

func (p *planningBackend) Plan(_ context.Context, name string, params action.Params) (*Result, error) {
	return &Result{Success: true, Message: "would run " + name}, nil
}

func def(name string) action.Definition {
	return action.Definition{
		Name:       name,
		RiskTier:   action.RiskLow,
		Parameters: []action.Param{{Name: "target", Type: action.TypeString, Required: true}},
	}
}

func okExecute(_ context.Context, name string, _ action.Params) (*Result, error) {
	return &Result{Success: true, Message: name + " done"}, nil
}

func TestRegistry_RegisterPopulatesCatalog(t *testing.T) {
	cat := action.NewCatalog()
	r := NewRegistry(cat, nil)

	if err := r.Register(&fakeBackend{name: "mock", defs: []action.Definition{def("a"), def("b")}, execute: okExecute}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if cat.Len() != 2 {
		t.Errorf("catalog has %d definitions, want 2", cat.Len())
	}
	got, ok := cat.Lookup("a")
	if !ok || got.Backend != "mock" {
		t.Errorf("Lookup(a) = %+v, %v; want backend mock", got, ok)
	}
	if names := r.Backends(); len(names) != 1 || names[0] != "mock" {
		t.Errorf("Backends() = %v", names)
	}
}

func TestRegistry_RegisterFailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		second  *fakeBackend
		wantErr string
	}{
		{"duplicate backend", &fakeBackend{name: "first", defs: []action.Definition{def("z")}}, "already registered"},
		{"clashing action", &fakeBackend{name: "second", defs: []action.Definition{def("c"), def("a")}}, `already registered by backend "first"`},
		{"duplicate within backend", &fakeBackend{name: "second", defs: []action.Definition{def("c"), def("c")}}, "declared twice"},
		{"bad tier", &fakeBackend{name: "second", defs: []action.Definition{{Name: "c", RiskTier: "extreme"}}}, "unknown risk tier"},
		{"empty name", &fakeBackend{name: ""}, "empty name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := action.NewCatalog()
			r := NewRegistry(cat, nil)
			if err := r.Register(&fakeBackend{name: "first", defs: []action.Definition{def("a")}, execute: okExecute}); err != nil {
				t.Fatal(err)
			}

			err := r.Register(tt.second)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Register error = %v, want %q", err, tt.wantErr)
			}
			if cat.Len() != 1 {
				t.Errorf("failed registration left %d definitions, want 1", cat.Len())
			}
			if _, ok := cat.Lookup("c"); ok {
				t.Error("partial registration leaked action c")
			}
		})
	}
}

func TestRegistry_RegisterRacesWithCatalog(t *testing.T) {
	for i := 0; i < 50; i++ {
		cat := action.NewCatalog()
		r := NewRegistry(cat, nil)
		// Both register "shared"; the direct catalog write may land
		// between any two of the backend's definitions.
		b := &fakeBackend{name: "mock", defs: []action.Definition{def("a"), def("b"), def("shared"), def("d")}, execute: okExecute}

		var wg sync.WaitGroup
		var regErr, catErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			regErr = r.Register(b)
		}()
		go func() {
			defer wg.Done()
			d := def("shared")
			d.Backend = "other"
			catErr = cat.Register(d)
		}()
		wg.Wait()

		if (regErr == nil) == (catErr == nil) {
			t.Fatalf("exactly one registration should win: registry %v, catalog %v", regErr, catErr)
		}
		if regErr != nil {
			if cat.Len() != 1 {
				t.Fatalf("failed backend left %d definitions, want 1", cat.Len())
			}
			if _, err := r.Dispatch(context.Background(), "a", action.Params{"target": "x"}); action.KindOf(err) != action.KindNotFound {
				t.Fatalf("action a routed after failed registration: %v", err)
			}
			if len(r.Backends()) != 0 {
				t.Fatalf("Backends() = %v after failed registration", r.Backends())
			}
		} else if cat.Len() != 4 {
			t.Fatalf("catalog has %d definitions, want 4", cat.Len())
		}
	}
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry(action.NewCatalog(), nil)
	var gotParams action.Params
	r.Register(&fakeBackend{name: "mock", defs: []action.Definition{def("a")}, execute: func(_ context.Context, name string, p action.Params) (*Result, error) {
		gotParams = p
		return &Result{Success: true, Message: name}, nil
	}})

	res, err := r.Dispatch(context.Background(), "a", action.Params{"target": "svc-1"})
	if err != nil || !res.Success || res.Message != "a" {
		t.Fatalf("Dispatch = %+v, %v", res, err)
	}
	if gotParams.StringOr("target", "") != "svc-1" {
		t.Errorf("params not passed through: %v", gotParams)
	}

	_, err = r.Dispatch(context.Background(), "nope", nil)
	if action.KindOf(err) != action.KindNotFound {
		t.Errorf("unknown action error kind = %q", action.KindOf(err))
	}
}

func TestRegistry_DispatchRecoversPanics(t *testing.T) {
	r := NewRegistry(action.NewCatalog(), nil)
	r.Register(&fakeBackend{name: "mock", defs: []action.Definition{def("boom"), def("nil")}, execute: func(_ context.Context, name string, _ action.Params) (*Result, error) {
		if name == "boom" {
			panic("docker socket vanished")
		}
		return nil, nil
	}})

	res, err := r.Dispatch(context.Background(), "boom", nil)
	if err == nil || !strings.Contains(err.Error(), "panicked") || res != nil {
		t.Errorf("Dispatch(boom) = %+v, %v", res, err)
	}

	if _, err := r.Dispatch(context.Background(), "nil", nil); err == nil {
		t.Error("nil result with nil error should be reported")
	}
}

func TestRegistry_Plan(t *testing.T) {
	r := NewRegistry(action.NewCatalog(), nil)
	r.Register(&fakeBackend{name: "plain", defs: []action.Definition{def("a")}, execute: okExecute})
	r.Register(&planningBackend{fakeBackend{name: "planner", defs: []action.Definition{def("b")}, execute: okExecute}})

	if _, ok, err := r.Plan(context.Background(), "a", nil); ok || err != nil {
		t.Errorf("Plan(a) ok=%v err=%v, want not a planner", ok, err)
	}
	res, ok, err := r.Plan(context.Background(), "b", nil)
	if !ok || err != nil || res.Message != "would run b" {
		t.Errorf("Plan(b) = %+v, %v, %v", res, ok, err)
	}
}

func TestFailure(t *testing.T) {
	res := Failure("container %q not found", "svc-1")
	if res.Success || res.Message != `container "svc-1" not found` {
		t.Errorf("Failure = %+v", res)
	}
}
