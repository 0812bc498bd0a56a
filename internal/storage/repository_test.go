package storage

import (
	"context"
	"strings"
	"testing"
)

func TestNewRequiresKind(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil || !strings.Contains(err.Error(), "missing Kind") {
		t.Fatalf("err = %v, want missing Kind", err)
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(context.Background(), Config{Kind: "no-such-backend"})
	if err == nil || !strings.Contains(err.Error(), "unsupported kind") {
		t.Fatalf("err = %v, want unsupported kind", err)
	}
}

func TestRegisterAndNew(t *testing.T) {
	called := false
	Register("test-backend", func(ctx context.Context, cfg Config) (Repository, error) {
		called = true
		if cfg.DSN != "dsn-value" {
			t.Fatalf("cfg.DSN = %q", cfg.DSN)
		}
		return nil, nil
	})

	if _, err := New(context.Background(), Config{Kind: "test-backend", DSN: "dsn-value"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("factory was not invoked")
	}
}

func TestRegisterPanics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: want panic", name)
			}
		}()
		fn()
	}

	mustPanic("empty kind", func() { Register("", func(context.Context, Config) (Repository, error) { return nil, nil }) })
	mustPanic("nil factory", func() { Register("nil-factory-kind", nil) })

	Register("dup-kind", func(context.Context, Config) (Repository, error) { return nil, nil })
	mustPanic("duplicate kind", func() {
		Register("dup-kind", func(context.Context, Config) (Repository, error) { return nil, nil })
	})
}
