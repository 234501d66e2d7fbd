package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocal_AllowsUpToLimit(t *testing.T) {
	l := NewLocal(2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Check(ctx, "products")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d != Allowed {
			t.Fatalf("expected Allowed on check %d, got %v", i, d)
		}
	}

	d, err := l.Check(ctx, "products")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != Denied {
		t.Fatalf("expected Denied after exhausting the limit, got %v", d)
	}
}

func TestLocal_ScopesAreIndependent(t *testing.T) {
	l := NewLocal(1, time.Minute)
	ctx := context.Background()

	if d, _ := l.Check(ctx, "products"); d != Allowed {
		t.Fatalf("expected products to be allowed")
	}
	if d, _ := l.Check(ctx, "reviews"); d != Allowed {
		t.Fatalf("expected reviews scope to be independent of products")
	}
	if d, _ := l.Check(ctx, "products"); d != Denied {
		t.Fatalf("expected products to be exhausted")
	}
}

func TestLocal_WindowResets(t *testing.T) {
	l := NewLocal(1, 20*time.Millisecond)
	ctx := context.Background()

	if d, _ := l.Check(ctx, "products"); d != Allowed {
		t.Fatalf("expected first check to be allowed")
	}
	if d, _ := l.Check(ctx, "products"); d != Denied {
		t.Fatalf("expected second check in same window to be denied")
	}

	time.Sleep(30 * time.Millisecond)

	if d, _ := l.Check(ctx, "products"); d != Allowed {
		t.Fatalf("expected check after window reset to be allowed")
	}
}
