package hooks

import (
	"errors"
	"testing"
)

func TestPriorityOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	add := func(name string, prio int) {
		r.RegisterBefore("send", name, prio, func(ctx Context) (Context, error) {
			order = append(order, name)
			return ctx, nil
		})
	}
	add("late", 100)
	add("early", 1)
	add("mid", 50)
	r.RegisterBefore(Wildcard, "wild", 1, func(ctx Context) (Context, error) {
		order = append(order, "wild")
		return ctx, nil
	})

	r.RunBefore("send", Context{})

	want := []string{"wild", "early", "mid", "late"}
	if len(order) != len(want) {
		t.Fatalf("ran %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTieBrokenByInsertionOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		r.RegisterBefore("m", name, 10, func(ctx Context) (Context, error) {
			order = append(order, name)
			return ctx, nil
		})
	}
	r.RunBefore("m", nil)
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v", order)
	}
}

func TestContextThreading(t *testing.T) {
	r := NewRegistry()
	r.RegisterBefore("message_sending", "rewrite", 0, func(ctx Context) (Context, error) {
		ctx["content"] = "rewritten"
		return ctx, nil
	})
	r.RegisterBefore("message_sending", "observe", 1, func(ctx Context) (Context, error) {
		if ctx["content"] != "rewritten" {
			t.Error("hook did not see upstream mutation")
		}
		return ctx, nil
	})
	out := r.RunBefore("message_sending", Context{"content": "original"})
	if out["content"] != "rewritten" {
		t.Fatalf("content = %v", out["content"])
	}
}

func TestFailingHookSkipped(t *testing.T) {
	r := NewRegistry()
	r.RegisterBefore("m", "bad", 0, func(ctx Context) (Context, error) {
		return nil, errors.New("nope")
	})
	r.RegisterBefore("m", "panics", 1, func(ctx Context) (Context, error) {
		panic("boom")
	})
	r.RegisterBefore("m", "good", 2, func(ctx Context) (Context, error) {
		ctx["ran"] = true
		return ctx, nil
	})
	out := r.RunBefore("m", Context{})
	if out["ran"] != true {
		t.Fatal("chain did not continue past failing hooks")
	}
}

func TestRemoveAndCount(t *testing.T) {
	r := NewRegistry()
	noop := func(ctx Context) (Context, error) { return ctx, nil }
	r.RegisterBefore("m", "h1", 0, noop)
	r.RegisterBefore("m", "h2", 0, noop)
	r.RegisterBefore(Wildcard, "w", 0, noop)
	if got := r.CountBefore("m"); got != 3 {
		t.Fatalf("count = %d", got)
	}
	if !r.RemoveBefore("m", "h1") {
		t.Fatal("remove reported false")
	}
	if r.RemoveBefore("m", "h1") {
		t.Fatal("double remove reported true")
	}
	if got := r.CountBefore("m"); got != 2 {
		t.Fatalf("count after remove = %d", got)
	}
}

func TestAfterChainIndependent(t *testing.T) {
	r := NewRegistry()
	r.RegisterAfter("m", "after", 0, func(ctx Context) (Context, error) {
		ctx["seen"] = true
		return ctx, nil
	})
	if r.CountBefore("m") != 0 {
		t.Fatal("after hook leaked into before chain")
	}
	out := r.RunAfter("m", Context{"success": true})
	if out["seen"] != true {
		t.Fatal("after hook did not run")
	}
}
