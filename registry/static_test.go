package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStaticDiscover(t *testing.T) {
	ctx := context.Background()
	reg := NewStatic("echo", ServiceInstance{Addr: "ws://a/rpc", Weight: 1})

	list, err := reg.Discover(ctx, "echo")
	if err != nil || len(list) != 1 {
		t.Fatalf("got %v, %v", list, err)
	}
	if _, err := reg.Discover(ctx, "other"); !errors.Is(err, ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}

	// callers get a copy
	list[0].Addr = "changed"
	again, _ := reg.Discover(ctx, "echo")
	if again[0].Addr != "ws://a/rpc" {
		t.Fatal("Discover exposed internal slice")
	}
}

func TestStaticRegisterReplacesSameAddr(t *testing.T) {
	ctx := context.Background()
	reg := NewStatic("echo")

	reg.Register(ctx, "echo", ServiceInstance{Addr: "tcp://a", Weight: 1}, 0)
	reg.Register(ctx, "echo", ServiceInstance{Addr: "tcp://a", Weight: 5}, 0)
	reg.Register(ctx, "echo", ServiceInstance{Addr: "tcp://b", Weight: 1}, 0)

	list, _ := reg.Discover(ctx, "echo")
	if len(list) != 2 || list[0].Weight != 5 {
		t.Fatalf("got %v", list)
	}

	if err := reg.Register(ctx, "echo", ServiceInstance{}, 0); err == nil {
		t.Fatal("expect error for empty address")
	}
}

func TestStaticWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewStatic("echo")
	updates := reg.Watch(ctx, "echo")

	reg.Register(context.Background(), "echo", ServiceInstance{Addr: "tcp://a"}, 0)
	reg.Register(context.Background(), "echo", ServiceInstance{Addr: "tcp://b"}, 0)
	reg.Deregister(context.Background(), "echo", "tcp://a")

	select {
	case list := <-updates:
		// only the latest snapshot is kept
		if len(list) != 1 || list[0].Addr != "tcp://b" {
			t.Fatalf("got %v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("unexpected update after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
