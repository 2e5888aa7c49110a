package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"mux-rpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "ws://127.0.0.1:8001/rpc", Weight: 10, Version: "1.0"},
	{Addr: "ws://127.0.0.1:8002/rpc", Weight: 5, Version: "1.0"},
	{Addr: "ws://127.0.0.1:8003/rpc", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	for i := 0; i < 2*len(testInstances); i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		if want := testInstances[i%len(testInstances)].Addr; inst.Addr != want {
			t.Fatalf("pick %d: expect %s, got %s", i, want, inst.Addr)
		}
	}
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer("k")} {
		if _, err := b.Pick(nil); !errors.Is(err, registry.ErrNoInstances) {
			t.Fatalf("%s: expect ErrNoInstances, got %v", b.Name(), err)
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// weights 10:5:10, so 8001 should see about twice as many as 8002
	ratio := float64(counts[testInstances[0].Addr]) / float64(counts[testInstances[1].Addr])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio 8001/8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]registry.ServiceInstance{{Addr: "tcp://a"}})
	if err != nil || inst.Addr != "tcp://a" {
		t.Fatalf("got %v, %v", inst, err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer("client-123")

	inst1, _ := b.Pick(testInstances)
	inst2, _ := b.Pick(testInstances)
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := NewConsistentHashBalancer(fmt.Sprintf("key-%d", i)).Pick(testInstances)
		seen[inst.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashStableOnRemoval(t *testing.T) {
	moved := 0
	for i := 0; i < 100; i++ {
		b := NewConsistentHashBalancer(fmt.Sprintf("key-%d", i))
		before, _ := b.Pick(testInstances)
		if before.Addr == testInstances[2].Addr {
			continue
		}
		after, _ := b.Pick(testInstances[:2])
		if after.Addr != before.Addr {
			moved++
		}
	}
	if moved != 0 {
		t.Fatalf("%d keys moved though their instance stayed", moved)
	}
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":                "RoundRobin",
		"round_robin":     "RoundRobin",
		"weighted_random": "WeightedRandom",
		"consistent_hash": "ConsistentHash",
	} {
		b, err := New(name, "k")
		if err != nil || b.Name() != want {
			t.Fatalf("New(%q) = %v, %v", name, b, err)
		}
	}
	if _, err := New("random", ""); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}
