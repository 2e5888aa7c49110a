package registry

import (
	"context"
	"fmt"
	"sync"
)

// StaticRegistry is an in-memory Registry. It serves fixed endpoint lists from
// configuration and stands in for etcd in tests.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

// NewStatic returns a registry that lists instances under service.
func NewStatic(service string, instances ...ServiceInstance) *StaticRegistry {
	r := &StaticRegistry{
		services: make(map[string][]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
	if len(instances) > 0 {
		r.services[service] = append([]ServiceInstance(nil), instances...)
	}
	return r
}

// Register adds or replaces the instance with the same Addr. ttl is ignored.
func (r *StaticRegistry) Register(_ context.Context, service string, instance ServiceInstance, _ int64) error {
	if instance.Addr == "" {
		return fmt.Errorf("registry: empty address for %q", service)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.services[service]
	replaced := false
	for i := range list {
		if list[i].Addr == instance.Addr {
			list[i] = instance
			replaced = true
		}
	}
	if !replaced {
		list = append(list, instance)
	}
	r.services[service] = list
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, service string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.services[service][:0:0]
	for _, inst := range r.services[service] {
		if inst.Addr != addr {
			list = append(list, inst)
		}
	}
	r.services[service] = list
	r.notify(service)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.services[service]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoInstances, service)
	}
	return append([]ServiceInstance(nil), list...), nil
}

// Watch emits the instance list after every change until ctx ends. A watcher
// that falls behind only sees the latest list.
func (r *StaticRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify is called with r.mu held.
func (r *StaticRegistry) notify(service string) {
	snapshot := append([]ServiceInstance(nil), r.services[service]...)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
