package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix under which services are registered:
//
//	Key:   {prefix}/{service}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Entries are attached to a TTL lease, so a crashed server disappears once
// its lease expires.
const DefaultPrefix = "/mux-rpc"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

// EtcdOption configures an EtcdRegistry.
type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	prefix      string
	logger      *zap.Logger
	dialTimeout time.Duration
}

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) EtcdOption {
	return func(o *etcdOptions) { o.prefix = strings.TrimRight(p, "/") }
}

// WithLogger is used for the registry and handed to the etcd client.
func WithLogger(l *zap.Logger) EtcdOption {
	return func(o *etcdOptions) { o.logger = l }
}

func WithDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	o := etcdOptions{prefix: DefaultPrefix, logger: zap.NewNop(), dialTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd %v: %w", endpoints, err)
	}
	return &EtcdRegistry{client: c, prefix: o.prefix, logger: o.logger}, nil
}

func (r *EtcdRegistry) servicePrefix(service string) string {
	return r.prefix + "/" + service + "/"
}

// Register puts instance under a lease of ttl seconds and keeps the lease
// alive in the background until the registry is closed.
//
// The lease ID stays local: one EtcdRegistry may register several instances.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.servicePrefix(service) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// KeepAlive must outlive ctx, which usually belongs to a startup call.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.logger.Info("registered", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := r.servicePrefix(service) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	r.logger.Info("deregistered", zap.String("key", key))
	return nil
}

// Watch emits the full instance list whenever anything under the service
// prefix changes. The channel closes when ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, r.servicePrefix(service), clientv3.WithPrefix()) {
			// re-fetch rather than apply individual events
			instances, err := r.Discover(ctx, service)
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("watch refresh failed", zap.String("service", service), zap.Error(err))
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover lists the instances currently registered for service. Entries that
// do not decode are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", service, err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skip malformed entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoInstances, service)
	}
	return instances, nil
}

// Close stops lease renewal and releases the etcd connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
