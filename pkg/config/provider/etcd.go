package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd loads configuration from an etcd key and watches it natively.
type Etcd struct {
	client *clientv3.Client
	key    string
}

// NewEtcd connects to the cluster and reads from key.
func NewEtcd(endpoints []string, key string) (*Etcd, error) {
	if key == "" {
		return nil, fmt.Errorf("etcd key is required")
	}
	if len(endpoints) == 0 {
		endpoints = []string{"localhost:2379"}
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return &Etcd{client: client, key: key}, nil
}

func (e *Etcd) Type() Type { return TypeEtcd }

func (e *Etcd) Load(ctx context.Context) ([]byte, error) {
	resp, err := e.client.Get(ctx, e.key)
	if err != nil {
		return nil, fmt.Errorf("reading etcd key %s: %w", e.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("etcd key %s does not exist", e.key)
	}
	return resp.Kvs[0].Value, nil
}

func (e *Etcd) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		for resp := range e.client.Watch(ctx, e.key) {
			if err := resp.Err(); err != nil {
				slog.Error("etcd watch error", "key", e.key, "error", err)
				continue
			}
			if len(resp.Events) == 0 {
				continue
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}

func (e *Etcd) Close() error { return e.client.Close() }
