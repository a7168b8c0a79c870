package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/consul/api"
)

// Consul loads configuration from a consul KV key using blocking queries
// for change detection.
type Consul struct {
	kv  *api.KV
	key string
}

// NewConsul connects to the first endpoint and reads from key.
func NewConsul(endpoints []string, key string) (*Consul, error) {
	if key == "" {
		return nil, fmt.Errorf("consul key is required")
	}

	cfg := api.DefaultConfig()
	if len(endpoints) > 0 {
		cfg.Address = endpoints[0]
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to consul: %w", err)
	}
	return &Consul{kv: client.KV(), key: key}, nil
}

func (c *Consul) Type() Type { return TypeConsul }

func (c *Consul) Load(ctx context.Context) ([]byte, error) {
	pair, _, err := c.kv.Get(c.key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("reading consul key %s: %w", c.key, err)
	}
	if pair == nil {
		return nil, fmt.Errorf("consul key %s does not exist", c.key)
	}
	return pair.Value, nil
}

// Watch long-polls the key with blocking queries.
func (c *Consul) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		var lastIndex uint64
		for {
			opts := (&api.QueryOptions{
				WaitIndex: lastIndex,
				WaitTime:  5 * time.Minute,
			}).WithContext(ctx)

			pair, meta, err := c.kv.Get(c.key, opts)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Error("consul watch error", "key", c.key, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if pair == nil || meta.LastIndex == lastIndex {
				lastIndex = meta.LastIndex
				continue
			}
			lastIndex = meta.LastIndex
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}

func (c *Consul) Close() error { return nil }
