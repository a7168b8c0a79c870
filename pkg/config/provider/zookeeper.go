package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zookeeper/zk"
)

// Zookeeper loads configuration from a znode. Watches are one-shot in
// zookeeper, so the loop re-arms after every event.
type Zookeeper struct {
	conn *zk.Conn
	path string
}

// NewZookeeper connects to the ensemble and reads from path.
func NewZookeeper(endpoints []string, path string) (*Zookeeper, error) {
	if path == "" {
		return nil, fmt.Errorf("zookeeper path is required")
	}
	if len(endpoints) == 0 {
		endpoints = []string{"localhost:2181"}
	}

	conn, _, err := zk.Connect(endpoints, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to zookeeper: %w", err)
	}
	return &Zookeeper{conn: conn, path: path}, nil
}

func (z *Zookeeper) Type() Type { return TypeZookeeper }

func (z *Zookeeper) Load(context.Context) ([]byte, error) {
	data, _, err := z.conn.Get(z.path)
	if err != nil {
		return nil, fmt.Errorf("reading znode %s: %w", z.path, err)
	}
	return data, nil
}

func (z *Zookeeper) Watch(ctx context.Context) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		for {
			_, _, events, err := z.conn.GetW(z.path)
			if err != nil {
				slog.Error("zookeeper watch error", "path", z.path, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				switch ev.Type {
				case zk.EventNodeDataChanged:
					select {
					case ch <- struct{}{}:
					default:
					}
				case zk.EventNodeDeleted:
					slog.Warn("config znode deleted", "path", z.path)
					return
				case zk.EventNotWatching:
					// Session expired; reconnect happens inside the
					// client, just re-arm.
				}
			}
		}
	}()
	return ch, nil
}

func (z *Zookeeper) Close() error {
	z.conn.Close()
	return nil
}
