package plugins

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake guards against launching arbitrary executables that happen to
// sit next to a manifest.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "FRACTAL_PLUGIN",
	MagicCookieValue: "fractal-tool-plugin-v1",
}

// Invoker is the interface a tool plugin serves.
type Invoker interface {
	Invoke(args map[string]any) (string, error)
}

// InvokeArgs is the net/rpc request payload.
type InvokeArgs struct {
	Args map[string]any
}

// toolRPC is the client side of the plugin connection.
type toolRPC struct {
	client *rpc.Client
}

func (t *toolRPC) Invoke(args map[string]any) (string, error) {
	var out string
	if err := t.client.Call("Plugin.Invoke", &InvokeArgs{Args: args}, &out); err != nil {
		return "", err
	}
	return out, nil
}

// toolRPCServer is the server side, used by plugin binaries via Serve.
type toolRPCServer struct {
	impl Invoker
}

func (s *toolRPCServer) Invoke(req *InvokeArgs, out *string) error {
	v, err := s.impl.Invoke(req.Args)
	if err != nil {
		return err
	}
	*out = v
	return nil
}

// ToolPlugin implements go-plugin's Plugin interface for tool invocations.
type ToolPlugin struct {
	Impl Invoker
}

func (p *ToolPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &toolRPCServer{impl: p.Impl}, nil
}

func (p *ToolPlugin) Client(b *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &toolRPC{client: c}, nil
}

// Serve is called from a plugin binary's main to serve an Invoker.
func Serve(impl Invoker) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]goplugin.Plugin{"tool": &ToolPlugin{Impl: impl}},
	})
}

// Runner launches discovered plugins on demand and keeps their subprocesses
// alive for reuse. It satisfies the tool router's PluginRunner contract.
type Runner struct {
	mu      sync.Mutex
	known   map[string]Discovered
	clients map[string]*goplugin.Client
	logger  hclog.Logger
}

// NewRunner creates a runner over the discovered plugins.
func NewRunner(discovered []Discovered) *Runner {
	known := make(map[string]Discovered, len(discovered))
	for _, d := range discovered {
		known[d.Manifest.Name] = d
	}
	return &Runner{
		known:   known,
		clients: make(map[string]*goplugin.Client),
		logger:  hclog.New(&hclog.LoggerOptions{Name: "plugin", Level: hclog.Warn}),
	}
}

// Has reports whether a plugin was discovered under name.
func (r *Runner) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[name]
	return ok
}

// Run invokes the named plugin. The subprocess is launched on first use and
// killed if the context expires mid-call.
func (r *Runner) Run(ctx context.Context, name string, args map[string]any) (string, error) {
	invoker, client, err := r.dispense(name)
	if err != nil {
		return "", err
	}

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := invoker.Invoke(args)
		done <- outcome{out, err}
	}()

	select {
	case <-ctx.Done():
		r.kill(name, client)
		return "", fmt.Errorf("plugin %q: %w", name, ctx.Err())
	case o := <-done:
		if o.err != nil {
			return "", fmt.Errorf("plugin %q: %w", name, o.err)
		}
		return o.out, nil
	}
}

func (r *Runner) dispense(name string) (Invoker, *goplugin.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.known[name]
	if !ok {
		return nil, nil, fmt.Errorf("plugin %q is not discovered", name)
	}

	client, ok := r.clients[name]
	if !ok {
		client = goplugin.NewClient(&goplugin.ClientConfig{
			HandshakeConfig: Handshake,
			Plugins:         map[string]goplugin.Plugin{"tool": &ToolPlugin{}},
			Cmd:             exec.Command(d.Path),
			Logger:          r.logger,
		})
		r.clients[name] = client
	}

	proto, err := client.Client()
	if err != nil {
		delete(r.clients, name)
		client.Kill()
		return nil, nil, fmt.Errorf("connecting to plugin %q: %w", name, err)
	}
	raw, err := proto.Dispense("tool")
	if err != nil {
		return nil, nil, fmt.Errorf("dispensing plugin %q: %w", name, err)
	}
	invoker, ok := raw.(Invoker)
	if !ok {
		return nil, nil, fmt.Errorf("plugin %q does not serve the tool interface", name)
	}
	return invoker, client, nil
}

func (r *Runner) kill(name string, client *goplugin.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client.Kill()
	delete(r.clients, name)
}

// Close kills all running plugin subprocesses.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		client.Kill()
		delete(r.clients, name)
	}
}
