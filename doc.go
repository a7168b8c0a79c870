// Package fractal is a recursive agent orchestration runtime.
//
// Agents are declared in YAML: each one binds an LLM provider, a tool
// allowlist, and a four-tier memory. Agents communicate over an event bus
// whose dispatcher runs every event through an interceptor chain (tracing,
// auth, budget, depth, timeout, human approval, anomaly detection). An agent
// that is allowed to delegate splits work into subtasks and fans them out to
// peer agents through the orchestrator, recursively.
//
// Create a configuration:
//
//	llms:
//	  local:
//	    type: ollama
//	    model: llama3.2
//
//	agents:
//	  assistant:
//	    role: General Assistant
//	    llm: local
//	    system_prompt: You are a helpful assistant.
//
// Then run a task or start the ops server:
//
//	fractal run --config fractal.yaml "summarize ./notes/report.md"
//	fractal serve --config fractal.yaml
//
// Library users assemble the same thing with pkg/config and pkg/runtime:
//
//	cfg, err := config.Parse(raw)
//	rt, err := runtime.New(ctx, cfg)
//	result, err := rt.Execute(ctx, "assistant", "summarize the report")
package fractal
