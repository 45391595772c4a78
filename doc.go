// Package loom is an execution framework for LLM agents.
//
// Loom binds a chat model, a set of callable tools, a middleware chain, and
// durable conversation state into an Agent that drives a reason-act loop:
// call the model, execute the tool calls it requests, feed the results back,
// and repeat until the model produces a final answer or a human-approval
// interrupt pauses the run.
//
// # Quick Start
//
//	model, _ := llms.NewOpenAI(llms.OpenAIConfig{
//	    Model:  "gpt-4o",
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	})
//
//	reg := tools.NewRegistry()
//	_ = reg.Register(tool.NewFunc("add", "Adds two numbers", addSchema, addFn))
//
//	ag, _ := agent.New(model,
//	    agent.WithConfig(agent.Config{
//	        Name:         "assistant",
//	        SystemPrompt: "You are a concise assistant.",
//	    }),
//	    agent.WithInvoker(tools.NewInvoker(reg)),
//	)
//
//	resp, _ := ag.Invoke(ctx, &agent.Request{Input: "125 + 287 ?"})
//	fmt.Println(resp.Output)
//
// Or assemble everything from a YAML file:
//
//	cfg, _ := config.LoadConfig("loom.yaml")
//	rt, _ := loom.New(ctx, cfg)
//	defer rt.Close(ctx)
//	ag, _ := rt.Agent("assistant")
//
// # Packages
//
//   - protocol: the message model (system/human/assistant/tool)
//   - state: immutable conversation snapshots
//   - checkpoint: save/load/list state per thread (memory and SQL backends)
//   - tool, tools: tool contracts, registry, bounded async invoker, MCP toolset
//   - llms: the ChatModel contract plus OpenAI-compatible and Anthropic adapters
//   - agent: the reason-act loop with invoke/stream/batch/resume
//   - middleware: logging, summarization, human-in-the-loop, prompt injection
//   - team: multi-agent coordination via handoff markers or a supervisor model
//   - config: YAML configuration with env expansion
//   - logger: slog setup with simple, verbose and json formats
//
// Human approval is modeled as an interrupt: a run pauses at a checkpoint,
// the caller inspects the pending tool call, and resumes with approve,
// approve-with-edits, or reject.
package loom
