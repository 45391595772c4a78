package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/weftworks/loom"
	"github.com/weftworks/loom/pkg/agent"
	"github.com/weftworks/loom/pkg/config"
	"github.com/weftworks/loom/pkg/llms"
	"github.com/weftworks/loom/pkg/protocol"
)

// ChatCmd runs an interactive chat session with an agent. With --config it
// uses the configured agents; without it the zero-config flags describe a
// single ad-hoc agent.
type ChatCmd struct {
	Agent  string `help:"Agent to chat with (defaults to the only configured agent)."`
	Thread string `help:"Thread id to continue (defaults to a fresh thread)."`

	// Zero-config options, used when no config file is given.
	Provider     string   `help:"LLM provider (anthropic, openai-compatible)."`
	Model        string   `help:"Model name."`
	APIKey       string   `name:"api-key" help:"API key (defaults to the provider's environment variable)."`
	BaseURL      string   `name:"base-url" help:"Custom API base URL."`
	SystemPrompt string   `name:"system-prompt" help:"System prompt for the agent."`
	Temperature  *float64 `help:"Sampling temperature (0 to 2)."`
	MaxTokens    int      `name:"max-tokens" help:"Max tokens for generation."`
	Stream       *bool    `default:"true" negatable:"" help:"Stream responses (use --no-stream to disable)."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := c.loadConfig(cli.Config)
	if err != nil {
		return err
	}

	rt, err := loom.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to assemble runtime: %w", err)
	}
	defer rt.Close(context.Background())

	ag, err := c.selectAgent(rt)
	if err != nil {
		return err
	}

	threadID := c.Thread
	if threadID == "" {
		threadID = uuid.NewString()
	}

	stream := c.Stream == nil || *c.Stream

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return c.runOnce(ctx, ag, threadID, stream)
	}
	return c.runREPL(ctx, ag, threadID, stream)
}

// loadConfig loads the configuration file, or builds a zero-config setup
// from the chat flags when no file is given.
func (c *ChatCmd) loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		if c.hasZeroConfigFlags() {
			return nil, fmt.Errorf("--config cannot be combined with zero-config flags (--provider, --model, --api-key, --base-url, --system-prompt, --temperature, --max-tokens)")
		}
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		slog.Info("Loaded configuration", "path", configPath)
		return cfg, nil
	}

	cfg := &config.Config{}
	if c.Provider != "" || c.Model != "" || c.APIKey != "" || c.BaseURL != "" || c.Temperature != nil || c.MaxTokens != 0 {
		cfg.LLMs = map[string]config.LLMConfig{
			"default-llm": {
				Provider:    config.Provider(c.Provider),
				Model:       c.Model,
				APIKey:      c.APIKey,
				BaseURL:     c.BaseURL,
				Temperature: c.Temperature,
				MaxTokens:   c.MaxTokens,
			},
		}
	}
	if c.SystemPrompt != "" {
		cfg.Agents = map[string]config.AgentConfig{
			"default-agent": {SystemPrompt: c.SystemPrompt},
		}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Info("Using zero-config mode")
	return cfg, nil
}

func (c *ChatCmd) hasZeroConfigFlags() bool {
	return c.Provider != "" || c.Model != "" || c.APIKey != "" || c.BaseURL != "" ||
		c.SystemPrompt != "" || c.Temperature != nil || c.MaxTokens != 0
}

// selectAgent picks the agent named by --agent, or the only configured one.
func (c *ChatCmd) selectAgent(rt *loom.Runtime) (*agent.Agent, error) {
	names := rt.AgentNames()
	if c.Agent != "" {
		ag, ok := rt.Agent(c.Agent)
		if !ok {
			return nil, fmt.Errorf("agent %q not found (available: %s)", c.Agent, strings.Join(names, ", "))
		}
		return ag, nil
	}
	if len(names) == 1 {
		ag, _ := rt.Agent(names[0])
		return ag, nil
	}
	return nil, fmt.Errorf("multiple agents configured, pick one with --agent (available: %s)", strings.Join(names, ", "))
}

// runOnce handles piped stdin: read everything, run a single turn, exit.
// Approval interrupts cannot be decided without a terminal.
func (c *ChatCmd) runOnce(ctx context.Context, ag *agent.Agent, threadID string, stream bool) error {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	input := strings.TrimSpace(string(data))
	if input == "" {
		return fmt.Errorf("no input on stdin")
	}

	resp, err := c.send(ctx, ag, threadID, input, stream)
	if err != nil {
		return err
	}
	if resp.Interrupted() {
		return fmt.Errorf("tool call %s requires approval; run interactively to decide", resp.Interrupt.ToolCall.Name)
	}
	if stream {
		fmt.Println()
	} else {
		fmt.Println(resp.Output)
	}
	return nil
}

// runREPL is the interactive loop.
func (c *ChatCmd) runREPL(ctx context.Context, ag *agent.Agent, threadID string, stream bool) error {
	reader := bufio.NewReader(os.Stdin)

	name := ag.Name()
	if name == "" {
		name = "agent"
	}

	fmt.Printf("\n💬 Starting chat with %s\n", name)
	fmt.Println("Type your messages below. Commands:")
	fmt.Println("  /quit or /exit - End chat session")
	fmt.Println("  /clear - Start a fresh thread")
	fmt.Println()

	for {
		fmt.Print("You: ")

		line, err := reader.ReadString('\n')
		if err == io.EOF {
			fmt.Println("\n👋 Chat session ended")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			switch input {
			case "/quit", "/exit":
				fmt.Println("\n👋 Chat session ended")
				return nil
			case "/clear":
				// A fresh thread id means the checkpointer resolves no prior
				// state, so the next turn starts from scratch.
				threadID = uuid.NewString()
				fmt.Println("🧹 Conversation history cleared")
				continue
			default:
				fmt.Printf("Unknown command: %s\n", input)
				continue
			}
		}

		fmt.Printf("\n%s: ", name)

		resp, err := c.send(ctx, ag, threadID, input, stream)

		// Resumed turns do not stream, so their output is printed below.
		resumed := false
		for err == nil && resp.Interrupted() {
			resumed = true
			resp, err = c.decide(ctx, reader, ag, resp)
		}
		if err != nil {
			fmt.Printf("❌ Error: %v\n\n", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if !stream || resumed {
			fmt.Print(resp.Output)
		}
		fmt.Println()
		fmt.Println()
	}
}

// send runs one turn against the agent.
func (c *ChatCmd) send(ctx context.Context, ag *agent.Agent, threadID, input string, stream bool) (*agent.Response, error) {
	req := &agent.Request{Input: input, ThreadID: threadID}
	if !stream {
		return ag.Invoke(ctx, req)
	}
	return ag.Stream(ctx, req, &llms.StreamCallbacks{
		Token: func(token string) {
			fmt.Print(token)
		},
		ToolCall: func(call protocol.ToolCall) {
			fmt.Printf("\n🔧 calling %s\n", call.Name)
		},
	})
}

// decide presents a pending tool call and resumes with the user's verdict.
func (c *ChatCmd) decide(ctx context.Context, reader *bufio.Reader, ag *agent.Agent, resp *agent.Response) (*agent.Response, error) {
	intr := resp.Interrupt
	fmt.Printf("\n⏸  Approval required: %s %s\n", intr.ToolCall.Name, intr.ToolCall.Arguments)

	for {
		fmt.Print("Approve? [y]es / [n]o / [e]dit arguments: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}

		var cmd agent.ResumeCommand
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			cmd = agent.Approve()
		case "n", "no":
			fmt.Print("Reason: ")
			reason, err := reader.ReadString('\n')
			if err != nil {
				return nil, fmt.Errorf("failed to read input: %w", err)
			}
			reason = strings.TrimSpace(reason)
			if reason == "" {
				reason = "rejected by user"
			}
			cmd = agent.Reject(reason)
		case "e", "edit":
			fmt.Print("Arguments (JSON): ")
			args, err := reader.ReadString('\n')
			if err != nil {
				return nil, fmt.Errorf("failed to read input: %w", err)
			}
			cmd = agent.ApproveEdited(strings.TrimSpace(args))
		default:
			continue
		}

		return ag.Resume(ctx, intr.ThreadID, intr.CheckpointID, cmd)
	}
}
