// Command loom is the CLI for the loom agent framework.
//
// Usage:
//
//	loom chat --config config.yaml
//	loom chat --provider anthropic --model claude-sonnet-4-20250514
//	loom validate config.yaml
//	loom schema > schema.json
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/weftworks/loom"
	"github.com/weftworks/loom/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Chat     ChatCmd     `cmd:"" help:"Chat with an agent."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON Schema."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(loom.GetVersion().String())
	return nil
}

// printBanner prints a colored ASCII banner when stdout is a terminal.
func printBanner() {
	fileInfo, err := os.Stdout.Stat()
	if err != nil || (fileInfo.Mode()&os.ModeCharDevice) == 0 {
		return
	}

	// Violet: #8b5cf6 = RGB(139, 92, 246)
	violet := "\033[38;2;139;92;246m"
	reset := "\033[0m"

	banner := `
██╗      ██████╗  ██████╗ ███╗   ███╗
██║     ██╔═══██╗██╔═══██╗████╗ ████║
██║     ██║   ██║██║   ██║██╔████╔██║
██║     ██║   ██║██║   ██║██║╚██╔╝██║
███████╗╚██████╔╝╚██████╔╝██║ ╚═╝ ██║
╚══════╝ ╚═════╝  ╚═════╝ ╚═╝     ╚═╝
`
	fmt.Printf("%s%s%s\n", violet, banner, reset)
}

// shouldSkipBanner reports whether the invoked command is informational;
// those write to stdout and must stay machine-readable.
func shouldSkipBanner(args []string) bool {
	for _, arg := range args[1:] {
		switch arg {
		case "schema", "validate", "version", "--help", "-h":
			return true
		}
	}
	return false
}

func main() {
	if !shouldSkipBanner(os.Args) {
		printBanner()
	}

	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("loom"),
		kong.Description("Loom - a config-first runtime for tool-using LLM agents"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
