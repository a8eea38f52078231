// Command inkeep-run is the agent execution runtime.
//
// Usage:
//
//	inkeep-run serve --config config.yaml
//	inkeep-run validate --config config.yaml
//	inkeep-run version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/inkeep/agents-run/pkg/auth"
	"github.com/inkeep/agents-run/pkg/config"
	"github.com/inkeep/agents-run/pkg/conversation"
	"github.com/inkeep/agents-run/pkg/credentials"
	"github.com/inkeep/agents-run/pkg/executor"
	"github.com/inkeep/agents-run/pkg/ledger"
	"github.com/inkeep/agents-run/pkg/logger"
	"github.com/inkeep/agents-run/pkg/metrics"
	"github.com/inkeep/agents-run/pkg/model"
	"github.com/inkeep/agents-run/pkg/registry"
	"github.com/inkeep/agents-run/pkg/sandbox"
	"github.com/inkeep/agents-run/pkg/server"
	"github.com/inkeep/agents-run/pkg/tools"
	"github.com/inkeep/agents-run/pkg/toolsession"
	"github.com/inkeep/agents-run/pkg/version"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the execution runtime."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stdout)."`
	LogFormat string `help:"Log format (compact or text)." default:"compact"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("inkeep-run %s\n", version.Version)
	return nil
}

// ValidateCmd loads the config and reports problems without serving.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK\n")
	fmt.Printf("  Listen:   %s\n", cfg.ListenAddr())
	fmt.Printf("  Base URL: %s\n", cfg.Server.BaseURL)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Model:    %s/%s\n", cfg.Model.Provider, cfg.Model.Model)
	return nil
}

// ServeCmd starts the runtime server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	store, err := ledger.OpenFile(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	pool, err := sandbox.NewPool(cfg.Sandbox.Dir)
	if err != nil {
		return fmt.Errorf("init sandbox pool: %w", err)
	}
	defer pool.Close()

	sessions := toolsession.NewManager()
	defer sessions.Close()

	creds := credentials.NewRegistry(
		credentials.NewMemoryStore("memory-default"),
		credentials.NewEnvStore("env-default"),
	)

	reg := registry.New(store, cfg.Server.BaseURL)
	shaper := conversation.NewShaper(store)
	factory := tools.NewFactory(store, creds, sandbox.NewRunner(pool))

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	exec := executor.New(executor.Config{
		Store:       store,
		Registry:    reg,
		Shaper:      shaper,
		Sessions:    sessions,
		Factory:     factory,
		Provider:    provider,
		Metrics:     m,
		TurnTimeout: cfg.TurnTimeout(),
	})

	resolver := auth.NewResolver(store, cfg.Auth.BypassSecret, auth.Environment(cfg.Auth.Environment))

	srv := server.New(server.Config{
		Addr:        cfg.ListenAddr(),
		BaseURL:     cfg.Server.BaseURL,
		Store:       store,
		Resolver:    resolver,
		Registry:    reg,
		Executor:    exec,
		Metrics:     m,
		Credentials: creds,
	})

	fmt.Printf("\ninkeep-run ready\n")
	fmt.Printf("  A2A:        %s/agents/{graphId}/a2a\n", cfg.Server.BaseURL)
	fmt.Printf("  Agent card: %s/agents/{graphId}/.well-known/agent.json\n", cfg.Server.BaseURL)
	fmt.Printf("  Health:     %s/health\n", cfg.Server.BaseURL)
	fmt.Printf("  Docs:       %s/docs\n\nPress Ctrl+C to stop\n", cfg.Server.BaseURL)

	return srv.Start(ctx)
}

// buildProvider creates the completion provider named in the config.
// Any OpenAI-compatible endpoint works through base_url.
func buildProvider(cfg *config.Config) (model.Provider, error) {
	switch cfg.Model.Provider {
	case "", "openai":
		return model.NewOpenAIProvider(model.OpenAIConfig{
			BaseURL:     cfg.Model.BaseURL,
			APIKey:      cfg.Model.APIKey,
			Model:       cfg.Model.Model,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("inkeep-run"),
		kong.Description("Inkeep agent execution runtime"),
		kong.UsageOnError(),
	)

	output := os.Stdout
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
