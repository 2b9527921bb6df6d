// Command germinal runs the agent orchestrator, either as a long-lived
// daemon draining the event queue or as a one-shot invocation for a
// single task.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	germinal "github.com/edwiny/germinal"
	"github.com/edwiny/germinal/internal/app"
	"github.com/edwiny/germinal/internal/config"
	"github.com/edwiny/germinal/observer"
	"github.com/edwiny/germinal/provider/openaicompat"
	"github.com/edwiny/germinal/store/sqlite"
)

var (
	flagConfig   string
	flagAgent    string
	flagProject  string
	flagPriority int
	flagSource   string
	flagType     string
)

func main() {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "germinal [task]",
		Short: "Agent orchestration runtime",
		Long: `germinal queues events, routes them to LLM agents, and executes
their tool calls under risk gating. Without arguments it prints help;
pass a task for a one-shot invocation or use the daemon subcommand.`,
		Args: cobra.ArbitraryArgs,
		RunE: runOneShot,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	root.Flags().StringVar(&flagAgent, "agent", "", "agent type (default from config)")
	root.Flags().StringVar(&flagProject, "project", "", "project id (default from config)")

	daemon := &cobra.Command{
		Use:   "daemon",
		Short: "Run the supervisor loop until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}

	push := &cobra.Command{
		Use:   "push [message]",
		Short: "Queue an event without waiting for the result",
		Args:  cobra.ExactArgs(1),
		RunE:  runPush,
	}
	push.Flags().StringVar(&flagSource, "source", "user", "event source")
	push.Flags().StringVar(&flagType, "type", "message", "event type")
	push.Flags().IntVar(&flagPriority, "priority", germinal.PriorityDefault, "priority 1 (highest) to 10")
	push.Flags().StringVar(&flagAgent, "agent", "", "agent type override")
	push.Flags().StringVar(&flagProject, "project", "", "project id")

	root.AddCommand(daemon, push)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	path := config.Resolve(flagConfig)
	if flagConfig == "" && os.Getenv(config.EnvConfigPath) == "" {
		// First run: materialize the defaults so the operator can edit them.
		if home, err := os.UserHomeDir(); err == nil {
			_ = config.Seed(home + "/.config/germinal/config.yaml")
			path = config.Resolve("")
		}
	}
	return config.Load(path)
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	st := sqlite.New(cfg.Paths.DB, sqlite.WithLogger(logger))
	defer st.Close()

	opts := []app.Option{app.WithLogger(logger)}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(context.Background())
		if err != nil {
			return fmt.Errorf("observer init: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
		opts = append(opts,
			app.WithTracer(observer.NewTracer()),
			app.WithProviderFactory(func(m config.ModelConfig, apiKey string) germinal.Provider {
				return observer.WrapProvider(openaicompat.NewProvider(apiKey, m.Model, m.BaseURL), m.Model, inst)
			}),
		)
	}

	gate := germinal.NewTerminalGate(st, germinal.WithGateLogger(logger))
	a, err := app.New(cfg, st, gate, opts...)
	if err != nil {
		return err
	}
	return a.RunWithSignal()
}

func runOneShot(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	task := strings.Join(args, " ")
	if task == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		task = strings.TrimSpace(string(data))
	}
	if task == "" {
		return fmt.Errorf("task is empty")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	st := sqlite.New(cfg.Paths.DB, sqlite.WithLogger(logger))
	defer st.Close()

	gate := germinal.NewTerminalGate(st, germinal.WithGateLogger(logger))
	a, err := app.New(cfg, st, gate, app.WithLogger(logger))
	if err != nil {
		return err
	}

	res, err := a.RunOnce(context.Background(), task, flagAgent, flagProject)
	if err != nil {
		return err
	}

	for _, step := range res.Steps {
		if step.Tool == "" {
			continue
		}
		fmt.Printf("[%s] %s\n", step.Tool, step.Reasoning)
	}
	fmt.Println(res.Response)
	if res.Status != germinal.InvocationDone {
		return fmt.Errorf("invocation %s %s", res.InvocationID, res.Status)
	}
	return nil
}

func runPush(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	st := sqlite.New(cfg.Paths.DB, sqlite.WithLogger(logger))
	defer st.Close()
	ctx := context.Background()
	if err := st.Init(ctx); err != nil {
		return err
	}

	payload := map[string]any{"message": args[0], "_ts": germinal.NowMillis()}
	if flagAgent != "" {
		payload["agent_type"] = flagAgent
	}
	if flagProject != "" {
		payload["project_id"] = flagProject
	}

	q := germinal.NewQueue(st, germinal.WithQueueLogger(logger))
	id, err := q.Push(ctx, flagSource, flagType, payload, flagPriority)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
