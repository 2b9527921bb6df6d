// Package app wires the orchestrator's components and runs the
// supervisor loop that drains the event queue.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	germinal "github.com/edwiny/germinal"
	"github.com/edwiny/germinal/internal/config"
	"github.com/edwiny/germinal/provider/openaicompat"
	"github.com/edwiny/germinal/server"
	"github.com/edwiny/germinal/tools/content"
	"github.com/edwiny/germinal/tools/fsys"
	"github.com/edwiny/germinal/tools/git"
	"github.com/edwiny/germinal/tools/notify"
	"github.com/edwiny/germinal/tools/shellrun"
	"github.com/edwiny/germinal/tools/sysinfo"
	"github.com/edwiny/germinal/tools/task"
)

// idleSleep is the queue poll interval when no events are pending.
const idleSleep = 500 * time.Millisecond

// EnvModelOverride lets the operator swap the default model without
// touching the config file.
const EnvModelOverride = "ORCHESTRATOR_MODEL"

// ProviderFactory builds a chat provider for a configured model entry.
type ProviderFactory func(m config.ModelConfig, apiKey string) germinal.Provider

// App owns the wired orchestrator runtime.
type App struct {
	cfg      config.Config
	store    germinal.Store
	queue    *germinal.Queue
	router   *germinal.Router
	contexts *germinal.ContextManager
	registry *germinal.Registry
	invoker  *germinal.Invoker
	waiters  *germinal.Waiters
	slots    *content.Slots
	logger   *slog.Logger
	tracer   germinal.Tracer

	providers ProviderFactory
}

// Option configures an App.
type Option func(*App)

// WithLogger sets the structured logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithProviderFactory overrides how chat providers are built. The daemon
// uses this to wrap providers with OTEL instrumentation; tests use it to
// substitute fakes.
func WithProviderFactory(f ProviderFactory) Option {
	return func(a *App) { a.providers = f }
}

// WithTracer sets the tracer passed to the invocation engine.
func WithTracer(t germinal.Tracer) Option {
	return func(a *App) { a.tracer = t }
}

// New wires an App on the given store and approval gate. The gate may be
// nil, in which case tool risk gating falls back to the engine default.
func New(cfg config.Config, store germinal.Store, gate germinal.Gate, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		store:   store,
		queue:   germinal.NewQueue(store),
		router:  germinal.NewRouter(germinal.DefaultRules()...),
		waiters: germinal.NewWaiters(),
		slots:   content.New(),
		logger:  slog.Default(),
		providers: func(m config.ModelConfig, apiKey string) germinal.Provider {
			return openaicompat.NewProvider(apiKey, m.Model, m.BaseURL)
		},
	}
	for _, o := range opts {
		o(a)
	}

	a.queue = germinal.NewQueue(store, germinal.WithQueueLogger(a.logger))
	a.contexts = germinal.NewContextManager(store,
		germinal.WithContextLogger(a.logger),
		germinal.WithRecentBufferTokens(cfg.Context.RecentBufferTokens),
		germinal.WithSummaryTokens(cfg.Context.SummaryTokens),
		germinal.WithBriefTokens(cfg.Context.BriefTokens),
	)

	a.registry = germinal.NewRegistry()
	toolSets := [][]germinal.Tool{
		fsys.New(cfg.Paths.AllowedRead, cfg.Paths.AllowedWrite,
			fsys.WithMaxFileSize(cfg.Input.MaxFileSizeMB),
			fsys.WithLargeFileThreshold(cfg.Input.LargeFileThresholdMB),
		).Tools(),
		shellrun.New(cfg.Tools.ShellAllowlist).Tools(),
		git.New().Tools(),
		task.New(store, cfg.Projects.DefaultProjectID).Tools(),
		notify.New().Tools(),
		sysinfo.New().Tools(),
		a.slots.Tools(),
	}
	for _, ts := range toolSets {
		if err := a.registry.RegisterAll(ts); err != nil {
			return nil, fmt.Errorf("register tools: %w", err)
		}
	}

	invokerOpts := []germinal.InvokerOption{
		germinal.WithGate(gate),
		germinal.WithInvokerLogger(a.logger),
	}
	if a.tracer != nil {
		invokerOpts = append(invokerOpts, germinal.WithTracer(a.tracer))
	}
	a.invoker = germinal.NewInvoker(store, a.registry, a.contexts, invokerOpts...)
	return a, nil
}

// Waiters exposes the event waiter table for the HTTP front-end.
func (a *App) Waiters() *germinal.Waiters { return a.waiters }

// Queue exposes the event queue for the HTTP front-end and push CLI.
func (a *App) Queue() *germinal.Queue { return a.queue }

// Run starts the supervisor: store init, stale event recovery, timer and
// network listeners, then the drain loop until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	if n, err := a.queue.ResetStale(ctx); err != nil {
		return fmt.Errorf("reset stale events: %w", err)
	} else if n > 0 {
		a.logger.Info("app: requeued stale events", "count", n)
	}

	interval := time.Duration(a.cfg.Timer.IntervalS) * time.Second
	if interval <= 0 {
		interval = germinal.DefaultTimerInterval
	}
	timer := germinal.NewTimer(a.queue,
		germinal.WithTimerLogger(a.logger),
		germinal.WithTimerInterval(interval),
	)
	go timer.Run(ctx)

	if a.cfg.Network.Enabled {
		a.startServers(ctx)
	}

	a.logger.Info("app: supervisor running")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("app: shutting down")
			return ctx.Err()
		default:
		}

		ev, err := a.queue.Dequeue(ctx)
		if errors.Is(err, germinal.ErrQueueEmpty) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleSleep):
			}
			continue
		}
		if err != nil {
			a.logger.Error("app: dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleSleep):
			}
			continue
		}

		a.process(ctx, ev)
	}
}

// RunWithSignal wraps Run with SIGINT/SIGTERM handling.
func (a *App) RunWithSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startServers(ctx context.Context) {
	opts := []server.Option{
		server.WithLogger(a.logger),
		server.WithModelName(a.cfg.Network.ModelName),
		server.WithDefaultAgentType(a.cfg.Network.DefaultAgentType),
		server.WithDefaultProject(a.cfg.Projects.DefaultProjectID),
	}
	if a.cfg.Network.RequestTimeoutS > 0 {
		opts = append(opts, server.WithRequestTimeout(time.Duration(a.cfg.Network.RequestTimeoutS)*time.Second))
	}
	if a.cfg.Network.RequireAuth {
		opts = append(opts, server.WithAuth(a.cfg.Network.APIKey))
	}
	srv := server.New(a.queue, a.waiters, opts...)

	addr := net.JoinHostPort(a.cfg.Network.TCP.Host, strconv.Itoa(a.cfg.Network.TCP.Port))
	go func() {
		if err := srv.ListenTCP(ctx, addr); err != nil {
			a.logger.Error("app: tcp server failed", "error", err)
		}
	}()
	if a.cfg.Network.UnixSocket != "" {
		go func() {
			if err := srv.ListenUnix(ctx, a.cfg.Network.UnixSocket); err != nil {
				a.logger.Error("app: unix server failed", "error", err)
			}
		}()
	}
}

// process handles one claimed event end to end. The waiter is always
// resolved so HTTP callers never hang past their timeout.
func (a *App) process(ctx context.Context, ev germinal.Event) {
	a.logger.Info("app: processing event", "id", ev.ID, "source", ev.Source, "type", ev.Type)

	decision, err := a.router.Route(ev)
	if err != nil {
		a.logger.Warn("app: event not routed", "id", ev.ID, "error", err)
		_ = a.queue.Fail(ctx, ev.ID)
		a.waiters.Resolve(ev.ID, &germinal.InvokeResult{
			Status:   germinal.InvocationFailed,
			Response: "Event could not be routed: " + err.Error(),
		})
		return
	}

	projectID := a.cfg.Projects.DefaultProjectID
	if pid, _ := ev.Payload["project_id"].(string); pid != "" {
		projectID = pid
	}
	if err := a.contexts.EnsureProject(ctx, projectID, a.cfg.Projects.DefaultProjectName); err != nil {
		a.logger.Error("app: ensure project failed", "project", projectID, "error", err)
	}

	agentType := decision.AgentType
	if at, _ := ev.Payload["agent_type"].(string); at != "" {
		agentType = at
	}
	agentCfg, ok := a.cfg.Agents[agentType]
	if !ok {
		a.failEvent(ctx, ev.ID, fmt.Sprintf("no agent configured for type %q", agentType))
		return
	}

	provider, maxTokens, err := a.buildProvider(decision.ModelKey)
	if err != nil {
		a.failEvent(ctx, ev.ID, err.Error())
		return
	}

	task := decision.Task
	if a.oversized(task) {
		slotID := a.slots.Put(task)
		preview := task
		if max := a.cfg.Input.MaxInlineChars; max > 0 && max < len(preview) {
			preview = preview[:max]
		}
		task = fmt.Sprintf(
			"The full input (%d characters) is parked under slot %s across %d pages. Use read_large_content to page through it.\n\nIt begins:\n%s",
			len(task), slotID, a.slots.Pages(slotID), preview,
		)
	}

	res, err := a.invoker.Invoke(ctx, germinal.InvokeParams{
		Task: task,
		Agent: germinal.AgentConfig{
			Type:                agentType,
			AllowedTools:        agentCfg.AllowedTools,
			MaxIterations:       agentCfg.MaxIterations,
			ApprovalRequiredFor: agentCfg.ApprovalRequiredFor,
		},
		Provider:  provider,
		ProjectID: projectID,
		EventID:   ev.ID,
		MaxTokens: maxTokens,
	})
	if err != nil {
		a.failEvent(ctx, ev.ID, "invocation error: "+err.Error())
		return
	}

	if res.Status == germinal.InvocationDone {
		_ = a.queue.Complete(ctx, ev.ID)
	} else {
		_ = a.queue.Fail(ctx, ev.ID)
	}
	a.waiters.Resolve(ev.ID, res)
	a.logger.Info("app: event processed", "id", ev.ID, "invocation", res.InvocationID, "status", res.Status)
}

// oversized reports whether a task exceeds the inline character cap or
// the estimated token cap and must be parked in a content slot.
func (a *App) oversized(task string) bool {
	if max := a.cfg.Input.MaxInlineChars; max > 0 && len(task) > max {
		return true
	}
	if max := a.cfg.Input.MaxTokensEstimate; max > 0 && germinal.EstimateTokens(task) > max {
		return true
	}
	return false
}

func (a *App) failEvent(ctx context.Context, eventID, reason string) {
	a.logger.Error("app: event failed", "id", eventID, "reason", reason)
	_ = a.queue.Fail(ctx, eventID)
	a.waiters.Resolve(eventID, &germinal.InvokeResult{
		Status:   germinal.InvocationFailed,
		Response: reason,
	})
}

// buildProvider resolves a model key to a ready provider. The
// ORCHESTRATOR_MODEL env var overrides the model name for the default
// key only, so scheduled category models stay pinned.
func (a *App) buildProvider(modelKey string) (germinal.Provider, int, error) {
	m, ok := a.cfg.Model(modelKey)
	if !ok {
		return nil, 0, fmt.Errorf("no model configured for key %q", modelKey)
	}
	if override := os.Getenv(EnvModelOverride); override != "" && (modelKey == "" || modelKey == "default") {
		m.Model = override
	}

	apiKey := ""
	if m.APIKeyEnv != "" {
		apiKey = os.Getenv(m.APIKeyEnv)
	}
	return a.providers(m, apiKey), m.MaxTokens, nil
}

// RunOnce pushes a single task and processes events until that task's
// event reaches a terminal state. Used by the one-shot CLI.
func (a *App) RunOnce(ctx context.Context, taskText, agentType, projectID string) (*germinal.InvokeResult, error) {
	if err := a.store.Init(ctx); err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}

	payload := map[string]any{"message": taskText, "_ts": germinal.NowMillis()}
	if agentType != "" {
		payload["agent_type"] = agentType
	}
	if projectID != "" {
		payload["project_id"] = projectID
	}
	id, err := a.queue.Push(ctx, "user", "message", payload, germinal.PriorityHighest)
	if err != nil {
		return nil, fmt.Errorf("push task: %w", err)
	}
	ch := a.waiters.Register(id)

	// Drain until our event resolves; earlier queued events (if any) are
	// processed on the way.
	for {
		select {
		case res := <-ch:
			return res, nil
		default:
		}

		ev, err := a.queue.Dequeue(ctx)
		if errors.Is(err, germinal.ErrQueueEmpty) {
			select {
			case res := <-ch:
				return res, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(idleSleep):
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		a.process(ctx, ev)
	}
}
