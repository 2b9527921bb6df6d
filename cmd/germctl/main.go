// Command germctl inspects the orchestrator database: queued events,
// invocations, tool calls, approvals, projects, history, and tasks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	germinal "github.com/edwiny/germinal"
	"github.com/edwiny/germinal/internal/config"
	"github.com/edwiny/germinal/store/sqlite"
)

// EnvDBPath overrides the database location when set.
const EnvDBPath = "ORCHESTRATOR_DB"

var (
	flagConfig  string
	flagDB      string
	flagJSON    bool
	flagStatus  string
	flagSource  string
	flagProject string
	flagSearch  string
	flagLimit   int
)

func main() {
	root := &cobra.Command{
		Use:           "germctl",
		Short:         "Inspect the orchestrator database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file path")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "database path (overrides config)")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit JSON instead of a table")
	root.PersistentFlags().StringVar(&flagStatus, "status", "", "filter by status")
	root.PersistentFlags().StringVar(&flagSource, "source", "", "filter by source")
	root.PersistentFlags().StringVar(&flagProject, "project", "", "filter by project id")
	root.PersistentFlags().StringVar(&flagSearch, "search", "", "substring filter")
	root.PersistentFlags().IntVar(&flagLimit, "limit", 0, "max rows (default 50)")

	root.AddCommand(
		listCmd("events", "List queued and processed events", listEvents),
		listCmd("invocations", "List agent invocations", listInvocations),
		listCmd("tools", "List tool call audit rows", listToolCalls),
		listCmd("approvals", "List approval requests", listApprovals),
		listCmd("projects", "List projects", listProjects),
		listCmd("tasks", "List backlog tasks", listTasks),
		&cobra.Command{
			Use:   "history <project-id>",
			Short: "Show a project's conversation history",
			Args:  cobra.ExactArgs(1),
			RunE:  func(_ *cobra.Command, args []string) error { return withStore(func(ctx context.Context, s *sqlite.Store) error { return showHistory(ctx, s, args[0]) }) },
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Show one record by id (evt_, inv_, tc_, appr_, task_)",
			Args:  cobra.ExactArgs(1),
			RunE:  func(_ *cobra.Command, args []string) error { return withStore(func(ctx context.Context, s *sqlite.Store) error { return showRecord(ctx, s, args[0]) }) },
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show row counts per table",
			Args:  cobra.NoArgs,
			RunE:  func(_ *cobra.Command, _ []string) error { return withStore(showStats) },
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func listCmd(use, short string, run func(context.Context, *sqlite.Store) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE:  func(_ *cobra.Command, _ []string) error { return withStore(run) },
	}
}

// dbPath resolves the database location: --db, then ORCHESTRATOR_DB, then
// the config file.
func dbPath() (string, error) {
	if flagDB != "" {
		return flagDB, nil
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		return v, nil
	}
	cfg, err := config.Load(config.Resolve(flagConfig))
	if err != nil {
		return "", err
	}
	return cfg.Paths.DB, nil
}

func withStore(fn func(context.Context, *sqlite.Store) error) error {
	path, err := dbPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("database %s not found, has the daemon run yet?", path)
	}
	s := sqlite.New(path)
	defer s.Close()
	return fn(context.Background(), s)
}

func filter() germinal.ListFilter {
	return germinal.ListFilter{
		Status:    flagStatus,
		Source:    flagSource,
		ProjectID: flagProject,
		Search:    flagSearch,
		Limit:     flagLimit,
	}
}

func emit(rows any, render func(w *tabwriter.Writer)) error {
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	render(w)
	return w.Flush()
}

func stamp(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-1] + "…"
	}
	return s
}

func listEvents(ctx context.Context, s *sqlite.Store) error {
	events, err := s.ListEvents(ctx, filter())
	if err != nil {
		return err
	}
	return emit(events, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tSOURCE\tTYPE\tPRI\tSTATUS\tCREATED")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				ev.ID, ev.Source, ev.Type, ev.Priority, ev.Status, stamp(ev.CreatedAt))
		}
	})
}

func listInvocations(ctx context.Context, s *sqlite.Store) error {
	invs, err := s.ListInvocations(ctx, filter())
	if err != nil {
		return err
	}
	return emit(invs, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tAGENT\tPROJECT\tSTATUS\tCREATED\tTASK")
		for _, inv := range invs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				inv.ID, inv.AgentType, inv.ProjectID, inv.Status, stamp(inv.CreatedAt), clip(inv.Task, 48))
		}
	})
}

func listToolCalls(ctx context.Context, s *sqlite.Store) error {
	calls, err := s.ListToolCalls(ctx, filter())
	if err != nil {
		return err
	}
	return emit(calls, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tINVOCATION\tTOOL\tRISK\tSTATUS\tCREATED")
		for _, tc := range calls {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				tc.ID, tc.InvocationID, tc.ToolName, tc.RiskLevel, tc.Status, stamp(tc.CreatedAt))
		}
	})
}

func listApprovals(ctx context.Context, s *sqlite.Store) error {
	aps, err := s.ListApprovals(ctx, filter())
	if err != nil {
		return err
	}
	return emit(aps, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tTOOL\tAGENT\tRESPONSE\tCREATED")
		for _, ap := range aps {
			resp := ap.Response
			if resp == "" {
				resp = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				ap.ID, ap.ToolName, ap.AgentType, resp, stamp(ap.CreatedAt))
		}
	})
}

func listProjects(ctx context.Context, s *sqlite.Store) error {
	projects, err := s.ListProjects(ctx, filter())
	if err != nil {
		return err
	}
	return emit(projects, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tSUMMARY\tCREATED")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, clip(p.Summary, 48), stamp(p.CreatedAt))
		}
	})
}

func listTasks(ctx context.Context, s *sqlite.Store) error {
	tasks, err := s.ListTasks(ctx, filter())
	if err != nil {
		return err
	}
	return emit(tasks, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tUPDATED\tTITLE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.ProjectID, t.Status, stamp(t.UpdatedAt), clip(t.Title, 48))
		}
	})
}

func showHistory(ctx context.Context, s *sqlite.Store, projectID string) error {
	entries, err := s.ListHistory(ctx, projectID, flagLimit)
	if err != nil {
		return err
	}
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, e := range entries {
		fmt.Printf("--- %s %s\n%s\n", stamp(e.CreatedAt), e.Role, e.Content)
	}
	return nil
}

func showRecord(ctx context.Context, s *sqlite.Store, id string) error {
	var record any
	var err error
	switch {
	case strings.HasPrefix(id, "evt_"):
		record, err = s.GetEvent(ctx, id)
	case strings.HasPrefix(id, "inv_"):
		record, err = s.GetInvocation(ctx, id)
	case strings.HasPrefix(id, "tc_"):
		record, err = s.GetToolCall(ctx, id)
	case strings.HasPrefix(id, "appr_"):
		record, err = s.GetApproval(ctx, id)
	case strings.HasPrefix(id, "task_"):
		record, err = s.GetTask(ctx, id)
	default:
		record, err = s.GetProject(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("show %s: %w", id, err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}

func showStats(ctx context.Context, s *sqlite.Store) error {
	counts, err := s.TableCounts(ctx)
	if err != nil {
		return err
	}
	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	}
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tROWS")
	for _, t := range tables {
		fmt.Fprintf(w, "%s\t%d\n", t, counts[t])
	}
	return w.Flush()
}
