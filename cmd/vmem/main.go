package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/vmem/internal/config"
	"github.com/kokistudios/vmem/internal/coord"
	"github.com/kokistudios/vmem/internal/decision"
	"github.com/kokistudios/vmem/internal/gitsync"
	vmemmcp "github.com/kokistudios/vmem/internal/mcp"
	"github.com/kokistudios/vmem/internal/memerr"
	"github.com/kokistudios/vmem/internal/memory"
	"github.com/kokistudios/vmem/internal/query"
	"github.com/kokistudios/vmem/internal/store"
	"github.com/kokistudios/vmem/internal/ui"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

func main() {
	var noColor, verbose bool

	rootCmd := &cobra.Command{
		Use:           "vmem",
		Short:         "vmem: coordinate-addressed decision memory",
		Long:          "Records the decisions agents make at each (task, stage, layer) coordinate of a staged workflow, and retrieves exactly the context a later stage needs.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Init(noColor)
			ui.SetVerbose(verbose)
		},
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "query", Title: "Query Commands:"},
		&cobra.Group{ID: "sync", Title: "Persistence Commands:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	for _, c := range []*cobra.Command{initCmd(), storeCmd(), getCmd(), existsCmd()} {
		c.GroupID = "core"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{rangeCmd(), beforeCmd(), searchCmd()} {
		c.GroupID = "query"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{syncCmd(), loadCmd()} {
		c.GroupID = "sync"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{doctorCmd(), configCmd()} {
		c.GroupID = "config"
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(completionCmd())
	rootCmd.AddCommand(mcpServeCmd())

	if err := rootCmd.Execute(); err != nil {
		if ui.Logger == nil {
			ui.Init(noColor)
		}
		ui.Error(err.Error())
		if memerr.Retryable(err) {
			ui.Info("Another agent holds the lock; retry shortly.")
		}
		os.Exit(1)
	}
}

func memoryRoot() string {
	return config.Root(config.RepoPath())
}

func openMemory(cmd *cobra.Command) (*memory.Manager, error) {
	return memory.Open(cmd.Context(), memory.Options{
		Root:   memoryRoot(),
		Logger: ui.Logger,
	})
}

func parseCoord(args []string) (coord.Coordinate, error) {
	stage, err := coord.ParseStage(args[1])
	if err != nil {
		return coord.Coordinate{}, err
	}
	layer, err := coord.ParseLayer(args[2])
	if err != nil {
		return coord.Coordinate{}, err
	}
	return coord.New(args[0], stage, layer)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func initCmd() *cobra.Command {
	var force, yes bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Initialize the .vector-memory directory",
		Long:    "Create .vector-memory/ in the current repository (or $VMEM_REPO) with config.yaml and a .gitignore for lock and temp files.",
		Example: "  vmem init\n  vmem init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := memoryRoot()
			if force && !yes {
				if _, err := os.Stat(filepath.Join(root, config.FileName)); err == nil {
					ok, err := ui.Confirm("Reset config.yaml to defaults? Decisions are kept.")
					if err != nil {
						return err
					}
					if !ok {
						ui.EmptyState("Aborted.")
						return nil
					}
				}
			}
			if err := config.Init(root, force); err != nil {
				return err
			}
			if _, err := store.Open(root, store.Options{}); err != nil {
				return err
			}
			ui.Success("Vector memory initialized")
			ui.Detail("Root:", root)
			if !gitsync.NewGit(root).IsRepo(cmd.Context()) {
				ui.Warning("Not inside a git repository; 'vmem sync' will fail until it is.")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reinitialize config.yaml even if it already exists")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func storeCmd() *cobra.Command {
	var file, title, issue string
	var meta map[string]string
	cmd := &cobra.Command{
		Use:   "store <task> <stage> <layer> [content]",
		Short: "Record a decision at a coordinate",
		Long: `Record a decision at (task, stage, layer). Content comes from the argument,
from --file, or from stdin when the argument is "-".

Stages: 1 architect, 2 test, 3 implement, 4 review, 5 merge.
Layers: 1 architecture (immutable once written), 2 interfaces, 3 implementation, 4 ephemeral.`,
		Example: `  vmem store codeframe-aco-t49 architect 1 "Use PostgreSQL for persistence"
  vmem store t-5 2 3 --file notes.md --title "retry policy"
  git diff | vmem store t-5 implement ephemeral -`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseCoord(args)
			if err != nil {
				return err
			}
			content, err := readContent(args[3:], file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if meta == nil {
				meta = map[string]string{}
			}
			if title != "" {
				meta[decision.ContextTitle] = title
			}
			if issue != "" {
				meta[decision.ContextIssueID] = issue
			}
			meta[decision.ContextStageName] = c.Stage.String()

			m, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			rec, err := m.Store(cmd.Context(), c, content, meta)
			if err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Stored %s", rec.Coordinate.Location()))
			if rec.Coordinate.Layer.Immutable() {
				ui.Detail("Layer:", ui.Locked("architecture (immutable)"))
			}
			ui.Detail("Agent:", rec.AgentID)
			ui.Detail("Pending:", fmt.Sprintf("%d decision(s) awaiting 'vmem sync'", len(m.Pending())))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read content from a file")
	cmd.Flags().StringVar(&title, "title", "", "Short title for the decision")
	cmd.Flags().StringVar(&issue, "issue", "", "Issue tracker id")
	cmd.Flags().StringToStringVar(&meta, "context", nil, "Extra metadata as key=value pairs")
	return cmd
}

func readContent(args []string, file string, stdin io.Reader) (string, error) {
	switch {
	case file != "" && len(args) > 0:
		return "", fmt.Errorf("give content either as an argument or with --file, not both")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", file, err)
		}
		return string(data), nil
	case len(args) == 0:
		return "", fmt.Errorf("content is required (argument, --file, or - for stdin)")
	case args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	return args[0], nil
}

func getCmd() *cobra.Command {
	var render, raw, asJSON bool
	cmd := &cobra.Command{
		Use:     "get <task> <stage> <layer>",
		Short:   "Show the decision at a coordinate",
		Example: "  vmem get t-5 2 1\n  vmem get t-5 test architecture --render",
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseCoord(args)
			if err != nil {
				return err
			}
			m, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			rec, ok, err := m.Get(cmd.Context(), c)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no decision at %s", c)
			}
			switch {
			case asJSON:
				return printJSON(rec)
			case raw:
				fmt.Print(rec.Content)
				return nil
			}

			ui.SectionHeader("Decision")
			ui.KeyValue("Coordinate:", c.String())
			ui.KeyValue("Stage:     ", c.Stage.String())
			layer := c.Layer.String()
			if c.Layer.Immutable() {
				layer = ui.Locked(layer + " (immutable)")
			}
			ui.KeyValue("Layer:     ", layer)
			ui.KeyValue("Agent:     ", rec.AgentID)
			ui.KeyValue("Timestamp: ", rec.Timestamp.Format("2006-01-02 15:04:05"))
			for _, k := range slices.Sorted(maps.Keys(rec.Context)) {
				ui.KeyValue(fmt.Sprintf("%-11s", k+":"), rec.Context[k])
			}
			fmt.Fprintln(os.Stderr)
			if render {
				ui.RenderMarkdown(rec.Content)
			} else {
				fmt.Println(rec.Content)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&render, "render", false, "Render content as Markdown")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print only the content, byte for byte")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the record as JSON")
	return cmd
}

func existsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <task> <stage> <layer>",
		Short: "Report whether a coordinate is occupied",
		Long:  "Print true or false. Exits 0 either way; errors exit 1.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := parseCoord(args)
			if err != nil {
				return err
			}
			st, err := store.Open(memoryRoot(), store.Options{ReadOnly: true})
			if err != nil {
				return err
			}
			ok, err := st.Exists(c)
			if err != nil {
				return err
			}
			fmt.Println(ok)
			return nil
		},
	}
}

func printRecords(recs []decision.Record, asJSON bool) error {
	if asJSON {
		if recs == nil {
			recs = []decision.Record{}
		}
		return printJSON(recs)
	}
	if len(recs) == 0 {
		ui.EmptyState("No decisions found.")
		return nil
	}
	rows := make([][]string, len(recs))
	for i, r := range recs {
		rows[i] = recordRow(r)
	}
	ui.Table([]string{"TASK", "STAGE", "LAYER", "AGENT", "WHEN", "DECISION"}, rows)
	return nil
}

func recordRow(r decision.Record) []string {
	layer := r.Coordinate.Layer.String()
	if r.Coordinate.Layer.Immutable() {
		layer = ui.Locked(layer)
	}
	return []string{
		r.Coordinate.Task,
		fmt.Sprintf("%d %s", r.Coordinate.Stage, r.Coordinate.Stage),
		layer,
		r.AgentID,
		ui.Dim(r.Timestamp.Local().Format("2006-01-02 15:04")),
		summary(r),
	}
}

func summary(r decision.Record) string {
	line := []rune(r.Title())
	if len(line) > 60 {
		return string(line[:57]) + "..."
	}
	return string(line)
}

func rangeCmd() *cobra.Command {
	var taskMin, taskMax string
	var stageMin, stageMax, layerMin, layerMax int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "range",
		Short: "List decisions inside coordinate bounds",
		Long:  "List decisions whose coordinate lies inside every given inclusive bound. Task bounds follow the configured task order (order.file), lexical by default.",
		Example: `  vmem range --task-min 1 --task-max 10 --layer-min 1 --layer-max 1
  vmem range --stage-min 2 --stage-max 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var q query.RangeQuery
			if cmd.Flags().Changed("task-min") || cmd.Flags().Changed("task-max") {
				if taskMin == "" || taskMax == "" {
					return fmt.Errorf("--task-min and --task-max must be given together")
				}
				q.Task = &query.TaskRange{Min: taskMin, Max: taskMax}
			}
			if cmd.Flags().Changed("stage-min") || cmd.Flags().Changed("stage-max") {
				q.Stage = &query.IntRange{Min: stageMin, Max: stageMax}
			}
			if cmd.Flags().Changed("layer-min") || cmd.Flags().Changed("layer-max") {
				q.Layer = &query.IntRange{Min: layerMin, Max: layerMax}
			}

			m, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			recs, err := m.QueryRange(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printRecords(recs, asJSON)
		},
	}
	cmd.Flags().StringVar(&taskMin, "task-min", "", "Lowest task, inclusive")
	cmd.Flags().StringVar(&taskMax, "task-max", "", "Highest task, inclusive")
	cmd.Flags().IntVar(&stageMin, "stage-min", int(coord.StageArchitect), "Lowest stage, inclusive")
	cmd.Flags().IntVar(&stageMax, "stage-max", int(coord.StageMerge), "Highest stage, inclusive")
	cmd.Flags().IntVar(&layerMin, "layer-min", int(coord.LayerArchitecture), "Lowest layer, inclusive")
	cmd.Flags().IntVar(&layerMax, "layer-max", int(coord.LayerEphemeral), "Highest layer, inclusive")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func beforeCmd() *cobra.Command {
	var layerFlag string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "before <task> <stage>",
		Short: "List decisions that causally precede (task, stage)",
		Long: `List every decision of a task ordered before <task>, plus decisions of <task>
itself at earlier stages. Stage 6 (or "after-merge") includes every stage of <task>.`,
		Example: "  vmem before t-7 implement\n  vmem before t-7 3 --layer architecture",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := parseThreshold(args[1])
			if err != nil {
				return err
			}
			var layer *coord.Layer
			if layerFlag != "" {
				l, err := coord.ParseLayer(layerFlag)
				if err != nil {
					return err
				}
				layer = &l
			}

			m, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			recs, err := m.QueryPartialOrder(cmd.Context(), args[0], stage, layer)
			if err != nil {
				return err
			}
			return printRecords(recs, asJSON)
		},
	}
	cmd.Flags().StringVar(&layerFlag, "layer", "", "Only this layer")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func parseThreshold(v string) (coord.Stage, error) {
	if v == "after-merge" || v == "6" {
		return coord.StageAfterMerge, nil
	}
	return coord.ParseStage(v)
}

func searchCmd() *cobra.Command {
	var all, asJSON bool
	var limit int
	cmd := &cobra.Command{
		Use:     "search <term>...",
		Short:   "Search decision content",
		Long:    "Find decisions containing the given terms. A multi-word term must match every word. Results are ranked by the number of matching terms.",
		Example: "  vmem search postgresql persistence\n  vmem search --all \"connection pool\" retry",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			hits, err := m.Search(cmd.Context(), args, all)
			if err != nil {
				return err
			}
			if limit > 0 && len(hits) > limit {
				hits = hits[:limit]
			}
			if asJSON {
				if hits == nil {
					hits = []query.Hit{}
				}
				return printJSON(hits)
			}
			if len(hits) == 0 {
				ui.EmptyState("No decisions matched.")
				return nil
			}
			rows := make([][]string, len(hits))
			for i, h := range hits {
				rows[i] = append([]string{ui.Bold(fmt.Sprintf("%d/%d", h.Matched, len(args)))}, recordRow(h.Record)...)
			}
			ui.Table([]string{"MATCH", "TASK", "STAGE", "LAYER", "AGENT", "WHEN", "DECISION"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Require every term to match")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print hits as JSON")
	return cmd
}

func syncCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Commit pending decisions to git",
		Long:  "Commit every decision file written since the last sync, including files written by other agents, as a single git commit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			sp := ui.NewSpinner("Committing decisions...")
			res, err := m.Flush(cmd.Context(), label)
			sp.Stop()
			if err != nil {
				return err
			}
			if len(res.Committed) == 0 {
				ui.EmptyState("Nothing to sync.")
				return nil
			}
			ui.Success(fmt.Sprintf("Committed %d decision(s)", len(res.Committed)))
			ui.Detail("Commit:", ui.Green(res.Revision))
			ui.Detail("Message:", res.Label)
			for _, p := range res.Committed {
				ui.Detail("  ", p)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&label, "message", "m", "", "Commit message (default: generated)")
	return cmd
}

func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load",
		Short: "Rebuild the index from disk and report what was found",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer m.Close()

			report, err := m.LoadReport(cmd.Context())
			if err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Indexed %d decision(s) in %s", report.Indexed, report.Took.Round(time.Millisecond)))
			for _, s := range report.Skipped {
				ui.Warning(fmt.Sprintf("skipped %s: %v", s.Location, s.Err))
			}
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check health of the vector memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := memoryRoot()
			if _, err := os.Stat(root); err != nil && !fix {
				return fmt.Errorf("vector memory not initialized; run 'vmem init' first: %w", err)
			}

			if fix {
				ui.CommandBanner("DOCTOR", "repair mode")
				fixed := config.FixIssues(root)
				if st, err := store.Open(root, store.Options{}); err == nil {
					fixed = append(fixed, st.Clean()...)
				}
				for _, f := range fixed {
					ui.Success(fmt.Sprintf("[FIXED] %s", f))
				}
				if len(fixed) == 0 {
					ui.EmptyState("Nothing to fix.")
				}
			} else {
				ui.CommandBanner("DOCTOR", "health check")
			}

			var issues []config.Issue
			issues = append(issues, config.CheckHealth(root)...)

			h, err := config.LoadOrDefault(root)
			if err != nil {
				return err
			}
			st, err := store.Open(root, store.Options{MaxContentBytes: h.Config.Content.MaxBytes, ReadOnly: true})
			if err != nil {
				return err
			}
			storeIssues, err := st.Check(cmd.Context())
			if err != nil {
				return err
			}
			for _, si := range storeIssues {
				issues = append(issues, config.Issue{Severity: si.Severity, Message: fmt.Sprintf("%s: %s", si.Location, si.Message)})
			}

			g := gitsync.NewGit(root)
			if !g.IsRepo(cmd.Context()) {
				issues = append(issues, config.Issue{Severity: "warning", Message: "not inside a git repository; decisions cannot be synced"})
			} else if changed, err := g.Changed(cmd.Context()); err == nil {
				n := 0
				for _, p := range changed {
					if _, err := coord.ParseLocation(p); err == nil {
						n++
					}
				}
				if n > 0 {
					issues = append(issues, config.Issue{Severity: "warning", Message: fmt.Sprintf("%d decision(s) not yet committed (run 'vmem sync')", n)})
				}
			}

			if len(issues) == 0 {
				ui.Success("Everything looks good")
				return nil
			}

			errs, warns := 0, 0
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					errs++
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
					warns++
				}
			}
			fmt.Fprintf(os.Stderr, "\n%s, %s\n", ui.Red(fmt.Sprintf("%d error(s)", errs)), ui.Yellow(fmt.Sprintf("%d warning(s)", warns)))

			if errs > 0 {
				os.Exit(2)
			}
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Recreate missing config and remove stale temp files")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit vmem configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := config.LoadOrDefault(memoryRoot())
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(h.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "get <key>",
		Short:     "Print a configuration value",
		Args:      cobra.ExactArgs(1),
		ValidArgs: config.Keys,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := config.LoadOrDefault(memoryRoot())
			if err != nil {
				return err
			}
			v, err := h.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set a vmem configuration value. Valid keys: " + strings.Join(config.Keys, ", ") + ".",
		Example: `  vmem config set agent_id planner-1
  vmem config set lock.timeout 10s
  vmem config set order.file .beads/order.yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := config.Load(memoryRoot())
			if err != nil {
				return fmt.Errorf("%w (run 'vmem init' first)", err)
			}
			if err := h.Set(args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))
			return nil
		},
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Example:   "  vmem completion bash > ~/.bashrc.d/vmem\n  vmem completion zsh > ~/.zfunc/_vmem",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			default:
				return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", args[0])
			}
		},
	}
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "mcp-serve",
		Short:  "Run vmem as an MCP server",
		Long:   "Start vmem as a Model Context Protocol (MCP) server over stdio so agents can store and query decisions directly.",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			m, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer m.Close()
			if !m.Watching() {
				if err := m.Watch(ctx); err != nil {
					ui.Logger.Warn("external writes will not be picked up", "err", err)
				}
			}

			server := vmemmcp.NewServer(m, version)
			err = server.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

