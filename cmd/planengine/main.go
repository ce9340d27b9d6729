// Command planengine runs the goal-directed plan execution engine: an HTTP
// server over the task store and commit graph, plus one-shot subcommands
// for MCTS optimization and database migration.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/ngaut/planengine/internal/commitgraph"
	"github.com/ngaut/planengine/internal/commitgraph/fsgraph"
	"github.com/ngaut/planengine/internal/commitgraph/sqlgraph"
	"github.com/ngaut/planengine/internal/config"
	"github.com/ngaut/planengine/internal/httpapi"
	"github.com/ngaut/planengine/internal/instructions"
	"github.com/ngaut/planengine/internal/labelclassifier"
	"github.com/ngaut/planengine/internal/llm"
	"github.com/ngaut/planengine/internal/llm/anthropicllm"
	"github.com/ngaut/planengine/internal/llm/openaillm"
	"github.com/ngaut/planengine/internal/mcts"
	"github.com/ngaut/planengine/internal/plancache"
	"github.com/ngaut/planengine/internal/plangen"
	"github.com/ngaut/planengine/internal/taskmanager"
	"github.com/ngaut/planengine/internal/taskqueue"
	"github.com/ngaut/planengine/internal/taskstore"
	"github.com/ngaut/planengine/internal/taskstore/sqlstore"
	"github.com/ngaut/planengine/internal/telemetry"
	"github.com/ngaut/planengine/internal/toolregistry"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	root := &cobra.Command{
		Use:     "planengine",
		Short:   "Goal-directed plan execution engine",
		Version: "dev",
	}
	root.AddCommand(serveCmd(), migrateCmd(), optimizeCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			co, err := buildCollaborators(ctx)
			if err != nil {
				return err
			}
			defer co.Close()

			server := &httpapi.Server{
				Graph:              co.graph,
				Tasks:              co.tasks,
				Manager:            co.manager,
				Optimizer:          co.optimizer,
				Queue:              co.queue,
				GeneratedFilesDir:  co.cfg.GeneratedFilesDir,
				CORSAllowedOrigins: co.cfg.CORSAllowedOrigins,
				Log:                co.log,
				Metrics:            co.metrics,
			}
			log.Print(ctx, log.KV{K: "addr", V: co.cfg.HTTPAddr})
			return http.ListenAndServe(co.cfg.HTTPAddr, server.Router())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the relational schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.CommitGraphBackend != config.BackendSQL {
				return fmt.Errorf("migrate: COMMIT_GRAPH_BACKEND must be %q", config.BackendSQL)
			}
			graph, err := sqlgraph.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer graph.Close()
			store, err := sqlstore.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()
			statusOK("schema applied")
			return nil
		},
	}
}

func optimizeCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run one MCTS optimization pass for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("optimize: --task is required")
			}
			ctx := cmd.Context()
			co, err := buildCollaborators(ctx)
			if err != nil {
				return err
			}
			defer co.Close()

			task, err := co.tasks.Get(ctx, taskID)
			if err != nil {
				return err
			}
			if err := co.optimizer.Run(ctx, taskID, task.Goal); err != nil {
				return err
			}
			statusOK(fmt.Sprintf("optimization pass complete for task %s", taskID))
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task ID to optimize")
	return cmd
}

// statusOK prints a terminal-colored success line when stdout is a TTY,
// falling back to a plain one when it's redirected to a file or pipe.
func statusOK(msg string) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		color.New(color.FgGreen, color.Bold).Fprintln(os.Stdout, msg)
		return
	}
	fmt.Fprintln(os.Stdout, msg)
}

// collaborators bundles every service main wires once at boot, shared by
// serve and optimize.
type collaborators struct {
	cfg       *config.Config
	graph     commitgraph.Graph
	tasks     taskstore.Store
	queue     *taskqueue.Queue
	manager   *taskmanager.Manager
	optimizer *mcts.Optimizer
	log       telemetry.Logger
	metrics   telemetry.Metrics
	closers   []func() error
}

func (co *collaborators) Close() {
	for i := len(co.closers) - 1; i >= 0; i-- {
		_ = co.closers[i]()
	}
}

func buildCollaborators(ctx context.Context) (*collaborators, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTELMetrics("planengine")

	client, err := buildLLMClient(cfg)
	if err != nil {
		return nil, err
	}

	var closers []func() error

	graph, err := buildGraph(cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := graph.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	tasks, labelStore, err := buildTaskStore(cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := tasks.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	tools := toolregistry.New()

	vmSpec, err := os.ReadFile(cfg.VMSpecPath)
	if err != nil {
		return nil, fmt.Errorf("planengine: read vm spec markdown: %w", err)
	}
	generator, err := plangen.NewGenerator(client, tools, string(vmSpec))
	if err != nil {
		return nil, err
	}
	optimizerGen := &plangen.Optimizer{LLM: client}
	classifier := labelclassifier.New(labelStore, client)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("planengine: parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		closers = append(closers, redisClient.Close)
	}
	cache := plancache.New(bestPlansSource(tasks), redisClient, logger)
	cache.Start(ctx)

	toolDeps := instructions.Deps{Tools: tools, LLM: client}
	manager := taskmanager.New(graph, tasks, generator, optimizerGen, classifier, cache, toolDeps, 4, logger, metrics)

	evaluator := mcts.NewEvaluator(client)
	optimizer := mcts.New(graph, manager, evaluator, 32, 2*time.Minute, logger, metrics)

	queue := taskqueue.New(cfg.TaskQueueWorkers, cfg.TaskQueueTimeout, logger, metrics)
	queue.Start(ctx)
	closers = append(closers, func() error { queue.Stop(); return nil })

	return &collaborators{
		cfg: cfg, graph: graph, tasks: tasks, queue: queue, manager: manager,
		optimizer: optimizer, log: logger, metrics: metrics, closers: closers,
	}, nil
}

func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "openai":
		return openaillm.NewFromAPIKey(cfg.OpenAIKey, cfg.LLMModel)
	default:
		return anthropicllm.NewFromAPIKey(cfg.AnthropicKey, cfg.LLMModel)
	}
}

func buildGraph(cfg *config.Config) (commitgraph.Graph, error) {
	switch cfg.CommitGraphBackend {
	case config.BackendSQL:
		return sqlgraph.Open(cfg.DatabaseURL)
	default:
		return fsgraph.Open(cfg.FSRepoRoot)
	}
}

// buildTaskStore returns the task store alongside the labelclassifier.Store
// it's paired with; both backends share one underlying database handle (or
// map, for Memory/MemoryLabels) so namespace/label writes stay consistent
// with task rows.
func buildTaskStore(cfg *config.Config) (taskstore.Store, labelclassifier.Store, error) {
	if cfg.CommitGraphBackend == config.BackendSQL {
		store, err := sqlstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
	mem := taskstore.NewMemory()
	return mem, taskstore.NewMemoryLabels(mem), nil
}

// bestPlansSource feeds the plan cache's periodic refresh from every task
// carrying a non-empty best_plan.
func bestPlansSource(tasks taskstore.Store) plancache.Source {
	return func(ctx context.Context) ([]plancache.Entry, error) {
		page, err := tasks.ListBestPlans(ctx, 0, 0)
		if err != nil {
			return nil, err
		}
		out := make([]plancache.Entry, 0, len(page.Items))
		for _, t := range page.Items {
			var rf map[string]string
			if v, ok := t.Meta["response_format"].(map[string]string); ok {
				rf = v
			}
			out = append(out, plancache.Entry{Goal: t.Goal, ResponseFormat: rf, BestPlan: t.BestPlan})
		}
		return out, nil
	}
}
