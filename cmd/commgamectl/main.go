package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"commgame/internal/config"
	"commgame/internal/logging"
	"commgame/internal/metrics"
	"commgame/internal/model"
	"commgame/internal/schedule"
	"commgame/pkg/commgame"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

type CLI struct {
	Train    TrainCmd    `cmd:"" help:"Train a population of agents."`
	Eval     EvalCmd     `cmd:"" help:"Evaluate a stored checkpoint."`
	Topology TopologyCmd `cmd:"" help:"Print the topology an experiment file builds."`
	Runs     RunsCmd     `cmd:"" help:"Inspect stored runs."`

	Config       string `short:"c" help:"Path to experiment file (YAML)." type:"path"`
	Store        string `help:"Store backend (memory, sqlite). Overrides the experiment file."`
	DBPath       string `name:"db-path" help:"SQLite database path. Overrides the experiment file." placeholder:"PATH"`
	LogLevel     string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat    string `help:"Log format (text, json)." default:"text"`
	MetricsAddr  string `name:"metrics-addr" help:"Serve Prometheus metrics on this address while running." placeholder:"HOST:PORT"`
	ArtifactsDir string `name:"artifacts-dir" help:"Directory for per-run artifacts and the run index." default:"artifacts" type:"path"`
}

// app carries what every command needs once flags are parsed.
type app struct {
	ctx     context.Context
	cli     *CLI
	stdout  io.Writer
	logger  *slog.Logger
	metrics *metrics.Recorder
}

type TrainCmd struct {
	RunID    string `name:"run-id" help:"Run id (default: random UUID)."`
	MaxEpoch int    `name:"max-epoch" help:"Override training.max_epoch."`
}

type EvalCmd struct {
	Checkpoint     string `name:"run" help:"Run whose checkpoints to load. Overrides eval.checkpoint_run."`
	Tag            string `help:"Checkpoint tag (latest or step-N). Overrides eval.checkpoint_tag."`
	XProduct       bool   `name:"xproduct" help:"Evaluate every ordered agent pair, not only the topology edges."`
	ExportMessages bool   `name:"export-messages" help:"Store the messages sent on every evaluated pair."`
	CorruptRegion  string `name:"corrupt-region" help:"Flip these message bits (e.g. 0:3,5) before the listener reads them. Implies eval.bit_flip."`
	NoMessage      bool   `name:"no-message" help:"Also score listeners on all-zero messages."`
}

type TopologyCmd struct {
	JSON bool `help:"Emit the summary as JSON."`
}

type RunsCmd struct {
	Show   RunsShowCmd   `cmd:"" help:"Show one run record."`
	List   RunsListCmd   `cmd:"" help:"List indexed runs, newest first."`
	Export RunsExportCmd `cmd:"" help:"Copy a run's artifacts to another directory."`
}

type RunsShowCmd struct {
	RunID string `arg:"" name:"run-id" help:"Run to show."`
	JSON  bool   `help:"Emit the record as JSON."`
}

type RunsListCmd struct {
	Limit int  `help:"Maximum runs to list." default:"20"`
	JSON  bool `help:"Emit the list as JSON."`
}

type RunsExportCmd struct {
	RunID string `arg:"" name:"run-id" help:"Run to export."`
	Out   string `help:"Destination directory." default:"exports" type:"path"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("commgamectl"),
		kong.Description("Emergent communication reference-game trainer."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	level, err := logging.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}
	logger, err := logging.New(stderr, level, cli.LogFormat)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitConfig
	}

	a := &app{ctx: ctx, cli: &cli, stdout: stdout, logger: logger}
	if cli.MetricsAddr != "" {
		a.metrics = metrics.New()
		shutdown, err := serveMetrics(cli.MetricsAddr, a.metrics, logger)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitError
		}
		defer shutdown()
	}

	if err := kctx.Run(a); err != nil {
		return report(stderr, err)
	}
	return exitOK
}

func report(stderr io.Writer, err error) int {
	var cfgErr *model.ConfigurationError
	if errors.As(err, &cfgErr) {
		fmt.Fprintf(stderr, "configuration error: parameter %s: %s\n", cfgErr.Param, cfgErr.Reason)
		return exitConfig
	}
	fmt.Fprintln(stderr, err)
	return exitError
}

func serveMetrics(addr string, rec *metrics.Recorder, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.cli.Config == "" {
		return config.Default(), nil
	}
	return config.Load(a.cli.Config)
}

func (a *app) client(cfg *config.Config) (*commgame.Client, error) {
	kind, path := cfg.Store.Kind, cfg.Store.Path
	if a.cli.Store != "" {
		kind = a.cli.Store
	}
	if a.cli.DBPath != "" {
		path = a.cli.DBPath
	}
	return commgame.New(commgame.Options{
		StoreKind:    kind,
		DBPath:       path,
		ArtifactsDir: a.cli.ArtifactsDir,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
}

func (c *TrainCmd) Run(a *app) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if c.RunID != "" {
		cfg.RunID = c.RunID
	}
	if c.MaxEpoch != 0 {
		cfg.Training.MaxEpoch = c.MaxEpoch
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	client, err := a.client(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, runErr := client.Train(a.ctx, cfg)
	if summary.RunID != "" && summary.Result.State != "" {
		res := summary.Result
		fmt.Fprintf(a.stdout, "run completed run_id=%s state=%s steps=%d epochs=%d skipped=%d degeneracies=%d best_dev_accuracy=%.4f\n",
			summary.RunID, res.State, res.Steps, res.Epochs, res.Skipped, totalDegeneracies(res.Degeneracies), res.BestDevAccuracy)
		for _, split := range []model.Split{model.SplitInDomainDev, model.SplitOutDomainDev} {
			if acc, ok := res.DevAccuracy[split]; ok {
				fmt.Fprintf(a.stdout, "dev split=%s accuracy=%.4f\n", split, acc)
			}
		}
		for _, e := range res.Matrix {
			fmt.Fprintf(a.stdout, "pair=%s accuracy=%.4f\n", e.Pair, e.Accuracy)
		}
		if summary.ArtifactsDir != "" {
			fmt.Fprintf(a.stdout, "artifacts_dir=%s\n", summary.ArtifactsDir)
		}
	}
	return runErr
}

func (c *EvalCmd) Run(a *app) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if c.Checkpoint != "" {
		cfg.Eval.CheckpointRun = c.Checkpoint
	}
	if c.Tag != "" {
		cfg.Eval.CheckpointTag = c.Tag
	}
	cfg.Eval.EvalOnly = true
	cfg.Eval.EvalXProduct = cfg.Eval.EvalXProduct || c.XProduct
	cfg.Eval.ExportMessages = cfg.Eval.ExportMessages || c.ExportMessages
	if c.CorruptRegion != "" {
		cfg.Eval.BitFlip = true
		cfg.Eval.CorruptRegion = c.CorruptRegion
	}
	cfg.Eval.NoMessageBaseline = cfg.Eval.NoMessageBaseline || c.NoMessage
	if err := cfg.Validate(); err != nil {
		return err
	}
	client, err := a.client(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Evaluate(a.ctx, cfg)
	if err != nil {
		return err
	}
	for _, s := range summary.Splits {
		if s.NoMessageMean != nil {
			fmt.Fprintf(a.stdout, "eval run_id=%s tag=%s split=%s accuracy=%.4f no_message_accuracy=%.4f\n", summary.RunID, summary.Tag, s.Split, s.Mean, *s.NoMessageMean)
		} else {
			fmt.Fprintf(a.stdout, "eval run_id=%s tag=%s split=%s accuracy=%.4f\n", summary.RunID, summary.Tag, s.Split, s.Mean)
		}
		for _, e := range s.Edges {
			fmt.Fprintf(a.stdout, "pair=%s accuracy=%.4f\n", e.Pair, e.Accuracy)
		}
		for _, p := range s.Pairs {
			fmt.Fprintf(a.stdout, "pair=%s accuracy=%.4f examples=%d\n", p.Pair, p.Accuracy, p.Examples)
		}
	}
	if summary.Exports > 0 {
		fmt.Fprintf(a.stdout, "message_exports=%d\n", summary.Exports)
	}
	return nil
}

func (c *TopologyCmd) Run(a *app) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	client, err := commgame.New(commgame.Options{Logger: a.logger})
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.DescribeTopology(cfg)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	fmt.Fprintln(a.stdout, summary.String())
	for _, p := range summary.Pools {
		fmt.Fprintf(a.stdout, "pool=%d size=%d intra_edges=%d\n", p.Pool, p.Size, p.IntraEdges)
	}
	return nil
}

func (c *RunsShowCmd) Run(a *app) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	client, err := a.client(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	detail, err := client.ShowRun(a.ctx, c.RunID)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	}
	r := detail.Run
	fmt.Fprintf(a.stdout, "run_id=%s mode=%s state=%s seed=%d step=%d epoch=%d agents=%d edges=%d best_dev_accuracy=%.4f created_at=%s\n",
		r.ID, r.Mode, r.State, r.Seed, r.Step, r.Epoch, len(r.AgentIDs), len(r.Edges), r.BestDevAccuracy, r.CreatedAtUTC)
	fmt.Fprintf(a.stdout, "checkpoints=%v\n", detail.Tags)
	if detail.Accuracy != nil {
		fmt.Fprintf(a.stdout, "accuracy step=%d mean=%.4f pairs=%d\n", detail.Accuracy.Step, detail.Accuracy.Mean, len(detail.Accuracy.Entries))
	}
	return nil
}

func (c *RunsListCmd) Run(a *app) error {
	if c.Limit <= 0 {
		return errors.New("limit must be > 0")
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	client, err := a.client(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	entries, err := client.Runs(c.Limit)
	if err != nil {
		return err
	}
	if c.JSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "no runs found")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(a.stdout, "run_id=%s created_at=%s mode=%s agents=%d seed=%d state=%s steps=%d final_accuracy=%.4f best_dev_accuracy=%.4f\n",
			e.RunID, e.CreatedAtUTC, e.Mode, e.NumAgents, e.Seed, e.State, e.Steps, e.FinalAccuracy, e.BestDevAccuracy)
	}
	return nil
}

func (c *RunsExportCmd) Run(a *app) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	client, err := a.client(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	dir, err := client.ExportRun(c.RunID, c.Out)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "exported run_id=%s dir=%s\n", c.RunID, dir)
	return nil
}

func totalDegeneracies(counts map[schedule.Degeneracy]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
