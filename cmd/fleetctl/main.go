package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/fleetops/fleetctl/controlapi"
	"github.com/fleetops/fleetctl/fleet"
	"github.com/fleetops/fleetctl/internal/archive"
	"github.com/fleetops/fleetctl/internal/config"
	"github.com/fleetops/fleetctl/internal/observability"
	"github.com/fleetops/fleetctl/resilience"
	"github.com/fleetops/fleetctl/state"
	"github.com/fleetops/fleetctl/token"
)

const (
	exitOK          = 0
	exitError       = 1
	exitConfig      = 2
	exitCircuitOpen = 3
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(exitError)
	}

	var err error
	switch os.Args[1] + " " + os.Args[2] {
	case "breaker status":
		err = runBreakerStatus(os.Args[3:])
	case "token check":
		err = runTokenCheck(os.Args[3:])
	case "token rotate":
		err = runTokenRotate(os.Args[3:])
	case "token register":
		err = runTokenRegister(os.Args[3:])
	case "autoscale evaluate":
		err = runAutoscaleEvaluate(os.Args[3:])
	case "queue snapshot":
		err = runQueueSnapshot(os.Args[3:])
	default:
		usage()
		os.Exit(exitError)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func usage() {
	fmt.Println(`Usage: fleetctl <command> [flags]

Commands:
  breaker status     --dependency=NAME
  token check        --runner=NAME
  token rotate       --runner=NAME
  token register     --runner=NAME --group=NAME [--label=L ...]
  autoscale evaluate --group=NAME [--once|--daemon]
  queue snapshot     --group=NAME --format=json|prometheus|csv`)
}

func exitCodeFor(err error) int {
	var ve config.ValidationError
	if errors.As(err, &ve) {
		return exitConfig
	}
	if resilience.IsCircuitOpen(err) {
		return exitCircuitOpen
	}
	return exitError
}

// app bundles the shared wiring every subcommand needs.
type app struct {
	cfg     *config.Config
	store   *state.Store
	api     *controlapi.Client
	breaker *resilience.Breaker
	metrics *observability.Metrics
}

const controlAPIDependency = "control-api"

func setup(ctx context.Context, configPath string) (*app, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	store, err := state.Open(ctx, cfg.StateRoot)
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplyMigrations(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	credential, err := cfg.ReadCredential()
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	metrics := observability.NewMetrics(nil)
	api := controlapi.NewClient(cfg.ControlAPI.Endpoint, credential)
	breaker := resilience.NewBreaker(
		store,
		controlAPIDependency,
		cfg.BreakerSettings(controlAPIDependency),
		cfg.BackoffPolicy(controlAPIDependency),
		metrics,
		observability.NewLogger("resilience.breaker"),
	)

	cleanup := func() { store.Close() }
	return &app{cfg: cfg, store: store, api: api, breaker: breaker, metrics: metrics}, cleanup, nil
}

func commonFlags(flags *pflag.FlagSet) *string {
	return flags.StringP("config", "c", defaultConfigPath(), "Path to the fleetctl configuration file")
}

func defaultConfigPath() string {
	if path := os.Getenv("FLEETCTL_CONFIG"); path != "" {
		return path
	}
	return "/etc/fleetctl/config.yaml"
}

func runBreakerStatus(args []string) error {
	flags := pflag.NewFlagSet("breaker status", pflag.ContinueOnError)
	configPath := commonFlags(flags)
	dependency := flags.String("dependency", controlAPIDependency, "Dependency ID")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	app, cleanup, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	breaker := app.breaker
	if *dependency != controlAPIDependency {
		breaker = resilience.NewBreaker(
			app.store,
			*dependency,
			app.cfg.BreakerSettings(*dependency),
			app.cfg.BackoffPolicy(*dependency),
			app.metrics,
			nil,
		)
	}

	status, err := breaker.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(status)
}

func runTokenCheck(args []string) error {
	flags := pflag.NewFlagSet("token check", pflag.ContinueOnError)
	configPath := commonFlags(flags)
	runner := flags.String("runner", "", "Runner ID")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *runner == "" {
		return config.ValidationError{Field: "--runner", Reason: "required"}
	}

	ctx := context.Background()
	app, cleanup, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := newTokenManager(app).CheckRunner(ctx, *runner)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runTokenRotate(args []string) error {
	flags := pflag.NewFlagSet("token rotate", pflag.ContinueOnError)
	configPath := commonFlags(flags)
	runner := flags.String("runner", "", "Runner ID")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *runner == "" {
		return config.ValidationError{Field: "--runner", Reason: "required"}
	}

	ctx := context.Background()
	app, cleanup, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := newTokenManager(app).RotateRunner(ctx, *runner); err != nil {
		return err
	}
	fmt.Printf("rotated credential for runner %s\n", *runner)
	return nil
}

func runTokenRegister(args []string) error {
	flags := pflag.NewFlagSet("token register", pflag.ContinueOnError)
	configPath := commonFlags(flags)
	runner := flags.String("runner", "", "Runner ID")
	group := flags.String("group", "", "Group ID")
	labels := flags.StringArray("label", nil, "Runner label (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *runner == "" || *group == "" {
		return config.ValidationError{Field: "--runner/--group", Reason: "required"}
	}

	ctx := context.Background()
	app, cleanup, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := newTokenManager(app).Register(ctx, *runner, *group, *labels); err != nil {
		return err
	}
	fmt.Printf("registered runner %s in group %s\n", *runner, *group)
	return nil
}

func newTokenManager(app *app) *token.Manager {
	return token.NewManager(
		app.store,
		app.api,
		app.breaker,
		nil,
		time.Duration(app.cfg.Token.SafetyMarginSeconds)*time.Second,
		0,
		app.metrics,
		observability.NewLogger("token.manager"),
	)
}

func runAutoscaleEvaluate(args []string) error {
	flags := pflag.NewFlagSet("autoscale evaluate", pflag.ContinueOnError)
	configPath := commonFlags(flags)
	group := flags.String("group", "", "Group ID")
	once := flags.Bool("once", false, "Evaluate once and exit")
	daemon := flags.Bool("daemon", false, "Run the scheduled controller")
	listen := flags.String("listen", ":9090", "Listen address for /metrics in daemon mode")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *once && *daemon {
		return config.ValidationError{Field: "--once/--daemon", Reason: "mutually exclusive"}
	}

	ctx := context.Background()
	app, cleanup, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	if *daemon {
		return runDaemon(app, *group, *listen)
	}

	if *group == "" {
		return config.ValidationError{Field: "--group", Reason: "required outside daemon mode"}
	}
	decision, err := evaluateGroup(ctx, app, *group)
	if err != nil {
		return err
	}
	return printJSON(decision)
}

// evaluateGroup takes one sample and runs one autoscale evaluation for the
// group, then routes the decision through the group's capability flags.
func evaluateGroup(ctx context.Context, app *app, groupID string) (state.ScaleDecision, error) {
	policy, err := app.cfg.GroupPolicy(groupID)
	if err != nil {
		return state.ScaleDecision{}, err
	}

	sampler := fleet.NewSampler(app.store, app.api, app.breaker, nil)
	if _, err := sampler.Sample(ctx, groupID); err != nil {
		return state.ScaleDecision{}, err
	}

	autoscaler := fleet.NewAutoscaler(app.store, app.metrics, nil)
	decision, err := autoscaler.Evaluate(ctx, policy)
	if err != nil {
		return state.ScaleDecision{}, err
	}

	if decision.Action != state.ScaleNone {
		logger := observability.WithGroup(observability.NewLogger("fleet.apply"), groupID)
		switch fleet.Route(app.cfg.Capabilities(groupID)) {
		case fleet.ApplyDirect:
			logger.Info("desired capacity updated", "event", "capacity_applied", "action", string(decision.Action), "delta", decision.Delta)
		case fleet.ApplyWithReview:
			logger.Info("decision pending review", "event", "capacity_review", "action", string(decision.Action), "delta", decision.Delta)
		case fleet.ApplyBlocked:
			logger.Warn("decision blocked by group capabilities", "event", "capacity_blocked", "action", string(decision.Action))
		}
	}
	return decision, nil
}

func runDaemon(app *app, onlyGroup, listen string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger("fleet.daemon")
	controller := fleet.NewController(app.metrics, logger)

	rotateInterval := time.Duration(app.cfg.Token.RotateIntervalSeconds) * time.Second
	if rotateInterval <= 0 {
		rotateInterval = 5 * time.Minute
	}
	manager := newTokenManager(app)
	controller.AddTask(fleet.Task{
		Name:     "token-rotation",
		Interval: rotateInterval,
		Run:      manager.Tick,
	})

	var archiver *archive.S3Archiver
	if app.cfg.Archive != nil {
		var err error
		archiver, err = archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket: app.cfg.Archive.S3Bucket,
			Prefix: app.cfg.Archive.S3Prefix,
			Region: app.cfg.Archive.S3Region,
		})
		if err != nil {
			return err
		}
	}

	for groupID, group := range app.cfg.Groups {
		if onlyGroup != "" && groupID != onlyGroup {
			continue
		}
		interval := time.Duration(group.SampleIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 60 * time.Second
		}

		controller.AddTask(fleet.Task{
			Name:     "autoscale/" + groupID,
			Interval: interval,
			Run: func(ctx context.Context) error {
				if _, err := evaluateGroup(ctx, app, groupID); err != nil {
					return err
				}
				if archiver != nil {
					snaps, err := app.store.RecentSnapshots(ctx, groupID, 1)
					if err == nil && len(snaps) == 1 {
						if _, err := archiver.ArchiveSnapshot(ctx, snaps[0]); err != nil {
							observability.WithGroup(logger, groupID).Warn("snapshot archive failed", "event", "archive_failed", "error", err)
						}
					}
				}
				return nil
			},
		})
	}

	server := &http.Server{
		Addr:              listen,
		Handler:           daemonHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "event", "metrics_server_failed", "error", err)
		}
	}()
	defer server.Shutdown(context.Background())

	logger.Info("fleet controller started", "event", "controller_started", "listen", listen)
	return controller.Run(ctx)
}

func daemonHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func runQueueSnapshot(args []string) error {
	flags := pflag.NewFlagSet("queue snapshot", pflag.ContinueOnError)
	configPath := commonFlags(flags)
	group := flags.String("group", "", "Group ID")
	format := flags.String("format", "json", "Output format: json, prometheus, or csv")
	archiveFlag := flags.Bool("archive", false, "Also upload the snapshot to the configured S3 bucket")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *group == "" {
		return config.ValidationError{Field: "--group", Reason: "required"}
	}

	ctx := context.Background()
	app, cleanup, err := setup(ctx, *configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	sampler := fleet.NewSampler(app.store, app.api, app.breaker, nil)
	snap, err := sampler.Sample(ctx, *group)
	if err != nil {
		return err
	}

	if *archiveFlag {
		if app.cfg.Archive == nil {
			return config.ValidationError{Field: "archive", Reason: "not configured"}
		}
		archiver, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket: app.cfg.Archive.S3Bucket,
			Prefix: app.cfg.Archive.S3Prefix,
			Region: app.cfg.Archive.S3Region,
		})
		if err != nil {
			return err
		}
		uri, err := archiver.ArchiveSnapshot(ctx, snap)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "archived to %s\n", uri)
	}

	switch *format {
	case "json":
		return printJSON(snap)
	case "prometheus":
		return writeSnapshotPrometheus(os.Stdout, snap)
	case "csv":
		return writeSnapshotCSV(os.Stdout, snap)
	default:
		return config.ValidationError{Field: "--format", Reason: fmt.Sprintf("unknown format %q", *format)}
	}
}

func printJSON(payload any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
