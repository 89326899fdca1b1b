package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basekick-labs/logfeed/internal/api"
	"github.com/basekick-labs/logfeed/internal/archive"
	"github.com/basekick-labs/logfeed/internal/audit"
	"github.com/basekick-labs/logfeed/internal/config"
	"github.com/basekick-labs/logfeed/internal/destination"
	"github.com/basekick-labs/logfeed/internal/fanout"
	"github.com/basekick-labs/logfeed/internal/influx"
	"github.com/basekick-labs/logfeed/internal/ingest"
	"github.com/basekick-labs/logfeed/internal/logger"
	"github.com/basekick-labs/logfeed/internal/metrics"
	"github.com/basekick-labs/logfeed/internal/pipeline"
	"github.com/basekick-labs/logfeed/internal/scheduler"
	"github.com/basekick-labs/logfeed/internal/shutdown"
	"github.com/basekick-labs/logfeed/internal/storage"
	"github.com/basekick-labs/logfeed/internal/walker"
	"github.com/rs/zerolog"
)

// Version is set at build time
var Version = "dev"

// Exit codes
const (
	exitOK    = 0
	exitError = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

type options struct {
	configFile string
	file       string
	check      bool
	version    bool
	overrides  map[string]func(*config.Config)
}

// parseFlags reads the command line. Only flags given explicitly override
// the configuration file and environment.
func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("logfeed", flag.ContinueOnError)

	root := fs.String("path", ".", "Root directory whose subdirectories hold the input files")
	suffix := fs.String("pathold", archive.DefaultSuffix, "Archive directory created inside each subdirectory")
	ext := fs.String("ext", ".log", "Input file extension")
	dests := fs.String("influxdb", "influx_config.yml", "InfluxDB destinations file")
	level := fs.String("log", "info", "Log level (debug, info, warn, error, critical)")
	logFile := fs.String("logfile", "", "Append logs to this file instead of stdout")
	schedule := fs.String("schedule", "", "Cron schedule; runs as a daemon when set")

	opts := &options{overrides: make(map[string]func(*config.Config))}
	fs.StringVar(&opts.configFile, "config", "", "TOML configuration file")
	fs.StringVar(&opts.file, "file", "", "Forward this one file and leave it in place")
	fs.BoolVar(&opts.check, "check", false, "Ping every destination and exit")
	fs.BoolVar(&opts.version, "version", false, "Print the version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	setters := map[string]func(*config.Config){
		"path":     func(c *config.Config) { c.Run.Root = *root },
		"pathold":  func(c *config.Config) { c.Run.ArchiveSuffix = *suffix },
		"ext":      func(c *config.Config) { c.Run.Extension = *ext },
		"influxdb": func(c *config.Config) { c.Run.DestinationsFile = *dests },
		"log":      func(c *config.Config) { c.Log.Level = *level },
		"logfile":  func(c *config.Config) { c.Log.File = *logFile },
		"schedule": func(c *config.Config) { c.Scheduler.Schedule = *schedule },
	}
	fs.Visit(func(f *flag.Flag) {
		if set, ok := setters[f.Name]; ok {
			opts.overrides[f.Name] = set
		}
	})

	return opts, nil
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitError
	}
	if opts.version {
		fmt.Println("logfeed", Version)
		return exitOK
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitError
	}
	for _, set := range opts.overrides {
		set(cfg)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return exitError
	}

	out, err := logger.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return exitError
	}
	defer out.Close()
	log := out.Logger

	log.Info().
		Str("version", Version).
		Str("root", cfg.Run.Root).
		Str("extension", cfg.Run.Extension).
		Str("archive_suffix", cfg.Run.ArchiveSuffix).
		Msg("Starting logfeed")

	registry, err := destination.NewRegistry(cfg.Run.DestinationsFile, log)
	if err != nil {
		log.Error().Err(err).Str("source", cfg.Run.DestinationsFile).Msg("Failed to load destinations")
		return exitError
	}

	influxCfg := &influx.Config{
		Timeout:   cfg.Influx.Timeout,
		Gzip:      cfg.Influx.Gzip,
		UserAgent: cfg.Influx.UserAgent,
	}

	if opts.check {
		return checkDestinations(registry.Cached(), influxCfg, log)
	}

	coord := shutdown.New(30*time.Second, log)
	m := metrics.New(log)

	writer := fanout.New(fanout.Config{
		Mode:               fanout.ConnectionMode(cfg.Fanout.ConnectionMode),
		Parallel:           cfg.Fanout.Parallel,
		BreakerMaxFailures: cfg.Fanout.BreakerMaxFailures,
		BreakerCooldown:    cfg.Fanout.BreakerCooldown,
	}, fanout.InfluxDialer(influxCfg, log), m, log)
	coord.Register("fanout", writer, shutdown.PriorityFanout)

	w := walker.New(walker.Config{
		BatchSize:          cfg.Ingest.BatchSize,
		MaxLineBytes:       int(cfg.Ingest.MaxLineSize),
		OnDecodeError:      cfg.Ingest.OnDecodeError,
		OnDestinationError: cfg.Fanout.OnError,
		Transform: ingest.Options{
			TimePrecision:      cfg.Ingest.TimePrecision,
			IncludeExtraFields: cfg.Ingest.IncludeExtraFields,
		},
	}, writer, log)

	if opts.file != "" {
		return runFile(opts.file, w, registry, coord, log)
	}

	archiver, err := newArchiver(cfg, coord, log)
	if err != nil {
		log.Error().Err(err).Str("backend", cfg.Archive.Backend).Msg("Failed to initialize archive backend")
		coord.Shutdown()
		return exitError
	}

	deps := pipeline.Deps{
		Destinations: registry,
		Processor:    w,
		Archiver:     archiver,
		Metrics:      m,
	}

	var ledger *audit.Ledger
	if cfg.Audit.Enabled {
		ledger, err = openLedger(cfg, coord, log)
		if err != nil {
			log.Error().Err(err).Str("path", cfg.Audit.DBPath).Msg("Failed to open run ledger")
			coord.Shutdown()
			return exitError
		}
		deps.Ledger = ledger
	}

	p := pipeline.New(pipeline.Config{
		Root:        cfg.Run.Root,
		Extension:   cfg.Run.Extension,
		FileWorkers: cfg.Run.FileWorkers,
	}, deps, log)

	if cfg.Scheduler.Schedule == "" {
		return runOnce(p, coord, log)
	}
	return runDaemon(cfg, p, registry, writer, ledger, m, out.Buffer, coord, log)
}

// runOnce performs a single pass and maps its outcome to the exit code
func runOnce(p *pipeline.Pipeline, coord *shutdown.Coordinator, log zerolog.Logger) int {
	stop := coord.CancelOnSignal()
	sum, err := p.Run(coord.Context())
	stop()

	if serr := coord.Shutdown(); serr != nil {
		log.Warn().Err(serr).Msg("Shutdown completed with errors")
	}

	if err != nil || !sum.OK() {
		return exitError
	}
	return exitOK
}

// runFile forwards a single file without archiving it
func runFile(path string, w *walker.Walker, registry *destination.Registry, coord *shutdown.Coordinator, log zerolog.Logger) int {
	stop := coord.CancelOnSignal()
	res, err := forwardFile(coord.Context(), path, w, registry)
	stop()

	if serr := coord.Shutdown(); serr != nil {
		log.Warn().Err(serr).Msg("Shutdown completed with errors")
	}

	if err != nil {
		log.Error().Err(err).Str("file", path).Int("points_sent", res.PointsSent).Msg("File not forwarded")
		return exitError
	}
	log.Info().
		Str("file", path).
		Int("lines_read", res.LinesRead).
		Int("points_sent", res.PointsSent).
		Int("lines_skipped", res.LinesSkipped).
		Dur("duration", res.Duration).
		Msg("File forwarded")
	return exitOK
}

func forwardFile(ctx context.Context, path string, w *walker.Walker, registry *destination.Registry) (walker.FileResult, error) {
	dests, err := registry.Current()
	if err != nil {
		return walker.FileResult{Path: path}, err
	}
	if len(dests) == 0 {
		return walker.FileResult{Path: path}, errors.New("no destinations configured")
	}
	return w.ProcessFile(ctx, path, dests)
}

// runDaemon repeats runs on the cron schedule until a signal arrives
func runDaemon(
	cfg *config.Config,
	p *pipeline.Pipeline,
	registry *destination.Registry,
	writer *fanout.Writer,
	ledger *audit.Ledger,
	m *metrics.Metrics,
	logs *logger.LogBuffer,
	coord *shutdown.Coordinator,
	log zerolog.Logger,
) int {
	sched, err := scheduler.NewRunScheduler(&scheduler.RunSchedulerConfig{
		Schedule:   cfg.Scheduler.Schedule,
		RunOnStart: cfg.Scheduler.RunOnStart,
		Run: func(ctx context.Context) error {
			_, err := p.Run(ctx)
			return err
		},
		Skips:  m,
		Logger: log,
	})
	if err != nil {
		log.Error().Err(err).Str("schedule", cfg.Scheduler.Schedule).Msg("Invalid schedule")
		coord.Shutdown()
		return exitError
	}

	if err := sched.Start(coord.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to start scheduler")
		coord.Shutdown()
		return exitError
	}
	coord.Register("scheduler", sched, shutdown.PriorityScheduler)

	if cfg.Server.Enabled {
		deps := api.Deps{
			Metrics:      m,
			Logs:         logs,
			Destinations: registry,
			Breakers:     writer,
			Runs:         p,
			Scheduler:    sched,
		}
		if ledger != nil {
			deps.Ledger = ledger
		}

		server := api.NewServer(&api.ServerConfig{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
			IdleTimeout:  120 * time.Second,
			TLSEnabled:   cfg.Server.TLSEnabled,
			TLSCertFile:  cfg.Server.TLSCertFile,
			TLSKeyFile:   cfg.Server.TLSKeyFile,
		}, deps, log)
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start status server")
			coord.Shutdown()
			return exitError
		}
		coord.Register("http-server", server, shutdown.PriorityHTTPServer)
	}

	coord.WaitForSignal()
	if err := coord.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Shutdown completed with errors")
		return exitError
	}
	return exitOK
}

// newArchiver builds the archiver named by archive.backend. Storage
// backends are registered for shutdown.
func newArchiver(cfg *config.Config, coord *shutdown.Coordinator, log zerolog.Logger) (archive.Archiver, error) {
	if cfg.Archive.Backend == "move" {
		return archive.NewLocalArchiver(cfg.Run.ArchiveSuffix, log), nil
	}

	backend, err := storage.New(&storage.Config{
		Backend:   cfg.Archive.Backend,
		LocalPath: cfg.Archive.LocalPath,
		S3: storage.S3Config{
			Bucket:    cfg.Archive.S3Bucket,
			Region:    cfg.Archive.S3Region,
			Endpoint:  cfg.Archive.S3Endpoint,
			AccessKey: cfg.Archive.S3AccessKey,
			SecretKey: cfg.Archive.S3SecretKey,
			UseSSL:    cfg.Archive.S3UseSSL,
			PathStyle: cfg.Archive.S3PathStyle,
		},
		Azure: storage.AzureBlobConfig{
			ConnectionString:   cfg.Archive.AzureConnectionString,
			AccountName:        cfg.Archive.AzureAccountName,
			AccountKey:         cfg.Archive.AzureAccountKey,
			SASToken:           cfg.Archive.AzureSASToken,
			UseManagedIdentity: cfg.Archive.AzureUseManagedIdentity,
			ContainerName:      cfg.Archive.AzureContainer,
			Endpoint:           cfg.Archive.AzureEndpoint,
		},
	}, log)
	if err != nil {
		return nil, err
	}
	coord.Register("archive-storage", backend, shutdown.PriorityArchive)

	return archive.NewObjectArchiver(backend, cfg.Run.Root, cfg.Archive.Prefix, cfg.Run.ArchiveSuffix, log), nil
}

// openLedger opens the SQLite run ledger and starts its retention loop
func openLedger(cfg *config.Config, coord *shutdown.Coordinator, log zerolog.Logger) (*audit.Ledger, error) {
	db, err := audit.Open(cfg.Audit.DBPath)
	if err != nil {
		return nil, err
	}

	ledger, err := audit.NewLedger(&audit.LedgerConfig{
		DB:            db,
		RetentionDays: cfg.Audit.RetentionDays,
		Logger:        log,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := ledger.Start(); err != nil {
		db.Close()
		return nil, err
	}

	coord.RegisterHook("ledger", func(ctx context.Context) error {
		return ledger.Stop()
	}, shutdown.PriorityLedger)
	coord.Register("ledger-db", db, shutdown.PriorityLedger)

	return ledger, nil
}

// checkDestinations pings every destination and reports whether all answered
func checkDestinations(dests []destination.Descriptor, cfg *influx.Config, log zerolog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	failed := 0
	for _, d := range dests {
		client := influx.NewClient(d, cfg, log)
		err := client.Ping(ctx)
		client.Close()

		if err != nil {
			failed++
			log.Error().Err(err).Str("destination", d.Name).Str("host", d.Host).Msg("Destination unreachable")
			continue
		}
		log.Info().Str("destination", d.Name).Str("host", d.Host).Msg("Destination reachable")
	}

	if failed > 0 {
		return exitError
	}
	return exitOK
}
