// Command evlog inspects and compacts event bus write-ahead log files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/evbus/internal/domain/schema"
	"github.com/coachpo/evbus/internal/infra/bus/eventbus"
	"github.com/coachpo/evbus/internal/infra/config"
	"github.com/coachpo/evbus/internal/infra/history"
	"github.com/coachpo/evbus/internal/infra/persistence/wal"
	"github.com/coachpo/evbus/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	evlogLoggerPrefix        = "evlog "
	telemetryShutdownTimeout = 5 * time.Second
)

var errUsage = errors.New("usage: evlog [-config path] <count|replay|history|compact> [-path file] [-keep N] [-type T] [-limit N]")

func main() {
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newEvlogLogger()
	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logger.Fatalf("%v", err)
	}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newEvlogLogger() *log.Logger {
	return log.New(os.Stderr, evlogLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

type command struct {
	name  string
	path  string
	keep  int
	typ   string
	limit int
}

func run(ctx context.Context, args []string, stdout io.Writer, logger *log.Logger) error {
	global := flag.NewFlagSet("evlog", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	cfgPath := global.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	rest := global.Args()
	if len(rest) == 0 {
		return errUsage
	}

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(*cfgPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}

	cmd, err := parseCommand(rest, appCfg)
	if err != nil {
		return err
	}
	if cmd.path == "" {
		return fmt.Errorf("%s: no log path; set persistence.path, EVBUS_PERSISTENCE_PATH or -path", cmd.name)
	}

	provider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	walOpts := append(appCfg.WALOptions(),
		wal.WithLogger(logger),
		wal.WithMeterProvider(provider.MeterProvider()),
	)

	switch cmd.name {
	case "count":
		return runCount(ctx, stdout, cmd)
	case "replay":
		return runReplay(ctx, stdout, logger, cmd, walOpts)
	case "history":
		busOpts := append(appCfg.BusOptions(),
			eventbus.WithPersistence(cmd.path, walOpts...),
			eventbus.WithLogger(logger),
			eventbus.WithMeterProvider(provider.MeterProvider()),
		)
		return runHistory(ctx, stdout, cmd, busOpts)
	case "compact":
		return runCompact(ctx, stdout, cmd, walOpts)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}
}

func parseCommand(args []string, appCfg config.AppConfig) (command, error) {
	cmd := command{
		name:  args[0],
		path:  appCfg.Persistence.Path,
		keep:  appCfg.Persistence.CompactKeep,
		typ:   "",
		limit: 0,
	}
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cmd.path, "path", cmd.path, "Log file to operate on (default: persistence.path)")
	fs.IntVar(&cmd.keep, "keep", cmd.keep, "Records kept by compact (default: persistence.compactKeep)")
	fs.StringVar(&cmd.typ, "type", "", "Only replay events of this type")
	fs.IntVar(&cmd.limit, "limit", 0, "Replay at most the newest N matching events")
	if err := fs.Parse(args[1:]); err != nil {
		return command{}, fmt.Errorf("%w: %v", errUsage, err)
	}
	if cmd.keep < 0 || cmd.limit < 0 {
		return command{}, fmt.Errorf("%w: -keep and -limit must be >= 0", errUsage)
	}
	return cmd, nil
}

func runCount(ctx context.Context, stdout io.Writer, cmd command) error {
	n, err := wal.Count(ctx, cmd.path)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	_, err = fmt.Fprintln(stdout, n)
	return err
}

func runReplay(ctx context.Context, stdout io.Writer, logger *log.Logger, cmd command, opts []wal.Option) error {
	store := history.New(0)
	stats, err := wal.Replay(ctx, cmd.path, func(evt schema.Event) error {
		store.Append(evt)
		return nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	enc := json.NewEncoder(stdout)
	for _, evt := range store.Query(cmd.typ, cmd.limit) {
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	logger.Printf("replayed path=%s lines=%d records=%d malformed=%d", cmd.path, stats.Lines, stats.Records, stats.Malformed)
	return nil
}

// runHistory starts a bus over the log and prints what it holds afterwards,
// so history.limit from the configuration applies.
func runHistory(ctx context.Context, stdout io.Writer, cmd command, opts []eventbus.Option) error {
	bus, err := eventbus.Open(ctx, opts...)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer func() { _ = bus.Close() }()

	enc := json.NewEncoder(stdout)
	for _, evt := range bus.History(cmd.typ, cmd.limit) {
		if err := enc.Encode(evt); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	return nil
}

func runCompact(ctx context.Context, stdout io.Writer, cmd command, opts []wal.Option) error {
	removed, err := wal.Compact(ctx, cmd.path, cmd.keep, opts...)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	_, err = fmt.Fprintf(stdout, "removed %d\n", removed)
	return err
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := appCfg.TelemetryConfig()
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	}
	return provider, nil
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
