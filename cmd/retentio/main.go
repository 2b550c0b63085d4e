// Command retentio runs the retention & disposition lifecycle engine:
// the periodic sweep service, one-shot sweeps, audit exports, and integrity
// verification.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/archivum-labs/retentio/pkg/alert"
	"github.com/archivum-labs/retentio/pkg/audittrail"
	"github.com/archivum-labs/retentio/pkg/boundary"
	"github.com/archivum-labs/retentio/pkg/config"
	"github.com/archivum-labs/retentio/pkg/observability"
	"github.com/archivum-labs/retentio/pkg/retention"
	"github.com/archivum-labs/retentio/pkg/store"
	"github.com/archivum-labs/retentio/pkg/sweep"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	switch args[1] {
	case "serve":
		return runServe(stderr)
	case "sweep":
		return runSweep(stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: retentio <command>")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  serve    Run the periodic sweep service")
	_, _ = fmt.Fprintln(w, "  sweep    Run a single sweep pass and exit")
	_, _ = fmt.Fprintln(w, "  export   Export audit entries (json, csv, xml, or evidence pack)")
	_, _ = fmt.Fprintln(w, "  verify   Verify audit entry and process integrity hashes")
	_, _ = fmt.Fprintln(w, "  help     Show this help")
}

// buildStack wires store, trail, and engines from configuration. The external
// resolvers (subjects, schedules, users, notifier) are platform-provided when
// the engine is embedded as a library; the standalone binary falls back to
// in-memory stubs and says so.
func buildStack(cfg *config.Config, stderr io.Writer) (*store.Store, *retention.Engine, *alert.Engine, *sweep.Sweeper, error) {
	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	trail := audittrail.NewTrail(st)

	subjects := boundary.NewFakeSubjects()
	schedules := boundary.NewFakeSchedules()
	notifier := boundary.NewFakeNotifier()
	_, _ = fmt.Fprintln(stderr, "warning: external resolvers not configured, using in-memory stubs")

	engine := retention.NewEngine(st, trail, subjects, schedules).
		WithPreAlertDays(cfg.PreAlertDays)
	alerts := alert.NewEngine(st, trail, subjects)
	sweeper := sweep.New(engine, alerts, notifier).WithInterval(cfg.SweepInterval)
	return st, engine, alerts, sweeper, nil
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := observability.SetupLogging(cfg.LogLevel)

	var profile *config.Profile
	if cfg.ProfileCode != "" {
		p, err := config.LoadProfile(cfg.ProfilesDir, cfg.ProfileCode)
		if err != nil {
			logger.Error("loading profile failed", "error", err)
			return 1
		}
		p.Apply(cfg)
		profile = p
		logger.Info("jurisdiction profile applied", "profile", p.Code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "retentio",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.Telemetry,
		ExportInterval: 30 * time.Second,
	})
	if err != nil {
		logger.Error("telemetry setup failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	st, _, alerts, sweeper, err := buildStack(cfg, stderr)
	if err != nil {
		logger.Error("stack wiring failed", "error", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	sweeper = sweeper.WithMetrics(provider.Metrics())
	if profile != nil {
		if profile.Sweep.DispatchPerSecond > 0 {
			sweeper = sweeper.WithDispatchRate(profile.Sweep.DispatchPerSecond, int(profile.Sweep.DispatchPerSecond)*2)
		}
		if r := profile.Repeats; r.CriticalIntervalHours > 0 {
			alerts.WithRepeatPolicy(alert.RepeatPolicy{
				CriticalIntervalHours: r.CriticalIntervalHours,
				CriticalMaxRepeats:    r.CriticalMaxRepeats,
				DefaultIntervalHours:  r.DefaultIntervalHours,
				DefaultMaxRepeats:     r.DefaultMaxRepeats,
			})
		}
	}
	if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("sweeper exited", "error", err)
		return 1
	}
	return 0
}

func runSweep(stdout, stderr io.Writer) int {
	cfg := config.Load()
	observability.SetupLogging(cfg.LogLevel)

	st, _, _, sweeper, err := buildStack(cfg, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	if err := sweeper.RunOnce(context.Background()); err != nil {
		_, _ = fmt.Fprintf(stderr, "sweep failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "sweep complete")
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "json", "export format: json, csv, xml, or pack")
	processID := fs.String("process", "", "filter by process id")
	actor := fs.String("actor", "", "filter by actor")
	action := fs.String("action", "", "filter by action type")
	from := fs.String("from", "", "start of date range (RFC 3339)")
	to := fs.String("to", "", "end of date range (RFC 3339)")
	out := fs.String("out", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	observability.SetupLogging(cfg.LogLevel)

	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	filter := audittrail.Filter{
		ProcessID:  *processID,
		Actor:      *actor,
		ActionType: audittrail.ActionType(*action),
	}
	if *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "invalid -from: %v\n", err)
			return 2
		}
		filter.From = t
	}
	if *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "invalid -to: %v\n", err)
			return 2
		}
		filter.To = t
	}

	exporter := audittrail.NewExporter(audittrail.NewTrail(st))
	ctx := context.Background()

	var payload []byte
	if strings.EqualFold(*format, "pack") {
		data, pack, err := exporter.GeneratePack(ctx, filter)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "export failed: %v\n", err)
			return 1
		}
		payload = data
		_, _ = fmt.Fprintf(stderr, "evidence pack %s: %d entries, checksum %s\n",
			pack.PackID, pack.EntryCount, pack.Checksum)
	} else {
		data, err := exporter.Export(ctx, filter, audittrail.ExportFormat(strings.ToLower(*format)))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "export failed: %v\n", err)
			return 1
		}
		payload = data
	}

	if *out == "" {
		_, _ = stdout.Write(payload)
		return 0
	}
	if err := os.WriteFile(*out, payload, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "writing %s: %v\n", *out, err)
		return 1
	}
	_, _ = fmt.Fprintf(stderr, "wrote %s (%d bytes)\n", *out, len(payload))
	return 0
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	processID := fs.String("process", "", "restrict to one process id")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	observability.SetupLogging(cfg.LogLevel)

	st, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	trail := audittrail.NewTrail(st)
	ctx := context.Background()

	report, err := trail.VerifyAll(ctx, audittrail.Filter{ProcessID: *processID})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verification failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "audit entries: %d checked, %d failed\n", report.Checked, report.Failed)
	for _, id := range report.FailedAt {
		_, _ = fmt.Fprintf(stdout, "  TAMPERED: %s\n", id)
	}

	failedProcesses := 0
	if *processID != "" {
		p, err := st.GetProcess(ctx, *processID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "loading process: %v\n", err)
			return 1
		}
		ok, err := p.VerifyIntegrity()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "verifying process: %v\n", err)
			return 1
		}
		if !ok {
			failedProcesses++
			_, _ = fmt.Fprintf(stdout, "  TAMPERED PROCESS: %s (%s)\n", p.Code, p.ID)
		}
	}

	if !report.OK() || failedProcesses > 0 {
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "integrity verified")
	return 0
}
