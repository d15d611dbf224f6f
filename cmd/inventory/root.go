package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heroku/docker-heroku-ruby-builder/internal/cfg"
	"github.com/heroku/docker-heroku-ruby-builder/internal/fetch"
	"github.com/heroku/docker-heroku-ruby-builder/internal/inventory"
	"github.com/heroku/docker-heroku-ruby-builder/internal/log"
	"github.com/heroku/docker-heroku-ruby-builder/internal/manifest"
	"github.com/heroku/docker-heroku-ruby-builder/internal/metrics"
	"github.com/heroku/docker-heroku-ruby-builder/internal/otelx"
	"github.com/heroku/docker-heroku-ruby-builder/internal/prof"
	"github.com/heroku/docker-heroku-ruby-builder/internal/ratelimit"
	v "github.com/heroku/docker-heroku-ruby-builder/internal/version"
)

// app is the state shared by every subcommand for one run.
type app struct {
	conf   cfg.App
	stdout io.Writer
	stderr io.Writer

	command string
	started time.Time
	ctx     context.Context
	logger  log.Logger
	metrics *metrics.RunMetrics
	span    trace.Span

	shutdownOTEL otelx.Shutdown
	stopProf     func()

	// s3Options lets tests substitute the S3 client.
	s3Options fetch.S3Options
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:  stdout,
		stderr:  stderr,
		logger:  log.Nop(),
		metrics: metrics.New(),
	}
}

func newRootCmd(a *app) *cobra.Command {
	vi := v.Get()
	root := &cobra.Command{
		Use:   v.AppName,
		Short: "Maintain the Ruby artifact inventory manifest",
		Long: `inventory records built Ruby tarballs in a TOML manifest.

Every flag can also be set from the environment: --fetch-rate is read from
INVENTORY_FETCH_RATE. A flag given on the command line wins over the
environment.`,
		Version:           vi.String(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.setup(cmd) },
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: exitUsage, Err: err}
	})

	cfg.Register(root.PersistentFlags(), &a.conf)

	root.AddCommand(
		newPublishCmd(a),
		newVerifyCmd(a),
		newShowCmd(a),
	)
	return root
}

// setup runs before every subcommand: env fill, validation, logging,
// profiling and tracing.
func (a *app) setup(cmd *cobra.Command) error {
	a.command = cmd.Name()
	a.started = time.Now()

	cfg.FillFromEnv(cmd.Flags(), cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(a.stderr, format+"\n", args...)
	})
	if err := cfg.Validate(a.conf); err != nil {
		return &ExitError{Code: exitUsage, Err: fmt.Errorf("config error: %w", err)}
	}

	lvl, _ := log.ParseLevel(a.conf.LogLevel)
	stackLvl, _ := log.ParseLevel(a.conf.StacktraceLevel)
	vi := v.Get()
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Component:         a.command,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSONFormat:        a.conf.LogJSON,
		MaxErrorLinks:     a.conf.MaxErrorLinks,
		IncludeErrorLinks: a.conf.IncludeErrorLinks,
		Writer:            a.stderr,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	a.logger = lg
	ctx := log.WithContext(cmd.Context(), lg)

	a.metrics.SetBuildInfoFromVersion(v.AppName, a.command, vi)

	a.stopProf, err = prof.Start(ctx, prof.Options{
		Enabled:       a.conf.EnablePyroscope,
		ServerAddress: a.conf.PyroServer,
		TenantID:      a.conf.PyroTenantID,
		Command:       a.command,
		Tags:          map[string]string{"commit": vi.Commit, "source": "go-agent"},
	})
	if err != nil {
		lg.Error(ctx, err, "pyroscope start failed", "pyro_server", a.conf.PyroServer)
	}
	a.metrics.SetProfilingActive(a.conf.EnablePyroscope && err == nil)

	// only a local collector is expected, so no TLS
	a.shutdownOTEL, err = otelx.Init(ctx, otelx.Options{
		Enabled:  a.conf.EnableTracing,
		Endpoint: a.conf.OTLPEndpoint,
		Insecure: true,
		Sample:   a.conf.TraceSample,
		Service:  v.AppName,
		Command:  a.command,
		Version:  vi.Version,
	})
	if err != nil {
		lg.Error(ctx, err, "otel init failed")
	}

	ctx, a.span = otel.Tracer("ruby-inventory/cli").Start(ctx, "inventory."+a.command)
	a.ctx = ctx
	cmd.SetContext(ctx)

	lg.Debug(ctx, "command starting",
		"manifest", a.conf.ManifestPath,
		"workers", a.conf.Workers,
		"fetch_rate", a.conf.FetchRate,
		"enable_tracing", a.conf.EnableTracing,
		"enable_pyroscope", a.conf.EnablePyroscope,
		"metrics_textfile", a.conf.MetricsTextfile,
		"pushgateway_url", a.conf.PushgatewayURL,
	)
	return nil
}

// finish records the outcome, flushes metrics and stops tracing and
// profiling. It runs whether or not the command succeeded.
func (a *app) finish(runErr error) {
	if a.ctx == nil {
		// setup never ran: --help, --version or a flag error
		return
	}
	ctx := context.WithoutCancel(a.ctx)
	elapsed := time.Since(a.started)

	if a.span != nil {
		if runErr != nil {
			a.span.RecordError(runErr)
			a.span.SetStatus(codes.Error, "command failed")
		}
		a.span.End()
	}

	a.metrics.ObserveRun(runErr, elapsed, time.Now())
	if path := a.conf.MetricsTextfile; path != "" {
		if err := a.metrics.WriteTextfile(path); err != nil {
			a.logger.Error(ctx, err, "metrics textfile write failed", "path", path)
		}
	}
	if url := a.conf.PushgatewayURL; url != "" {
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.metrics.Push(pushCtx, url, a.conf.PushgatewayJob, a.command, nil); err != nil {
			a.logger.Error(ctx, err, "metrics push failed", "pushgateway_url", url)
		}
		cancel()
	}

	if a.shutdownOTEL != nil {
		if err := a.shutdownOTEL(ctx); err != nil {
			a.logger.Warn(ctx, "otel shutdown failed", "err", err)
		}
	}
	if a.stopProf != nil {
		a.stopProf()
	}

	if runErr != nil {
		a.logger.Error(ctx, runErr, "command failed", "elapsed", elapsed.String())
	} else {
		a.logger.Debug(ctx, "command finished", "elapsed", elapsed.String())
	}
	_ = a.logger.Sync()
}

func (a *app) newStore() (*manifest.Store, error) {
	return manifest.New(manifest.Options{
		Path:    a.conf.ManifestPath,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

// newFetcher routes http(s) URLs to the HTTP fetcher and, when the
// inventory references any, s3:// URLs to S3. Downloads are throttled per
// host when --fetch-rate is set.
func (a *app) newFetcher(ctx context.Context, inv *inventory.Inventory) (fetch.Fetcher, error) {
	router := fetch.NewRouter().
		Handle(fetch.NewHTTP(fetch.HTTPOptions{UserAgent: a.conf.UserAgent}), "http", "https")

	if usesS3(inv) {
		opts := a.s3Options
		if opts.Region == "" {
			opts.Region = a.conf.AWSRegion
		}
		s3f, err := fetch.NewS3(ctx, opts)
		if err != nil {
			return nil, err
		}
		router.Handle(s3f, "s3")
	}

	L := a.logger
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(a.conf.FetchRate, a.conf.FetchBurst),
		// log once per host each time its bucket is recreated
		ratelimit.WithOnFirstThrottled(func(host string) {
			a.metrics.IncThrottledHost(host)
			L.Info(ctx, "download rate limit reached, throttling host", "host", host, "fetch_rate", a.conf.FetchRate)
		}),
		ratelimit.WithOnThrottled(a.metrics.ObserveThrottleWait),
	)
	return fetch.NewLimited(router, limiter), nil
}

func usesS3(inv *inventory.Inventory) bool {
	if inv == nil {
		return false
	}
	for _, art := range inv.Artifacts {
		if strings.HasPrefix(strings.ToLower(art.URL), "s3://") {
			return true
		}
	}
	return false
}
