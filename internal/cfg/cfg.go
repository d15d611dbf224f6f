package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/heroku/docker-heroku-ruby-builder/internal/log"
	"github.com/heroku/docker-heroku-ruby-builder/internal/xerrors"
)

// EnvPrefix is prepended to upper-cased flag names when filling from the
// environment: --manifest becomes INVENTORY_MANIFEST.
const EnvPrefix = "INVENTORY_"

type App struct {
	ManifestPath string

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// Verify worker pool size. 0 means one worker per CPU.
	Workers int

	// Per-host download throttle. 0 disables throttling.
	FetchRate  float64
	FetchBurst int
	UserAgent  string
	AWSRegion  string

	MetricsTextfile string
	PushgatewayURL  string
	PushgatewayJob  string

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *pflag.FlagSet, c *App) {
	fs.StringVar(&c.ManifestPath, "manifest", "", "path to the inventory manifest (TOML)")

	fs.BoolVar(&c.LogJSON, "log-json", false, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", false, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.Workers, "workers", 0, "parallel verification downloads (0 = number of CPUs)")
	fs.Float64Var(&c.FetchRate, "fetch-rate", 0, "max downloads per second per host (0 = unlimited)")
	fs.IntVar(&c.FetchBurst, "fetch-burst", 4, "download burst per host when fetch-rate is set")
	fs.StringVar(&c.UserAgent, "user-agent", "", "User-Agent for artifact downloads (default inventory/<version>)")
	fs.StringVar(&c.AWSRegion, "aws-region", "", "AWS region for s3:// artifact URLs (default from AWS config)")

	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", "", "write run metrics to this node_exporter textfile on exit")
	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", "", "push run metrics to this Prometheus Pushgateway on exit")
	fs.StringVar(&c.PushgatewayJob, "pushgateway-job", "ruby_inventory", "Pushgateway job name")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in --pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
}

// FillFromEnv sets any flag not explicitly passed on the command line from
// the environment. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *pflag.FlagSet, prefix string, logf func(string, ...any)) {
	fs.VisitAll(func(f *pflag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if f.Changed {
			if logf != nil {
				logf("flag --%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = f.Value.Set(prev)
			if logf != nil {
				logf("flag --%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
			return
		}
		// pflag marks Set values as changed; env values are still defaults
		// from the command line's point of view.
		f.Changed = false
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if strings.TrimSpace(c.ManifestPath) == "" {
		errs = append(errs, fmt.Errorf("MANIFEST is required"))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("WORKERS must be >= 0 (got %d)", c.Workers))
	}
	if c.FetchRate < 0 {
		errs = append(errs, fmt.Errorf("FETCH_RATE must be >= 0 (got %.3f)", c.FetchRate))
	}
	if c.FetchRate > 0 && c.FetchBurst < 1 {
		errs = append(errs, fmt.Errorf("FETCH_BURST must be >= 1 when FETCH_RATE is set (got %d)", c.FetchBurst))
	}

	if c.PushgatewayURL != "" {
		if u, err := url.Parse(c.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PUSHGATEWAY_URL must be a URL (got %q)", c.PushgatewayURL))
		}
		if c.PushgatewayJob == "" {
			errs = append(errs, fmt.Errorf("PUSHGATEWAY_JOB required when PUSHGATEWAY_URL is set"))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if err := validateHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	if len(errs) > 0 {
		return xerrors.Join(errs...)
	}
	return nil
}

// validateHostPort accepts host:port with a numeric port and no scheme.
// SplitHostPort alone lets "http://collector" through as host "http".
func validateHostPort(hp string) error {
	if strings.Contains(hp, "://") {
		return fmt.Errorf("unexpected scheme")
	}
	host, port, err := net.SplitHostPort(hp)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
