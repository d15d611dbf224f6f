// Package prof pushes continuous profiles to Pyroscope for the length of one
// command.
package prof

import (
	"context"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"

	"github.com/heroku/docker-heroku-ruby-builder/internal/log"
	"github.com/heroku/docker-heroku-ruby-builder/internal/version"
	"github.com/heroku/docker-heroku-ruby-builder/internal/xerrors"
)

// DefaultUploadRate is shorter than pyroscope's 15s so short runs still
// upload at least one profile before Stop.
const DefaultUploadRate = 5 * time.Second

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	// Command is added as the "command" tag.
	Command              string
	Tags                 map[string]string
	UploadRate           time.Duration
	ProfileMutexFraction int
	BlockProfileRate     int
}

func (o Options) config() pyroscope.Config {
	app := o.AppName
	if app == "" {
		app = version.AppName
	}
	tags := make(map[string]string, len(o.Tags)+2)
	for k, v := range o.Tags {
		tags[k] = v
	}
	if o.Command != "" {
		tags["command"] = o.Command
	}
	tags["version"] = version.Get().Version

	rate := o.UploadRate
	if rate <= 0 {
		rate = DefaultUploadRate
	}
	return pyroscope.Config{
		ApplicationName: app,
		ServerAddress:   o.ServerAddress,
		TenantID:        o.TenantID,
		Tags:            tags,
		UploadRate:      rate,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	}
}

// Start begins profiling. The returned stop func is always non-nil and
// flushes the last profile.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)

	if !opts.Enabled {
		L.Debug(ctx, "pyroscope disabled")
		return func() {}, nil
	}

	if opts.ServerAddress == "" {
		return func() {}, xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	cfg := opts.config()
	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		return func() {}, xerrors.Wrapf(err, "start pyroscope for %s", cfg.ApplicationName)
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", cfg.ApplicationName,
		"command", opts.Command,
	)

	return func() {
		if err := profiler.Stop(); err != nil {
			L.Warn(context.Background(), "pyroscope stop failed", "err", err)
			return
		}
		L.Debug(context.Background(), "pyroscope stopped", "app_name", cfg.ApplicationName)
	}, nil
}
