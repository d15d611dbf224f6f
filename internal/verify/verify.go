// Package verify re-downloads every published artifact and confirms it still
// hashes to the checksum in the manifest.
//
// Records are checked in parallel by a bounded pool. A failing record never
// stops the others: the result lists every failure once all records have
// been checked. Verification never writes the manifest.
package verify

import (
	"context"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heroku/docker-heroku-ruby-builder/internal/checksum"
	"github.com/heroku/docker-heroku-ruby-builder/internal/fetch"
	"github.com/heroku/docker-heroku-ruby-builder/internal/inventory"
	"github.com/heroku/docker-heroku-ruby-builder/internal/log"
	"github.com/heroku/docker-heroku-ruby-builder/internal/xerrors"
)

const tracerName = "ruby-inventory/verify"

// Per-record outcomes, used as the metrics label.
const (
	OutcomeOK       = "ok"
	OutcomeMismatch = "mismatch"
	OutcomeDownload = "download_error"
	OutcomeScratch  = "scratch_error"
)

// Metrics is implemented by the metrics package to observe verification.
type Metrics interface {
	ObserveVerify(outcome string, seconds float64, bytes int64)
}

// Reader loads the inventory to verify; *manifest.Store implements it.
type Reader interface {
	Read(ctx context.Context) (*inventory.Inventory, error)
}

type Options struct {
	// Fetcher downloads artifact URLs. Required.
	Fetcher fetch.Fetcher
	// Workers bounds concurrent downloads. <= 0 means runtime.NumCPU().
	Workers int
	// ScratchDir holds one temp file per in-flight download. Defaults to os.TempDir().
	ScratchDir string
	Logger     log.Logger
	Metrics    Metrics
}

type Verifier struct {
	fetcher    fetch.Fetcher
	workers    int
	scratchDir string
	logger     log.Logger
	metrics    Metrics
}

func New(opts Options) (*Verifier, error) {
	if opts.Fetcher == nil {
		return nil, xerrors.New("verify: Fetcher is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Verifier{
		fetcher:    opts.Fetcher,
		workers:    workers,
		scratchDir: opts.ScratchDir,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}, nil
}

func (v *Verifier) Workers() int { return v.workers }

// VerifyFile reads the manifest through r and verifies it.
func (v *Verifier) VerifyFile(ctx context.Context, r Reader) error {
	inv, err := r.Read(ctx)
	if err != nil {
		return err
	}
	return v.Verify(ctx, inv)
}

type result struct {
	failure *Failure
	bytes   int64
}

// Verify checks every record of inv. It returns nil when all pass, else an
// *Error listing each failing URL.
func (v *Verifier) Verify(ctx context.Context, inv *inventory.Inventory) (err error) {
	total := inv.Len()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "verify.Verify",
		trace.WithAttributes(attribute.Int("verify.records", total), attribute.Int("verify.workers", v.workers)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "verification failed")
		}
		span.End()
	}()

	if total == 0 {
		v.logger.Info(ctx, "manifest is empty, nothing to verify")
		return nil
	}

	start := time.Now()
	results := make(chan result, total)
	var wg sync.WaitGroup

	// limits concurrent downloads
	sem := make(chan struct{}, v.workers)

	for _, a := range inv.Artifacts {
		wg.Add(1)
		go func(a inventory.Artifact) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results <- v.check(ctx, a)
		}(a)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	// collect on the caller goroutine after workers finish, no mutex needed
	var (
		failures []Failure
		bytes    int64
	)
	for r := range results {
		bytes += r.bytes
		if r.failure != nil {
			failures = append(failures, *r.failure)
		}
	}

	v.logger.Info(ctx, "verification finished",
		"records", total,
		"failed", len(failures),
		"bytes", bytes,
		"elapsed", time.Since(start).String(),
	)
	if len(failures) == 0 {
		return nil
	}
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].URL < failures[j].URL })
	return &Error{Failures: failures, Checked: total}
}

// check downloads a into its own scratch file and compares checksums.
func (v *Verifier) check(ctx context.Context, a inventory.Artifact) (res result) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "verify.artifact",
		trace.WithAttributes(attribute.String("artifact.url", a.URL)))
	start := time.Now()
	outcome := OutcomeOK
	defer func() {
		if v.metrics != nil {
			v.metrics.ObserveVerify(outcome, time.Since(start).Seconds(), res.bytes)
		}
		span.SetAttributes(attribute.String("verify.outcome", outcome))
		if res.failure != nil {
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	fail := func(o string, f Failure) result {
		outcome = o
		f.URL, f.Expected = a.URL, a.Checksum
		v.logger.Warn(ctx, "artifact failed verification", "url", a.URL, "outcome", o, "detail", f.String())
		return result{failure: &f, bytes: res.bytes}
	}

	scratch, err := os.CreateTemp(v.scratchDir, "artifact-*.download")
	if err != nil {
		return fail(OutcomeScratch, Failure{Err: xerrors.Wrap(err, "create scratch file")})
	}
	defer os.Remove(scratch.Name())
	defer scratch.Close()

	n, err := v.fetcher.Fetch(ctx, a.URL, scratch)
	res.bytes = n
	if err != nil {
		return fail(OutcomeDownload, Failure{Err: err})
	}

	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return fail(OutcomeScratch, Failure{Err: xerrors.Wrap(err, "rewind scratch file")})
	}
	actual, err := checksum.ComputeWith(a.Checksum.Algorithm, scratch)
	if err != nil {
		return fail(OutcomeScratch, Failure{Err: err})
	}
	if !actual.Equal(a.Checksum) {
		return fail(OutcomeMismatch, Failure{Actual: &actual})
	}

	v.logger.Debug(ctx, "artifact verified", "url", a.URL, "bytes", n)
	return res
}
