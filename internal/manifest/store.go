// Package manifest owns the on-disk inventory file.
//
// Every change is a locked read-modify-write transaction: take an exclusive
// flock on "<manifest>.lock", parse the current file, run the caller's
// mutation, then write the result to a temp file and rename it over the
// manifest. A failed mutation, parse or write leaves the previous file in
// place, and the lock is released on every path.
//
// The lock lives on a sibling file because the manifest itself is replaced
// by rename; a lock on the manifest inode would not be seen by a process that
// opened the file after the rename.
package manifest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/heroku/docker-heroku-ruby-builder/internal/inventory"
	"github.com/heroku/docker-heroku-ruby-builder/internal/log"
	"github.com/heroku/docker-heroku-ruby-builder/internal/xerrors"
)

const tracerName = "ruby-inventory/manifest"

// Metrics is implemented by the metrics package to observe transactions.
type Metrics interface {
	ObserveTransaction(outcome string, seconds float64)
	ObserveLockWait(seconds float64)
	SetManifestRecords(n int)
}

// Options configures a Store.
type Options struct {
	// Path is the manifest file. Its directory is created on first write.
	Path    string
	Logger  log.Logger
	Metrics Metrics
}

// Store serializes access to one manifest file across processes on a host.
type Store struct {
	path    string
	logger  log.Logger
	metrics Metrics
}

// Mutation edits the parsed inventory inside a transaction. Returning an
// error aborts the transaction without writing.
type Mutation func(inv *inventory.Inventory) error

// renameFile is replaced in tests to simulate a failed write.
var renameFile = os.Rename

func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, xerrors.New("manifest path is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Store{
		path:    filepath.Clean(opts.Path),
		logger:  opts.Logger.With("manifest", filepath.Clean(opts.Path)),
		metrics: opts.Metrics,
	}, nil
}

func (s *Store) Path() string { return s.path }

// LockPath is the sibling file that carries the flock.
func (s *Store) LockPath() string { return s.path + ".lock" }

// Update runs mutate inside an exclusive transaction. Errors from mutate and
// from parsing are returned unchanged so callers can errors.As them.
func (s *Store) Update(ctx context.Context, mutate Mutation) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "manifest.Update",
		trace.WithAttributes(attribute.String("manifest.path", s.path)))
	start := time.Now()
	defer func() {
		outcome := Outcome(err)
		if s.metrics != nil {
			s.metrics.ObserveTransaction(outcome, time.Since(start).Seconds())
		}
		span.SetAttributes(attribute.String("manifest.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
	}()

	if err := s.ensureFile(); err != nil {
		return err
	}

	waitStart := time.Now()
	lock, err := acquireLock(s.LockPath(), true)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	waited := time.Since(waitStart)
	if s.metrics != nil {
		s.metrics.ObserveLockWait(waited.Seconds())
	}
	span.AddEvent("lock acquired")
	s.logger.Debug(ctx, "manifest lock acquired", "waited", waited.String())

	contents, err := os.ReadFile(s.path)
	if err != nil {
		return xerrors.Wrapf(err, "read manifest %s", s.path)
	}
	inv, err := inventory.Parse(string(contents))
	if err != nil {
		return err
	}

	if err := mutate(inv); err != nil {
		return err
	}

	out, err := inv.Serialize()
	if err != nil {
		return err
	}
	if err := s.replace([]byte(out)); err != nil {
		return &WriteError{Path: s.path, Err: err}
	}

	if s.metrics != nil {
		s.metrics.SetManifestRecords(inv.Len())
	}
	s.logger.Debug(ctx, "manifest written", "records", inv.Len(), "bytes", len(out))
	return nil
}

// Publish adds a under the standard policy: a URL already published with a
// different checksum is rejected with *inventory.ChecksumConflictError,
// records with the same version, arch and distro version are replaced, and a
// is appended last. The store never touches artifact files; on conflict the
// caller discards whatever it uploaded for a.
func (s *Store) Publish(ctx context.Context, a inventory.Artifact) error {
	if err := a.Validate(); err != nil {
		return xerrors.Wrapf(err, "publish %s", a.URL)
	}

	var replaced int
	err := s.Update(ctx, func(inv *inventory.Inventory) error {
		n, err := inv.Upsert(a)
		replaced = n
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Info(ctx, "artifact published",
		"url", a.URL,
		"version", a.Version,
		"arch", string(a.Arch),
		"distro_version", a.Metadata.DistroVersion,
		"checksum", a.Checksum.String(),
		"replaced", replaced,
	)
	return nil
}

// Append pushes a without conflict or dedup checks.
func (s *Store) Append(ctx context.Context, a inventory.Artifact) error {
	if err := a.Validate(); err != nil {
		return xerrors.Wrapf(err, "append %s", a.URL)
	}
	return s.Update(ctx, func(inv *inventory.Inventory) error {
		inv.Push(a)
		return nil
	})
}

// Read parses the manifest under a shared lock, so it never observes a
// transaction in progress. A missing manifest is an error. When the lock file
// cannot be opened (a read-only directory, say) the manifest is read without
// the lock; rename keeps that read whole on local filesystems.
func (s *Store) Read(ctx context.Context) (inv *inventory.Inventory, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "manifest.Read",
		trace.WithAttributes(attribute.String("manifest.path", s.path)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if _, err := os.Stat(s.path); err != nil {
		return nil, xerrors.Wrapf(err, "read manifest %s", s.path)
	}

	lock, err := acquireLock(s.LockPath(), false)
	if err != nil {
		// a readable manifest in a directory we cannot write is still readable
		var le *LockError
		if !errors.As(err, &le) || le.Op != "open" {
			return nil, err
		}
		s.logger.Warn(ctx, "reading manifest without lock", "lock", s.LockPath(), "err", le.Err)
		span.AddEvent("lock unavailable")
		lock = nil
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	contents, err := os.ReadFile(s.path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read manifest %s", s.path)
	}
	inv, err = inventory.Parse(string(contents))
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.SetManifestRecords(inv.Len())
	}
	s.logger.Debug(ctx, "manifest read", "records", inv.Len())
	return inv, nil
}

// ensureFile creates the manifest directory and an empty manifest if absent.
// Existing contents are never truncated.
func (s *Store) ensureFile() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrapf(err, "create manifest directory %s", dir)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return xerrors.Wrapf(err, "create manifest %s", s.path)
	}
	return f.Close()
}

// replace writes data to a temp file next to the manifest, syncs it and
// renames it into place.
func (s *Store) replace(data []byte) (err error) {
	dir := filepath.Dir(s.path)

	perm := fs.FileMode(0o644)
	if fi, err := os.Stat(s.path); err == nil {
		perm = fi.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return xerrors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return xerrors.Wrapf(err, "write %s", tmpName)
	}
	if err = tmp.Chmod(perm); err != nil {
		return xerrors.Wrapf(err, "chmod %s", tmpName)
	}
	if err = tmp.Sync(); err != nil {
		return xerrors.Wrapf(err, "sync %s", tmpName)
	}
	if err = tmp.Close(); err != nil {
		return xerrors.Wrapf(err, "close %s", tmpName)
	}
	if err = renameFile(tmpName, s.path); err != nil {
		return xerrors.Wrapf(err, "rename %s", tmpName)
	}

	// the rename is durable once the directory entry is
	if d, derr := os.Open(dir); derr == nil {
		if serr := d.Sync(); serr != nil && !errors.Is(serr, fs.ErrInvalid) {
			s.logger.Warn(context.Background(), "sync manifest directory failed", "dir", dir, "err", serr)
		}
		d.Close()
	}
	return nil
}
