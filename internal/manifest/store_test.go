package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/heroku/docker-heroku-ruby-builder/internal/checksum"
	"github.com/heroku/docker-heroku-ruby-builder/internal/inventory"
)

const (
	sumA = "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	sumB = "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func artifact(version, url, sum string) inventory.Artifact {
	return inventory.Artifact{
		Version:  version,
		OS:       inventory.Linux,
		Arch:     inventory.Amd64,
		URL:      url,
		Checksum: checksum.MustParse(sum),
		Metadata: inventory.Metadata{
			DistroVersion: "24.04",
			Timestamp:     time.Date(2024, 7, 24, 16, 17, 35, 0, time.UTC),
		},
	}
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []string
	waits    int
	records  int
}

func (m *fakeMetrics) ObserveTransaction(outcome string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) ObserveLockWait(float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waits++
}

func (m *fakeMetrics) SetManifestRecords(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = n
}

func newTestStore(t *testing.T, path string) (*Store, *fakeMetrics) {
	t.Helper()
	m := &fakeMetrics{}
	s, err := New(Options{Path: path, Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, m
}

func readInventory(t *testing.T, path string) *inventory.Inventory {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	inv, err := inventory.Parse(string(b))
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	return inv
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// New

func TestNew_RequiresPath(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStore_LockPath(t *testing.T) {
	s, _ := newTestStore(t, "/srv/inv/ruby_inventory.toml")
	if s.LockPath() != "/srv/inv/ruby_inventory.toml.lock" {
		t.Fatalf("LockPath = %q", s.LockPath())
	}
}

// Publish

func TestPublish_Bootstrap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "ruby_inventory.toml")
	s, m := newTestStore(t, path)

	if err := s.Publish(context.Background(), artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	inv := readInventory(t, path)
	if inv.Len() != 1 {
		t.Fatalf("len = %d, want 1", inv.Len())
	}
	if m.records != 1 || len(m.outcomes) != 1 || m.outcomes[0] != OutcomeOK || m.waits != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if _, err := os.Stat(s.LockPath()); err != nil {
		t.Fatalf("lock file should exist next to the manifest: %v", err)
	}
}

func TestPublish_AppendGrowth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, _ := newTestStore(t, path)
	ctx := context.Background()

	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, artifact("1.0.1", "https://x/b.tgz", sumB)); err != nil {
		t.Fatal(err)
	}

	inv := readInventory(t, path)
	if inv.Len() != 2 {
		t.Fatalf("len = %d, want 2", inv.Len())
	}
	if inv.Artifacts[0].URL != "https://x/a.tgz" || inv.Artifacts[1].URL != "https://x/b.tgz" {
		t.Fatalf("records out of call order: %+v", inv.Artifacts)
	}
}

func TestPublish_DedupReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, _ := newTestStore(t, path)
	ctx := context.Background()

	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a-aaaaaaa.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a-bbbbbbb.tgz", sumB)); err != nil {
		t.Fatal(err)
	}

	inv := readInventory(t, path)
	if inv.Len() != 1 {
		t.Fatalf("len = %d, want 1", inv.Len())
	}
	if got := inv.Artifacts[0].Checksum.String(); got != sumB {
		t.Fatalf("checksum = %s, want the rebuilt one", got)
	}
}

func TestPublish_ConflictLeavesFileByteIdentical(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, m := newTestStore(t, path)
	ctx := context.Background()

	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	before := mustRead(t, path)

	err := s.Publish(ctx, artifact("1.0.1", "https://x/a.tgz", sumB))
	var ce *inventory.ChecksumConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("want *inventory.ChecksumConflictError, got %v", err)
	}
	if ce.Candidate.Version != "1.0.1" {
		t.Fatalf("conflict should carry the rejected candidate, got %+v", ce.Candidate)
	}
	if after := mustRead(t, path); string(after) != string(before) {
		t.Fatalf("manifest changed on conflict\nbefore:\n%s\nafter:\n%s", before, after)
	}
	if got := m.outcomes[len(m.outcomes)-1]; got != OutcomeConflict {
		t.Fatalf("outcome = %q, want conflict", got)
	}
}

func TestPublish_ConcreteScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, _ := newTestStore(t, path)
	ctx := context.Background()

	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, artifact("1.0.1", "https://x/b.tgz", sumB)); err != nil {
		t.Fatal(err)
	}
	inv := readInventory(t, path)
	if inv.Len() != 2 || inv.Artifacts[0].Version != "1.0.0" || inv.Artifacts[1].Version != "1.0.1" {
		t.Fatalf("unexpected inventory: %+v", inv.Artifacts)
	}
}

func TestPublish_InvalidArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, _ := newTestStore(t, path)

	a := artifact("1.0.0", "", sumA)
	if err := s.Publish(context.Background(), a); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatal("invalid artifact should not create the manifest")
	}
}

// Append

func TestAppend_KeepsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, _ := newTestStore(t, path)
	ctx := context.Background()
	a := artifact("1.0.0", "https://example.com", sumA)

	if err := s.Append(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, a); err != nil {
		t.Fatal(err)
	}
	if n := readInventory(t, path).Len(); n != 2 {
		t.Fatalf("len = %d, want 2", n)
	}
}

// Update

func TestUpdate_CorruptManifestUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	corrupt := "[[artifacts]\nthis is not toml"
	if err := os.WriteFile(path, []byte(corrupt), 0o644); err != nil {
		t.Fatal(err)
	}
	s, m := newTestStore(t, path)

	called := false
	err := s.Update(context.Background(), func(*inventory.Inventory) error {
		called = true
		return nil
	})
	var pe *inventory.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want *inventory.ParseError, got %v", err)
	}
	if pe.Contents != corrupt {
		t.Fatal("ParseError should carry the corrupt contents")
	}
	if called {
		t.Fatal("mutation must not run on a corrupt manifest")
	}
	if got := string(mustRead(t, path)); got != corrupt {
		t.Fatalf("corrupt manifest was modified: %q", got)
	}
	if m.outcomes[0] != OutcomeParseError {
		t.Fatalf("outcome = %q", m.outcomes[0])
	}
}

func TestUpdate_MutationErrorNoWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, m := newTestStore(t, path)
	ctx := context.Background()
	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	before := mustRead(t, path)

	sentinel := errors.New("build rejected")
	err := s.Update(ctx, func(inv *inventory.Inventory) error {
		inv.Push(artifact("2.0.0", "https://x/c.tgz", sumB))
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("want sentinel, got %v", err)
	}
	if string(mustRead(t, path)) != string(before) {
		t.Fatal("manifest changed after a failed mutation")
	}
	if got := m.outcomes[len(m.outcomes)-1]; got != OutcomeAborted {
		t.Fatalf("outcome = %q, want aborted", got)
	}
}

func TestUpdate_BlankManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	if err := os.WriteFile(path, []byte("\n  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, _ := newTestStore(t, path)
	if err := s.Publish(context.Background(), artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	if n := readInventory(t, path).Len(); n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestUpdate_WriteFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inv.toml")
	s, m := newTestStore(t, path)
	ctx := context.Background()
	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	before := mustRead(t, path)

	renameFile = func(string, string) error { return errors.New("disk full") }
	t.Cleanup(func() { renameFile = os.Rename })

	err := s.Publish(ctx, artifact("1.0.1", "https://x/b.tgz", sumB))
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("want *WriteError, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("error should carry the cause: %v", err)
	}
	if string(mustRead(t, path)) != string(before) {
		t.Fatal("previous manifest should be intact")
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("temp file %s left behind", e.Name())
		}
	}
	if got := m.outcomes[len(m.outcomes)-1]; got != OutcomeWriteError {
		t.Fatalf("outcome = %q, want write_error", got)
	}
}

func TestUpdate_PreservesFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	s, _ := newTestStore(t, path)
	if err := s.Publish(context.Background(), artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", fi.Mode().Perm())
	}
}

func TestUpdate_ReleasesLockAfterPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, _ := newTestStore(t, path)
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = s.Update(ctx, func(*inventory.Inventory) error { panic("boom") })
	}()

	done := make(chan error, 1)
	go func() { done <- s.Publish(ctx, artifact("1.0.0", "https://x/a.tgz", sumA)) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lock still held after a panicking mutation")
	}
}

func TestUpdate_ConcurrentPublishers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	const publishers = 16

	var wg sync.WaitGroup
	errs := make(chan error, publishers)
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// one Store per goroutine, as separate build jobs would have
			s, err := New(Options{Path: path})
			if err != nil {
				errs <- err
				return
			}
			a := artifact(fmt.Sprintf("3.3.%d", i), fmt.Sprintf("https://x/ruby-3.3.%d.tgz", i), sumA)
			errs <- s.Publish(context.Background(), a)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	inv := readInventory(t, path)
	if inv.Len() != publishers {
		t.Fatalf("len = %d, want %d (lost update)", inv.Len(), publishers)
	}
	seen := make(map[string]bool)
	for _, a := range inv.Artifacts {
		seen[a.Version] = true
	}
	if len(seen) != publishers {
		t.Fatalf("distinct versions = %d, want %d", len(seen), publishers)
	}
}

// Read

func TestRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, m := newTestStore(t, path)
	ctx := context.Background()
	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	before := mustRead(t, path)

	inv, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if inv.Len() != 1 || m.records != 1 {
		t.Fatalf("len = %d records gauge = %d", inv.Len(), m.records)
	}
	if string(mustRead(t, path)) != string(before) {
		t.Fatal("Read must not modify the manifest")
	}
}

func TestRead_Missing(t *testing.T) {
	s, _ := newTestStore(t, filepath.Join(t.TempDir(), "absent.toml"))
	_, err := s.Read(context.Background())
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("want fs.ErrNotExist, got %v", err)
	}
}

func TestRead_ReadOnlyDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "published")
	path := filepath.Join(dir, "inv.toml")
	s, _ := newTestStore(t, path)
	ctx := context.Background()
	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(s.LockPath()); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	inv, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if inv.Len() != 1 {
		t.Fatalf("len = %d, want 1", inv.Len())
	}
	// root ignores directory permissions and creates the lock file anyway
	if os.Geteuid() != 0 {
		if _, err := os.Stat(s.LockPath()); !errors.Is(err, fs.ErrNotExist) {
			t.Fatalf("lock file should not be created in a read-only directory: %v", err)
		}
	}
}

func TestRead_ReadOnlyLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	s, _ := newTestStore(t, path)
	ctx := context.Background()
	if err := s.Publish(ctx, artifact("1.0.0", "https://x/a.tgz", sumA)); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(s.LockPath(), 0o444); err != nil {
		t.Fatal(err)
	}

	lock, err := acquireLock(s.LockPath(), false)
	if err != nil {
		t.Fatalf("shared lock on a read-only lock file: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(ctx); err != nil {
		t.Fatalf("Read: %v", err)
	}
}

func TestRead_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inv.toml")
	if err := os.WriteFile(path, []byte("artifacts = 3"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, _ := newTestStore(t, path)
	_, err := s.Read(context.Background())
	var pe *inventory.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want *inventory.ParseError, got %v", err)
	}
}

// Outcome

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{&inventory.ChecksumConflictError{URL: "u"}, OutcomeConflict},
		{fmt.Errorf("wrapped: %w", &inventory.ParseError{Err: errors.New("x")}), OutcomeParseError},
		{&LockError{Path: "p", Op: "lock", Err: errors.New("x")}, OutcomeLockError},
		{&WriteError{Path: "p", Err: errors.New("x")}, OutcomeWriteError},
		{errors.New("other"), OutcomeAborted},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
