package verify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/heroku/docker-heroku-ruby-builder/internal/checksum"
	"github.com/heroku/docker-heroku-ruby-builder/internal/fetch"
	"github.com/heroku/docker-heroku-ruby-builder/internal/inventory"
	"github.com/heroku/docker-heroku-ruby-builder/internal/manifest"
)

func sumOf(t *testing.T, body string) checksum.Checksum {
	t.Helper()
	c, err := checksum.Compute(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	return c
}

func testArtifact(version, url string, sum checksum.Checksum) inventory.Artifact {
	return inventory.Artifact{
		Version:  version,
		OS:       inventory.Linux,
		Arch:     inventory.Amd64,
		URL:      url,
		Checksum: sum,
		Metadata: inventory.Metadata{
			DistroVersion: "24.04",
			Timestamp:     time.Date(2024, 7, 24, 16, 17, 35, 0, time.UTC),
		},
	}
}

// tarballServer serves each path in files; anything else is a 404.
func tarballServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestVerifier(t *testing.T, f fetch.Fetcher, workers int) (*Verifier, *fakeMetrics) {
	t.Helper()
	m := &fakeMetrics{}
	v, err := New(Options{Fetcher: f, Workers: workers, ScratchDir: t.TempDir(), Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v, m
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
	bytes    int64
}

func (m *fakeMetrics) ObserveVerify(outcome string, _ float64, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
	m.bytes += n
}

// New

func TestNew_RequiresFetcher(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without a Fetcher")
	}
}

func TestNew_DefaultWorkers(t *testing.T) {
	v, err := New(Options{Fetcher: fetch.NewRouter()})
	if err != nil {
		t.Fatal(err)
	}
	if v.Workers() < 1 {
		t.Fatalf("Workers = %d, want >= 1", v.Workers())
	}
}

// Verify

func TestVerify_AllPass(t *testing.T) {
	srv := tarballServer(t, map[string]string{
		"/ruby-3.3.0.tgz": "ruby 3.3.0",
		"/ruby-3.2.4.tgz": "ruby 3.2.4",
	})
	inv := &inventory.Inventory{}
	inv.Push(testArtifact("3.3.0", srv.URL+"/ruby-3.3.0.tgz", sumOf(t, "ruby 3.3.0")))
	inv.Push(testArtifact("3.2.4", srv.URL+"/ruby-3.2.4.tgz", sumOf(t, "ruby 3.2.4")))

	v, m := newTestVerifier(t, fetch.NewHTTP(fetch.HTTPOptions{Client: srv.Client()}), 2)
	if err := v.Verify(context.Background(), inv); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if m.outcomes[OutcomeOK] != 2 {
		t.Fatalf("outcomes = %v", m.outcomes)
	}
	if m.bytes != int64(len("ruby 3.3.0")+len("ruby 3.2.4")) {
		t.Fatalf("bytes = %d", m.bytes)
	}
}

func TestVerify_Empty(t *testing.T) {
	v, _ := newTestVerifier(t, fetch.NewRouter(), 1)
	if err := v.Verify(context.Background(), &inventory.Inventory{}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := v.Verify(context.Background(), nil); err != nil {
		t.Fatalf("Verify(nil): %v", err)
	}
}

func TestVerify_Mismatch(t *testing.T) {
	srv := tarballServer(t, map[string]string{
		"/good.tgz":     "good",
		"/tampered.tgz": "tampered",
	})
	expected := sumOf(t, "original")
	inv := &inventory.Inventory{}
	inv.Push(testArtifact("3.3.0", srv.URL+"/good.tgz", sumOf(t, "good")))
	inv.Push(testArtifact("3.2.4", srv.URL+"/tampered.tgz", expected))

	v, m := newTestVerifier(t, fetch.NewHTTP(fetch.HTTPOptions{Client: srv.Client()}), 4)
	err := v.Verify(context.Background(), inv)

	var ve *Error
	if !errors.As(err, &ve) {
		t.Fatalf("err = %T %v, want *Error", err, err)
	}
	if len(ve.Failures) != 1 || ve.Checked != 2 {
		t.Fatalf("failures = %+v checked = %d", ve.Failures, ve.Checked)
	}
	f := ve.Failures[0]
	if !f.Mismatch() || !f.Expected.Equal(expected) || !f.Actual.Equal(sumOf(t, "tampered")) {
		t.Fatalf("failure = %+v", f)
	}
	want := "Checksum mismatch for " + srv.URL + "/tampered.tgz expected " + expected.Hex() +
		" got " + sumOf(t, "tampered").Hex()
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not contain %q", err.Error(), want)
	}
	if strings.Contains(err.Error(), "good.tgz") {
		t.Fatal("passing records should not be reported")
	}
	if m.outcomes[OutcomeMismatch] != 1 || m.outcomes[OutcomeOK] != 1 {
		t.Fatalf("outcomes = %v", m.outcomes)
	}
}

func TestVerify_DownloadErrorDoesNotStopOthers(t *testing.T) {
	srv := tarballServer(t, map[string]string{
		"/a.tgz": "a",
		"/c.tgz": "c",
	})
	inv := &inventory.Inventory{}
	inv.Push(testArtifact("3.3.0", srv.URL+"/c.tgz", sumOf(t, "wrong")))
	inv.Push(testArtifact("3.2.0", srv.URL+"/b.tgz", sumOf(t, "b")))
	inv.Push(testArtifact("3.1.0", srv.URL+"/a.tgz", sumOf(t, "a")))

	v, m := newTestVerifier(t, fetch.NewHTTP(fetch.HTTPOptions{Client: srv.Client()}), 1)
	err := v.Verify(context.Background(), inv)

	var ve *Error
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if len(ve.Failures) != 2 {
		t.Fatalf("failures = %+v", ve.Failures)
	}
	// sorted by URL
	if !strings.HasSuffix(ve.Failures[0].URL, "/b.tgz") || !strings.HasSuffix(ve.Failures[1].URL, "/c.tgz") {
		t.Fatalf("failure order = %s, %s", ve.Failures[0].URL, ve.Failures[1].URL)
	}
	if ve.Failures[0].Mismatch() || ve.Failures[0].Err == nil {
		t.Fatalf("b.tgz should be a download failure: %+v", ve.Failures[0])
	}

	var ne *fetch.NetworkError
	if !errors.As(err, &ne) || ne.StatusCode != http.StatusNotFound {
		t.Fatalf("network error should be reachable, got %v", ne)
	}
	if len(ve.Mismatches()) != 1 {
		t.Fatalf("mismatches = %+v", ve.Mismatches())
	}
	if m.outcomes[OutcomeDownload] != 1 || m.outcomes[OutcomeMismatch] != 1 || m.outcomes[OutcomeOK] != 1 {
		t.Fatalf("outcomes = %v", m.outcomes)
	}
}

// trackingFetcher writes a fixed body and records peak concurrency.
type trackingFetcher struct {
	body    string
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
	release chan struct{}
}

func (f *trackingFetcher) Fetch(ctx context.Context, _ string, dst io.Writer) (int64, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	written, err := io.Copy(dst, strings.NewReader(f.body))
	return written, err
}

func TestVerify_WorkerBound(t *testing.T) {
	f := &trackingFetcher{body: "ruby", delay: 20 * time.Millisecond}
	sum := sumOf(t, "ruby")
	inv := &inventory.Inventory{}
	for i := 0; i < 12; i++ {
		inv.Push(testArtifact("3.3."+string(rune('a'+i)), "https://example.test/"+string(rune('a'+i))+".tgz", sum))
	}

	v, _ := newTestVerifier(t, f, 3)
	if err := v.Verify(context.Background(), inv); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := f.calls.Load(); got != 12 {
		t.Fatalf("calls = %d, want 12", got)
	}
	if got := f.peak.Load(); got > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", got)
	}
}

func TestVerify_ScratchFilesRemoved(t *testing.T) {
	scratch := t.TempDir()
	f := &trackingFetcher{body: "ruby"}
	v, err := New(Options{Fetcher: f, Workers: 2, ScratchDir: scratch})
	if err != nil {
		t.Fatal(err)
	}
	inv := &inventory.Inventory{}
	inv.Push(testArtifact("3.3.0", "https://example.test/a.tgz", sumOf(t, "ruby")))
	inv.Push(testArtifact("3.3.1", "https://example.test/b.tgz", sumOf(t, "other")))
	_ = v.Verify(context.Background(), inv)

	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch dir not cleaned: %v", entries)
	}
}

func TestVerify_ScratchDirMissing(t *testing.T) {
	v, err := New(Options{Fetcher: &trackingFetcher{}, ScratchDir: filepath.Join(t.TempDir(), "missing")})
	if err != nil {
		t.Fatal(err)
	}
	inv := &inventory.Inventory{}
	inv.Push(testArtifact("3.3.0", "https://example.test/a.tgz", sumOf(t, "ruby")))

	var ve *Error
	if err := v.Verify(context.Background(), inv); !errors.As(err, &ve) || ve.Failures[0].Err == nil {
		t.Fatalf("expected scratch failure, got %v", err)
	}
}

func TestVerify_ContextCancelled(t *testing.T) {
	f := &trackingFetcher{body: "ruby", delay: time.Minute}
	v, _ := newTestVerifier(t, f, 2)
	inv := &inventory.Inventory{}
	inv.Push(testArtifact("3.3.0", "https://example.test/a.tgz", sumOf(t, "ruby")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := v.Verify(ctx, inv)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// VerifyFile

func TestVerifyFile_LeavesManifestUntouched(t *testing.T) {
	srv := tarballServer(t, map[string]string{"/ruby-3.3.0.tgz": "served"})
	path := filepath.Join(t.TempDir(), "ruby_inventory.toml")
	store, err := manifest.New(manifest.Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Publish(context.Background(), testArtifact("3.3.0", srv.URL+"/ruby-3.3.0.tgz", sumOf(t, "built"))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	v, _ := newTestVerifier(t, fetch.NewHTTP(fetch.HTTPOptions{Client: srv.Client()}), 1)
	err = v.VerifyFile(context.Background(), store)
	var ve *Error
	if !errors.As(err, &ve) || len(ve.Mismatches()) != 1 {
		t.Fatalf("expected one mismatch, got %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("verification must not modify the manifest")
	}
}

func TestVerifyFile_MissingManifest(t *testing.T) {
	store, err := manifest.New(manifest.Options{Path: filepath.Join(t.TempDir(), "none.toml")})
	if err != nil {
		t.Fatal(err)
	}
	v, _ := newTestVerifier(t, fetch.NewRouter(), 1)
	if err := v.VerifyFile(context.Background(), store); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

// Error

func TestError_Message(t *testing.T) {
	exp := checksum.MustParse("sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	got := checksum.MustParse("sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	e := &Error{Checked: 3, Failures: []Failure{
		{URL: "https://x/a.tgz", Expected: exp, Actual: &got},
		{URL: "https://x/b.tgz", Expected: exp, Err: errors.New("connection refused")},
	}}
	lines := strings.Split(e.Error(), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "2 of 3 artifacts failed verification" {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[1] != "Checksum mismatch for https://x/a.tgz expected "+exp.Hex()+" got "+got.Hex() {
		t.Fatalf("mismatch line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "https://x/b.tgz") || !strings.Contains(lines[2], "connection refused") {
		t.Fatalf("download line = %q", lines[2])
	}
}
