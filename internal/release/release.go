// Package release turns a freshly built Ruby tarball into a publishable
// artifact record.
//
// Prepare copies the tarball next to itself under a checksum-suffixed name
// (ruby-3.3.1.tgz becomes ruby-3.3.1-dd073bd.tgz) and derives the public URL
// from the copy's path below the output directory. When the manifest rejects
// the record, Discard removes the copy again.
package release

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heroku/docker-heroku-ruby-builder/internal/checksum"
	"github.com/heroku/docker-heroku-ruby-builder/internal/inventory"
	"github.com/heroku/docker-heroku-ruby-builder/internal/pathutil"
	"github.com/heroku/docker-heroku-ruby-builder/internal/xerrors"
)

// DefaultBaseURL is the bucket the output directory is synced to.
const DefaultBaseURL = "https://heroku-buildpack-ruby.s3.us-east-1.amazonaws.com"

const (
	tarballSuffix = ".tgz"
	shortSHALen   = 7
)

// OutputTarPath is where the builder writes the tarball for one version:
// <out>/<base>/ruby-<v>.tgz, with an <arch> directory for arch-aware images.
func OutputTarPath(outputDir, rubyVersion string, base BaseImage, arch inventory.Arch) string {
	dir := filepath.Join(outputDir, base.Name())
	if base.IsArchAware() {
		dir = filepath.Join(dir, string(arch))
	}
	return filepath.Join(dir, "ruby-"+rubyVersion+tarballSuffix)
}

// AppendFilenameWith inserts text into the file name of path just before
// the endsWith suffix: ("/tmp/file.txt", "-lol", ".txt") gives /tmp/file-lol.txt.
func AppendFilenameWith(path, text, endsWith string) (string, error) {
	dir, name := filepath.Split(path)
	if name == "" {
		return "", xerrors.Newf("cannot determine file name from %s", path)
	}
	if !strings.HasSuffix(name, endsWith) {
		return "", xerrors.Newf("file name %s does not end with %s", name, endsWith)
	}
	return filepath.Join(dir, strings.TrimSuffix(name, endsWith)+text+endsWith), nil
}

type PrepareInput struct {
	// Tarball defaults to OutputTarPath(OutputDir, Version, Base, Arch).
	Tarball   string
	OutputDir string
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	Version string
	Arch    inventory.Arch
	Base    BaseImage
	// Now stamps the record; defaults to the current time.
	Now time.Time
}

// Prepared is a record ready to publish plus the sidecar copy it points at.
type Prepared struct {
	Artifact inventory.Artifact
	Sidecar  string
}

// Prepare hashes the tarball, copies it to its checksum-suffixed sidecar and
// builds the artifact record.
func Prepare(ctx context.Context, in PrepareInput) (Prepared, error) {
	ctx, span := otel.Tracer("ruby-inventory/release").Start(ctx, "release.Prepare",
		trace.WithAttributes(
			attribute.String("ruby.version", in.Version),
			attribute.String("ruby.arch", string(in.Arch)),
			attribute.String("ruby.base_image", in.Base.Name()),
		))
	defer span.End()

	if in.Base.IsZero() {
		return Prepared{}, xerrors.New("base image is required")
	}
	if strings.TrimSpace(in.OutputDir) == "" {
		return Prepared{}, xerrors.New("output dir is required")
	}
	if err := ValidateVersion(in.Version, in.Base); err != nil {
		return Prepared{}, err
	}
	if in.Tarball == "" {
		in.Tarball = OutputTarPath(in.OutputDir, in.Version, in.Base, in.Arch)
	}
	if in.BaseURL == "" {
		in.BaseURL = DefaultBaseURL
	}
	if in.Now.IsZero() {
		in.Now = time.Now()
	}

	sum, err := checksum.ComputeFile(in.Tarball)
	if err != nil {
		return Prepared{}, err
	}
	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}

	sidecar, err := AppendFilenameWith(in.Tarball, "-"+sum.Short(shortSHALen), tarballSuffix)
	if err != nil {
		return Prepared{}, err
	}
	rel, err := filepath.Rel(in.OutputDir, sidecar)
	if err != nil {
		return Prepared{}, xerrors.Wrapf(err, "tarball %s is not below %s", in.Tarball, in.OutputDir)
	}
	url, err := pathutil.URLJoin(in.BaseURL, rel)
	if err != nil {
		return Prepared{}, xerrors.Wrapf(err, "tarball %s is not below %s", in.Tarball, in.OutputDir)
	}

	if err := copyFile(in.Tarball, sidecar); err != nil {
		return Prepared{}, err
	}
	span.SetAttributes(attribute.String("artifact.url", url))

	return Prepared{
		Sidecar: sidecar,
		Artifact: inventory.Artifact{
			Version:  in.Version,
			OS:       inventory.Linux,
			Arch:     in.Arch,
			URL:      url,
			Checksum: sum,
			Metadata: inventory.Metadata{
				DistroVersion: in.Base.DistroVersion(),
				Timestamp:     in.Now.UTC(),
			},
		},
	}, nil
}

// Discard removes the sidecar. A sidecar that is already gone is not an error.
func (p Prepared) Discard() error {
	if p.Sidecar == "" {
		return nil
	}
	if err := os.Remove(p.Sidecar); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Wrapf(err, "remove %s", p.Sidecar)
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return xerrors.Wrapf(err, "create %s", dst)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = xerrors.Wrapf(cerr, "close %s", dst)
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return xerrors.Wrapf(err, "copy %s to %s", src, dst)
	}
	if err := out.Sync(); err != nil {
		return xerrors.Wrapf(err, "sync %s", dst)
	}
	return nil
}
