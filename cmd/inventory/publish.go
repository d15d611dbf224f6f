package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/heroku/docker-heroku-ruby-builder/internal/checksum"
	"github.com/heroku/docker-heroku-ruby-builder/internal/inventory"
	"github.com/heroku/docker-heroku-ruby-builder/internal/log"
	"github.com/heroku/docker-heroku-ruby-builder/internal/release"
)

type publishOptions struct {
	rubyVersion string
	arch        string

	// tarball mode
	tarball   string
	outputDir string
	baseURL   string
	base      release.BaseImage

	// record mode
	url           string
	checksum      string
	distroVersion string

	// skip the conflict and dedup policy
	appendOnly bool
}

func newPublishCmd(a *app) *cobra.Command {
	var o publishOptions
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Add a built Ruby artifact to the manifest",
		Long: `publish adds one artifact record to the manifest under an exclusive lock.

With --output-dir the builder's tarball is hashed and copied to a
checksum-suffixed file whose path below the output dir becomes the URL.
Otherwise --url and --checksum describe an artifact that is already uploaded.

A record with the same version, arch and distro replaces the existing one.
A record whose URL is already published with a different checksum is
rejected and the manifest is left untouched.`,
		Example: `  inventory publish --manifest ruby_inventory.toml --output-dir output \
    --base-image heroku-24 --version 3.3.1 --arch amd64

  inventory publish --manifest ruby_inventory.toml --version 3.3.1 --arch arm64 \
    --distro-version 24.04 --url https://example.test/ruby-3.3.1.tgz \
    --checksum sha256:dd073bda5665e758c3e6f861a6df435175c8e8faf5ec75bc2afaab1e3eebb2c7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPublish(cmd.Context(), a, o)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.rubyVersion, "version", "", "Ruby version, e.g. 3.3.1")
	fs.StringVar(&o.arch, "arch", "", "CPU architecture (amd64|arm64)")
	fs.StringVar(&o.tarball, "tarball", "", "built tarball (default <output-dir>/<base-image>[/<arch>]/ruby-<version>.tgz)")
	fs.StringVar(&o.outputDir, "output-dir", "", "builder output directory that is synced to --base-url")
	fs.StringVar(&o.baseURL, "base-url", release.DefaultBaseURL, "public URL of --output-dir")
	fs.Var(&o.base, "base-image", "base image the tarball was built on (heroku-20|heroku-22|heroku-24)")
	fs.StringVar(&o.url, "url", "", "public URL of an already uploaded artifact")
	fs.StringVar(&o.checksum, "checksum", "", "checksum of the artifact at --url (sha256:<hex>)")
	fs.StringVar(&o.distroVersion, "distro-version", "", "distro version for --url records (default from --base-image)")
	fs.BoolVar(&o.appendOnly, "append", false, "append without the conflict and replace checks")

	_ = cmd.MarkFlagRequired("version")
	_ = cmd.MarkFlagRequired("arch")
	cmd.MarkFlagsMutuallyExclusive("url", "tarball")
	cmd.MarkFlagsMutuallyExclusive("url", "output-dir")
	cmd.MarkFlagsRequiredTogether("url", "checksum")
	return cmd
}

func runPublish(ctx context.Context, a *app, o publishOptions) error {
	arch, err := inventory.ParseArch(o.arch)
	if err != nil {
		return &ExitError{Code: exitUsage, Err: err}
	}
	if o.url == "" {
		return publishTarball(ctx, a, o, arch)
	}

	art, err := recordFromFlags(o, arch, time.Now())
	if err != nil {
		return &ExitError{Code: exitUsage, Err: err}
	}
	return publishRecord(ctx, a, art, o.appendOnly)
}

func publishTarball(ctx context.Context, a *app, o publishOptions, arch inventory.Arch) error {
	if o.outputDir == "" {
		return &ExitError{Code: exitUsage, Err: errors.New("either --output-dir or --url is required")}
	}
	if o.base.IsZero() {
		return &ExitError{Code: exitUsage, Err: errors.New("--base-image is required with --output-dir")}
	}

	prepared, err := release.Prepare(ctx, release.PrepareInput{
		Tarball:   o.tarball,
		OutputDir: o.outputDir,
		BaseURL:   o.baseURL,
		Version:   o.rubyVersion,
		Arch:      arch,
		Base:      o.base,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Copied %s\n", prepared.Sidecar)

	err = publishRecord(ctx, a, prepared.Artifact, o.appendOnly)
	var conflict *inventory.ChecksumConflictError
	if errors.As(err, &conflict) {
		if derr := prepared.Discard(); derr != nil {
			log.FromContext(ctx).Error(ctx, derr, "remove sidecar after conflict", "sidecar", prepared.Sidecar)
		} else {
			fmt.Fprintf(a.stdout, "Removed %s\n", prepared.Sidecar)
		}
	}
	return err
}

func publishRecord(ctx context.Context, a *app, art inventory.Artifact, appendOnly bool) error {
	store, err := a.newStore()
	if err != nil {
		return err
	}
	if appendOnly {
		err = store.Append(ctx, art)
	} else {
		err = store.Publish(ctx, art)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, successStyle.Render(fmt.Sprintf("Published ruby %s (%s, %s) to %s",
		art.Version, art.Arch, art.Metadata.DistroVersion, store.Path())))
	fmt.Fprintf(a.stdout, "  %s\n  %s\n", art.URL, art.Checksum)
	return nil
}

// recordFromFlags builds the artifact for --url mode.
func recordFromFlags(o publishOptions, arch inventory.Arch, now time.Time) (inventory.Artifact, error) {
	sum, err := checksum.Parse(strings.TrimSpace(o.checksum))
	if err != nil {
		return inventory.Artifact{}, err
	}
	distro := o.distroVersion
	if distro == "" {
		distro = o.base.DistroVersion()
	}
	if distro == "" {
		return inventory.Artifact{}, errors.New("--distro-version or --base-image is required with --url")
	}
	if !o.base.IsZero() {
		if err := release.ValidateVersion(o.rubyVersion, o.base); err != nil {
			return inventory.Artifact{}, err
		}
	}
	art := inventory.Artifact{
		Version:  o.rubyVersion,
		OS:       inventory.Linux,
		Arch:     arch,
		URL:      o.url,
		Checksum: sum,
		Metadata: inventory.Metadata{
			DistroVersion: distro,
			Timestamp:     now.UTC(),
		},
	}
	return art, art.Validate()
}
