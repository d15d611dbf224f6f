package inventory

import (
	"fmt"
	"strings"
	"time"

	"github.com/heroku/docker-heroku-ruby-builder/internal/checksum"
)

// OS is the operating system an artifact runs on.
type OS string

const Linux OS = "linux"

func ParseOS(s string) (OS, error) {
	switch OS(s) {
	case Linux:
		return Linux, nil
	default:
		return "", fmt.Errorf("unknown os %q (valid values are linux)", s)
	}
}

func (o OS) MarshalText() ([]byte, error) {
	if _, err := ParseOS(string(o)); err != nil {
		return nil, err
	}
	return []byte(o), nil
}

func (o *OS) UnmarshalText(b []byte) error {
	v, err := ParseOS(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Arch is the CPU architecture an artifact was built for.
type Arch string

const (
	Amd64 Arch = "amd64"
	Arm64 Arch = "arm64"
)

// Arches lists every supported architecture in build order.
var Arches = []Arch{Amd64, Arm64}

// ParseArch accepts the manifest spelling and the common aliases
// x86_64 and aarch64.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "amd64", "x86_64":
		return Amd64, nil
	case "arm64", "aarch64":
		return Arm64, nil
	default:
		return "", fmt.Errorf("unknown arch %q (valid values are amd64|arm64)", s)
	}
}

func (a Arch) MarshalText() ([]byte, error) {
	if a != Amd64 && a != Arm64 {
		return nil, fmt.Errorf("unknown arch %q (valid values are amd64|arm64)", string(a))
	}
	return []byte(a), nil
}

// UnmarshalText only accepts the canonical spelling so that a manifest
// round-trips byte for byte.
func (a *Arch) UnmarshalText(b []byte) error {
	switch Arch(b) {
	case Amd64, Arm64:
		*a = Arch(b)
		return nil
	default:
		return fmt.Errorf("unknown arch %q (valid values are amd64|arm64)", string(b))
	}
}

// Metadata is the builder-specific part of a record.
type Metadata struct {
	// DistroVersion is the base image release, e.g. "24.04".
	DistroVersion string
	// Timestamp is when the artifact was built, always UTC.
	Timestamp time.Time
}

// Artifact describes one published runtime tarball.
type Artifact struct {
	// Version is opaque here; it is compared, never parsed.
	Version  string
	OS       OS
	Arch     Arch
	URL      string
	Checksum checksum.Checksum
	Metadata Metadata
}

// Key is the identity used for dedup: two artifacts with equal keys are
// rebuilds of the same logical artifact.
type Key struct {
	Version       string
	Arch          Arch
	DistroVersion string
}

func (a Artifact) Key() Key {
	return Key{Version: a.Version, Arch: a.Arch, DistroVersion: a.Metadata.DistroVersion}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Version, k.Arch, k.DistroVersion)
}

// Validate reports the first missing or malformed field.
func (a Artifact) Validate() error {
	switch {
	case strings.TrimSpace(a.Version) == "":
		return fmt.Errorf("version is required")
	case strings.TrimSpace(a.URL) == "":
		return fmt.Errorf("url is required")
	case strings.TrimSpace(a.Metadata.DistroVersion) == "":
		return fmt.Errorf("metadata.distro_version is required")
	case a.Metadata.Timestamp.IsZero():
		return fmt.Errorf("metadata.timestamp is required")
	case !a.Checksum.Valid():
		return fmt.Errorf("checksum is required")
	}
	if _, err := ParseOS(string(a.OS)); err != nil {
		return err
	}
	if _, err := a.Arch.MarshalText(); err != nil {
		return err
	}
	return nil
}
