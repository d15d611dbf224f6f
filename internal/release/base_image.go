package release

import (
	"fmt"
	"strconv"
	"strings"
)

var knownBaseImages = []struct {
	name         string
	distroNumber string
}{
	{"heroku-20", "20"},
	{"heroku-22", "22"},
	{"heroku-24", "24"},
}

// Only these images publish one tarball per architecture.
var multiArchBaseImages = []string{"heroku-24"}

// BaseImageError reports an unknown base image name.
type BaseImageError struct {
	Name string
}

func (e *BaseImageError) Error() string {
	names := make([]string, 0, len(knownBaseImages))
	for _, b := range knownBaseImages {
		names = append(names, "'"+b.name+"'")
	}
	return fmt.Sprintf("invalid base image %q must be one of %s", e.Name, strings.Join(names, ", "))
}

// BaseImage is a known stack image artifacts are built on. It implements
// pflag.Value so it can be bound directly as a flag.
type BaseImage struct {
	name         string
	distroNumber string
}

func ParseBaseImage(s string) (BaseImage, error) {
	for _, b := range knownBaseImages {
		if b.name == s {
			return BaseImage{name: b.name, distroNumber: b.distroNumber}, nil
		}
	}
	return BaseImage{}, &BaseImageError{Name: s}
}

func (b BaseImage) Name() string   { return b.name }
func (b BaseImage) String() string { return b.name }
func (b BaseImage) IsZero() bool   { return b.name == "" }

// DistroVersion is the Ubuntu release recorded in artifact metadata,
// e.g. "24.04" for heroku-24.
func (b BaseImage) DistroVersion() string {
	if b.IsZero() {
		return ""
	}
	return b.distroNumber + ".04"
}

func (b BaseImage) IsArchAware() bool {
	for _, n := range multiArchBaseImages {
		if n == b.name {
			return true
		}
	}
	return false
}

func (b *BaseImage) Set(s string) error {
	v, err := ParseBaseImage(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func (b *BaseImage) Type() string { return "baseImage" }

// InvalidVersionError reports a Ruby version that cannot be built on a base
// image.
type InvalidVersionError struct {
	Version string
	Base    BaseImage
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version %s for stack %s", e.Version, e.Base)
}

// ValidateVersion rejects Ruby 3.0.x on heroku-22, whose OpenSSL 3 it does
// not support (https://bugs.ruby-lang.org/issues/18658).
func ValidateVersion(rubyVersion string, base BaseImage) error {
	major, minor, err := majorMinor(rubyVersion)
	if err != nil {
		return err
	}
	if base.name == "heroku-22" && major >= 3 && minor == 0 {
		return &InvalidVersionError{Version: rubyVersion, Base: base}
	}
	return nil
}

func majorMinor(v string) (int, int, error) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("invalid ruby version %s reason: expected major.minor[.patch]", v)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid ruby version %s reason: major is not a number", v)
	}
	// prerelease versions look like 3.4.0.preview1; minor is still numeric
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid ruby version %s reason: minor is not a number", v)
	}
	return major, minor, nil
}
