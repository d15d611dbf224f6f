// Package inventory holds the artifact records published by the runtime
// builders and their TOML encoding.
//
// An Inventory is a plain ordered container: Push appends without policy.
// Publishing goes through Upsert, which applies the conflict and dedup rules
// in policy.go, and every write to disk goes through internal/manifest.
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/heroku/docker-heroku-ruby-builder/internal/checksum"
	"github.com/heroku/docker-heroku-ruby-builder/internal/xerrors"
)

// Inventory is the ordered list of published artifacts, oldest first.
type Inventory struct {
	Artifacts []Artifact
}

// ParseError reports a manifest that could not be decoded. Contents is the
// full input so the offending document can be inspected.
type ParseError struct {
	Contents string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse inventory: %v\n%s", e.Err, e.Contents)
}

func (e *ParseError) Unwrap() error { return e.Err }

// wire types fix the on-disk field order and names
type document struct {
	Artifacts []record `toml:"artifacts,omitempty"`
}

type record struct {
	Version  string            `toml:"version"`
	OS       OS                `toml:"os"`
	Arch     Arch              `toml:"arch"`
	URL      string            `toml:"url"`
	Checksum checksum.Checksum `toml:"checksum"`
	Metadata recordMetadata    `toml:"metadata"`
}

type recordMetadata struct {
	Timestamp     timestamp `toml:"timestamp"`
	DistroVersion string    `toml:"distro_version"`
}

// timestamp is written as an RFC 3339 string, which is what existing
// manifests contain. On read it also accepts a bare TOML offset datetime.
type timestamp time.Time

func (t timestamp) MarshalText() ([]byte, error) {
	return []byte(time.Time(t).UTC().Format(time.RFC3339Nano)), nil
}

func (t *timestamp) UnmarshalText(b []byte) error {
	s := strings.ToUpper(strings.TrimSpace(string(b)))
	// TOML allows a space between date and time
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q must be an RFC 3339 date-time with offset", string(b))
	}
	*t = timestamp(parsed.UTC())
	return nil
}

// Parse decodes a manifest. Blank or whitespace-only contents yield an empty
// Inventory so a manifest can be bootstrapped from nothing. Unknown keys and
// invalid records are errors.
func Parse(contents string) (*Inventory, error) {
	if strings.TrimSpace(contents) == "" {
		return &Inventory{}, nil
	}

	var doc document
	dec := toml.NewDecoder(strings.NewReader(contents)).DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &ParseError{Contents: contents, Err: describeDecodeError(err)}
	}

	inv := &Inventory{}
	if len(doc.Artifacts) > 0 {
		inv.Artifacts = make([]Artifact, 0, len(doc.Artifacts))
	}
	for i, r := range doc.Artifacts {
		a := r.artifact()
		if err := a.Validate(); err != nil {
			return nil, &ParseError{Contents: contents, Err: fmt.Errorf("artifact %d: %w", i+1, err)}
		}
		inv.Artifacts = append(inv.Artifacts, a)
	}
	return inv, nil
}

func describeDecodeError(err error) error {
	var strict *toml.StrictMissingError
	if errors.As(err, &strict) {
		keys := make([]string, 0, len(strict.Errors))
		for _, e := range strict.Errors {
			keys = append(keys, strings.Join(e.Key(), "."))
		}
		return fmt.Errorf("unknown keys %s: %w", strings.Join(keys, ", "), err)
	}
	var de *toml.DecodeError
	if errors.As(err, &de) {
		row, col := de.Position()
		return fmt.Errorf("line %d column %d: %w", row, col, err)
	}
	return err
}

// Serialize renders the inventory as TOML. Records keep their order; the
// output is stable for equal inputs and Parse(Serialize(inv)) reproduces inv.
func (inv *Inventory) Serialize() (string, error) {
	doc := document{Artifacts: make([]record, 0, len(inv.Artifacts))}
	for i, a := range inv.Artifacts {
		if err := a.Validate(); err != nil {
			return "", xerrors.Wrapf(err, "serialize artifact %d (%s)", i+1, a.URL)
		}
		doc.Artifacts = append(doc.Artifacts, newRecord(a))
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return "", xerrors.Wrap(err, "encode inventory")
	}
	return buf.String(), nil
}

// Push appends a at the end. No conflict or dedup rules are applied.
func (inv *Inventory) Push(a Artifact) {
	inv.Artifacts = append(inv.Artifacts, a)
}

func (inv *Inventory) Len() int {
	if inv == nil {
		return 0
	}
	return len(inv.Artifacts)
}

// FindURL returns the first record published at url.
func (inv *Inventory) FindURL(url string) (Artifact, bool) {
	for _, a := range inv.Artifacts {
		if a.URL == url {
			return a, true
		}
	}
	return Artifact{}, false
}

func newRecord(a Artifact) record {
	return record{
		Version:  a.Version,
		OS:       a.OS,
		Arch:     a.Arch,
		URL:      a.URL,
		Checksum: a.Checksum,
		Metadata: recordMetadata{
			Timestamp:     timestamp(a.Metadata.Timestamp.UTC()),
			DistroVersion: a.Metadata.DistroVersion,
		},
	}
}

func (r record) artifact() Artifact {
	return Artifact{
		Version:  r.Version,
		OS:       r.OS,
		Arch:     r.Arch,
		URL:      r.URL,
		Checksum: r.Checksum,
		Metadata: Metadata{
			DistroVersion: r.Metadata.DistroVersion,
			Timestamp:     time.Time(r.Metadata.Timestamp),
		},
	}
}
