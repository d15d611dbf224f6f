// Package version reports build metadata stamped with -ldflags, falling back
// to debug.BuildInfo for builds without them.
package version

import (
	"fmt"
	"runtime/debug"
)

// AppName names the binary in logs, metrics, traces and the User-Agent.
const AppName = "inventory"

// set with -ldflags "-X github.com/heroku/docker-heroku-ruby-builder/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	if out.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		out.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" && s.Value != "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			dirty := s.Value == "true"
			if s.Value == "true" || s.Value == "false" {
				out.VCSDirty = &dirty
			}
		}
	}
	return out
}

// ShortCommit is the first 7 characters of the commit, or the whole value.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 7 {
		return i.Commit[:7]
	}
	return i.Commit
}

// String is the one-line form printed by --version.
func (i Info) String() string {
	s := fmt.Sprintf("%s %s (commit %s", AppName, i.Version, i.ShortCommit())
	if i.BuildDate != "" {
		s += ", built " + i.BuildDate
	}
	if i.VCSDirty != nil && *i.VCSDirty {
		s += ", dirty"
	}
	return s + ", " + i.GoVersion + ")"
}

// UserAgent identifies artifact downloads, e.g. "inventory/1.4.0".
func UserAgent() string {
	return AppName + "/" + Get().Version
}
