// Package version reports build metadata. The variables are set with
// -ldflags -X at release time; local builds fall back to the VCS stamp.
package version

import (
	"runtime/debug"
	"strconv"
)

// AppName labels build info, logs and traces.
const AppName = "academy-api"

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
	in := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		return merge(in, bi)
	}
	return in
}

// merge fills what ldflags left unset from the module build info. The Go
// version and VCS state always come from the binary itself.
func merge(in Info, bi *debug.BuildInfo) Info {
	in.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if in.Commit == "none" {
				in.Commit = s.Value
			}
		case "vcs.time":
			in.CommitDate = s.Value
			if in.BuildDate == "" {
				in.BuildDate = s.Value
			}
		case "vcs.modified":
			if b, err := strconv.ParseBool(s.Value); err == nil {
				in.VCSDirty = &b
			}
		}
	}
	return in
}
