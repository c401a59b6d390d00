package agent

import (
	"errors"
	"fmt"
	"io"

	"github.com/coral-mesh/memprof/internal/hostinfo"
	"github.com/coral-mesh/memprof/internal/procconfig"
	"github.com/coral-mesh/memprof/internal/resolver"
)

// ExitSoftware is the EX_SOFTWARE status used when memprof cannot work on
// the host at all.
const ExitSoftware = 70

const remediation = `Try installing debug symbols for the interpreter (libruby1.8-dbg or similar),
using an interpreter built with debug info, or adding a build profile for
this host with --profiles.`

// Diagnose writes the fatal diagnostic for the missing critical
// primitives: one line per primitive with the strategies tried, then the
// host build and process, then the remediation hint. info may be nil.
func Diagnose(w io.Writer, missing []string, report *procconfig.Report, info *hostinfo.Info) {
	tried := make(map[string]string)
	if report != nil {
		for _, e := range report.Entries {
			var rerr *resolver.ResolutionError
			if errors.As(e.Err, &rerr) {
				tried[e.Name] = rerr.Error()
			}
		}
	}

	_, _ = fmt.Fprintln(w, "memprof: failed to locate critical primitives:")
	for _, name := range missing {
		if msg, ok := tried[name]; ok {
			_, _ = fmt.Fprintf(w, "  %s\n", msg)
			continue
		}
		_, _ = fmt.Fprintf(w, "  %s\n", name)
	}

	_, _ = fmt.Fprintln(w)
	if info == nil {
		info = &hostinfo.Info{}
	}
	description := info.Description
	if description == "" {
		description = "unknown host build"
	}
	_, _ = fmt.Fprintln(w, description)
	if info.Flags != "" {
		_, _ = fmt.Fprintln(w, info.Flags)
	}
	if info.Process.PID != 0 {
		_, _ = fmt.Fprintf(w, "process: %s\n", info.Process)
	}
	_, _ = fmt.Fprintf(w, "\n%s\n", remediation)
}
