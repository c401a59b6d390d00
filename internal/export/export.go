// Package export converts heap dumps into pprof profiles so they can be
// inspected with go tool pprof.
package export

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/pprof/profile"

	"github.com/coral-mesh/memprof/internal/safe"
	"github.com/coral-mesh/memprof/internal/tracers/objects"
)

// unknownSite names objects allocated before tracking started.
const unknownSite = "(unknown)"

// Options annotate the profile.
type Options struct {
	Session     string
	Description string
	// Process identifies the host process, e.g. "ruby (pid 42): ruby app.rb".
	Process string
	Time    time.Time
}

type site struct {
	file string
	line int
}

// Build aggregates records into a profile with one sample per allocation
// site. Sample values are live objects and their bytes.
func Build(records []objects.Record, opts Options) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "space", Unit: "bytes"},
		},
		DefaultSampleType: "space",
	}
	if !opts.Time.IsZero() {
		prof.TimeNanos = opts.Time.UnixNano()
	}
	if opts.Session != "" {
		prof.Comments = append(prof.Comments, "session: "+opts.Session)
	}
	if opts.Description != "" {
		prof.Comments = append(prof.Comments, "host: "+opts.Description)
	}
	if opts.Process != "" {
		prof.Comments = append(prof.Comments, "process: "+opts.Process)
	}

	counts := make(map[site][2]int64)
	for _, r := range records {
		s := site{file: r.File, line: r.Line}
		if s.file == "" {
			s = site{file: unknownSite}
		}
		v := counts[s]
		v[0]++
		size, _ := safe.Uint64ToInt64(r.Size)
		v[1] += size
		counts[s] = v
	}

	sites := make([]site, 0, len(counts))
	for s := range counts {
		sites = append(sites, s)
	}
	slices.SortFunc(sites, func(a, b site) int {
		return cmp.Or(cmp.Compare(a.file, b.file), cmp.Compare(a.line, b.line))
	})

	funcs := make(map[string]*profile.Function)
	for _, s := range sites {
		fn, ok := funcs[s.file]
		if !ok {
			fn = &profile.Function{
				ID:       uint64(len(prof.Function) + 1),
				Name:     s.file,
				Filename: s.file,
			}
			prof.Function = append(prof.Function, fn)
			funcs[s.file] = fn
		}

		loc := &profile.Location{
			ID:   uint64(len(prof.Location) + 1),
			Line: []profile.Line{{Function: fn, Line: int64(s.line)}},
		}
		prof.Location = append(prof.Location, loc)

		v := counts[s]
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{v[0], v[1]},
			Label:    map[string][]string{"site": {fmt.Sprintf("%s:%d", s.file, s.line)}},
		})
	}

	return prof
}

// WriteProfile writes the gzip-compressed pprof encoding of records to w.
func WriteProfile(w io.Writer, records []objects.Record, opts Options) error {
	prof := Build(records, opts)
	if err := prof.CheckValid(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	if err := prof.Write(w); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	return nil
}
