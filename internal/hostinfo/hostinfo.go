// Package hostinfo describes the interpreter the profiler is attached to.
package hostinfo

import (
	"cmp"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/zeebo/xxh3"

	"github.com/coral-mesh/memprof/internal/sys/proc"
)

// Info identifies the host build and process.
type Info struct {
	// Description is the interpreter version string, e.g. RUBY_DESCRIPTION.
	Description string
	// Flags are the compiler flags the interpreter was built with.
	Flags string
	// Binary is the path of the host executable.
	Binary string
	Arch   string
	// Fingerprint is the hex xxh3 hash of Binary.
	Fingerprint string
	// Kernel is the running kernel release, "unknown" off linux.
	Kernel  string
	Process Process
}

// Process is what the OS reports about the running host.
type Process struct {
	PID     int32
	Name    string
	Cmdline string
}

// Collect builds the host info. An empty description falls back to the
// .comment section of the binary. Failing to inspect the process is not an
// error, since the rest of the info is still usable.
func Collect(binary, description, flags string) (*Info, error) {
	info := &Info{
		Description: description,
		Flags:       flags,
		Binary:      binary,
		Arch:        runtime.GOARCH,
		Kernel:      proc.GetKernelVersion(),
	}

	fp, err := Fingerprint(binary)
	if err != nil {
		return nil, err
	}
	info.Fingerprint = fp

	if info.Description == "" {
		info.Description = strings.Join(Comment(binary), "; ")
	}

	info.Process = currentProcess()
	return info, nil
}

// String is the one-line form used in diagnostics.
func (i *Info) String() string {
	var b strings.Builder
	b.WriteString(i.Description)
	if b.Len() == 0 {
		b.WriteString("unknown host")
	}
	fmt.Fprintf(&b, " (%s, %s)", i.Arch, i.Binary)
	return b.String()
}

// String is the one-line form used in diagnostics and profile comments.
func (p Process) String() string {
	s := fmt.Sprintf("%s (pid %d)", cmp.Or(p.Name, "unknown"), p.PID)
	if p.Cmdline != "" {
		s += ": " + p.Cmdline
	}
	return s
}

// Fingerprint hashes the file at path.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- host binary from /proc or config
	if err != nil {
		return "", fmt.Errorf("failed to open host binary: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash host binary: %w", err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// Comment returns the strings of the .comment section of the ELF file at
// path, or nil if there is none.
func Comment(path string) []string {
	f, err := elf.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	sec := f.Section(".comment")
	if sec == nil {
		return nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil
	}

	var out []string
	for _, s := range strings.Split(string(data), "\x00") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func currentProcess() Process {
	pid := int32(os.Getpid()) // #nosec G115
	out := Process{PID: pid}

	p, err := process.NewProcess(pid)
	if err != nil {
		return out
	}
	out.Name, _ = p.Name()
	out.Cmdline, _ = p.Cmdline()
	return out
}
