// Package proc reads process information from the Linux /proc filesystem.
// It parses the memory map of a process so loaded images can be located
// and their load bias computed.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// SelfMapsPath is the memory map of the calling process.
const SelfMapsPath = "/proc/self/maps"

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64
	Perms  string
	Inode  uint64
	Path   string
}

// Executable reports whether the mapping is executable.
func (m Mapping) Executable() bool {
	return strings.Contains(m.Perms, "x")
}

// Contains reports whether addr lies within the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End
}

// ReadMaps reads and parses a maps file such as SelfMapsPath.
func ReadMaps(path string) ([]Mapping, error) {
	//nolint:gosec // G304: Path is from /proc filesystem for process information.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() // nolint:errcheck

	maps, err := ParseMaps(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return maps, nil
}

// ParseMaps parses the /proc/<pid>/maps format. Malformed lines are skipped.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}

		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}
		inode, _ := strconv.ParseUint(fields[4], 10, 64)

		var path string
		if len(fields) >= 6 {
			path = strings.TrimSuffix(strings.Join(fields[5:], " "), " (deleted)")
		}

		maps = append(maps, Mapping{
			Start:  start,
			End:    end,
			Offset: offset,
			Perms:  fields[1],
			Inode:  inode,
			Path:   path,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

// Images returns the distinct file-backed paths that have at least one
// executable mapping, in order of first appearance. Pseudo mappings such as
// [heap] and [vdso] and data-only files are skipped.
func Images(maps []Mapping) []string {
	exec := make(map[string]bool)
	for _, m := range maps {
		if m.Executable() {
			exec[m.Path] = true
		}
	}

	seen := make(map[string]bool)
	var paths []string
	for _, m := range maps {
		if !strings.HasPrefix(m.Path, "/") || !exec[m.Path] || seen[m.Path] {
			continue
		}
		seen[m.Path] = true
		paths = append(paths, m.Path)
	}
	return paths
}

// SelfExe returns the path of the running executable.
func SelfExe() (string, error) {
	target, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return "", fmt.Errorf("read /proc/self/exe: %w", err)
	}
	return strings.TrimSuffix(target, " (deleted)"), nil
}

// GetKernelVersion reads the kernel version from /proc/version.
func GetKernelVersion() string {
	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return "unknown"
	}

	// Parse version from output like "Linux version 5.15.0-xxx...".
	version := string(data)
	if idx := strings.Index(version, "Linux version "); idx >= 0 {
		version = version[idx+14:]
		if idx := strings.Index(version, " "); idx >= 0 {
			version = version[:idx]
		}
		return version
	}

	return "unknown"
}
