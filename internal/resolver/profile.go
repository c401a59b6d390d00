package resolver

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/memprof/internal/safe"
)

//go:embed profiles.yaml
var builtinProfiles []byte

// Profile holds the constants of one known interpreter build, used when
// the binary itself does not carry the information.
type Profile struct {
	Name  string       `yaml:"name"`
	Match ProfileMatch `yaml:"match"`
	// Image names the loaded object the symbol addresses belong to, e.g.
	// "libruby.so" for a shared interpreter build. Empty means the main
	// executable.
	Image   string                   `yaml:"image,omitempty"`
	Symbols map[string]ProfileSymbol `yaml:"symbols,omitempty"`
	Types   map[string]ProfileType   `yaml:"types,omitempty"`
}

// ProfileMatch selects the hosts a profile applies to. Every non-empty
// field must match.
type ProfileMatch struct {
	// Description is a substring of the host description.
	Description string `yaml:"description,omitempty"`
	// Arch is a GOARCH value.
	Arch string `yaml:"arch,omitempty"`
	// Fingerprint is the hex xxh3 hash of the host binary.
	Fingerprint string `yaml:"fingerprint,omitempty"`
}

// ProfileSymbol is a link-time address and size.
type ProfileSymbol struct {
	Address uint64 `yaml:"address"`
	Size    uint64 `yaml:"size"`
	// Image overrides Profile.Image for this symbol.
	Image string `yaml:"image,omitempty"`
}

// ProfileType is a structure size and member offsets.
type ProfileType struct {
	Size    uint64            `yaml:"size"`
	Members map[string]uint64 `yaml:"members,omitempty"`
}

// Host identifies the running interpreter for profile selection.
type Host struct {
	Description string
	Arch        string
	Fingerprint string
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// ParseProfiles decodes a YAML profile document.
func ParseProfiles(data []byte) ([]Profile, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse build profiles: %w", err)
	}
	for i, p := range pf.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("build profile %d has no name", i)
		}
		if p.Match == (ProfileMatch{}) {
			return nil, fmt.Errorf("build profile %s matches every host", p.Name)
		}
	}
	return pf.Profiles, nil
}

// BuiltinProfiles returns the profiles compiled into the binary.
func BuiltinProfiles() ([]Profile, error) {
	return ParseProfiles(builtinProfiles)
}

// LoadProfiles returns the profiles of the file at path followed by the
// builtin ones, so that local definitions take precedence. An empty path
// returns only the builtin profiles.
func LoadProfiles(path string) ([]Profile, error) {
	builtin, err := BuiltinProfiles()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return builtin, nil
	}

	data, err := safe.ReadFile(path, safe.DefaultMaxFileSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read build profiles %s: %w", path, err)
	}
	local, err := ParseProfiles(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return append(local, builtin...), nil
}

// Matches reports whether p applies to host.
func (p *Profile) Matches(host Host) bool {
	m := p.Match
	if m.Description != "" && !strings.Contains(host.Description, m.Description) {
		return false
	}
	if m.Arch != "" && m.Arch != host.Arch {
		return false
	}
	if m.Fingerprint != "" && !strings.EqualFold(m.Fingerprint, host.Fingerprint) {
		return false
	}
	return true
}

// SelectProfile returns the first profile that matches host, or nil.
func SelectProfile(profiles []Profile, host Host) *Profile {
	for i := range profiles {
		if profiles[i].Matches(host) {
			return &profiles[i]
		}
	}
	return nil
}
