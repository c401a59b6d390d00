package resolver

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/memprof/internal/sys/proc"
)

// ProcessConfig says where to find the images of the running host.
type ProcessConfig struct {
	// MapsPath is the maps file of the process, normally proc.SelfMapsPath.
	MapsPath string
	// Binary overrides the main executable; by default it is the first
	// image in the maps.
	Binary string
	// Profile is the selected build profile, may be nil.
	Profile *Profile
	// Folds overrides DefaultFolds.
	Folds map[string][]string
}

// Images is a set of opened images; closing it closes every image.
type Images []*Image

// Close closes every image.
func (imgs Images) Close() error {
	var errs []error
	for _, img := range imgs {
		errs = append(errs, img.Close())
	}
	return errors.Join(errs...)
}

// Main returns the main executable, which is always the first image.
func (imgs Images) Main() *Image {
	if len(imgs) == 0 {
		return nil
	}
	return imgs[0]
}

// Find returns the image whose file name is name or a versioned form of
// it: "libruby.so" finds /usr/lib/libruby.so.1.8.7.
func (imgs Images) Find(name string) *Image {
	for _, img := range imgs {
		base := filepath.Base(img.Path)
		if base == name || strings.HasPrefix(base, name+".") {
			return img
		}
	}
	return nil
}

// OpenProcess opens every executable image mapped into the process and
// returns a resolver with the standard strategy chain over them. Images
// that cannot be opened as ELF (vdso, deleted files) are skipped.
func OpenProcess(cfg ProcessConfig, logger zerolog.Logger) (*Resolver, io.Closer, error) {
	maps, err := proc.ReadMaps(cfg.MapsPath)
	if err != nil {
		return nil, nil, err
	}

	paths := proc.Images(maps)
	if cfg.Binary != "" {
		paths = moveFirst(paths, cfg.Binary)
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("no file-backed images in %s", cfg.MapsPath)
	}

	var imgs Images
	for i, p := range paths {
		img, err := OpenImage(p, maps, logger)
		if err != nil {
			if i == 0 {
				_ = imgs.Close()
				return nil, nil, fmt.Errorf("failed to open host binary: %w", err)
			}
			logger.Debug().Err(err).Str("image", p).Msg("Skipping image")
			continue
		}
		imgs = append(imgs, img)
	}

	return NewChain(imgs, cfg.Profile, cfg.Folds, logger), imgs, nil
}

// OpenBinary opens a single binary from disk, with no load bias, for
// offline inspection.
func OpenBinary(path string, profile *Profile, logger zerolog.Logger) (*Resolver, io.Closer, error) {
	img, err := OpenImage(path, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	imgs := Images{img}
	return NewChain(imgs, profile, nil, logger), imgs, nil
}

// NewChain builds the standard strategy order over imgs: exported symbols,
// debug info, folded inlines, then the build profile.
func NewChain(imgs Images, profile *Profile, folds map[string][]string, logger zerolog.Logger) *Resolver {
	if folds == nil {
		folds = DefaultFolds
	}

	exported := Exported{Images: imgs}
	debugInfo := DebugInfo{Images: imgs}

	var bias uint64
	if main := imgs.Main(); main != nil {
		bias = main.Bias
	}

	return New(logger,
		exported,
		debugInfo,
		Heuristic{Folds: folds, Base: []Strategy{exported, debugInfo}},
		StaticOverride{Profile: profile, Bias: bias, Images: imgs},
	)
}

func moveFirst(paths []string, first string) []string {
	out := []string{first}
	for _, p := range paths {
		if p != first {
			out = append(out, p)
		}
	}
	return out
}
