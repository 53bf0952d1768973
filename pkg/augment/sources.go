package augment

import (
	"context"
	"fmt"

	"github.com/mimbres/pfann/pkg/audio/loader"
	"github.com/mimbres/pfann/pkg/config"
	"github.com/mimbres/pfann/pkg/manifest"
)

// LoadSources decodes the augmentation pools named by c. Files that fail
// to decode are skipped and reported; a configured manifest that yields no
// usable file is an error wrapping config.ErrEmptySourceList.
func LoadSources(ctx context.Context, l *loader.Loader, c *config.Config, validation bool) (Sources, []loader.Skipped, error) {
	var (
		src     Sources
		skipped []loader.Skipped
	)
	manifests := c.SourceManifests(validation)
	for _, name := range []string{"noise", "micirp", "air"} {
		path, ok := manifests[name]
		if !ok {
			continue
		}
		paths, err := manifest.Load(path, c.AudioRoot)
		if err != nil {
			return Sources{}, nil, fmt.Errorf("augment: %s: %w", name, err)
		}
		clips, skip, err := l.LoadAll(ctx, paths, c.Workers)
		if err != nil {
			return Sources{}, nil, err
		}
		skipped = append(skipped, skip...)
		if len(clips) == 0 {
			return Sources{}, nil, fmt.Errorf("augment: %s manifest %s: %w", name, path, config.ErrEmptySourceList)
		}
		pool := make([][]float32, len(clips))
		for i, clip := range clips {
			pool[i] = clip.Samples
		}
		switch name {
		case "noise":
			src.Noise = pool
		case "micirp":
			src.MicIR = pool
		case "air":
			src.AirIR = pool
		}
	}
	return src, skipped, nil
}
