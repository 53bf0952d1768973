package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mimbres/pfann/pkg/audio/loader"
	"github.com/mimbres/pfann/pkg/cache"
	"github.com/mimbres/pfann/pkg/cli"
	"github.com/mimbres/pfann/pkg/config"
	"github.com/mimbres/pfann/pkg/model"
	"github.com/mimbres/pfann/pkg/pipeline"
	"github.com/mimbres/pfann/pkg/storage"
)

// configPath returns the config file to load, or "" for the defaults.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	p, err := cli.NewPaths()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(p.ConfigFile()); err != nil {
		return ""
	}
	return p.ConfigFile()
}

// loadConfig loads and validates the parameter file.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := configPath(); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
		slog.Debug("pfann: config loaded", "path", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openCache opens the badger cache. It returns a nil store when caching
// is disabled.
func openCache(cfg *config.Config) (cache.Store, func(), error) {
	if noCache {
		return nil, func() {}, nil
	}
	dir := cacheDir
	if dir == "" {
		dir = cfg.CacheDir
	}
	if dir == "" {
		p, err := cli.NewPaths()
		if err != nil {
			return nil, nil, err
		}
		if err := p.EnsureCacheDir(); err != nil {
			return nil, nil, err
		}
		dir = p.CacheDir()
	}
	b, err := cache.NewBadger(cache.BadgerOptions{Dir: dir})
	if err != nil {
		return nil, nil, err
	}
	return b, func() {
		if err := b.Close(); err != nil {
			slog.Warn("pfann: close cache", "error", err)
		}
	}, nil
}

// modelURI returns the model directory to use.
func modelURI(cfg *config.Config) (string, error) {
	if modelDir != "" {
		return modelDir, nil
	}
	if cfg.ModelDir != "" {
		return cfg.ModelDir, nil
	}
	p, err := cli.NewPaths()
	if err != nil {
		return "", err
	}
	return p.ModelDir(), nil
}

// readWeights returns the serialized weights stored in the model directory.
func readWeights(ctx context.Context, cfg *config.Config) ([]byte, error) {
	uri, err := modelURI(cfg)
	if err != nil {
		return nil, err
	}
	fs, err := storage.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	data, err := storage.ReadFile(ctx, fs, model.WeightsFile)
	if err != nil {
		return nil, fmt.Errorf("load model from %s: %w (run 'pfann init-model' first)", uri, err)
	}
	slog.Debug("pfann: model read", "uri", uri, "bytes", len(data))
	return data, nil
}

// decodeModel builds the network for cfg's shape from serialized weights.
func decodeModel(cfg *config.Config, weights []byte) (*model.Network, error) {
	mc, err := model.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return model.Load(bytes.NewReader(weights), mc)
}

// loadModel reads the weights for cfg's network shape.
func loadModel(ctx context.Context, cfg *config.Config) (*model.Network, []byte, error) {
	weights, err := readWeights(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	net, err := decodeModel(cfg, weights)
	if err != nil {
		return nil, nil, err
	}
	return net, weights, nil
}

// newPipeline assembles the cache, loader and model for cfg. withModel
// false skips loading weights.
func newPipeline(ctx context.Context, cfg *config.Config, withModel bool) (*pipeline.Pipeline, func(), error) {
	var net *model.Network
	if withModel {
		var err error
		if net, _, err = loadModel(ctx, cfg); err != nil {
			return nil, nil, err
		}
	}
	return openPipeline(cfg, net)
}

// openPipeline assembles the cache and loader around net, which may be nil.
func openPipeline(cfg *config.Config, net *model.Network) (*pipeline.Pipeline, func(), error) {
	store, closeCache, err := openCache(cfg)
	if err != nil {
		return nil, nil, err
	}
	l, err := loader.New(loader.Options{SampleRate: cfg.SampleRate, Cache: store})
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	opts := pipeline.Options{Config: cfg, Loader: l, Cache: store}
	if net != nil {
		opts.Model = net
	}
	p, err := pipeline.New(opts)
	if err != nil {
		closeCache()
		return nil, nil, err
	}
	return p, closeCache, nil
}

// writeLocalFile atomically writes a local output file.
func writeLocalFile(ctx context.Context, path string, fn func(io.Writer) error) (err error) {
	fs, err := storage.NewLocal(filepath.Dir(path))
	if err != nil {
		return err
	}
	w, err := fs.Write(ctx, filepath.Base(path))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(w)
}
