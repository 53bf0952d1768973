package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log/slog"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mimbres/pfann/pkg/config"
	"github.com/mimbres/pfann/pkg/storage"
	"github.com/mimbres/pfann/pkg/vecstore"
)

// Files of a persisted snapshot, relative to the store root.
const (
	IndexFile   = "fingerprints.idx"
	SourcesFile = "sources.msgpack"
	ConfigFile  = "config.yaml"
	WeightsFile = "model.msgpack"
)

const sourcesVersion = 1

type sourcesFile struct {
	Version int      `msgpack:"version"`
	BuildID string   `msgpack:"build_id"`
	Sources []Source `msgpack:"sources"`
}

// Save writes s to fs. The config and the model weights are stored
// alongside the index so that queries can be embedded exactly as the
// database was.
func Save(ctx context.Context, fs storage.FileStore, s *Snapshot) error {
	if err := writeFile(ctx, fs, IndexFile, func(w io.Writer) error {
		return vecstore.Write(w, s.Index)
	}); err != nil {
		return err
	}
	if err := writeFile(ctx, fs, SourcesFile, func(w io.Writer) error {
		return msgpack.NewEncoder(w).Encode(&sourcesFile{
			Version: sourcesVersion,
			BuildID: s.BuildID.String(),
			Sources: s.Sources,
		})
	}); err != nil {
		return err
	}
	if err := writeFile(ctx, fs, ConfigFile, func(w io.Writer) error {
		data, err := s.Config.Marshal()
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}); err != nil {
		return err
	}
	if s.Weights != nil {
		if err := writeFile(ctx, fs, WeightsFile, func(w io.Writer) error {
			_, err := w.Write(s.Weights)
			return err
		}); err != nil {
			return err
		}
	}
	slog.Info("fingerprint: snapshot saved", "build_id", s.BuildID, "vectors", s.Len())
	return nil
}

func writeFile(ctx context.Context, fs storage.FileStore, name string, fn func(io.Writer) error) (err error) {
	w, err := fs.Write(ctx, name)
	if err != nil {
		return fmt.Errorf("fingerprint: create %s: %w", name, err)
	}
	defer func() {
		if cerr := w.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("fingerprint: close %s: %w", name, cerr)
		}
	}()
	if err := fn(w); err != nil {
		return fmt.Errorf("fingerprint: write %s: %w", name, err)
	}
	return nil
}

func readFile(ctx context.Context, fs storage.FileStore, name string, fn func(io.Reader) error) error {
	r, err := fs.Read(ctx, name)
	if err != nil {
		return fmt.Errorf("fingerprint: open %s: %w", name, err)
	}
	defer r.Close()
	if err := fn(r); err != nil {
		return fmt.Errorf("fingerprint: read %s: %w", name, err)
	}
	return nil
}

// Load reads a snapshot written by [Save] and applies the stored nprobe
// override from the loaded config.
func Load(ctx context.Context, fs storage.FileStore) (*Snapshot, error) {
	s := &Snapshot{}
	if err := readFile(ctx, fs, ConfigFile, func(r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		s.Config, err = config.Parse(data)
		return err
	}); err != nil {
		return nil, err
	}

	var sf sourcesFile
	if err := readFile(ctx, fs, SourcesFile, func(r io.Reader) error {
		return msgpack.NewDecoder(r).Decode(&sf)
	}); err != nil {
		return nil, err
	}
	if sf.Version != sourcesVersion {
		return nil, fmt.Errorf("fingerprint: unsupported sources version %d (want %d)", sf.Version, sourcesVersion)
	}
	id, err := uuid.Parse(sf.BuildID)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: build id: %w", err)
	}
	s.BuildID, s.Sources = id, sf.Sources

	if err := readFile(ctx, fs, IndexFile, func(r io.Reader) error {
		s.Index, err = vecstore.Read(r)
		return err
	}); err != nil {
		return nil, err
	}
	if err := s.check(); err != nil {
		return nil, err
	}

	err = readFile(ctx, fs, WeightsFile, func(r io.Reader) error {
		s.Weights, err = io.ReadAll(r)
		return err
	})
	switch {
	case errors.Is(err, iofs.ErrNotExist):
		slog.Debug("fingerprint: snapshot has no model weights", "build_id", s.BuildID)
	case err != nil:
		return nil, err
	}

	if ivf, ok := s.Index.(*vecstore.IVF); ok && s.Config.Index.NProbe > 0 {
		ivf.SetNProbe(s.Config.Index.NProbe)
	}
	return s, nil
}

// check verifies that the sources tile the index ID space.
func (s *Snapshot) check() error {
	var next int64
	for _, src := range s.Sources {
		if src.Start != next || src.Count <= 0 {
			return fmt.Errorf("fingerprint: source %q has range [%d, +%d), expected start %d",
				src.Name, src.Start, src.Count, next)
		}
		next += int64(src.Count)
	}
	if next != int64(s.Index.Len()) {
		return errors.New("fingerprint: sources do not cover the index")
	}
	return nil
}
