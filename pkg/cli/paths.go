package cli

import (
	"os"
	"path/filepath"
)

const (
	// DefaultBaseDir is the per-user directory name.
	DefaultBaseDir = ".pfann"
	// DefaultConfigFile is the default configuration filename.
	DefaultConfigFile = "config.yaml"
	// DefaultEnvFile holds environment overrides such as S3 credentials.
	DefaultEnvFile = ".env"
)

// Paths provides access to the pfann directory structure.
type Paths struct {
	// HomeDir is the user's home directory
	HomeDir string
}

// NewPaths creates a Paths rooted at the user's home directory.
func NewPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{HomeDir: home}, nil
}

// BaseDir returns the base directory (~/.pfann)
func (p *Paths) BaseDir() string {
	return filepath.Join(p.HomeDir, DefaultBaseDir)
}

// ConfigFile returns the config file path (~/.pfann/config.yaml)
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.BaseDir(), DefaultConfigFile)
}

// EnvFile returns the env file path (~/.pfann/.env)
func (p *Paths) EnvFile() string {
	return filepath.Join(p.BaseDir(), DefaultEnvFile)
}

// CacheDir returns the cache directory (~/.pfann/cache)
func (p *Paths) CacheDir() string {
	return filepath.Join(p.BaseDir(), "cache")
}

// ModelDir returns the model directory (~/.pfann/model)
func (p *Paths) ModelDir() string {
	return filepath.Join(p.BaseDir(), "model")
}

// EnsureCacheDir creates the cache directory if it doesn't exist
func (p *Paths) EnsureCacheDir() error {
	return os.MkdirAll(p.CacheDir(), 0755)
}
