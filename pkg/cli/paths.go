package cli

import (
	"os"
	"path/filepath"
)

const (
	// DefaultBaseDir is the directory under $HOME holding charcore state.
	DefaultBaseDir = ".charcore"

	// DefaultConfigFile is the configuration file name.
	DefaultConfigFile = "config.yaml"
)

// Paths provides access to the charcore directory structure
type Paths struct {
	// HomeDir is the user's home directory
	HomeDir string
}

// NewPaths creates a Paths rooted at the user's home directory
func NewPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{HomeDir: home}, nil
}

// BaseDir returns the base directory (~/.charcore)
func (p *Paths) BaseDir() string {
	return filepath.Join(p.HomeDir, DefaultBaseDir)
}

// ConfigFile returns the config file path (~/.charcore/config.yaml)
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.BaseDir(), DefaultConfigFile)
}

// DataDir returns the data directory (~/.charcore/data)
func (p *Paths) DataDir() string {
	return filepath.Join(p.BaseDir(), "data")
}

// StoreURL returns the default store URL, a Badger database in DataDir.
func (p *Paths) StoreURL() string {
	return "badger://" + p.DataDir()
}

// EnsureDataDir creates the data directory if it doesn't exist
func (p *Paths) EnsureDataDir() error {
	return os.MkdirAll(p.DataDir(), 0755)
}
