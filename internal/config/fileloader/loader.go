package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/booking-armada/internal/config"
)

// FileLoader loads configuration from a YAML file on disk. Fields the file
// omits keep their defaults.
type FileLoader struct {
	path string
}

var _ config.Loader = (*FileLoader)(nil)

// NewFileLoader creates a FileLoader reading path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration file. Unknown keys are rejected so
// a typo does not silently fall back to a default.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	cfg := config.Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", l.path, err)
	}

	return cfg, nil
}
