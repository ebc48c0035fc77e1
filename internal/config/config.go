// Package config loads and persists the hsa-reimburse settings file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// StoreBolt keeps data in a single bbolt file
	StoreBolt = "bolt"
	// StoreSQLite keeps data in a SQLite database
	StoreSQLite = "sqlite"

	appDir   = "hsa-reimburse"
	fileName = "config.yaml"
)

// Config holds the locations and backend the tool works with
type Config struct {
	DatabasePath string `yaml:"database_path"`
	ReceiptsDir  string `yaml:"receipts_dir"`
	BackupDir    string `yaml:"backup_dir"`
	ExportDir    string `yaml:"export_dir"`
	Store        string `yaml:"store"`
}

// BaseDir returns the default data directory under home
func BaseDir(home string) string {
	return filepath.Join(home, "Documents", appDir)
}

// DefaultPath returns the default config file location under home
func DefaultPath(home string) string {
	return filepath.Join(BaseDir(home), fileName)
}

// Default returns the configuration used when no file exists
func Default(home string) *Config {
	base := BaseDir(home)
	return &Config{
		DatabasePath: filepath.Join(base, "hsa_reimburse.db"),
		ReceiptsDir:  filepath.Join(base, "receipts"),
		BackupDir:    filepath.Join(base, "backups"),
		ExportDir:    filepath.Join(base, "exports"),
		Store:        StoreBolt,
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path, home string) (*Config, error) {
	cfg := Default(home)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.DatabasePath = ExpandHome(cfg.DatabasePath, home)
	cfg.ReceiptsDir = ExpandHome(cfg.ReceiptsDir, home)
	cfg.BackupDir = ExpandHome(cfg.BackupDir, home)
	cfg.ExportDir = ExpandHome(cfg.ExportDir, home)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path with absolute directories
func (c *Config) Save(path string) error {
	out := *c
	for _, p := range []*string{&out.DatabasePath, &out.ReceiptsDir, &out.BackupDir, &out.ExportDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", *p, err)
		}
		*p = abs
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// Validate checks that every location is set and the store is known
func (c *Config) Validate() error {
	switch {
	case c.DatabasePath == "":
		return errors.New("database_path is required")
	case c.ReceiptsDir == "":
		return errors.New("receipts_dir is required")
	case c.BackupDir == "":
		return errors.New("backup_dir is required")
	case c.ExportDir == "":
		return errors.New("export_dir is required")
	}
	if c.Store != StoreBolt && c.Store != StoreSQLite {
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreBolt, StoreSQLite)
	}
	return nil
}

// ExpandHome replaces a leading ~ with home
func ExpandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
