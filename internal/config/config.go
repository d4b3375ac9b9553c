package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	Source  Source  `yaml:"source"`
	Staging Staging `yaml:"staging"`
	Output  Output  `yaml:"output"`
	Logging Logging `yaml:"logging"`
}

// Source describes where the dataset archive lives and what it contains.
type Source struct {
	URL          string `yaml:"url" validate:"required,url"`
	ArchiveName  string `yaml:"archive_name" validate:"required"`
	ExtractedDir string `yaml:"extracted_dir" validate:"required"`
	MoviesFile   string `yaml:"movies_file" validate:"required"`
	RatingsFile  string `yaml:"ratings_file" validate:"required"`
}

type Staging struct {
	ChunkSize int `yaml:"chunk_size" validate:"min=1"`
}

type Output struct {
	DataDir   string `yaml:"data_dir"`
	ReportDir string `yaml:"report_dir"`
	Workbook  bool   `yaml:"workbook"`
	Summary   bool   `yaml:"summary"`
}

type Logging struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
}

// ConfigDir returns the XDG config directory for movielens.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "movielens")
}

// DataDir returns the XDG data directory for movielens.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "movielens")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/movielens/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'movielens init' to create a default config",
		xdgConfig,
	)
}

// Load reads, parses and validates a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Source: Source{
			URL:          "https://files.grouplens.org/datasets/movielens/ml-32m.zip",
			ArchiveName:  "ml-32m.zip",
			ExtractedDir: "ml-32m",
			MoviesFile:   "movies.csv",
			RatingsFile:  "ratings.csv",
		},
		Staging: Staging{ChunkSize: 100000},
		Output:  Output{Workbook: true, Summary: true},
		Logging: Logging{Level: "info"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// GetReportDir returns where analytics artifacts are written.
func (c *Config) GetReportDir() string {
	if c.Output.ReportDir != "" {
		return c.Output.ReportDir
	}
	return filepath.Join(c.GetDataDir(), "output")
}

// RawDir is where the archive is downloaded and extracted.
func (c *Config) RawDir() string {
	return filepath.Join(c.GetDataDir(), "raw")
}

func (c *Config) ArchivePath() string {
	return filepath.Join(c.RawDir(), c.Source.ArchiveName)
}

func (c *Config) MoviesPath() string {
	return filepath.Join(c.RawDir(), c.Source.ExtractedDir, c.Source.MoviesFile)
}

func (c *Config) RatingsPath() string {
	return filepath.Join(c.RawDir(), c.Source.ExtractedDir, c.Source.RatingsFile)
}

// DBPath returns the SQLite file shared by every stage.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "movielens.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
