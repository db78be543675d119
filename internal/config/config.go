// Package config loads tablefs configuration.
//
// Values are layered, later sources overriding earlier ones:
//   - built-in defaults
//   - a YAML file named by --config
//   - a KEY=VALUE env file named by --env-file
//   - the process environment (TABLEFS_*, PUID, PGID, LOG_LEVEL)
//   - command-line flags that were set explicitly
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"tablefs/internal/logging"
	"tablefs/internal/state"
	"tablefs/internal/table"
)

const (
	// StorageSuffix is appended to a storage name given on the command line
	StorageSuffix = ".tablefs"

	// DefaultStorage is the image path used when no name is given
	DefaultStorage = "file" + StorageSuffix

	envPrefix = "TABLEFS_"
)

// ErrHelp is returned by Parse when -h or --help was requested.
var ErrHelp = pflag.ErrHelp

// Config is the complete tablefs configuration.
type Config struct {
	// MountPoint is where the filesystem is mounted.
	MountPoint string `yaml:"mountpoint"`

	// Storage is the backing image path.
	Storage string `yaml:"storage"`

	// Capacity is the number of table slots.
	Capacity int `yaml:"capacity"`

	// MaxContent bounds each file's content in bytes.
	MaxContent int `yaml:"max_content"`

	// MaxPath bounds absolute path length in bytes.
	MaxPath int `yaml:"max_path"`

	// Compression is one of none, lz4, zstd.
	Compression string `yaml:"compression"`

	// Backups is the number of previous images kept; negative disables.
	Backups int `yaml:"backups"`

	// RecursiveRemove makes rmdir free the whole subtree instead of the
	// directory and its direct children.
	RecursiveRemove bool `yaml:"recursive_remove"`

	// ZeroFillGaps clears skipped bytes on writes past the end of a file.
	ZeroFillGaps bool `yaml:"zero_fill_gaps"`

	// AllowOther permits other users to access the mount.
	AllowOther bool `yaml:"allow_other"`

	// LogLevel is one of ERROR, WARN, INFO, DEBUG, TRACE.
	LogLevel string `yaml:"log_level"`

	// RootUID and RootGID own the root directory of a fresh table.
	RootUID uint32 `yaml:"root_uid"`
	RootGID uint32 `yaml:"root_gid"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage:     DefaultStorage,
		Capacity:    table.DefaultCapacity,
		MaxContent:  table.DefaultMaxContent,
		MaxPath:     table.DefaultMaxPath,
		Compression: state.CompressionZstd.String(),
		Backups:     state.DefaultBackupCount,
		LogLevel:    logging.LevelInfo.String(),
		RootUID:     safeIntToUint32(os.Getuid()),
		RootGID:     safeIntToUint32(os.Getgid()),
	}
}

// LoadFile overlays the YAML file at path onto c. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// LoadEnvFile overlays the KEY=VALUE file at path onto c using the same
// keys as the process environment.
func (c *Config) LoadEnvFile(path string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("reading env file %s: %w", path, err)
	}
	return c.ApplyEnv(func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	})
}

// ApplyEnv overlays environment variables found through lookup onto c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	text := map[string]*string{
		envPrefix + "MOUNTPOINT":  &c.MountPoint,
		envPrefix + "STORAGE":     &c.Storage,
		envPrefix + "COMPRESSION": &c.Compression,
		"LOG_LEVEL":               &c.LogLevel,
	}
	for key, dst := range text {
		if value, ok := lookup(key); ok && value != "" {
			*dst = value
		}
	}

	ints := map[string]*int{
		envPrefix + "CAPACITY":    &c.Capacity,
		envPrefix + "MAX_CONTENT": &c.MaxContent,
		envPrefix + "MAX_PATH":    &c.MaxPath,
		envPrefix + "BACKUPS":     &c.Backups,
	}
	for key, dst := range ints {
		if value, ok := lookup(key); ok && value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = parsed
		}
	}

	bools := map[string]*bool{
		envPrefix + "RECURSIVE_REMOVE": &c.RecursiveRemove,
		envPrefix + "ZERO_FILL_GAPS":   &c.ZeroFillGaps,
		envPrefix + "ALLOW_OTHER":      &c.AllowOther,
	}
	for key, dst := range bools {
		if value, ok := lookup(key); ok && value != "" {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = parsed
		}
	}

	ids := map[string]*uint32{
		"PUID": &c.RootUID,
		"PGID": &c.RootGID,
	}
	for key, dst := range ids {
		if value, ok := lookup(key); ok && value != "" {
			parsed, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = uint32(parsed)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return errors.New("mount point is required")
	}
	if c.Storage == "" {
		return errors.New("storage path is required")
	}
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	}
	if c.MaxContent < 1 {
		return fmt.Errorf("max content must be at least 1, got %d", c.MaxContent)
	}
	if c.MaxPath < 2 {
		return fmt.Errorf("max path must be at least 2, got %d", c.MaxPath)
	}
	if _, err := state.ParseCompression(c.Compression); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// StoragePath derives the image path from a command-line storage name:
// the name plus StorageSuffix, or DefaultStorage when name is empty.
func StoragePath(name string) string {
	if name == "" {
		return DefaultStorage
	}
	return name + StorageSuffix
}

// Parse builds a Config from command-line arguments (without the program
// name) and the environment reachable through lookup.
//
//	tablefs [flags] <mountpoint> [storage-name]
func Parse(args []string, lookup func(string) (string, bool)) (*Config, error) {
	defaults := Default()

	var (
		configFile string
		envFile    string
		verbose    bool
		flagged    = defaults
	)

	flagSet := pflag.NewFlagSet("tablefs", pflag.ContinueOnError)
	flagSet.StringVar(&configFile, "config", "", "YAML configuration file")
	flagSet.StringVar(&envFile, "env-file", "", "KEY=VALUE environment file")
	flagSet.StringVar(&flagged.Storage, "storage", defaults.Storage, "backing image path (overrides storage-name)")
	flagSet.IntVar(&flagged.Capacity, "capacity", defaults.Capacity, "number of table entries")
	flagSet.IntVar(&flagged.MaxContent, "max-content", defaults.MaxContent, "maximum file size in bytes")
	flagSet.IntVar(&flagged.MaxPath, "max-path", defaults.MaxPath, "maximum path length in bytes")
	flagSet.StringVar(&flagged.Compression, "compression", defaults.Compression, "image compression: none, lz4, zstd")
	flagSet.IntVar(&flagged.Backups, "backups", defaults.Backups, "previous images to keep (negative disables)")
	flagSet.BoolVar(&flagged.RecursiveRemove, "recursive-remove", false, "rmdir removes the whole subtree")
	flagSet.BoolVar(&flagged.ZeroFillGaps, "zero-fill", false, "zero bytes skipped by writes past end of file")
	flagSet.BoolVar(&flagged.AllowOther, "allow-other", false, "allow other users to access the mount")
	flagSet.StringVar(&flagged.LogLevel, "log-level", defaults.LogLevel, "ERROR, WARN, INFO, DEBUG or TRACE")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "shorthand for --log-level=DEBUG")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaults
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	if envFile != "" {
		if err := cfg.LoadEnvFile(envFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	flagSet.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "storage":
			cfg.Storage = flagged.Storage
		case "capacity":
			cfg.Capacity = flagged.Capacity
		case "max-content":
			cfg.MaxContent = flagged.MaxContent
		case "max-path":
			cfg.MaxPath = flagged.MaxPath
		case "compression":
			cfg.Compression = flagged.Compression
		case "backups":
			cfg.Backups = flagged.Backups
		case "recursive-remove":
			cfg.RecursiveRemove = flagged.RecursiveRemove
		case "zero-fill":
			cfg.ZeroFillGaps = flagged.ZeroFillGaps
		case "allow-other":
			cfg.AllowOther = flagged.AllowOther
		case "log-level":
			cfg.LogLevel = flagged.LogLevel
		}
	})
	if verbose {
		cfg.LogLevel = logging.LevelDebug.String()
	}

	positional := flagSet.Args()
	if len(positional) > 2 {
		return nil, fmt.Errorf("unexpected argument: %s", positional[2])
	}
	if len(positional) > 0 {
		cfg.MountPoint = positional[0]
	}
	if len(positional) > 1 && !flagSet.Changed("storage") {
		cfg.Storage = StoragePath(positional[1])
	}
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TableOptions returns the table settings.
func (c *Config) TableOptions() table.Options {
	return table.Options{
		Capacity:     c.Capacity,
		MaxContent:   c.MaxContent,
		MaxPath:      c.MaxPath,
		RootUID:      c.RootUID,
		RootGID:      c.RootGID,
		ZeroFillGaps: c.ZeroFillGaps,
	}
}

// StateOptions returns the persistence settings. Validate must have
// accepted c.
func (c *Config) StateOptions() state.Options {
	compression, _ := state.ParseCompression(c.Compression)
	return state.Options{
		BackupCount: c.Backups,
		Compression: compression,
		Table:       c.TableOptions(),
	}
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
