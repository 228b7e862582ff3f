/*
Package config manages the TOML config for EntityServe services.
*/
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"

	"github.com/bastiangx/entityserve/internal/utils"
	"github.com/bastiangx/entityserve/pkg/dictionary"
	"github.com/bastiangx/entityserve/pkg/rank"
	"github.com/bastiangx/entityserve/pkg/segment"
)

const (
	appName  = "entityserve"
	fileName = "entityserve.toml"
)

// Config holds the entire config structure
type Config struct {
	Index   IndexConfig   `toml:"index"`
	Build   BuildConfig   `toml:"build"`
	Ranker  RankerConfig  `toml:"ranker"`
	Segment SegmentConfig `toml:"segment"`
	Server  ServerConfig  `toml:"server"`
	CLI     CliConfig     `toml:"cli"`
}

// IndexConfig locates the index and shapes new builds.
type IndexConfig struct {
	Path            string `toml:"path"`
	FingerprintBits int    `toml:"fingerprint_bits"`
	BatchSize       int    `toml:"batch_size"`
	NameCache       int    `toml:"name_cache"`
}

// BuildConfig holds pruning and verification options.
type BuildConfig struct {
	MinLinkCount  int  `toml:"min_link_count"`
	MinQueryCount int  `toml:"min_query_count"`
	Verify        bool `toml:"verify"`
	Workers       int  `toml:"workers"`
}

// RankerConfig selects and tunes the ranking model.
type RankerConfig struct {
	Model         string  `toml:"model"`
	Mu            float64 `toml:"mu"`
	UseQuery      bool    `toml:"use_query"`
	UseLink       bool    `toml:"use_link"`
	ContextWeight float64 `toml:"context_weight"`
	MinContext    float64 `toml:"min_context"`
	MaxScan       int     `toml:"max_scan"`
}

// SegmentConfig holds query defaults.
type SegmentConfig struct {
	Threshold     float64 `toml:"threshold"`
	K             int     `toml:"k"`
	KPerSpan      int     `toml:"k_per_span"`
	MaxSpanTokens int     `toml:"max_span_tokens"`
	NoEntityScore float64 `toml:"no_entity_score"`
}

// ServerConfig has server related options.
type ServerConfig struct {
	Port        int  `toml:"port"`
	MaxQueryLen int  `toml:"max_query_len"`
	Reload      bool `toml:"reload"`
}

// CliConfig holds cli interface options.
type CliConfig struct {
	Mode      string `toml:"mode"`
	ShowNames bool   `toml:"show_names"`
}

// GetConfigDir returns the config directory with fallback priority:
// 1. ~/.config/
// 2. ~/Library/Application Support/ (macOS)
// 3. Current executable dir
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Errorf("Failed to get home directory: %v", err)
		return utils.GetExecutableDir()
	}
	primaryPath := filepath.Join(homeDir, ".config", appName)
	if result := utils.CheckDirStatus(primaryPath); result.Writable {
		return primaryPath, nil
	}
	macOSPath := filepath.Join(homeDir, "Library", "Application Support", appName)
	if result := utils.CheckDirStatus(macOSPath); result.Writable {
		return macOSPath, nil
	}
	execDir, err := utils.GetExecutableDir()
	if err != nil {
		log.Errorf("Failed to get executable directory: %v", err)
		return "", err
	}
	return execDir, nil
}

// GetDefaultConfigPath returns the default path for entityserve.toml
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, fileName), nil
}

// LoadConfigWithPriority loads config with priority:
// 1. Custom path from --config flag
// 2. Default path: [UserConfigDir]/entityserve/entityserve.toml
// 3. Builtin defaults
func LoadConfigWithPriority(customConfigPath string) (*Config, string, error) {
	if customConfigPath != "" {
		if _, statErr := os.Stat(customConfigPath); statErr == nil {
			config, err := LoadConfig(customConfigPath)
			if err == nil {
				log.Debugf("Loaded config from custom path: %s", customConfigPath)
				return config, customConfigPath, nil
			}
			log.Warnf("Failed to load custom config from %s: %v. Trying default path...", customConfigPath, err)
		} else {
			log.Warnf("Custom config file not found at %s: %v. Trying default path...", customConfigPath, statErr)
		}
	}
	defaultPath, err := GetDefaultConfigPath()
	if err != nil {
		log.Warnf("Failed to determine default config path: %v. Using built-in defaults...", err)
		return DefaultConfig(), "", nil
	}

	config, err := InitConfig(defaultPath)
	if err != nil {
		log.Warnf("Failed to load/create config at default path %s: %v. Using builtin defaults...", defaultPath, err)
		return DefaultConfig(), "", nil
	}
	log.Debugf("Loaded config from default path: %s", defaultPath)
	return config, defaultPath, nil
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	build := dictionary.DefaultBuildOptions()
	ranker := rank.DefaultOptions()
	seg := segment.DefaultOptions()
	return &Config{
		Index: IndexConfig{
			Path:            "index.fel",
			FingerprintBits: int(build.FingerprintBits),
			BatchSize:       int(build.BatchSize),
			NameCache:       build.NameCache,
		},
		Build: BuildConfig{
			MinLinkCount:  int(build.MinLinkCount),
			MinQueryCount: int(build.MinQueryCount),
			Verify:        build.Verify,
			Workers:       0,
		},
		Ranker: RankerConfig{
			Model:         rank.ModelBaseline,
			Mu:            ranker.Mu,
			UseQuery:      ranker.UseQuery,
			UseLink:       ranker.UseLink,
			ContextWeight: ranker.ContextWeight,
			MinContext:    ranker.MinContext,
			MaxScan:       ranker.MaxScan,
		},
		Segment: SegmentConfig{
			Threshold:     -20,
			K:             5,
			KPerSpan:      seg.KPerSpan,
			MaxSpanTokens: seg.MaxSpanTokens,
			NoEntityScore: seg.NoEntityScore,
		},
		Server: ServerConfig{
			Port:        8080,
			MaxQueryLen: 1024,
			Reload:      true,
		},
		CLI: CliConfig{
			Mode:      "dp",
			ShowNames: true,
		},
	}
}

// InitConfig loads config from file or creates default if missing
func InitConfig(configPath string) (*Config, error) {
	configDir := filepath.Dir(configPath)

	if err := utils.EnsureDir(configDir); err != nil {
		log.Warnf("Failed to create config directory %s: %v. Using built-in defaults...", configDir, err)
		return DefaultConfig(), nil
	}

	if !utils.FileExists(configPath) {
		config := DefaultConfig()
		if err := SaveConfig(config, configPath); err != nil {
			log.Warnf("Failed to create default config file at %s: %v. Using built-in defaults...", configPath, err)
			return DefaultConfig(), nil
		}
		log.Debugf("Created default config file at: %s", configPath)
		return config, nil
	}

	config, err := LoadConfig(configPath)
	if err != nil {
		log.Warnf("Failed to load config from %s: %v. Using built-in defaults...", configPath, err)
		return DefaultConfig(), nil
	}
	return config, nil
}

// LoadConfig loads from a TOML file. A file that does not decode cleanly is
// recovered section by section; keys that cannot be read keep their defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if err := utils.LoadTOMLFile(configPath, config); err != nil {
		log.Debugf("Strict decode of %s failed: %v", configPath, err)
		return tryPartialParse(configPath)
	}
	return config, nil
}

// tryPartialParse attempts to parse a TOML file
func tryPartialParse(configPath string) (*Config, error) {
	config := DefaultConfig()

	tempConfig, err := utils.ParseTOMLWithRecovery(configPath)
	if err != nil {
		log.Warnf("Could not parse any valid configuration from %s: %v. Using all defaults.", configPath, err)
		return config, nil
	}

	if section, ok := utils.ExtractSection(tempConfig, "index"); ok {
		extractIndexConfig(section, &config.Index)
	}
	if section, ok := utils.ExtractSection(tempConfig, "build"); ok {
		extractBuildConfig(section, &config.Build)
	}
	if section, ok := utils.ExtractSection(tempConfig, "ranker"); ok {
		extractRankerConfig(section, &config.Ranker)
	}
	if section, ok := utils.ExtractSection(tempConfig, "segment"); ok {
		extractSegmentConfig(section, &config.Segment)
	}
	if section, ok := utils.ExtractSection(tempConfig, "server"); ok {
		extractServerConfig(section, &config.Server)
	}
	if section, ok := utils.ExtractSection(tempConfig, "cli"); ok {
		extractCliConfig(section, &config.CLI)
	}
	return config, nil
}

func extractIndexConfig(data map[string]any, index *IndexConfig) {
	if val, ok := utils.ExtractString(data, "path"); ok {
		index.Path = val
	}
	if val, ok := utils.ExtractInt(data, "fingerprint_bits"); ok {
		index.FingerprintBits = val
	}
	if val, ok := utils.ExtractInt(data, "batch_size"); ok {
		index.BatchSize = val
	}
	if val, ok := utils.ExtractInt(data, "name_cache"); ok {
		index.NameCache = val
	}
}

func extractBuildConfig(data map[string]any, build *BuildConfig) {
	if val, ok := utils.ExtractInt(data, "min_link_count"); ok {
		build.MinLinkCount = val
	}
	if val, ok := utils.ExtractInt(data, "min_query_count"); ok {
		build.MinQueryCount = val
	}
	if val, ok := utils.ExtractBool(data, "verify"); ok {
		build.Verify = val
	}
	if val, ok := utils.ExtractInt(data, "workers"); ok {
		build.Workers = val
	}
}

func extractRankerConfig(data map[string]any, ranker *RankerConfig) {
	if val, ok := utils.ExtractString(data, "model"); ok {
		ranker.Model = val
	}
	if val, ok := utils.ExtractFloat(data, "mu"); ok {
		ranker.Mu = val
	}
	if val, ok := utils.ExtractBool(data, "use_query"); ok {
		ranker.UseQuery = val
	}
	if val, ok := utils.ExtractBool(data, "use_link"); ok {
		ranker.UseLink = val
	}
	if val, ok := utils.ExtractFloat(data, "context_weight"); ok {
		ranker.ContextWeight = val
	}
	if val, ok := utils.ExtractFloat(data, "min_context"); ok {
		ranker.MinContext = val
	}
	if val, ok := utils.ExtractInt(data, "max_scan"); ok {
		ranker.MaxScan = val
	}
}

func extractSegmentConfig(data map[string]any, seg *SegmentConfig) {
	if val, ok := utils.ExtractFloat(data, "threshold"); ok {
		seg.Threshold = val
	}
	if val, ok := utils.ExtractInt(data, "k"); ok {
		seg.K = val
	}
	if val, ok := utils.ExtractInt(data, "k_per_span"); ok {
		seg.KPerSpan = val
	}
	if val, ok := utils.ExtractInt(data, "max_span_tokens"); ok {
		seg.MaxSpanTokens = val
	}
	if val, ok := utils.ExtractFloat(data, "no_entity_score"); ok {
		seg.NoEntityScore = val
	}
}

func extractServerConfig(data map[string]any, server *ServerConfig) {
	if val, ok := utils.ExtractInt(data, "port"); ok {
		server.Port = val
	}
	if val, ok := utils.ExtractInt(data, "max_query_len"); ok {
		server.MaxQueryLen = val
	}
	if val, ok := utils.ExtractBool(data, "reload"); ok {
		server.Reload = val
	}
}

func extractCliConfig(data map[string]any, cli *CliConfig) {
	if val, ok := utils.ExtractString(data, "mode"); ok {
		cli.Mode = val
	}
	if val, ok := utils.ExtractBool(data, "show_names"); ok {
		cli.ShowNames = val
	}
}

// RebuildConfigFile overwrites configPath, or the default path when empty,
// with the built-in defaults and returns the path written.
func RebuildConfigFile(configPath string) (string, error) {
	if configPath == "" {
		defaultPath, err := GetDefaultConfigPath()
		if err != nil {
			return "", err
		}
		configPath = defaultPath
	}
	if err := utils.EnsureDir(filepath.Dir(configPath)); err != nil {
		return "", err
	}
	return configPath, SaveConfig(DefaultConfig(), configPath)
}

// GetActiveConfigPath returns the absolute path of loaded config file
func GetActiveConfigPath(configPath string) string {
	if configPath == "" {
		if defaultPath, err := GetDefaultConfigPath(); err == nil {
			return defaultPath
		}
		return "unknown"
	}
	return utils.GetAbsolutePath(configPath)
}

// SaveConfig saves into a TOML file
func SaveConfig(config *Config, configPath string) error {
	return utils.SaveTOMLFile(config, configPath)
}

// Update changes the query defaults and saves to file
func (c *Config) Update(configPath string, threshold *float64, k *int) error {
	if threshold != nil {
		c.Segment.Threshold = *threshold
	}
	if k != nil {
		c.Segment.K = *k
	}
	return SaveConfig(c, configPath)
}

// BuildOptions converts the index and build sections for the builder.
func (c *Config) BuildOptions() dictionary.BuildOptions {
	opts := dictionary.DefaultBuildOptions()
	opts.MinLinkCount = uint64(max(c.Build.MinLinkCount, 0))
	opts.MinQueryCount = uint64(max(c.Build.MinQueryCount, 0))
	opts.Verify = c.Build.Verify
	if c.Build.Workers > 0 {
		opts.Workers = c.Build.Workers
	} else {
		opts.Workers = runtime.NumCPU()
	}
	if c.Index.BatchSize > 0 {
		opts.BatchSize = uint64(c.Index.BatchSize)
	}
	if c.Index.FingerprintBits >= 0 && c.Index.FingerprintBits <= 64 {
		opts.FingerprintBits = uint(c.Index.FingerprintBits)
	}
	if c.Index.NameCache >= 0 {
		opts.NameCache = c.Index.NameCache
	}
	return opts
}

// RankOptions converts the ranker section.
func (c *Config) RankOptions() rank.Options {
	return rank.Options{
		Mu:            c.Ranker.Mu,
		UseQuery:      c.Ranker.UseQuery,
		UseLink:       c.Ranker.UseLink,
		ContextWeight: c.Ranker.ContextWeight,
		MinContext:    c.Ranker.MinContext,
		MaxScan:       c.Ranker.MaxScan,
	}
}

// SegmentOptions converts the segment section.
func (c *Config) SegmentOptions() segment.Options {
	return segment.Options{
		KPerSpan:      c.Segment.KPerSpan,
		MaxSpanTokens: c.Segment.MaxSpanTokens,
		NoEntityScore: c.Segment.NoEntityScore,
	}
}
