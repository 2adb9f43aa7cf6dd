package util

import (
	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
	"io/ioutil"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	TokenEnv = "BUILDKITE_ANALYTICS_TOKEN"
	DebugEnv = "BUILDKITE_ANALYTICS_DEBUG_ENABLED"

	DefaultUploadURL = "https://analytics-api.buildkite.com/v1/uploads"
)

type ReporterConfig struct {
	Logger     LoggerConfig     `toml:"log"`
	General    GeneralConfig    `toml:"general"`
	Analytics  AnalyticsConfig  `toml:"analytics"`
	BookKeeper BookKeeperConfig `toml:"book_keeper"`
	Storage    Storage          `toml:"storage"`
	loaded     bool
}

type GeneralConfig struct {
	Token      string   `toml:"token"`
	Debug      bool     `toml:"debug"`
	Quiet      bool     `toml:"quiet"`
	RunTimeout Duration `toml:"run_timeout"`
}

type AnalyticsConfig struct {
	UploadURL    string   `toml:"upload_url"`
	StepTimeout  Duration `toml:"step_timeout"`
	DrainTimeout Duration `toml:"drain_timeout"`
}

type BookKeeperConfig struct {
	Type string `toml:"type"`
	Path string `toml:"path"`
}

type LoggerConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Storage struct {
	Type string `toml:"type"`
}

// Duration lets TOML files spell timeouts as "5s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.NotValidf("duration %q", string(text))
	}
	d.Duration = parsed
	return nil
}

var (
	configMu     sync.RWMutex
	loadedConfig ReporterConfig
)

func GetConfig() ReporterConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	if !loadedConfig.loaded {
		panic("config data not loaded")
	}
	return loadedConfig
}

// SetConfig installs cfg as the loaded configuration after filling in defaults.
func SetConfig(cfg ReporterConfig) {
	cfg.applyDefaults()
	cfg.loaded = true
	configMu.Lock()
	loadedConfig = cfg
	configMu.Unlock()
}

func LoadConfig(tomlData string) error {
	cfg := ReporterConfig{}
	if _, err := toml.Decode(tomlData, &cfg); err != nil {
		return errors.Annotate(err, "error when parsing toml data")
	}
	cfg.applyEnv(os.Getenv, unsetEnv)
	SetConfig(cfg)
	return nil
}

func LoadConfigFromFile(fileName string) error {
	tomlData, err := ioutil.ReadFile(fileName)
	if err != nil {
		return errors.Trace(err)
	}
	return LoadConfig(string(tomlData))
}

// LoadDefaultConfig is used when no config file is present.
func LoadDefaultConfig() {
	cfg := ReporterConfig{}
	cfg.applyEnv(os.Getenv, unsetEnv)
	SetConfig(cfg)
}

// applyEnv reads overrides from the environment. The token is removed once
// read so it does not reach the processes under test.
func (c *ReporterConfig) applyEnv(getenv func(string) string, unsetenv func(string)) {
	token := getenv(TokenEnv)
	unsetenv(TokenEnv)
	if c.General.Token == "" {
		c.General.Token = token
	}
	if debug, err := strconv.ParseBool(getenv(DebugEnv)); err == nil && debug {
		c.General.Debug = true
	}
}

func unsetEnv(key string) {
	os.Unsetenv(key)
}

func (c *ReporterConfig) applyDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.General.Debug {
		c.Logger.Level = "debug"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.General.RunTimeout.Duration == 0 {
		c.General.RunTimeout.Duration = 30 * time.Second
	}
	if c.Analytics.UploadURL == "" {
		c.Analytics.UploadURL = DefaultUploadURL
	}
	if c.Analytics.StepTimeout.Duration == 0 {
		c.Analytics.StepTimeout.Duration = 5 * time.Second
	}
	if c.Analytics.DrainTimeout.Duration == 0 {
		c.Analytics.DrainTimeout.Duration = time.Second
	}
	if c.BookKeeper.Type == "" {
		c.BookKeeper.Type = "memory"
	}
	if c.BookKeeper.Path == "" {
		c.BookKeeper.Path = ".analytics/bookkeeper"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "analytics"
	}
}
