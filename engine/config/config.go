package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dbaseqp/checkmaster/engine/checks"
)

type ConfigSettings struct {
	// General settings, the master does not start without them
	RequiredSettings RequiredConfig `toml:"RequiredSettings,omitempty" json:"RequiredSettings,omitempty"`

	// How to reach the service of each team
	CheckerSettings checks.Settings `toml:"CheckerSettings,omitempty" json:"CheckerSettings,omitempty"`

	MiscSettings MiscConfig `toml:"MiscSettings,omitempty" json:"MiscSettings,omitempty"`
}

type RequiredConfig struct {
	DBConnectURL string
	ServiceSlug  string
}

type MiscConfig struct {
	// Worker pool
	Parallelism    int
	LaunchInterval int // seconds between scheduling cycles

	// Timeout estimation
	EstimateInterval int // seconds between estimate refreshes
	SigmaMultiplier  float64
	DefaultTimeout   int // seconds, used until the service has history

	// Number of previous ticks whose flags are checked again
	Lookback *int

	FlagSecret string
	FlagPrefix string

	// Results for unknown net numbers are attributed to this team instead of
	// being rejected. Zero disables the fallback.
	FallbackTeamID uint

	LogFile string
}

// Load in a config
func (conf *ConfigSettings) SetConfig(path string) error {
	tempConf := ConfigSettings{}
	fileContent, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("configuration file (%s) not found: %w", path, err)
	}

	if md, err := toml.Decode(string(fileContent), &tempConf); err != nil {
		return err
	} else {
		for _, undecoded := range md.Undecoded() {
			slog.Warn("undecoded configuration key \"" + undecoded.String() + "\" will not be used.")
		}
	}

	// check the configuration and set defaults
	if err := checkConfig(&tempConf); err != nil {
		return fmt.Errorf("configuration file (%s) is invalid: %w", path, err)
	}

	// if we're here, the config is valid
	*conf = tempConf

	return nil
}

// general error checking
func checkConfig(conf *ConfigSettings) error {
	var errResult error

	// required settings

	if conf.RequiredSettings.DBConnectURL == "" {
		errResult = errors.Join(errResult, errors.New("no db connect url specified"))
	}

	if conf.RequiredSettings.ServiceSlug == "" {
		errResult = errors.Join(errResult, errors.New("no service slug specified"))
	}

	if conf.MiscSettings.FlagSecret == "" {
		errResult = errors.Join(errResult, errors.New("no flag secret specified"))
	}

	if err := conf.CheckerSettings.Configure(); err != nil {
		errResult = errors.Join(errResult, fmt.Errorf("checker settings: %w", err))
	}

	// optional settings

	if conf.MiscSettings.Parallelism == 0 {
		conf.MiscSettings.Parallelism = 16
	}

	if conf.MiscSettings.LaunchInterval == 0 {
		conf.MiscSettings.LaunchInterval = 10
	}

	if conf.MiscSettings.EstimateInterval == 0 {
		conf.MiscSettings.EstimateInterval = 60
	}

	if conf.MiscSettings.SigmaMultiplier == 0 {
		conf.MiscSettings.SigmaMultiplier = 2
	}

	if conf.MiscSettings.DefaultTimeout == 0 {
		conf.MiscSettings.DefaultTimeout = 30
	}

	if conf.MiscSettings.Lookback == nil {
		lookback := checks.DefaultLookback
		conf.MiscSettings.Lookback = &lookback
	}

	if conf.MiscSettings.FlagPrefix == "" {
		conf.MiscSettings.FlagPrefix = "FLAG_"
	}

	if conf.MiscSettings.Parallelism < 0 {
		errResult = errors.Join(errResult, errors.New("parallelism must be positive"))
	}

	if conf.MiscSettings.LaunchInterval < 0 || conf.MiscSettings.EstimateInterval < 0 || conf.MiscSettings.DefaultTimeout < 0 {
		errResult = errors.Join(errResult, errors.New("intervals and timeouts must be positive"))
	}

	if conf.MiscSettings.SigmaMultiplier < 0 {
		errResult = errors.Join(errResult, errors.New("sigma multiplier cannot be negative"))
	}

	if *conf.MiscSettings.Lookback < 0 {
		errResult = errors.Join(errResult, errors.New("lookback cannot be negative"))
	}

	return errResult
}

func (m MiscConfig) LaunchEvery() time.Duration {
	return time.Duration(m.LaunchInterval) * time.Second
}

func (m MiscConfig) EstimateEvery() time.Duration {
	return time.Duration(m.EstimateInterval) * time.Second
}

func (m MiscConfig) Timeout() time.Duration {
	return time.Duration(m.DefaultTimeout) * time.Second
}

// LookbackTicks returns the configured lookback, or the default if unset.
func (m MiscConfig) LookbackTicks() int {
	if m.Lookback == nil {
		return checks.DefaultLookback
	}
	return *m.Lookback
}

// FallbackTeam returns nil when results for unknown teams must be rejected.
func (m MiscConfig) FallbackTeam() *uint {
	if m.FallbackTeamID == 0 {
		return nil
	}
	id := m.FallbackTeamID
	return &id
}
