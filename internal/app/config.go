package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"

	"github.com/raysh454/kansoku/internal/cache"
	"github.com/raysh454/kansoku/internal/jobs"
	"github.com/raysh454/kansoku/internal/report"
	"github.com/raysh454/kansoku/internal/telemetry"
	"github.com/raysh454/kansoku/internal/webclient"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "KANSOKU_"

// Config is the runtime configuration of kansoku.
type Config struct {
	// Jobs is the job file.
	Jobs string `yaml:"jobs" toml:"jobs" json:"jobs" env:"JOBS"`
	// Workers bounds the number of jobs retrieved at once.
	Workers int `yaml:"workers" toml:"workers" json:"workers" env:"WORKERS" validate:"gte=1,lte=64"`
	// MaxTries is the number of consecutive failures before an error is
	// reported, for jobs that do not set max_tries.
	MaxTries int `yaml:"max_tries" toml:"max_tries" json:"max_tries" env:"MAX_TRIES" validate:"gte=0"`

	JobDefaults map[string]jobs.Declaration `yaml:"job_defaults" toml:"job_defaults" json:"job_defaults" validate:"dive,keys,oneof=all url browser shell,endkeys"`

	Cache     cache.Config     `yaml:"cache" toml:"cache" json:"cache" env:", prefix=CACHE_"`
	HTTP      HTTPConfig       `yaml:"http" toml:"http" json:"http" env:", prefix=HTTP_"`
	Browser   BrowserConfig    `yaml:"browser" toml:"browser" json:"browser" env:", prefix=BROWSER_"`
	Report    report.Config    `yaml:"report" toml:"report" json:"report" env:", prefix=REPORT_"`
	Display   report.Display   `yaml:"display" toml:"display" json:"display" env:", prefix=DISPLAY_"`
	Server    ServerConfig     `yaml:"server" toml:"server" json:"server" env:", prefix=SERVER_"`
	Schedule  string           `yaml:"schedule" toml:"schedule" json:"schedule" env:"SCHEDULE"`
	Log       LogConfig        `yaml:"log" toml:"log" json:"log" env:", prefix=LOG_"`
	Telemetry telemetry.Config `yaml:"telemetry" toml:"telemetry" json:"telemetry" env:", prefix=TELEMETRY_"`
}

type HTTPConfig struct {
	UserAgent        string `yaml:"user_agent" toml:"user_agent" json:"user_agent" env:"USER_AGENT"`
	CloudflareBypass bool   `yaml:"cloudflare_bypass" toml:"cloudflare_bypass" json:"cloudflare_bypass" env:"CLOUDFLARE_BYPASS"`
}

type BrowserConfig struct {
	// Enabled turns on browser jobs. Without it they fail with a missing
	// transport error.
	Enabled     bool          `yaml:"enabled" toml:"enabled" json:"enabled" env:"ENABLED"`
	ExecPath    string        `yaml:"exec_path" toml:"exec_path" json:"exec_path" env:"EXEC_PATH"`
	Headful     bool          `yaml:"headful" toml:"headful" json:"headful" env:"HEADFUL"`
	Concurrency int           `yaml:"concurrency" toml:"concurrency" json:"concurrency" env:"CONCURRENCY" validate:"gte=0,lte=16"`
	IdleAfter   time.Duration `yaml:"idle_after" toml:"idle_after" json:"idle_after" env:"IDLE_AFTER"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listen_addr" env:"LISTEN_ADDR"`
	// RunHistory is the number of finished runs the server keeps.
	RunHistory int `yaml:"run_history" toml:"run_history" json:"run_history" env:"RUN_HISTORY" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" toml:"format" json:"format" env:"FORMAT" validate:"omitempty,oneof=json text"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Jobs:     "jobs.yaml",
		Workers:  4,
		MaxTries: 0,
		Cache: cache.Config{
			Backend: cache.BackendSQLite,
			Dir:     "~/.cache/kansoku",
			History: 10,
		},
		HTTP: HTTPConfig{
			UserAgent: "kansoku/" + Version,
		},
		Browser: BrowserConfig{
			Concurrency: 1,
			IdleAfter:   500 * time.Millisecond,
		},
		Report:  report.DefaultConfig(),
		Display: report.DefaultDisplay(),
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8080",
			RunHistory: 20,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Telemetry: telemetry.Config{
			ServiceName: "kansoku",
		},
	}
}

// WebClientConfig maps the transport sections onto the webclient settings.
func (c *Config) WebClientConfig() webclient.Config {
	return webclient.Config{
		Client:           webclient.ClientNetHTTP,
		UserAgent:        c.HTTP.UserAgent,
		CloudflareBypass: c.HTTP.CloudflareBypass,
		BrowserExecPath:  c.Browser.ExecPath,
		Headful:          c.Browser.Headful,
		IdleAfter:        c.Browser.IdleAfter,
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads the configuration file at path over the defaults,
// merges a sibling <name>.local.<ext> over it, applies environment
// overrides from env and validates the result. A missing file yields the
// defaults. env may be nil to skip environment overrides.
func LoadConfig(ctx context.Context, path string, env envconfig.Lookuper) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := readInto(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		local := localPath(path)
		override := &Config{}
		err := readInto(local, override)
		switch {
		case err == nil:
			if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("merge %s: %w", local, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	if env != nil {
		err := envconfig.ProcessWith(ctx, &envconfig.Config{
			Target:           cfg,
			Lookuper:         envconfig.PrefixLookuper(EnvPrefix, env),
			DefaultOverwrite: true,
		})
		if err != nil {
			return nil, fmt.Errorf("environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// localPath turns config.yaml into config.local.yaml.
func localPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func readInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	case ".json", ".json5":
		err = json5.Unmarshal(data, cfg)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(cfg)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ExpandPath resolves a leading ~ to the home directory.
func ExpandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, p[1:]), nil
	}
	return p, nil
}
