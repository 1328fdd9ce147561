// Package config loads master and worker settings from flags, environment
// variables (LSPFRONT_ prefix) and an optional TOML file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. LSPFRONT_READY_TIMEOUT.
const EnvPrefix = "LSPFRONT"

// Master configuration keys. Each is also the flag name.
const (
	KeyConfig         = "config"
	KeyStrict         = "strict"
	KeyPort           = "port"
	KeyCluster        = "cluster"
	KeyWorkerBin      = "worker-bin"
	KeyWorkerHost     = "worker-host"
	KeyReadyTimeout   = "ready-timeout"
	KeyConnectTimeout = "connect-timeout"
	KeyRequestTimeout = "request-timeout"
	KeySessionRate    = "session-rate"
	KeySessionBurst   = "session-burst"
	KeyRespawnLimit   = "respawn-limit"
	KeyHealthInterval = "health-interval"
	KeyAdminAddr      = "admin-addr"
	KeyLogLevel       = "log-level"
)

// DefaultPort is the master's well-known port.
const DefaultPort = 2089

// maxPort is the highest TCP port.
const maxPort = 65535

// Config is the master's configuration.
type Config struct {
	WorkerBin      string
	WorkerHost     string
	AdminAddr      string
	LogLevel       string
	ConfigFile     string
	ReadyTimeout   time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	HealthInterval time.Duration
	SessionRate    float64
	SessionBurst   int
	Port           int
	Cluster        int
	RespawnLimit   int
	Strict         bool
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		WorkerHost:     "127.0.0.1",
		LogLevel:       "info",
		ReadyTimeout:   10 * time.Second,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 60 * time.Second,
		SessionBurst:   1,
		Port:           DefaultPort,
		Cluster:        max(2, runtime.NumCPU()),
	}
}

// AddFlags declares the master flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String(KeyConfig, "", "path to a TOML config file")
	fs.BoolP(KeyStrict, "s", d.Strict, "reject requests the workers do not support")
	fs.IntP(KeyPort, "p", d.Port, "LSP port to listen on; worker N listens on port+N")
	fs.IntP(KeyCluster, "c", d.Cluster, "number of worker processes")
	fs.String(KeyWorkerBin, "", "worker binary (default: worker next to this executable)")
	fs.String(KeyWorkerHost, d.WorkerHost, "interface workers listen on")
	fs.Duration(KeyReadyTimeout, d.ReadyTimeout, "how long a session waits for its workers to become ready")
	fs.Duration(KeyConnectTimeout, d.ConnectTimeout, "timeout for connecting to a worker")
	fs.Duration(KeyRequestTimeout, d.RequestTimeout, "timeout for a forwarded file request (0 disables)")
	fs.Float64(KeySessionRate, d.SessionRate, "new sessions per second (0 = unlimited)")
	fs.Int(KeySessionBurst, d.SessionBurst, "session admission burst")
	fs.Int(KeyRespawnLimit, d.RespawnLimit, "respawns per worker slot (0 = never respawn)")
	fs.Duration(KeyHealthInterval, d.HealthInterval, "worker health check interval (0 disables)")
	fs.String(KeyAdminAddr, d.AdminAddr, "admin HTTP address, e.g. 127.0.0.1:9089 (empty disables)")
	fs.String(KeyLogLevel, d.LogLevel, "log level (debug, info, warn, error)")
}

// Load resolves the master configuration from v after binding fs.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	if err := prepare(v, fs, true); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ConfigFile:     v.ConfigFileUsed(),
		Strict:         v.GetBool(KeyStrict),
		Port:           v.GetInt(KeyPort),
		Cluster:        v.GetInt(KeyCluster),
		WorkerBin:      v.GetString(KeyWorkerBin),
		WorkerHost:     v.GetString(KeyWorkerHost),
		ReadyTimeout:   v.GetDuration(KeyReadyTimeout),
		ConnectTimeout: v.GetDuration(KeyConnectTimeout),
		RequestTimeout: v.GetDuration(KeyRequestTimeout),
		SessionRate:    v.GetFloat64(KeySessionRate),
		SessionBurst:   v.GetInt(KeySessionBurst),
		RespawnLimit:   v.GetInt(KeyRespawnLimit),
		HealthInterval: v.GetDuration(KeyHealthInterval),
		AdminAddr:      v.GetString(KeyAdminAddr),
		LogLevel:       v.GetString(KeyLogLevel),
	}
	if cfg.WorkerBin == "" {
		bin, err := DefaultWorkerBin()
		if err != nil {
			return Config{}, err
		}
		cfg.WorkerBin = bin
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Cluster < 2 {
		errs = append(errs, fmt.Errorf("%s %d: a session needs 2 workers", KeyCluster, c.Cluster))
	}
	if c.Port < 1 || c.Port > maxPort {
		errs = append(errs, fmt.Errorf("%s %d: out of range", KeyPort, c.Port))
	}
	// Respawned workers take fresh ids, so every slot may use RespawnLimit+1 ports.
	if last := c.Port + c.Cluster*(c.RespawnLimit+1); c.Port <= maxPort && last > maxPort {
		errs = append(errs, fmt.Errorf("worker ports up to %d exceed %d", last, maxPort))
	}
	if c.ReadyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyReadyTimeout))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyConnectTimeout))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyRequestTimeout))
	}
	if c.HealthInterval < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyHealthInterval))
	}
	if c.SessionRate < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeySessionRate))
	}
	if c.RespawnLimit < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyRespawnLimit))
	}
	if err := validateLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DefaultWorkerBin returns the worker binary installed next to the running
// executable.
func DefaultWorkerBin() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate worker binary: %w", err)
	}
	name := "worker"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(exe), name), nil
}

// prepare binds flags and environment and, with readFile, reads the config
// file named by the config key.
func prepare(v *viper.Viper, fs *pflag.FlagSet, readFile bool) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	file := v.GetString(KeyConfig)
	if !readFile || file == "" {
		return nil
	}
	v.SetConfigFile(file)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", file, err)
	}
	return nil
}

func validateLevel(level string) error {
	if level == "" {
		return nil
	}
	if _, err := zerolog.ParseLevel(level); err != nil {
		return fmt.Errorf("%s %q: %w", KeyLogLevel, level, err)
	}
	return nil
}
