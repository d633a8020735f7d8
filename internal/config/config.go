package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the voice client daemon.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	Endpoints string // comma-separated signaling endpoint URIs (ws/wss)
	Domain    string // SIP domain for the registration AOR

	Username        string
	Password        string
	AccessToken     string
	RefreshInterval int // registration refresh spacing in seconds (0 = default)
	AutoLogin       bool

	MaxIncoming int
	Multiplex   bool

	KeepAliveIdle   int // seconds between keep-alive pings with no call up
	KeepAliveInCall int // seconds between keep-alive pings during a call
	ReconnectMin    int // seconds, lower bound for reconnect spacing
	ReconnectMax    int // seconds, upper bound for reconnect spacing
	NetRetryCeiling int // max address-resolution retries per network change
	NetRetryStepMS  int // linear backoff step in milliseconds
	NetworkType     string

	TelemetryURL string // analytics backend root URL (empty disables insights)
	ResolverURL  string // public-address resolver endpoint
	ICEServers   string // comma-separated STUN/TURN URIs

	LogLevel  string
	LogFormat string // "text" or "json"
}

// defaults
const (
	defaultDataDir     = "./data"
	defaultHTTPPort    = 8080
	defaultMaxIncoming = 1
	defaultNetworkType = "unknown"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
)

// envPrefix is the prefix for all voice client environment variables.
const envPrefix = "VOICECLIENT_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:], os.LookupEnv)
}

// load is the testable core of Load.
func load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voiceclient", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call-history database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "control API listen port")
	fs.StringVar(&cfg.Endpoints, "endpoints", "", "comma-separated signaling endpoint URIs (ws:// or wss://)")
	fs.StringVar(&cfg.Domain, "domain", "", "SIP domain for the registration address of record")
	fs.StringVar(&cfg.Username, "username", "", "SIP username (mutually exclusive with access-token)")
	fs.StringVar(&cfg.Password, "password", "", "SIP password")
	fs.StringVar(&cfg.AccessToken, "access-token", "", "JWT access token (mutually exclusive with username/password)")
	fs.IntVar(&cfg.RefreshInterval, "refresh-interval", 0, "registration refresh spacing in seconds (0 = server default)")
	fs.BoolVar(&cfg.AutoLogin, "auto-login", true, "log in automatically at startup when credentials are configured")
	fs.IntVar(&cfg.MaxIncoming, "max-incoming", defaultMaxIncoming, "ceiling on simultaneously ringing inbound calls")
	fs.BoolVar(&cfg.Multiplex, "multiplex", false, "allow a new call while another is active")
	fs.IntVar(&cfg.KeepAliveIdle, "keepalive-idle", 30, "keep-alive ping spacing in seconds with no call up")
	fs.IntVar(&cfg.KeepAliveInCall, "keepalive-incall", 10, "keep-alive ping spacing in seconds during a call")
	fs.IntVar(&cfg.ReconnectMin, "reconnect-min", 2, "lower bound in seconds for reconnect spacing")
	fs.IntVar(&cfg.ReconnectMax, "reconnect-max", 30, "upper bound in seconds for reconnect spacing")
	fs.IntVar(&cfg.NetRetryCeiling, "net-retry-ceiling", 5, "max address-resolution retries per network change")
	fs.IntVar(&cfg.NetRetryStepMS, "net-retry-step-ms", 200, "linear backoff step in milliseconds for address resolution")
	fs.StringVar(&cfg.NetworkType, "network-type", defaultNetworkType, "platform-reported network type label")
	fs.StringVar(&cfg.TelemetryURL, "telemetry-url", "", "analytics backend root URL (empty disables call insights)")
	fs.StringVar(&cfg.ResolverURL, "resolver-url", "", "public-address resolver endpoint")
	fs.StringVar(&cfg.ICEServers, "ice-servers", "", "comma-separated STUN/TURN server URIs")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, lookupEnv)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, lookupEnv func(string) (string, bool)) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":          envPrefix + "DATA_DIR",
		"http-port":         envPrefix + "HTTP_PORT",
		"endpoints":         envPrefix + "ENDPOINTS",
		"domain":            envPrefix + "DOMAIN",
		"username":          envPrefix + "USERNAME",
		"password":          envPrefix + "PASSWORD",
		"access-token":      envPrefix + "ACCESS_TOKEN",
		"refresh-interval":  envPrefix + "REFRESH_INTERVAL",
		"auto-login":        envPrefix + "AUTO_LOGIN",
		"max-incoming":      envPrefix + "MAX_INCOMING",
		"multiplex":         envPrefix + "MULTIPLEX",
		"keepalive-idle":    envPrefix + "KEEPALIVE_IDLE",
		"keepalive-incall":  envPrefix + "KEEPALIVE_INCALL",
		"reconnect-min":     envPrefix + "RECONNECT_MIN",
		"reconnect-max":     envPrefix + "RECONNECT_MAX",
		"net-retry-ceiling": envPrefix + "NET_RETRY_CEILING",
		"net-retry-step-ms": envPrefix + "NET_RETRY_STEP_MS",
		"network-type":      envPrefix + "NETWORK_TYPE",
		"telemetry-url":     envPrefix + "TELEMETRY_URL",
		"resolver-url":      envPrefix + "RESOLVER_URL",
		"ice-servers":       envPrefix + "ICE_SERVERS",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := lookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "endpoints":
			cfg.Endpoints = val
		case "domain":
			cfg.Domain = val
		case "username":
			cfg.Username = val
		case "password":
			cfg.Password = val
		case "access-token":
			cfg.AccessToken = val
		case "refresh-interval":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RefreshInterval = v
			}
		case "auto-login":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AutoLogin = v
			}
		case "max-incoming":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxIncoming = v
			}
		case "multiplex":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.Multiplex = v
			}
		case "keepalive-idle":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.KeepAliveIdle = v
			}
		case "keepalive-incall":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.KeepAliveInCall = v
			}
		case "reconnect-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ReconnectMin = v
			}
		case "reconnect-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.ReconnectMax = v
			}
		case "net-retry-ceiling":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.NetRetryCeiling = v
			}
		case "net-retry-step-ms":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.NetRetryStepMS = v
			}
		case "network-type":
			cfg.NetworkType = val
		case "telemetry-url":
			cfg.TelemetryURL = val
		case "resolver-url":
			cfg.ResolverURL = val
		case "ice-servers":
			cfg.ICEServers = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.Endpoints == "" {
		return fmt.Errorf("endpoints is required (comma-separated ws:// or wss:// URIs)")
	}
	for _, ep := range c.EndpointList() {
		if !strings.HasPrefix(ep, "ws://") && !strings.HasPrefix(ep, "wss://") {
			return fmt.Errorf("endpoint %q must use the ws or wss scheme", ep)
		}
	}
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.AccessToken != "" && (c.Username != "" || c.Password != "") {
		return fmt.Errorf("access-token and username/password are mutually exclusive")
	}
	if c.MaxIncoming < 1 {
		return fmt.Errorf("max-incoming must be at least 1, got %d", c.MaxIncoming)
	}
	if c.ReconnectMin < 1 {
		return fmt.Errorf("reconnect-min must be at least 1, got %d", c.ReconnectMin)
	}
	if c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect-max must be at least reconnect-min, got %d", c.ReconnectMax)
	}
	if c.NetRetryCeiling < 1 {
		return fmt.Errorf("net-retry-ceiling must be at least 1, got %d", c.NetRetryCeiling)
	}
	if c.NetRetryStepMS < 1 {
		return fmt.Errorf("net-retry-step-ms must be at least 1, got %d", c.NetRetryStepMS)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// EndpointList returns the configured endpoints as a trimmed slice,
// preserving order.
func (c *Config) EndpointList() []string {
	return splitTrimmed(c.Endpoints)
}

// ICEServerList returns the configured STUN/TURN URIs as a trimmed slice.
func (c *Config) ICEServerList() []string {
	return splitTrimmed(c.ICEServers)
}

func splitTrimmed(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// HasCredentials reports whether either login variant is configured.
func (c *Config) HasCredentials() bool {
	return c.AccessToken != "" || (c.Username != "" && c.Password != "")
}

// KeepAliveIdleDuration returns the idle keep-alive spacing.
func (c *Config) KeepAliveIdleDuration() time.Duration {
	return time.Duration(c.KeepAliveIdle) * time.Second
}

// KeepAliveInCallDuration returns the in-call keep-alive spacing.
func (c *Config) KeepAliveInCallDuration() time.Duration {
	return time.Duration(c.KeepAliveInCall) * time.Second
}

// ReconnectMinDuration returns the reconnect spacing lower bound.
func (c *Config) ReconnectMinDuration() time.Duration {
	return time.Duration(c.ReconnectMin) * time.Second
}

// ReconnectMaxDuration returns the reconnect spacing upper bound.
func (c *Config) ReconnectMaxDuration() time.Duration {
	return time.Duration(c.ReconnectMax) * time.Second
}

// NetRetryStep returns the linear backoff step for address resolution.
func (c *Config) NetRetryStep() time.Duration {
	return time.Duration(c.NetRetryStepMS) * time.Millisecond
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
