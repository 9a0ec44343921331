package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the VoxBridge signaling core.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	PostgresURL string // when set, registrations/notifications live in Postgres instead of SQLite

	SIPHost    string // public signaling address inserted into locally built URIs
	SIPPort    int
	SIPWSPort  int    // WebSocket listener for WebRTC clients
	ExternalIP string // public media address, used when classifying destinations as our own

	InstanceID string // identifies this node in a multi-instance deployment
	APIVersion string

	Authenticate bool          // challenge INVITE/REGISTER from clients
	PingInterval time.Duration // OPTIONS keepalive interval for registrations
	PatchForNAT  bool          // rewrite private contact/request URIs with the observed address

	OutboundProxyURI      string
	OutboundProxyUser     string
	OutboundProxyPassword string
	FallbackProxyURI      string
	FallbackProxyUser     string
	FallbackProxyPassword string

	AllowFallback          bool
	AllowFallbackToPrimary bool
	MaxFailedCalls         int

	UseLocalAddressInFrom bool // put our own address in From on PSTN legs instead of the proxy host
	ProxyUserAtFromHeader bool // use the proxy account user as the From user on PSTN legs
	UserAtDisplayedName   bool // copy the caller value into the From display name

	MobileUASignature string // User-Agent substring that marks our mobile clients as WebRTC

	MetricsPort int
	LogLevel    string
	LogFormat   string
	SIPTrace    string // off, headers, or full message tracing
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultSIPPort        = 5060
	defaultSIPWSPort      = 5062
	defaultPingInterval   = 60 * time.Second
	defaultMaxFailedCalls = 20
	defaultMetricsPort    = 9090
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultAPIVersion     = "2012-04-24"
	defaultSIPTrace       = "off"
	defaultUASignature    = "voxbridge"
)

// envPrefix is the prefix for all VoxBridge environment variables.
const envPrefix = "VOXBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voxbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the embedded database")
	fs.StringVar(&cfg.PostgresURL, "postgres-url", "", "PostgreSQL URL for shared registration storage (multi-instance deployments)")
	fs.StringVar(&cfg.SIPHost, "sip-host", "", "public signaling address (auto-detected if empty)")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.IntVar(&cfg.SIPWSPort, "sip-ws-port", defaultSIPWSPort, "SIP WebSocket listen port for WebRTC clients")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public media address (auto-detected if empty)")
	fs.StringVar(&cfg.InstanceID, "instance-id", "", "unique node identifier (generated if empty)")
	fs.StringVar(&cfg.APIVersion, "api-version", defaultAPIVersion, "API version reported to the script interpreter")
	fs.BoolVar(&cfg.Authenticate, "authenticate", true, "require digest authentication from SIP clients")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", defaultPingInterval, "OPTIONS keepalive interval for registered clients")
	fs.BoolVar(&cfg.PatchForNAT, "patch-nat", true, "rewrite private contact URIs with the observed public address")
	fs.StringVar(&cfg.OutboundProxyURI, "outbound-proxy", "", "primary outbound proxy SIP URI or host")
	fs.StringVar(&cfg.OutboundProxyUser, "outbound-proxy-user", "", "primary outbound proxy auth username")
	fs.StringVar(&cfg.OutboundProxyPassword, "outbound-proxy-password", "", "primary outbound proxy auth password")
	fs.StringVar(&cfg.FallbackProxyURI, "fallback-proxy", "", "fallback outbound proxy SIP URI or host")
	fs.StringVar(&cfg.FallbackProxyUser, "fallback-proxy-user", "", "fallback outbound proxy auth username")
	fs.StringVar(&cfg.FallbackProxyPassword, "fallback-proxy-password", "", "fallback outbound proxy auth password")
	fs.BoolVar(&cfg.AllowFallback, "allow-fallback", false, "switch to the fallback proxy after repeated call failures")
	fs.BoolVar(&cfg.AllowFallbackToPrimary, "allow-fallback-to-primary", false, "allow switching from the fallback proxy back to the primary")
	fs.IntVar(&cfg.MaxFailedCalls, "max-failed-calls", defaultMaxFailedCalls, "failed calls tolerated before a proxy switch")
	fs.BoolVar(&cfg.UseLocalAddressInFrom, "use-local-address", false, "use our own address as the From host on PSTN calls")
	fs.BoolVar(&cfg.ProxyUserAtFromHeader, "proxy-user-at-from-header", false, "use the proxy account user as the From user on PSTN calls")
	fs.BoolVar(&cfg.UserAtDisplayedName, "user-at-displayed-name", false, "copy the caller value into the From display name")
	fs.StringVar(&cfg.MobileUASignature, "mobile-ua-signature", defaultUASignature, "User-Agent substring identifying our mobile clients")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", defaultMetricsPort, "HTTP port for /metrics and /healthz")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.SIPTrace, "sip-trace", defaultSIPTrace, "SIP message tracing (off, headers, full)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":                  envPrefix + "DATA_DIR",
		"postgres-url":              envPrefix + "POSTGRES_URL",
		"sip-host":                  envPrefix + "SIP_HOST",
		"sip-port":                  envPrefix + "SIP_PORT",
		"sip-ws-port":               envPrefix + "SIP_WS_PORT",
		"external-ip":               envPrefix + "EXTERNAL_IP",
		"instance-id":               envPrefix + "INSTANCE_ID",
		"api-version":               envPrefix + "API_VERSION",
		"authenticate":              envPrefix + "AUTHENTICATE",
		"ping-interval":             envPrefix + "PING_INTERVAL",
		"patch-nat":                 envPrefix + "PATCH_NAT",
		"outbound-proxy":            envPrefix + "OUTBOUND_PROXY",
		"outbound-proxy-user":       envPrefix + "OUTBOUND_PROXY_USER",
		"outbound-proxy-password":   envPrefix + "OUTBOUND_PROXY_PASSWORD",
		"fallback-proxy":            envPrefix + "FALLBACK_PROXY",
		"fallback-proxy-user":       envPrefix + "FALLBACK_PROXY_USER",
		"fallback-proxy-password":   envPrefix + "FALLBACK_PROXY_PASSWORD",
		"allow-fallback":            envPrefix + "ALLOW_FALLBACK",
		"allow-fallback-to-primary": envPrefix + "ALLOW_FALLBACK_TO_PRIMARY",
		"max-failed-calls":          envPrefix + "MAX_FAILED_CALLS",
		"use-local-address":         envPrefix + "USE_LOCAL_ADDRESS",
		"proxy-user-at-from-header": envPrefix + "PROXY_USER_AT_FROM_HEADER",
		"user-at-displayed-name":    envPrefix + "USER_AT_DISPLAYED_NAME",
		"mobile-ua-signature":       envPrefix + "MOBILE_UA_SIGNATURE",
		"metrics-port":              envPrefix + "METRICS_PORT",
		"log-level":                 envPrefix + "LOG_LEVEL",
		"log-format":                envPrefix + "LOG_FORMAT",
		"sip-trace":                 envPrefix + "SIP_TRACE",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "postgres-url":
			cfg.PostgresURL = val
		case "sip-host":
			cfg.SIPHost = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-ws-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPWSPort = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "instance-id":
			cfg.InstanceID = val
		case "api-version":
			cfg.APIVersion = val
		case "authenticate":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.Authenticate = v
			}
		case "ping-interval":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.PingInterval = v
			}
		case "patch-nat":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.PatchForNAT = v
			}
		case "outbound-proxy":
			cfg.OutboundProxyURI = val
		case "outbound-proxy-user":
			cfg.OutboundProxyUser = val
		case "outbound-proxy-password":
			cfg.OutboundProxyPassword = val
		case "fallback-proxy":
			cfg.FallbackProxyURI = val
		case "fallback-proxy-user":
			cfg.FallbackProxyUser = val
		case "fallback-proxy-password":
			cfg.FallbackProxyPassword = val
		case "allow-fallback":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AllowFallback = v
			}
		case "allow-fallback-to-primary":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.AllowFallbackToPrimary = v
			}
		case "max-failed-calls":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MaxFailedCalls = v
			}
		case "use-local-address":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.UseLocalAddressInFrom = v
			}
		case "proxy-user-at-from-header":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.ProxyUserAtFromHeader = v
			}
		case "user-at-displayed-name":
			if v, err := strconv.ParseBool(val); err == nil {
				cfg.UserAtDisplayedName = v
			}
		case "mobile-ua-signature":
			cfg.MobileUASignature = val
		case "metrics-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.MetricsPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "sip-trace":
			cfg.SIPTrace = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.SIPWSPort < 1 || c.SIPWSPort > 65535 {
		return fmt.Errorf("sip-ws-port must be between 1 and 65535, got %d", c.SIPWSPort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("metrics-port must be between 1 and 65535, got %d", c.MetricsPort)
	}
	if c.PingInterval < time.Second {
		return fmt.Errorf("ping-interval must be at least 1s, got %s", c.PingInterval)
	}
	if c.MaxFailedCalls < 1 {
		return fmt.Errorf("max-failed-calls must be positive, got %d", c.MaxFailedCalls)
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

	validTraces := map[string]bool{"off": true, "headers": true, "full": true}
	if !validTraces[strings.ToLower(c.SIPTrace)] {
		return fmt.Errorf("sip-trace must be one of off, headers, full; got %q", c.SIPTrace)
	}
	c.SIPTrace = strings.ToLower(c.SIPTrace)

	// A fallback switch without a fallback proxy can never succeed.
	if c.AllowFallback && c.FallbackProxyURI == "" {
		return fmt.Errorf("allow-fallback requires fallback-proxy to be set")
	}

	return nil
}

// HostIP returns the public signaling address. If sip-host is not configured
// the machine's primary non-loopback IPv4 address is detected.
func (c *Config) HostIP() string {
	if c.SIPHost != "" {
		return c.SIPHost
	}
	return detectLocalIP()
}

// MediaIP returns the public media address used to decide whether a dialed
// host refers to this deployment.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	return detectLocalIP()
}

func detectLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
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
