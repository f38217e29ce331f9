package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config holds all bot configuration. It is resolved once at startup and treated
// as read-only afterwards.
type Config struct {
	Server      ServerConfig     `koanf:"server"`
	Identity    IdentityConfig   `koanf:"identity"`
	Auth        AuthConfig       `koanf:"auth"`
	Oper        OperConfig       `koanf:"oper"`
	UserModes   []string         `koanf:"user_modes"`
	Channels    []ChannelConfig  `koanf:"channels"`
	Commands    CommandsConfig   `koanf:"commands"`
	Permissions []PermissionRule `koanf:"permissions"`
	Admins      []AdminAccount   `koanf:"admins"`
	RateLimit   RateLimitConfig  `koanf:"ratelimit"`
	Reconnect   ReconnectConfig  `koanf:"reconnect"`
	Keepalive   KeepaliveConfig  `koanf:"keepalive"`
	Storage     StorageConfig    `koanf:"storage"`
	Plugins     PluginsConfig    `koanf:"plugins"`
	Log         LogConfig        `koanf:"log"`
	Metrics     MetricsConfig    `koanf:"metrics"`

	MaxLineLength int    `koanf:"max_line_length"`
	DrainOnStop   bool   `koanf:"drain_on_stop"`
	DataDir       string `koanf:"data_dir"`
}

type ServerConfig struct {
	Addresses   []string      `koanf:"addresses"`
	Ports       []int         `koanf:"ports"`
	TLS         bool          `koanf:"tls"`
	TLSInsecure bool          `koanf:"tls_insecure"`
	Password    string        `koanf:"password"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
	// RegisterTimeout bounds the wait for RPL_WELCOME after connecting
	RegisterTimeout time.Duration `koanf:"register_timeout"`
}

type IdentityConfig struct {
	Nicknames []string `koanf:"nicknames"`
	Username  string   `koanf:"username"`
	Realname  string   `koanf:"realname"`
}

// AuthConfig selects how the bot identifies: "", "sasl" (PLAIN) or "nickserv"
type AuthConfig struct {
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type OperConfig struct {
	Name     string `koanf:"name"`
	Password string `koanf:"password"`
}

type ChannelConfig struct {
	Name   string `koanf:"name"`
	Key    string `koanf:"key"`
	Prefix string `koanf:"prefix"`
}

type CommandsConfig struct {
	Prefix       string `koanf:"prefix"`
	UnknownReply string `koanf:"unknown_reply"`
	QuietUnknown bool   `koanf:"quiet_unknown"`
	NotifyDenied bool   `koanf:"notify_denied"`
	// Comparison is "gte" (level >= required) or "gt" (level > required)
	Comparison string `koanf:"comparison"`
	AdminLevel int    `koanf:"admin_level"`
}

// PermissionRule assigns a level to every identity matching a nick!user@host glob
type PermissionRule struct {
	Mask  string `koanf:"mask"`
	Level int    `koanf:"level"`
}

// AdminAccount is a login for the core plugin's login command
type AdminAccount struct {
	Name string `koanf:"name"`
	Hash string `koanf:"hash"`
}

type RateLimitConfig struct {
	Rate  float64 `koanf:"rate"`
	Burst int     `koanf:"burst"`
}

type ReconnectConfig struct {
	Initial       time.Duration `koanf:"initial"`
	Max           time.Duration `koanf:"max"`
	Factor        float64       `koanf:"factor"`
	MaxRetries    uint64        `koanf:"max_retries"`
	JitterPercent uint64        `koanf:"jitter_percent"`
}

type KeepaliveConfig struct {
	Interval  time.Duration `koanf:"interval"`
	MaxMissed int           `koanf:"max_missed"`
}

// StorageConfig picks the persistence backend: "file", "postgres" or "memory"
type StorageConfig struct {
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
	DSN    string `koanf:"dsn"`
}

type PluginsConfig struct {
	Enabled []string `koanf:"enabled"`
	LuaDir  string   `koanf:"lua_dir"`
}

type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Flags returns the command line overrides understood by Load
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.String("log.format", "json", "log format (json or text)")
	fs.String("log.level", "info", "log level")
	fs.String("metrics.addr", "", "listen address for /metrics (empty disables)")
	fs.String("data_dir", "./data", "directory for bot data files")
	fs.String("storage.driver", "file", "storage backend (file, postgres, memory)")
	return fs
}

// Load reads a YAML configuration file, overlays changed flags from fs (may be
// nil), applies defaults and validates the result
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, oops.Code("CONFIG_READ").With("path", path).Wrapf(err, "failed to read config file")
	}
	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS").Wrapf(err, "failed to apply flags")
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_PARSE").With("path", path).Wrapf(err, "failed to parse config file")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if len(c.Server.Ports) == 0 {
		if c.Server.TLS {
			c.Server.Ports = []int{6697}
		} else {
			c.Server.Ports = []int{6667}
		}
	}
	if c.Server.DialTimeout == 0 {
		c.Server.DialTimeout = 30 * time.Second
	}
	if c.Server.RegisterTimeout == 0 {
		c.Server.RegisterTimeout = 60 * time.Second
	}
	if len(c.Identity.Nicknames) == 0 {
		c.Identity.Nicknames = []string{"Dunamis", "Dunamis_", "Dunamis__"}
	}
	if c.Identity.Username == "" {
		c.Identity.Username = "dunamis"
	}
	if c.Identity.Realname == "" {
		c.Identity.Realname = "Dunamis IRC Bot"
	}
	if c.Commands.Prefix == "" {
		c.Commands.Prefix = "!"
	}
	if c.Commands.UnknownReply == "" {
		c.Commands.UnknownReply = "Command not found"
	}
	if c.Commands.Comparison == "" {
		c.Commands.Comparison = "gte"
	}
	if c.Commands.AdminLevel == 0 {
		c.Commands.AdminLevel = 10
	}
	if c.RateLimit.Rate <= 0 {
		c.RateLimit.Rate = 2
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	// 5s growing by 1.5x, capped at five minutes
	if c.Reconnect.Initial <= 0 {
		c.Reconnect.Initial = 5 * time.Second
	}
	if c.Reconnect.Max <= 0 {
		c.Reconnect.Max = 5 * time.Minute
	}
	if c.Reconnect.Factor < 1 {
		c.Reconnect.Factor = 1.5
	}
	if c.Keepalive.Interval <= 0 {
		c.Keepalive.Interval = 90 * time.Second
	}
	if c.Keepalive.MaxMissed <= 0 {
		c.Keepalive.MaxMissed = 3
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = 8191
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate reports the first problem that would make the bot unable to start
func (c *Config) Validate() error {
	if len(c.Server.Addresses) == 0 {
		return invalid("server.addresses", "at least one server address is required")
	}
	for _, p := range c.Server.Ports {
		if p <= 0 || p > 65535 {
			return invalid("server.ports", fmt.Sprintf("port %d out of range", p))
		}
	}
	switch c.Auth.Mechanism {
	case "", "sasl", "nickserv":
	default:
		return invalid("auth.mechanism", "must be sasl, nickserv or empty")
	}
	switch c.Commands.Comparison {
	case "gte", "gt":
	default:
		return invalid("commands.comparison", "must be gte or gt")
	}
	for _, rule := range c.Permissions {
		if _, err := glob.Compile(strings.ToLower(rule.Mask)); err != nil {
			return invalid("permissions", fmt.Sprintf("bad mask %q: %v", rule.Mask, err))
		}
	}
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return invalid("channels", "channel name must not be empty")
		}
	}
	switch c.Storage.Driver {
	case "file", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return invalid("storage.dsn", "postgres storage needs a dsn")
		}
	default:
		return invalid("storage.driver", "must be file, postgres or memory")
	}
	return nil
}

// Endpoints lists every address:port combination in rotation order: all ports of
// the first address, then the next address.
func (c *Config) Endpoints() []string {
	var out []string
	for _, addr := range c.Server.Addresses {
		for _, port := range c.Server.Ports {
			out = append(out, net.JoinHostPort(addr, strconv.Itoa(port)))
		}
	}
	return out
}

// ChannelPrefix returns the command prefix for a channel, falling back to the default
func (c *Config) ChannelPrefix(channel string) string {
	for _, ch := range c.Channels {
		if ch.Prefix != "" && strings.EqualFold(ch.Name, channel) {
			return ch.Prefix
		}
	}
	return c.Commands.Prefix
}

func invalid(key, msg string) error {
	return oops.Code("CONFIG_INVALID").With("key", key).Errorf("invalid config %s: %s", key, msg)
}
