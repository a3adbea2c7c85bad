package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const EnvPrefix = "SIGNALING_"

type Config struct {
	ListenAddr string `toml:"listen_addr"`
	WSPath     string `toml:"ws_path"`
	GRPCAddr   string `toml:"grpc_addr"`

	KurentoURL          string        `toml:"kurento_url"`
	KurentoCallTimeout  time.Duration `toml:"kurento_call_timeout"`
	KurentoPingInterval time.Duration `toml:"kurento_ping_interval"`

	MaxMessageBytes int64         `toml:"max_message_bytes"`
	PongWait        time.Duration `toml:"pong_wait"`
	WriteWait       time.Duration `toml:"write_wait"`
	SendBuffer      int           `toml:"send_buffer"`

	TakeoverDuplicates bool `toml:"takeover_duplicates"`

	JWTSecret string        `toml:"jwt_secret"`
	TokenTTL  time.Duration `toml:"token_ttl"`

	RedisAddr   string `toml:"redis_addr"`
	RedisPrefix string `toml:"redis_prefix"`

	CentrifugoURL    string `toml:"centrifugo_url"`
	CentrifugoAPIKey string `toml:"centrifugo_api_key"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

func Default() Config {
	return Config{
		ListenAddr:          ":8443",
		WSPath:              "/room",
		GRPCAddr:            ":9090",
		KurentoURL:          "ws://localhost:8888/kurento",
		KurentoCallTimeout:  10 * time.Second,
		KurentoPingInterval: 30 * time.Second,
		MaxMessageBytes:     2000000,
		PongWait:            60 * time.Second,
		WriteWait:           10 * time.Second,
		SendBuffer:          256,
		TokenTTL:            10 * time.Hour,
		RedisPrefix:         "signaling",
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// field binds one key to a Config member. The key is the TOML name; the
// env variable and the flag derive from it.
type field struct {
	key   string
	usage string
	ptr   interface{}
}

func (c *Config) fields() []field {
	return []field{
		{"listen_addr", "HTTP listen address", &c.ListenAddr},
		{"ws_path", "websocket signaling path", &c.WSPath},
		{"grpc_addr", "gRPC health listen address, empty disables", &c.GRPCAddr},
		{"kurento_url", "media server websocket URL", &c.KurentoURL},
		{"kurento_call_timeout", "media server call timeout", &c.KurentoCallTimeout},
		{"kurento_ping_interval", "media server keepalive interval", &c.KurentoPingInterval},
		{"max_message_bytes", "largest accepted signaling frame", &c.MaxMessageBytes},
		{"pong_wait", "browser pong deadline", &c.PongWait},
		{"write_wait", "browser write deadline", &c.WriteWait},
		{"send_buffer", "queued frames per browser connection", &c.SendBuffer},
		{"takeover_duplicates", "a second join with a live user id replaces the first", &c.TakeoverDuplicates},
		{"jwt_secret", "join token secret, empty disables auth", &c.JWTSecret},
		{"token_ttl", "join token lifetime", &c.TokenTTL},
		{"redis_addr", "presence redis address, empty disables", &c.RedisAddr},
		{"redis_prefix", "presence key prefix", &c.RedisPrefix},
		{"centrifugo_url", "centrifugo API URL, empty disables the room feed", &c.CentrifugoURL},
		{"centrifugo_api_key", "centrifugo API key", &c.CentrifugoAPIKey},
		{"log_level", "debug, info, warn or error", &c.LogLevel},
		{"log_format", "json or console", &c.LogFormat},
	}
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

func envName(key string) string { return EnvPrefix + strings.ToUpper(key) }

// BindFlags registers one flag per key on fs, defaulted from Default.
func BindFlags(fs *pflag.FlagSet) {
	def := Default()
	for _, f := range def.fields() {
		name := flagName(f.key)
		switch p := f.ptr.(type) {
		case *string:
			fs.String(name, *p, f.usage)
		case *int:
			fs.Int(name, *p, f.usage)
		case *int64:
			fs.Int64(name, *p, f.usage)
		case *bool:
			fs.Bool(name, *p, f.usage)
		case *time.Duration:
			fs.Duration(name, *p, f.usage)
		}
	}
}

// Load layers defaults, the TOML file at path, SIGNALING_* variables and the
// flags explicitly set on flags. path and flags may be empty.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "read config %s", path)
		}
	}

	for _, f := range cfg.fields() {
		value, ok := os.LookupEnv(envName(f.key))
		if !ok {
			continue
		}
		if err := set(f.ptr, value); err != nil {
			return Config{}, errors.Wrapf(err, "env %s", envName(f.key))
		}
	}

	if flags != nil {
		for _, f := range cfg.fields() {
			flag := flags.Lookup(flagName(f.key))
			if flag == nil || !flag.Changed {
				continue
			}
			if err := set(f.ptr, flag.Value.String()); err != nil {
				return Config{}, errors.Wrapf(err, "flag --%s", flag.Name)
			}
		}
	}

	return cfg, cfg.Validate()
}

func set(ptr interface{}, value string) error {
	value = strings.TrimSpace(value)
	switch p := ptr.(type) {
	case *string:
		*p = value
	case *int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*p = n
	case *int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*p = b
	case *time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*p = d
	default:
		return errors.Errorf("unsupported field type %T", ptr)
	}
	return nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return errors.Errorf("ws_path %q must start with /", c.WSPath)
	}
	if c.KurentoURL == "" {
		return errors.New("kurento_url is required")
	}
	for _, d := range []struct {
		key   string
		value time.Duration
	}{
		{"kurento_call_timeout", c.KurentoCallTimeout},
		{"kurento_ping_interval", c.KurentoPingInterval},
		{"pong_wait", c.PongWait},
		{"write_wait", c.WriteWait},
		{"token_ttl", c.TokenTTL},
	} {
		if d.value <= 0 {
			return errors.Errorf("%s must be positive, got %s", d.key, d.value)
		}
	}
	if c.MaxMessageBytes <= 0 {
		return errors.Errorf("max_message_bytes must be positive, got %d", c.MaxMessageBytes)
	}
	if c.SendBuffer <= 0 {
		return errors.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return errors.Errorf("log_format %q is neither json nor console", c.LogFormat)
	}
	return nil
}
