package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode        string   `mapstructure:"mode"`
	LogLevel    string   `mapstructure:"log_level"`
	UserID      string   `mapstructure:"user_id"`
	Token       string   `mapstructure:"token"`
	ControlAddr string   `mapstructure:"control_addr"`
	ICEServers  []string `mapstructure:"ice_servers"`

	Signal    SignalConfig    `mapstructure:"signal"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Call      CallConfig      `mapstructure:"call"`
	API       APIConfig       `mapstructure:"api"`
	Playout   PlayoutConfig   `mapstructure:"playout"`
	Notices   NoticesConfig   `mapstructure:"notices"`
}

type SignalConfig struct {
	WSURL        string        `mapstructure:"ws_url"`
	PollURL      string        `mapstructure:"poll_url"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PollWait     time.Duration `mapstructure:"poll_wait"`
}

type ReconnectConfig struct {
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Randomization  float64       `mapstructure:"randomization"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	DowngradeAfter int           `mapstructure:"downgrade_after"`
}

type CallConfig struct {
	DeliveryAckTimeout time.Duration `mapstructure:"delivery_ack_timeout"`
	OfferWaitTimeout   time.Duration `mapstructure:"offer_wait_timeout"`
	LedgerTTL          time.Duration `mapstructure:"ledger_ttl"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PlayoutConfig names the UDP sinks remote media is forwarded to. Empty disables a sink.
type PlayoutConfig struct {
	Addr      string `mapstructure:"addr"`
	VideoAddr string `mapstructure:"video_addr"`
}

type NoticesConfig struct {
	Backlog int `mapstructure:"backlog"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("control_addr", "127.0.0.1:7070")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("signal.ws_url", "ws://localhost:3000/ws")
	v.SetDefault("signal.poll_url", "http://localhost:3000/poll")
	// Must stay below the server's idle timeout.
	v.SetDefault("signal.ping_period", "25s")
	v.SetDefault("signal.pong_timeout", "60s")
	v.SetDefault("signal.write_timeout", "5s")
	v.SetDefault("signal.dial_timeout", "10s")
	v.SetDefault("signal.read_limit", 1<<20)
	v.SetDefault("signal.poll_wait", "25s")

	v.SetDefault("reconnect.base_delay", "2s")
	v.SetDefault("reconnect.max_delay", "10s")
	v.SetDefault("reconnect.multiplier", 2.0)
	v.SetDefault("reconnect.randomization", 0.5)
	v.SetDefault("reconnect.max_attempts", 10)
	v.SetDefault("reconnect.downgrade_after", 3)

	v.SetDefault("call.delivery_ack_timeout", "5s")
	v.SetDefault("call.offer_wait_timeout", "8s")
	v.SetDefault("call.ledger_ttl", "1h")

	v.SetDefault("api.base_url", "http://localhost:3000/api")
	v.SetDefault("api.timeout", "10s")

	v.SetDefault("playout.addr", "127.0.0.1:5004")
	v.SetDefault("playout.video_addr", "")

	v.SetDefault("notices.backlog", 256)
}

// Load reads config/config.<CONFIG_ENV>.yaml, then VOICELINK_* environment overrides.
func Load() (*Config, error) {
	cfg, _, err := load()
	return cfg, err
}

// Watch loads the config and calls onChange with every valid revision of the
// file written afterwards. Invalid revisions are logged and skipped. Without a
// config file there is nothing to watch.
func Watch(onChange func(*Config)) (*Config, error) {
	cfg, v, err := load()
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" || !fileExists(v.ConfigFileUsed()) {
		return cfg, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			log.Warn().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload parse failed")
			return
		}
		if err := next.Validate(); err != nil {
			log.Warn().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload rejected")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		onChange(&next)
	})
	v.WatchConfig()
	return cfg, nil
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func load() (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("VOICELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Str("ws", cfg.Signal.WSURL).
		Str("control", cfg.ControlAddr).
		Msg("config ready")
	return &cfg, v, nil
}

// Validate rejects settings the session layer cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Signal.WSURL == "" && c.Signal.PollURL == "" {
		errs = append(errs, errors.New("signal: ws_url or poll_url is required"))
	}
	if c.Signal.PingPeriod <= 0 {
		errs = append(errs, errors.New("signal: ping_period must be positive"))
	}
	if c.Signal.PongTimeout > 0 && c.Signal.PongTimeout <= c.Signal.PingPeriod {
		errs = append(errs, errors.New("signal: pong_timeout must exceed ping_period"))
	}
	if c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect: max_attempts must be positive"))
	}
	if c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		errs = append(errs, errors.New("reconnect: base_delay exceeds max_delay"))
	}
	if c.Call.DeliveryAckTimeout <= 0 || c.Call.OfferWaitTimeout <= 0 {
		errs = append(errs, errors.New("call: timeouts must be positive"))
	}
	return errors.Join(errs...)
}
