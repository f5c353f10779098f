package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nanlingyin/SoulLink-Live2D/internal/param"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// SessionConfig controls the websocket link to the generation service.
type SessionConfig struct {
	Endpoint             string `yaml:"endpoint"`
	RequestTimeout       int    `yaml:"request_timeout_ms"`
	AutoReconnect        bool   `yaml:"auto_reconnect"`
	ReconnectDelay       int    `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    int    `yaml:"heartbeat_interval_ms"`
}

// AnimationConfig controls the transition engine.
type AnimationConfig struct {
	MinDuration     int                 `yaml:"min_duration_ms"`
	MaxDuration     int                 `yaml:"max_duration_ms"`
	DefaultDuration int                 `yaml:"default_duration_ms"`
	DefaultEasing   string              `yaml:"default_easing"`
	ResetDelay      int                 `yaml:"reset_delay_ms"`
	TickInterval    int                 `yaml:"tick_interval_ms"`
	PublishFrames   bool                `yaml:"publish_frames"`
	Aliases         map[string][]string `yaml:"aliases"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig controls how speech playback gates expression auto-revert.
type SpeechConfig struct {
	Enabled        bool `yaml:"enabled"`
	RevertOnFinish bool `yaml:"revert_on_finish"`
	RevertDuration int  `yaml:"revert_duration_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Session     SessionConfig   `yaml:"session"`
	Animation   AnimationConfig `yaml:"animation"`
	History     HistoryConfig   `yaml:"history"`
	Speech      SpeechConfig    `yaml:"speech"`
	// Channels optionally seeds the declared-channel table for headless
	// runs; normally the table arrives on the bus when a model loads.
	Channels []param.Channel `yaml:"channels"`
}

func Default() Config {
	return Config{
		RuntimeName: "soullink-agent",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Session: SessionConfig{
			Endpoint:             "ws://localhost:3000/ws",
			RequestTimeout:       30000,
			AutoReconnect:        true,
			ReconnectDelay:       3000,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    15000,
		},
		Animation: AnimationConfig{
			MinDuration:     100,
			MaxDuration:     3000,
			DefaultDuration: 800,
			DefaultEasing:   "easeInOutCubic",
			ResetDelay:      1500,
			TickInterval:    16,
		},
		History: HistoryConfig{
			Path:          "./data/soullink-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxEvents:     10000,
		},
		Speech: SpeechConfig{
			Enabled:        true,
			RevertOnFinish: true,
			RevertDuration: 800,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SOULLINK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SOULLINK_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SOULLINK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SOULLINK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SOULLINK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SOULLINK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SOULLINK_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "SOULLINK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SOULLINK_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SOULLINK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SOULLINK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SOULLINK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SOULLINK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SOULLINK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SOULLINK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Session.Endpoint, "SOULLINK_SESSION_ENDPOINT")
	overrideInt(&cfg.Session.RequestTimeout, "SOULLINK_SESSION_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Session.AutoReconnect, "SOULLINK_SESSION_AUTO_RECONNECT")
	overrideInt(&cfg.Session.ReconnectDelay, "SOULLINK_SESSION_RECONNECT_DELAY_MS")
	overrideInt(&cfg.Session.MaxReconnectAttempts, "SOULLINK_SESSION_MAX_RECONNECT_ATTEMPTS")
	overrideInt(&cfg.Session.HeartbeatInterval, "SOULLINK_SESSION_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Animation.MinDuration, "SOULLINK_ANIMATION_MIN_DURATION_MS")
	overrideInt(&cfg.Animation.MaxDuration, "SOULLINK_ANIMATION_MAX_DURATION_MS")
	overrideInt(&cfg.Animation.DefaultDuration, "SOULLINK_ANIMATION_DEFAULT_DURATION_MS")
	overrideString(&cfg.Animation.DefaultEasing, "SOULLINK_ANIMATION_DEFAULT_EASING")
	overrideInt(&cfg.Animation.ResetDelay, "SOULLINK_ANIMATION_RESET_DELAY_MS")
	overrideInt(&cfg.Animation.TickInterval, "SOULLINK_ANIMATION_TICK_INTERVAL_MS")
	overrideBool(&cfg.Animation.PublishFrames, "SOULLINK_ANIMATION_PUBLISH_FRAMES")
	overrideString(&cfg.History.Path, "SOULLINK_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "SOULLINK_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "SOULLINK_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxEvents, "SOULLINK_HISTORY_MAX_EVENTS")
	overrideBool(&cfg.History.VacuumOnStart, "SOULLINK_HISTORY_VACUUM_ON_START")
	overrideBool(&cfg.Speech.Enabled, "SOULLINK_SPEECH_ENABLED")
	overrideBool(&cfg.Speech.RevertOnFinish, "SOULLINK_SPEECH_REVERT_ON_FINISH")
	overrideInt(&cfg.Speech.RevertDuration, "SOULLINK_SPEECH_REVERT_DURATION_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Session.Endpoint == "" {
		return errors.New("session.endpoint must not be empty")
	}
	if !strings.HasPrefix(cfg.Session.Endpoint, "ws://") && !strings.HasPrefix(cfg.Session.Endpoint, "wss://") {
		return errors.New("session.endpoint must be a ws:// or wss:// URL")
	}
	if cfg.Session.RequestTimeout <= 0 {
		return errors.New("session.request_timeout_ms must be positive")
	}
	if cfg.Session.ReconnectDelay <= 0 {
		return errors.New("session.reconnect_delay_ms must be positive")
	}
	if cfg.Session.MaxReconnectAttempts < 0 {
		return errors.New("session.max_reconnect_attempts must be >= 0")
	}
	if cfg.Session.HeartbeatInterval <= 0 {
		return errors.New("session.heartbeat_interval_ms must be positive")
	}
	if cfg.Animation.MinDuration < 0 {
		return errors.New("animation.min_duration_ms must be >= 0")
	}
	if cfg.Animation.MaxDuration < cfg.Animation.MinDuration {
		return errors.New("animation.max_duration_ms must be >= min_duration_ms")
	}
	if cfg.Animation.DefaultDuration <= 0 {
		return errors.New("animation.default_duration_ms must be positive")
	}
	if cfg.Animation.ResetDelay < 0 {
		return errors.New("animation.reset_delay_ms must be >= 0")
	}
	if cfg.Animation.TickInterval <= 0 {
		return errors.New("animation.tick_interval_ms must be positive")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if cfg.Speech.RevertDuration < 0 {
		return errors.New("speech.revert_duration_ms must be >= 0")
	}
	return nil
}
