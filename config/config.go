package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Port          int      `toml:"port"`
	WSAddr        string   `toml:"ws_addr"`
	DBPath        string   `toml:"db_path"`
	ReadTimeout   int      `toml:"read_timeout"`  // seconds
	WriteTimeout  int      `toml:"write_timeout"` // seconds
	ControlSocket string   `toml:"control_socket"`
	BBSName       string   `toml:"bbs_name"`
	MaxNodes      int      `toml:"max_nodes"`
	LogLevel      string   `toml:"log_level"`
	Conferences   []string `toml:"conferences"`

	RateLimit RateLimitConfig `toml:"rate_limit"`
	Chat      ChatConfig      `toml:"chat"`
	OLM       OLMConfig       `toml:"olm"`

	// ACS maps a capability name to the minimum security level required.
	ACS map[string]int `toml:"acs"`
}

type RateLimitConfig struct {
	Window int `toml:"window"` // seconds
	Max    int `toml:"max"`
}

type ChatConfig struct {
	RequestTimeout   int `toml:"request_timeout"` // seconds
	TypingIdleMS     int `toml:"typing_idle_ms"`
	MaxMessageLength int `toml:"max_message_length"`
}

type OLMConfig struct {
	MaxLines          int  `toml:"max_lines"`
	DeliverDuringChat bool `toml:"deliver_during_chat"`
}

func Default() *Config {
	return &Config{
		Port:          2323,
		WSAddr:        ":8023",
		DBPath:        "nodebbs.db",
		ReadTimeout:   600,
		WriteTimeout:  30,
		ControlSocket: "/tmp/nodebbs.sock",
		BBSName:       "NodeBBS",
		MaxNodes:      32,
		LogLevel:      "info",
		Conferences:   []string{"General", "Tech Talk", "Trading Post"},
		RateLimit: RateLimitConfig{
			Window: 60,
			Max:    5,
		},
		Chat: ChatConfig{
			RequestTimeout:   30,
			TypingIdleMS:     500,
			MaxMessageLength: 500,
		},
		OLM: OLMConfig{
			MaxLines: 10,
		},
		ACS: map[string]int{},
	}
}

// Load builds the configuration from defaults, the optional TOML file at
// path and NODEBBS_* environment variables, in that order of precedence.
// A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("NODEBBS_CONFIG")
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	envInt("NODEBBS_PORT", &cfg.Port)
	envString("NODEBBS_WS_ADDR", &cfg.WSAddr)
	envString("NODEBBS_DB_PATH", &cfg.DBPath)
	envInt("NODEBBS_READ_TIMEOUT", &cfg.ReadTimeout)
	envInt("NODEBBS_WRITE_TIMEOUT", &cfg.WriteTimeout)
	envString("NODEBBS_CONTROL_SOCKET", &cfg.ControlSocket)
	envString("NODEBBS_NAME", &cfg.BBSName)
	envInt("NODEBBS_MAX_NODES", &cfg.MaxNodes)
	envString("NODEBBS_LOG_LEVEL", &cfg.LogLevel)
	envInt("NODEBBS_RATE_WINDOW", &cfg.RateLimit.Window)
	envInt("NODEBBS_RATE_MAX", &cfg.RateLimit.Max)
	envInt("NODEBBS_CHAT_TIMEOUT", &cfg.Chat.RequestTimeout)
	envInt("NODEBBS_CHAT_MAX_LENGTH", &cfg.Chat.MaxMessageLength)
	envInt("NODEBBS_OLM_MAX_LINES", &cfg.OLM.MaxLines)

	if v := os.Getenv("NODEBBS_OLM_DURING_CHAT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.OLM.DeliverDuringChat = b
		}
	}
}

func envInt(key string, dst *int) {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

func Validate(cfg *Config) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", cfg.Port)
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("config: db_path is required")
	}
	if cfg.MaxNodes < 1 {
		return fmt.Errorf("config: max_nodes must be positive, got %d", cfg.MaxNodes)
	}
	if cfg.RateLimit.Window < 1 || cfg.RateLimit.Max < 1 {
		return errors.New("config: rate_limit window and max must be positive")
	}
	if cfg.Chat.RequestTimeout < 1 {
		return errors.New("config: chat.request_timeout must be positive")
	}
	if cfg.Chat.MaxMessageLength < 1 {
		return errors.New("config: chat.max_message_length must be positive")
	}
	if cfg.OLM.MaxLines < 1 {
		return errors.New("config: olm.max_lines must be positive")
	}
	return nil
}
