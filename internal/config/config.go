package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/user/gophervoice/internal/scheduler"
)

// EnvPrefix prefixes the Telegram overrides. TELEGRAM_BOT_TOKEN is also read
// unprefixed.
const EnvPrefix = "GOPHERVOICE"

type RoomConfig struct {
	URL      string `json:"url" envconfig:"GOPHERVOICE_ROOM_URL"`
	Token    string `json:"token" envconfig:"GOPHERVOICE_ROOM_TOKEN"`
	Name     string `json:"name" envconfig:"GOPHERVOICE_ROOM_NAME"`
	Identity string `json:"identity" envconfig:"GOPHERVOICE_ROOM_IDENTITY"`
	// Agent pins the RPC destination. Empty means the first agent participant.
	Agent        string `json:"agent" envconfig:"GOPHERVOICE_ROOM_AGENT"`
	RPCTimeoutMS int    `json:"rpc_timeout_ms" envconfig:"GOPHERVOICE_ROOM_RPC_TIMEOUT_MS"`
}

// RPCTimeout returns the configured RPC timeout, or zero for the default.
func (r RoomConfig) RPCTimeout() time.Duration {
	return time.Duration(r.RPCTimeoutMS) * time.Millisecond
}

type TelegramConfig struct {
	Token   string  `json:"token" envconfig:"TELEGRAM_BOT_TOKEN"`
	ChatIDs []int64 `json:"chat_ids" envconfig:"TELEGRAM_CHAT_IDS"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers" envconfig:"GOPHERVOICE_KAFKA_BROKERS"`
	Topic   string   `json:"topic" envconfig:"GOPHERVOICE_KAFKA_TOPIC"`
}

type HTTPConfig struct {
	// Listen is the status API address. Empty disables the server.
	Listen string `json:"listen" envconfig:"GOPHERVOICE_HTTP_LISTEN"`
}

type NotifyConfig struct {
	// Targets receive agent error alerts, e.g. "telegram:123" or "log:alerts".
	Targets []string `json:"targets" envconfig:"GOPHERVOICE_NOTIFY_TARGETS"`
}

type Config struct {
	DataDir  string `json:"data_dir" envconfig:"GOPHERVOICE_DATA_DIR"`
	LogLevel string `json:"log_level" envconfig:"GOPHERVOICE_LOG_LEVEL"`
	// Record appends every telemetry event to the on-disk event log.
	Record   bool             `json:"record" envconfig:"GOPHERVOICE_RECORD"`
	Room     RoomConfig       `json:"room" ignored:"true"`
	Telegram TelegramConfig   `json:"telegram" ignored:"true"`
	Kafka    KafkaConfig      `json:"kafka" ignored:"true"`
	HTTP     HTTPConfig       `json:"http" ignored:"true"`
	Notify   NotifyConfig     `json:"notify" ignored:"true"`
	Polls    []scheduler.Poll `json:"polls" ignored:"true"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".gophervoice"),
		LogLevel: "info",
		Record:   true,
	}
	cfg.Room.URL = "ws://localhost:7880"
	cfg.Room.Name = "default"
	cfg.Room.Identity = "gophervoice"
	cfg.Room.RPCTimeoutMS = 10000
	cfg.Kafka.Topic = "voice-telemetry"
	cfg.HTTP.Listen = "127.0.0.1:8484"
	cfg.Polls = []scheduler.Poll{
		{Name: "agent-state", Method: "get_agent_state", Schedule: "@every 30s", Enabled: false},
		{Name: "mcp-servers", Method: "list_mcp_servers", Schedule: "@every 1m", Enabled: false},
	}
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	for _, spec := range []any{cfg, &cfg.Room, &cfg.Kafka, &cfg.HTTP, &cfg.Notify} {
		if err := envconfig.Process("", spec); err != nil {
			return fmt.Errorf("env overrides: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg.Telegram); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

// Validate reports settings serve cannot run without.
func (c *Config) Validate() error {
	var problems []string
	if c.Room.URL == "" {
		problems = append(problems, "room.url is required")
	}
	if c.Room.Identity == "" {
		problems = append(problems, "room.identity is required")
	}
	if c.Room.RPCTimeoutMS < 0 {
		problems = append(problems, "room.rpc_timeout_ms must not be negative")
	}
	if c.Telegram.Token != "" && len(c.Telegram.ChatIDs) == 0 {
		problems = append(problems, "telegram.chat_ids is required when telegram.token is set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg into its nested JSON map form.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg to dot-separated keys, optionally masking secrets.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value at a dot-separated key. A key naming a section
// (for example "room" or "polls.0") returns the whole subtree. Keys present in
// the file but unknown to Config are returned as stored.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	if v, ok := lookup(m, key); ok {
		return v, nil
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := lookup(raw, key); ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

func lookup(node any, key string) (any, bool) {
	for _, part := range strings.Split(key, ".") {
		switch n := node.(type) {
		case map[string]any:
			child, ok := n[part]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}

// SetValue stores value at a dot-separated key in the config file. The value
// is parsed as JSON when possible and stored as a string otherwise.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	data, err := encodeWith(raw, key, parsed)
	if err != nil {
		return err
	}
	// A numeric room name or similar must stay a string to decode into Config.
	if json.Unmarshal(data, Default()) != nil {
		if _, isString := parsed.(string); !isString {
			data, err = encodeWith(raw, key, value)
			if err != nil {
				return err
			}
		}
		if err := json.Unmarshal(data, Default()); err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
	}
	return writeFile(path, data)
}

func encodeWith(raw map[string]any, key string, value any) ([]byte, error) {
	flat := Flatten(raw)
	flat[key] = value
	data, err := json.MarshalIndent(Unflatten(flat), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}
