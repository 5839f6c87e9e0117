package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/utils"
)

const (
	DriverMongo  = "mongo"
	DriverBolt   = "bolt"
	DriverMemory = "memory"

	// MaxSyncSendTimeout caps plugin synchronous sends, each of which parks a goroutine.
	MaxSyncSendTimeout = time.Minute
)

type Database struct {
	Driver             string `json:"driver"`
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
	BoltPath           string `json:"bolt_path"`
}

type Server struct {
	BindAddress              string   `json:"bind_address"`
	Port                     int      `json:"port"`
	MaxConnections           int      `json:"max_connections"`
	AllowedHostsFullAccess   []string `json:"allowed_hosts_full_access"`
	MaxMessageQueueLength    int      `json:"max_message_queue_length"`
	NeverDropAMessage        bool     `json:"never_drop_a_message"`
	FirstMessageTimeout      string   `json:"first_message_timeout"`
	AssumeDDADownloadAllowed bool     `json:"assume_dda_download_allowed"`
	AssumeDDAUploadAllowed   bool     `json:"assume_dda_upload_allowed"`
	MaxDataLength            int64    `json:"max_data_length"`
}

type Plugin struct {
	SyncSendMaxTimeout string `json:"sync_send_max_timeout"`
}

type Cache struct {
	StatusSize  int    `json:"status_size"`
	StatusTTL   string `json:"status_ttl"`
	ContentSize int    `json:"content_size"`
	ContentTTL  string `json:"content_ttl"`
}

type Metrics struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

type Config struct {
	Database  Database `json:"database"`
	Server    Server   `json:"server"`
	Plugin    Plugin   `json:"plugin"`
	Cache     Cache    `json:"cache"`
	Metrics   Metrics  `json:"metrics"`
	DebugMode bool     `json:"debug_mode"`
	AppName   string   `json:"app_name"`
	LogDir    string   `json:"log_dir"`
}

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidJSON   = errors.New("the configuration file does not contain valid JSON")
)

// Default returns a configuration that runs a standalone node on the usual FCP port with the embedded store.
func Default() Config {
	return Config{
		Database: Database{
			Driver:             DriverBolt,
			Host:               "localhost",
			Port:               27017,
			Database:           "fcp",
			ConnectTimeout:     "10s",
			SocketTimeout:      "30s",
			ConnectIdleTimeout: "5m",
			OperationTimeout:   "5s",
			Heartbeat:          "10s",
			MinPoolSize:        1,
			MaxPoolSize:        16,
			BoltPath:           "fcp-requests.db",
		},
		Server: Server{
			BindAddress:            "127.0.0.1",
			Port:                   9481,
			MaxConnections:         10000,
			AllowedHostsFullAccess: []string{"127.0.0.1", "::1"},
			MaxMessageQueueLength:  4096,
			FirstMessageTimeout:    "1m",
			MaxDataLength:          64 << 20,
		},
		Plugin: Plugin{SyncSendMaxTimeout: "1m"},
		Cache: Cache{
			StatusSize:  4096,
			ContentSize: 1024,
			ContentTTL:  "24h",
		},
		Metrics: Metrics{Address: "127.0.0.1:9482"},
		AppName: "fcp-server",
		LogDir:  "logs",
	}
}

// ReadConfig loads config.json from the working directory, writing a default file when it is missing.
func ReadConfig() (Config, error) {
	cfg, err := Load("config.json")
	if errors.Is(err, os.ErrNotExist) {
		data, _ := json.MarshalIndent(Default(), "", "\t")
		_ = os.WriteFile("config.json", data, 0644)
		return Default(), ErrConfigCreated
	}
	return cfg, err
}

// Load reads and validates a configuration file. Missing keys keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(bytes, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverMongo, DriverBolt, DriverMemory:
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == DriverBolt && c.Database.BoltPath == "" {
		return errors.New("database.bolt_path is required for the bolt driver")
	}
	if c.Server.MaxMessageQueueLength <= 0 {
		return errors.New("server.max_message_queue_length must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if t := c.SyncSendMaxTimeout(); t <= 0 || t > MaxSyncSendTimeout {
		return fmt.Errorf("plugin.sync_send_max_timeout must be in (0, %v]", MaxSyncSendTimeout)
	}
	return nil
}

func (c Config) OperationTimeout() time.Duration {
	if d := utils.ParseStringTime(c.Database.OperationTimeout); d > 0 {
		return d
	}
	return 5 * time.Second
}

func (c Config) FirstMessageTimeout() time.Duration {
	if d := utils.ParseStringTime(c.Server.FirstMessageTimeout); d > 0 {
		return d
	}
	return time.Minute
}

func (c Config) SyncSendMaxTimeout() time.Duration {
	return utils.ParseStringTime(c.Plugin.SyncSendMaxTimeout)
}

func (c Config) StatusTTL() time.Duration {
	return utils.ParseStringTime(c.Cache.StatusTTL)
}

func (c Config) ContentTTL() time.Duration {
	return utils.ParseStringTime(c.Cache.ContentTTL)
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}
