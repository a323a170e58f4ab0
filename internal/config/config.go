package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Plotter    PlotterConfig    `yaml:"plotter"`
	Queue      QueueConfig      `yaml:"queue"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	RabbitMQ   RabbitMQConfig   `yaml:"rabbitmq"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxInlineBytes  int64         `yaml:"max_inline_bytes"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	// ChunkRateLimit is chunk requests per second per client; 0 disables it
	ChunkRateLimit float64  `yaml:"chunk_rate_limit"`
	ChunkBurst     int      `yaml:"chunk_burst"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	File         string `yaml:"file"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// PlotterConfig selects and tunes the device driver
type PlotterConfig struct {
	Driver       string          `yaml:"driver"`
	Command      CommandConfig   `yaml:"command"`
	Simulator    SimulatorConfig `yaml:"simulator"`
	Defaults     map[string]any  `yaml:"defaults"`
	SettingsFile string          `yaml:"settings_file"`
	InitTimeout  time.Duration   `yaml:"init_timeout"`
}

// CommandConfig configures the external driver executable
type CommandConfig struct {
	Binary  string   `yaml:"binary"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`
	Port    string   `yaml:"port"`
}

// SimulatorConfig tunes the built-in simulator
type SimulatorConfig struct {
	MMPerByte float64       `yaml:"mm_per_byte"`
	StepMM    float64       `yaml:"step_mm"`
	StepDelay time.Duration `yaml:"step_delay"`
	Firmware  string        `yaml:"firmware"`
	Nickname  string        `yaml:"nickname"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	StateFile       string        `yaml:"state_file"`
	MaxSize         int           `yaml:"max_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DispatcherConfig selects the dispatch policy
type DispatcherConfig struct {
	Mode string `yaml:"mode"`
}

// StorageConfig holds on-disk locations
type StorageConfig struct {
	UploadDir  string        `yaml:"upload_dir"`
	ChunkDir   string        `yaml:"chunk_dir"`
	ProjectDir string        `yaml:"project_dir"`
	UploadTTL  time.Duration `yaml:"upload_ttl"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// Default returns the configuration used for keys a file leaves out
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "plotter-api",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			MaxInlineBytes:  100 << 20,
			MaxUploadBytes:  100 << 20,
			ChunkRateLimit:  50,
			ChunkBurst:      100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Plotter: PlotterConfig{
			Driver:       "simulator",
			SettingsFile: "data/config/plotter_settings.json",
			InitTimeout:  30 * time.Second,
		},
		Queue: QueueConfig{
			StateFile:       "data/queue/queue_state.json",
			MaxSize:         100,
			PollInterval:    time.Second,
			Retention:       7 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Dispatcher: DispatcherConfig{
			Mode: "queued",
		},
		Storage: StorageConfig{
			UploadDir:  "data/uploads",
			ChunkDir:   "data/uploads/.chunks",
			ProjectDir: "data/projects",
			UploadTTL:  24 * time.Hour,
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		RabbitMQ: RabbitMQConfig{
			Port:  5672,
			VHost: "/",
			Exchange: ExchangeConfig{
				Name:    "plotter.events",
				Type:    "topic",
				Durable: true,
			},
			Connection: ConnectionConfig{
				RetryAttempts: 5,
				RetryInterval: 2 * time.Second,
				Heartbeat:     10 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     100 * time.Millisecond,
				BackoffMultiplier: 2,
			},
		},
	}
}

// Load reads and parses the configuration file over Default()
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.MaxInlineBytes <= 0 || c.Server.MaxUploadBytes <= 0 {
		return errors.New("server max_inline_bytes and max_upload_bytes must be greater than 0")
	}

	if c.Server.ChunkRateLimit < 0 {
		return errors.New("server chunk_rate_limit must not be negative")
	}

	switch c.Plotter.Driver {
	case "simulator":
	case "command":
		if c.Plotter.Command.Binary == "" {
			return errors.New("plotter command binary is required for the command driver")
		}
	default:
		return fmt.Errorf("invalid plotter driver: %q (must be simulator or command)", c.Plotter.Driver)
	}

	if c.Plotter.SettingsFile == "" {
		return errors.New("plotter settings_file is required")
	}

	if c.Queue.StateFile == "" {
		return errors.New("queue state_file is required")
	}

	if c.Queue.MaxSize <= 0 {
		return errors.New("queue max_size must be greater than 0")
	}

	if c.Queue.PollInterval <= 0 {
		return errors.New("queue poll_interval must be greater than 0")
	}

	if c.Dispatcher.Mode != "queued" && c.Dispatcher.Mode != "direct" {
		return fmt.Errorf("invalid dispatcher mode: %q (must be queued or direct)", c.Dispatcher.Mode)
	}

	if c.Storage.UploadDir == "" || c.Storage.ChunkDir == "" || c.Storage.ProjectDir == "" {
		return errors.New("storage upload_dir, chunk_dir and project_dir are required")
	}

	if c.Database.Enabled {
		if c.Database.Host == "" {
			return errors.New("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return errors.New("database name is required")
		}
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return errors.New("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return errors.New("rabbitmq exchange name is required")
		}
	}

	return nil
}
