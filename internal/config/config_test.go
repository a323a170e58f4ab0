package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
			assert.Equal(t, int64(1048576), cfg.Server.MaxInlineBytes)
			assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
			assert.Equal(t, "json", cfg.Logging.Format)
			assert.Equal(t, "logs/plotter.log", cfg.Logging.File)
			assert.Equal(t, "command", cfg.Plotter.Driver)
			assert.Equal(t, "/dev/ttyACM0", cfg.Plotter.Command.Port)
			assert.Equal(t, 30, cfg.Plotter.Defaults["speed_pendown"])
			assert.Equal(t, true, cfg.Plotter.Defaults["const_speed"])
			assert.Equal(t, 50, cfg.Queue.MaxSize)
			assert.Equal(t, 72*time.Hour, cfg.Queue.Retention)
			assert.Equal(t, "direct", cfg.Dispatcher.Mode)
			assert.Equal(t, "plotter_db", cfg.Database.Database)
			assert.Equal(t, "plotter.events", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "plotter-api", cfg.App.Name)
		})
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, def.Queue, cfg.Queue)
	assert.Equal(t, def.Storage, cfg.Storage)
	assert.Equal(t, "simulator", cfg.Plotter.Driver)
	assert.Equal(t, "queued", cfg.Dispatcher.Mode)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.RabbitMQ.Enabled)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "zero inline limit",
			mutate:    func(c *Config) { c.Server.MaxInlineBytes = 0 },
			errString: "max_inline_bytes",
		},
		{
			name:      "negative chunk rate",
			mutate:    func(c *Config) { c.Server.ChunkRateLimit = -1 },
			errString: "chunk_rate_limit",
		},
		{
			name:      "unknown driver",
			mutate:    func(c *Config) { c.Plotter.Driver = "serial" },
			errString: "invalid plotter driver",
		},
		{
			name:      "command driver without binary",
			mutate:    func(c *Config) { c.Plotter.Driver = "command" },
			errString: "binary is required",
		},
		{
			name:      "zero queue size",
			mutate:    func(c *Config) { c.Queue.MaxSize = 0 },
			errString: "max_size",
		},
		{
			name:      "unknown dispatcher mode",
			mutate:    func(c *Config) { c.Dispatcher.Mode = "both" },
			errString: "invalid dispatcher mode",
		},
		{
			name:      "missing project dir",
			mutate:    func(c *Config) { c.Storage.ProjectDir = "" },
			errString: "project_dir",
		},
		{
			name: "disabled database needs no host",
			mutate: func(c *Config) {
				c.Database.Enabled = false
				c.Database.Host = ""
			},
		},
		{
			name: "empty database host",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Database = "plotter_db"
			},
			errString: "database host is required",
		},
		{
			name: "empty database name",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Host = "localhost"
			},
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Enabled = true },
			errString: "rabbitmq host is required",
		},
		{
			name: "empty exchange name",
			mutate: func(c *Config) {
				c.RabbitMQ.Enabled = true
				c.RabbitMQ.Host = "localhost"
				c.RabbitMQ.Exchange.Name = ""
			},
			errString: "rabbitmq exchange name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
