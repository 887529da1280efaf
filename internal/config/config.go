package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node        NodeConfig        `mapstructure:"node"`
	Databases   DatabasesConfig   `mapstructure:"databases"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Catchup     CatchupConfig     `mapstructure:"catchup"`
	Tables      []TableConfig     `mapstructure:"tables"`
	Peers       []PeerConfig      `mapstructure:"peers"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type NodeConfig struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	BindAddr string `mapstructure:"bind_addr"`
	DataDir  string `mapstructure:"data_dir"`
}

type DatabasesConfig struct {
	App  DatabaseConfig `mapstructure:"app"`
	Auth DatabaseConfig `mapstructure:"auth"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// CaptureConfig selects how mutations are detected. "hook" means the
// application's data-access layer calls the capture hook directly; "wal"
// attaches a logical-replication client to each database instead.
type CaptureConfig struct {
	Mode        string `mapstructure:"mode"`
	SlotPrefix  string `mapstructure:"slot_prefix"`
	Publication string `mapstructure:"publication"`
}

type ReplicationConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	BatchWindow           time.Duration `mapstructure:"batch_window"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	MaxRetries            int           `mapstructure:"max_retries"`
	ProbeInterval         time.Duration `mapstructure:"probe_interval"`
	ProbeFailureThreshold int           `mapstructure:"probe_failure_threshold"`
	LedgerRetention       time.Duration `mapstructure:"ledger_retention"`
}

type CatchupConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	FailureBackoff time.Duration `mapstructure:"failure_backoff"`
}

type TableConfig struct {
	Name       string   `mapstructure:"name"`
	Origin     string   `mapstructure:"origin"`
	PrimaryKey string   `mapstructure:"primary_key"`
	Aliases    []string `mapstructure:"aliases"`
}

type PeerConfig struct {
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Protocol string `mapstructure:"protocol"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}
	if c.Node.Name == "" {
		c.Node.Name = c.Node.ID
	}

	for _, db := range []struct {
		name string
		cfg  DatabaseConfig
	}{
		{"databases.app", c.Databases.App},
		{"databases.auth", c.Databases.Auth},
	} {
		if db.cfg.Host == "" {
			return fmt.Errorf("%s.host is required", db.name)
		}
		if db.cfg.Database == "" {
			return fmt.Errorf("%s.database is required", db.name)
		}
		if db.cfg.User == "" {
			return fmt.Errorf("%s.user is required", db.name)
		}
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("at least one tracked table is required")
	}
	for i, table := range c.Tables {
		if table.Name == "" {
			return fmt.Errorf("tables[%d].name is required", i)
		}
		if table.Origin != "app" && table.Origin != "auth" {
			return fmt.Errorf("tables[%d].origin must be app or auth, got %q", i, table.Origin)
		}
	}

	if c.Capture.Mode == "" {
		c.Capture.Mode = "hook"
	}
	if c.Capture.Mode != "hook" && c.Capture.Mode != "wal" {
		return fmt.Errorf("capture.mode must be hook or wal, got %q", c.Capture.Mode)
	}
	if c.Capture.SlotPrefix == "" {
		c.Capture.SlotPrefix = "driftsync"
	}
	if c.Capture.Publication == "" {
		c.Capture.Publication = "driftsync_publication"
	}

	if c.Replication.BatchSize <= 0 {
		c.Replication.BatchSize = 200
	}
	if c.Replication.BatchWindow <= 0 {
		c.Replication.BatchWindow = 250 * time.Millisecond
	}
	if c.Replication.RequestTimeout <= 0 {
		c.Replication.RequestTimeout = 10 * time.Second
	}
	if c.Replication.MaxRetries <= 0 {
		c.Replication.MaxRetries = 5
	}
	if c.Replication.ProbeInterval <= 0 {
		c.Replication.ProbeInterval = 30 * time.Second
	}
	if c.Replication.ProbeFailureThreshold <= 0 {
		c.Replication.ProbeFailureThreshold = 3
	}
	if c.Replication.LedgerRetention <= 0 {
		c.Replication.LedgerRetention = 7 * 24 * time.Hour
	}

	if c.Catchup.Interval <= 0 {
		c.Catchup.Interval = time.Minute
	}
	if c.Catchup.ChunkSize <= 0 {
		c.Catchup.ChunkSize = 500
	}
	if c.Catchup.FailureBackoff <= 0 {
		c.Catchup.FailureBackoff = 5 * time.Minute
	}

	for i, peer := range c.Peers {
		if peer.Host == "" {
			return fmt.Errorf("peers[%d].host is required", i)
		}
		if peer.Port == 0 {
			return fmt.Errorf("peers[%d].port is required", i)
		}
		if peer.Protocol == "" {
			c.Peers[i].Protocol = "http"
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	return nil
}

func (d *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		d.Host, d.Port, d.Database, d.User, d.Password)
}

// ReplicationConnectionString is the WAL-capture variant of the DSN.
func (d *DatabaseConfig) ReplicationConnectionString() string {
	return d.ConnectionString() + " replication=database"
}
