package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type SourceConfig struct {
	Type     string         `yaml:"type"`
	Postgres PostgresSource `yaml:"postgres"`
	MySQL    MySQLSource    `yaml:"mysql"`
	MSSQL    MSSQLSource    `yaml:"mssql"`
}

type PostgresSource struct {
	DSN        string `yaml:"dsn"`
	Slot       string `yaml:"slot"`
	CreateSlot bool   `yaml:"create_slot"`
}

type MySQLSource struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	ServerID uint32 `yaml:"server_id"`
	Flavor   string `yaml:"flavor"`
}

type MSSQLSource struct {
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
}

type TableConfig struct {
	Name                string        `yaml:"name"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	Critical            bool          `yaml:"critical"`
}

type MonitorConfig struct {
	ErrorThreshold   int           `yaml:"error_threshold"`
	SchemaCheckEvery int           `yaml:"schema_check_every"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
}

type CorrelationConfig struct {
	Window      time.Duration `yaml:"window"`
	Retention   time.Duration `yaml:"retention"`
	MaxPerTable int           `yaml:"max_per_table"`
}

type ForeignKeyConfig struct {
	Name         string `yaml:"name"`
	ParentTable  string `yaml:"parent_table"`
	ParentColumn string `yaml:"parent_column"`
	ChildTable   string `yaml:"child_table"`
	ChildColumn  string `yaml:"child_column"`
}

type KafkaSink struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSSink struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type SinkConfig struct {
	Type  string    `yaml:"type"`
	Kafka KafkaSink `yaml:"kafka"`
	NATS  NATSSink  `yaml:"nats"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Source      SourceConfig       `yaml:"source"`
	Tables      []TableConfig      `yaml:"tables"`
	Monitor     MonitorConfig      `yaml:"monitor"`
	Correlation CorrelationConfig  `yaml:"correlation"`
	ForeignKeys []ForeignKeyConfig `yaml:"foreign_keys"`
	Sink        SinkConfig         `yaml:"sink"`
	HTTP        HTTPConfig         `yaml:"http"`
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, errors.New("CONFIG_PATH is not set")
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}

	if len(c.Tables) == 0 {
		return Config{}, errors.New("no tables configured")
	}

	c.ApplyDefaults()
	return c, nil
}

// ApplyDefaults fills unset fields with the engine defaults. Exported so the
// daemon and tests share one set of defaults.
func (c *Config) ApplyDefaults() {
	for i := range c.Tables {
		if c.Tables[i].PollInterval <= 0 {
			c.Tables[i].PollInterval = 60 * time.Second
		}
		if c.Tables[i].HealthCheckInterval <= 0 {
			c.Tables[i].HealthCheckInterval = 5 * time.Minute
		}
	}
	if c.Monitor.ErrorThreshold <= 0 {
		c.Monitor.ErrorThreshold = 20
	}
	if c.Monitor.SchemaCheckEvery <= 0 {
		c.Monitor.SchemaCheckEvery = 10
	}
	if c.Monitor.CallTimeout <= 0 {
		c.Monitor.CallTimeout = 30 * time.Second
	}
	if c.Correlation.Window <= 0 {
		c.Correlation.Window = 5 * time.Minute
	}
	if c.Correlation.Retention <= 0 {
		c.Correlation.Retention = 24 * time.Hour
	}
	if c.Correlation.MaxPerTable <= 0 {
		c.Correlation.MaxPerTable = 10000
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Source.MySQL.Port == 0 {
		c.Source.MySQL.Port = 3306
	}
	if c.Source.MySQL.ServerID == 0 {
		c.Source.MySQL.ServerID = 1001
	}
	if c.Source.MySQL.Flavor == "" {
		c.Source.MySQL.Flavor = "mysql"
	}
}

// CriticalTables returns the names of tables flagged critical, used by impact
// analysis to raise the impact level.
func (c *Config) CriticalTables() []string {
	var out []string
	for _, t := range c.Tables {
		if t.Critical {
			out = append(out, t.Name)
		}
	}
	return out
}

func (c *Config) Table(name string) (TableConfig, error) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, nil
		}
	}
	return TableConfig{}, fmt.Errorf("table %s is not configured", name)
}
