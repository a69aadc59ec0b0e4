package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Saga    SagaConfig    `mapstructure:"saga"`
	Storage StorageConfig `mapstructure:"storage"`
	Query   QueryConfig   `mapstructure:"query"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

type ServerConfig struct {
	NodeID string `mapstructure:"node_id"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	ClientID       string        `mapstructure:"client_id"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	MaxPollRecords int           `mapstructure:"max_poll_records"`
	Groups         GroupsConfig  `mapstructure:"groups"`
	TLS            KafkaTLS      `mapstructure:"tls"`
	Fetch          FetchSettings `mapstructure:"fetch"`
}

type GroupsConfig struct {
	Payment string `mapstructure:"payment"`
	Stock   string `mapstructure:"stock"`
	Join    string `mapstructure:"join"`
	Relay   string `mapstructure:"relay"`
}

type KafkaTLS struct {
	Enabled            bool `mapstructure:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

type FetchSettings struct {
	MinBytes int32         `mapstructure:"min_bytes"`
	MaxBytes int32         `mapstructure:"max_bytes"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

type SagaConfig struct {
	JoinWindow time.Duration `mapstructure:"join_window"`
}

type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	Dir      string `mapstructure:"dir"`
	SeedFile string `mapstructure:"seed_file"`
}

type QueryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Network        string `mapstructure:"network"`
	Address        string `mapstructure:"address"`
	UnixSocketPath string `mapstructure:"unix_socket_path"`
	AuthToken      string `mapstructure:"auth_token"`
	MaxInflight    int    `mapstructure:"max_inflight"`
	QueueLimit     int    `mapstructure:"queue_limit"`
	Workers        int    `mapstructure:"workers"`
}

type RelayConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	URL        string   `mapstructure:"url"`
	Endpoints  []string `mapstructure:"endpoints"`
	Exchange   string   `mapstructure:"exchange"`
	RoutingKey string   `mapstructure:"routing_key"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("saga")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.client_id", "sagad")
	v.SetDefault("kafka.groups.payment", "saga-payment")
	v.SetDefault("kafka.groups.stock", "saga-stock")
	v.SetDefault("kafka.groups.join", "saga-join")
	v.SetDefault("kafka.groups.relay", "saga-relay")
	v.SetDefault("saga.join_window", "10s")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("query.network", "tcp")
	v.SetDefault("query.address", "127.0.0.1:7430")
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Saga.JoinWindow < 0 {
		return fmt.Errorf("saga.join_window must not be negative")
	}
	if c.Relay.Enabled && c.Relay.Exchange == "" {
		return fmt.Errorf("relay.exchange is required when relay is enabled")
	}
	return nil
}
