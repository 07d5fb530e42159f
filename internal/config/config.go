// Package config loads the YAML configuration file and overlays CLI flags,
// in that precedence order: defaults, then the config file, then the
// service-account key file, then CLI flags.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Websocket holds the WebSocket listener settings.
type Websocket struct {
	Listen       string `yaml:"listen"`
	Port         int    `yaml:"port"`
	Certificate  string `yaml:"certificate"`
	PrivateKey   string `yaml:"private_key"`
	PingInterval int    `yaml:"ping_interval"`
	// MaxConnections caps the number of simultaneously open client
	// connections accepted by each worker's listener; 0 means unlimited.
	// This is a per-worker fd-exhaustion guard, distinct from
	// worker_connections (the BusConnectionPool size).
	MaxConnections int `yaml:"max_connections"`
}

// Bus holds the AMQP broker connection settings.
type Bus struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	VHost             string `yaml:"vhost"`
	ExchangeName      string `yaml:"exchange_name"`
	ExchangeType      string `yaml:"exchange_type"`
	ConsumerPrefetch  int    `yaml:"consumer_prefetch"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`
	// OriginUUID tags every binding this installation creates so a broker
	// shared by multiple wazo-websocketd installations can't leak events
	// across them; see the "Origin UUID" glossary entry.
	OriginUUID string `yaml:"origin_uuid"`
}

// Auth holds the identity-service client settings.
type Auth struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Prefix  string `yaml:"prefix"`
	HTTPS   bool   `yaml:"https"`
	KeyFile string `yaml:"key_file"`

	// Username/Password are not read from the YAML file; they come from
	// the service-account key file named by KeyFile.
	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// ProcessWorkers is either a positive integer or the literal "auto", meaning
// one worker per schedulable CPU.
type ProcessWorkers struct {
	Auto  bool
	Count int
}

// UnmarshalYAML accepts either a YAML integer or the string "auto".
func (w *ProcessWorkers) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		if raw == "auto" {
			*w = ProcessWorkers{Auto: true}
			return nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("process_workers: %q is neither a positive integer nor \"auto\"", raw)
		}
		*w = ProcessWorkers{Count: n}
		return nil
	}
	var n int
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("process_workers: %w", err)
	}
	*w = ProcessWorkers{Count: n}
	return nil
}

// Config is the fully merged configuration for the process.
type Config struct {
	ConfigFile string `yaml:"config_file"`
	Debug      bool   `yaml:"debug"`
	LogLevel   string `yaml:"log_level"`
	LogFile    string `yaml:"log_file"`
	User       string `yaml:"user"`

	Auth                   Auth           `yaml:"auth"`
	AuthCheckStrategy      string         `yaml:"auth_check_strategy"`
	AuthCheckStaticInterval int           `yaml:"auth_check_static_interval"`
	Bus                    Bus            `yaml:"bus"`
	Websocket              Websocket      `yaml:"websocket"`
	ProcessWorkers         ProcessWorkers `yaml:"process_workers"`
	WorkerConnections      int            `yaml:"worker_connections"`
}

// Default returns the built-in defaults, matching _DEFAULT_CONFIG.
func Default() Config {
	return Config{
		ConfigFile: "/etc/wazo-websocketd/config.yml",
		Debug:      false,
		LogLevel:   "info",
		LogFile:    "/var/log/wazo-websocketd.log",
		User:       "wazo-websocketd",
		Auth: Auth{
			Host:    "localhost",
			Port:    9497,
			HTTPS:   false,
			KeyFile: "/var/lib/wazo-auth-keys/wazo-websocketd-key.yml",
		},
		AuthCheckStrategy:       "dynamic",
		AuthCheckStaticInterval: 60,
		Bus: Bus{
			Host:              "localhost",
			Port:              5672,
			Username:          "guest",
			Password:          "guest",
			ExchangeName:      "wazo-headers",
			ExchangeType:      "headers",
			ConsumerPrefetch:  250,
			HeartbeatInterval: 10,
		},
		Websocket: Websocket{
			Listen:         "127.0.0.1",
			Port:           9502,
			PingInterval:   60,
			MaxConnections: 10000,
		},
		ProcessWorkers:    ProcessWorkers{Auto: true},
		WorkerConnections: 1,
	}
}

// keyFile is the shape of the service-account key file written by
// wazo-auth at installation time.
type keyFile struct {
	ServiceID  string `yaml:"service_id"`
	ServiceKey string `yaml:"service_key"`
}

// Load reads defaults, overlays the YAML config file, the service-account
// key file, then CLI flags, in that precedence order.
func Load(args []string) (*Config, error) {
	cfg := Default()

	flags := pflag.NewFlagSet("wazo-websocketd", pflag.ContinueOnError)
	configFile := flags.StringP("config-file", "c", "", "The path where is the config file")
	debug := flags.BoolP("debug", "d", false, "Log debug messages. Overrides log_level.")
	user := flags.StringP("user", "u", "", "The owner of the process.")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
	}

	if raw, err := os.ReadFile(cfg.ConfigFile); err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", cfg.ConfigFile, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", cfg.ConfigFile, err)
	}

	if cfg.Auth.KeyFile != "" {
		if raw, err := os.ReadFile(cfg.Auth.KeyFile); err == nil {
			var kf keyFile
			if err := yaml.Unmarshal(raw, &kf); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", cfg.Auth.KeyFile, err)
			}
			cfg.Auth.Username = kf.ServiceID
			cfg.Auth.Password = kf.ServiceKey
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", cfg.Auth.KeyFile, err)
		}
	}

	// CLI flags take priority over both the file and the key file.
	if *configFile != "" {
		cfg.ConfigFile = *configFile
	}
	if *debug {
		cfg.Debug = true
	}
	if *user != "" {
		cfg.User = *user
	}

	return &cfg, nil
}

// Resolve resolves ProcessWorkers against the actual schedulable CPU count.
func (w ProcessWorkers) Resolve(numCPU int) (int, error) {
	if w.Auto {
		if numCPU < 1 {
			numCPU = 1
		}
		return numCPU, nil
	}
	if w.Count < 1 {
		return 0, fmt.Errorf("configuration key `process_workers` must be a positive integer or `auto`")
	}
	return w.Count, nil
}
