// Package config loads the cnapi daemon configuration from a YAML file,
// CNAPI_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	DatacenterName string `yaml:"datacenter_name"`
	// CNAPIURL is how workflow jobs reach this API.
	CNAPIURL string `yaml:"cnapi_url"`
	// AssetsURL serves the setup scripts fetched by nodes.
	AssetsURL string `yaml:"assets_url"`
	LogLevel  string `yaml:"log_level"`

	API     ListenConfig `yaml:"api"`
	GRPC    ListenConfig `yaml:"grpc"`
	Metrics ListenConfig `yaml:"metrics"`

	Store      StoreConfig      `yaml:"store"`
	NATS       NATSConfig       `yaml:"nats"`
	Ur         UrConfig         `yaml:"ur"`
	BootParams BootParamsConfig `yaml:"bootparams"`
	Events     EventsConfig     `yaml:"events"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type ListenConfig struct {
	Listen string `yaml:"listen"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type UrConfig struct {
	// Transport is "nats" or "ssh".
	Transport string        `yaml:"transport"`
	Timeout   time.Duration `yaml:"timeout"`
	SSH       SSHConfig     `yaml:"ssh"`
}

type SSHConfig struct {
	User       string `yaml:"user"`
	KeyFile    string `yaml:"key_file"`
	Port       int    `yaml:"port"`
	HostSuffix string `yaml:"host_suffix"`
}

type BootParamsConfig struct {
	// Rabbitmq is the credential string handed to booting nodes.
	Rabbitmq string `yaml:"rabbitmq"`
}

type EventsConfig struct {
	// Concurrency bounds how many events are reconciled at once.
	Concurrency int `yaml:"concurrency"`
}

type WorkflowConfig struct {
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration suitable for a local single-node setup.
func Default() *Config {
	return &Config{
		DatacenterName: "coal",
		CNAPIURL:       "http://localhost:8080",
		AssetsURL:      "http://localhost:8081",
		LogLevel:       "info",
		API:            ListenConfig{Listen: ":8080"},
		GRPC:           ListenConfig{Listen: ":50051"},
		Metrics:        ListenConfig{Listen: ":9090"},
		Store:          StoreConfig{Driver: "badger", Path: "./data/badger"},
		NATS:           NATSConfig{URL: "nats://localhost:4222"},
		Ur:             UrConfig{Transport: "nats", Timeout: 60 * time.Second, SSH: SSHConfig{User: "root", Port: 22}},
		BootParams:     BootParamsConfig{Rabbitmq: "guest:guest:localhost:5672"},
		Events:         EventsConfig{Concurrency: 64},
		Workflow:       WorkflowConfig{RetryDelay: time.Second},
	}
}

// Load reads path (if not empty) over the defaults, then applies the
// environment, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CNAPI_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("CNAPI_DATACENTER_NAME", &c.DatacenterName)
	str("CNAPI_URL", &c.CNAPIURL)
	str("CNAPI_ASSETS_URL", &c.AssetsURL)
	str("CNAPI_LOG_LEVEL", &c.LogLevel)
	str("CNAPI_STORE_DRIVER", &c.Store.Driver)
	str("CNAPI_STORE_PATH", &c.Store.Path)
	str("CNAPI_NATS_URL", &c.NATS.URL)
	str("CNAPI_UR_TRANSPORT", &c.Ur.Transport)
	if v, ok := lookup("CNAPI_EVENTS_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Events.Concurrency = n
		}
	}
	if v, ok := lookup("CNAPI_TRACING"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatacenterName == "" {
		errs = append(errs, errors.New("datacenter_name is required"))
	}
	for name, raw := range map[string]string{"cnapi_url": c.CNAPIURL, "assets_url": c.AssetsURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, raw))
		}
	}
	switch c.Store.Driver {
	case "badger", "bolt":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be badger or bolt, got %q", c.Store.Driver))
	}
	if c.Store.Driver == "bolt" && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required for bolt"))
	}
	switch c.Ur.Transport {
	case "nats":
	case "ssh":
		if c.Ur.SSH.KeyFile == "" {
			errs = append(errs, errors.New("ur.ssh.key_file is required for the ssh transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("ur.transport must be nats or ssh, got %q", c.Ur.Transport))
	}
	if c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required"))
	}
	if c.Events.Concurrency < 1 {
		errs = append(errs, errors.New("events.concurrency must be positive"))
	}
	return errors.Join(errs...)
}
