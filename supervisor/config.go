package supervisor

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ReadinessPolicy controls AwaitReady. Deadline is only a default; a caller
// context with its own deadline wins.
type ReadinessPolicy struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	Deadline      Duration `yaml:"deadline"`
	KillOnTimeout bool     `yaml:"kill_on_timeout"`
}

// Config describes the worker process and how to talk to it.
type Config struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	Env        []string `yaml:"env"`
	WorkingDir string   `yaml:"working_dir"`

	// WorkerAddr is the fixed host:port the worker binds.
	WorkerAddr string `yaml:"worker_addr"`

	RPCTimeout          Duration        `yaml:"rpc_timeout"`
	Readiness           ReadinessPolicy `yaml:"readiness"`
	StopGracePeriod     Duration        `yaml:"stop_grace_period"`
	ResubscribeInterval Duration        `yaml:"resubscribe_interval"`
	HeartbeatInterval   Duration        `yaml:"heartbeat_interval"`
}

func (c Config) withDefaults() Config {
	if c.WorkerAddr == "" {
		c.WorkerAddr = "127.0.0.1:9999"
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = Duration(5 * time.Second)
	}
	if c.Readiness.ProbeInterval <= 0 {
		c.Readiness.ProbeInterval = Duration(100 * time.Millisecond)
	}
	if c.Readiness.Deadline <= 0 {
		c.Readiness.Deadline = Duration(30 * time.Second)
	}
	if c.StopGracePeriod <= 0 {
		c.StopGracePeriod = Duration(5 * time.Second)
	}
	if c.ResubscribeInterval <= 0 {
		c.ResubscribeInterval = Duration(time.Second)
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = Duration(10 * time.Second)
	}
	return c
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &cfg, nil
}
