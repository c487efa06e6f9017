package launcher

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the yaml `backend:` section of the CLI config file. Durations
// are strings ("30s", "250ms") so the file stays readable.
type Config struct {
	// Command and Args describe the backend process to spawn.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// Env entries are appended to the inherited environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Dir is the working directory for the child. Empty inherits ours.
	Dir string `yaml:"dir,omitempty"`

	// APIURL is the base URL polled for readiness once the process is up.
	APIURL string `yaml:"api_url"`

	ReadyTimeout string `yaml:"ready_timeout"` // e.g. "30s"
	PollInterval string `yaml:"poll_interval"` // e.g. "250ms"
	StopGrace    string `yaml:"stop_grace"`    // SIGTERM to SIGKILL window

	// PidFile, when set, records the child PID for out-of-process
	// inspection (backend status, doctor).
	PidFile string `yaml:"pid_file,omitempty"`
}

// LoadConfig loads a launcher configuration from a YAML file and fills in
// defaults for anything left unset.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.APIURL == "" {
		c.APIURL = "http://127.0.0.1:8080"
	}
	if c.ReadyTimeout == "" {
		c.ReadyTimeout = "30s"
	}
	if c.PollInterval == "" {
		c.PollInterval = "250ms"
	}
	if c.StopGrace == "" {
		c.StopGrace = "5s"
	}
}

// timings parses the duration strings. Callers get one error naming the
// offending field instead of three scattered ones.
func (c *Config) timings() (ready, poll, grace time.Duration, err error) {
	if ready, err = time.ParseDuration(c.ReadyTimeout); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid ready_timeout: %w", err)
	}
	if poll, err = time.ParseDuration(c.PollInterval); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid poll_interval: %w", err)
	}
	if grace, err = time.ParseDuration(c.StopGrace); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid stop_grace: %w", err)
	}
	return ready, poll, grace, nil
}

// ExampleConfig documents the launcher section for `fetchq backend run`.
const ExampleConfig = `# Backend launcher configuration

# Process to spawn. The backend is expected to print a line of the form
#   FETCHQ_TOKEN=<token>
# on stdout once its API is listening; the launcher captures it and keeps
# it out of the forwarded output.
command: "fetchq"
args: ["stub", "--listen", "127.0.0.1:8080"]

# Extra environment for the child (inherits ours on top).
env: {}

# Base URL polled until the API answers.
api_url: "http://127.0.0.1:8080"

ready_timeout: "30s"   # give up and mark the backend failed after this
poll_interval: "250ms" # readiness probe cadence
stop_grace: "5s"       # SIGTERM, then SIGKILL after this window

# PID file for out-of-process inspection (backend status, doctor).
pid_file: ""
`
