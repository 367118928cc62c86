package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	units "github.com/docker/go-units"
	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/agentvm/types"
)

const appName = "agent-vm"

// Config holds global agent-vm configuration.
type Config struct {
	// StateDir holds version tokens, locks and the project registry.
	StateDir string `json:"state_dir" mapstructure:"state_dir"`
	// ConfigDir holds the per-user provisioning and runtime scripts.
	ConfigDir string `json:"config_dir" mapstructure:"config_dir"`

	Template TemplateConfig `json:"template" mapstructure:"template"`
	Engine   EngineConfig   `json:"engine" mapstructure:"engine"`

	// SharedDirs are host directories mounted writable into every clone
	// alongside the project directory (e.g. agent credentials).
	SharedDirs []string `json:"shared_dirs" mapstructure:"shared_dirs"`
	// Agents maps a verb to the agent binary it launches.
	Agents map[string]Agent `json:"agents" mapstructure:"agents"`

	// PoolSize bounds fan-out of multi-VM operations (destroy-all).
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// TemplateConfig describes the base template VM.
type TemplateConfig struct {
	Name   string        `json:"name" mapstructure:"name"`
	Images []types.Image `json:"images" mapstructure:"images"`
	CPUs   int           `json:"cpus" mapstructure:"cpus"`
	Memory string        `json:"memory" mapstructure:"memory"`
	Disk   string        `json:"disk" mapstructure:"disk"`
}

// EngineConfig selects and tunes the VM engine.
type EngineConfig struct {
	// Binary is the limactl executable.
	Binary string `json:"binary" mapstructure:"binary"`
	// StopTimeoutSeconds bounds a graceful stop before it is forced.
	StopTimeoutSeconds int `json:"stop_timeout_seconds" mapstructure:"stop_timeout_seconds"`
}

// Agent is an agent executable and the fixed flags that put it in
// auto-approve mode.
type Agent struct {
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir:  xdgDir("XDG_STATE_HOME", filepath.Join(home, ".local", "state")),
		ConfigDir: xdgDir("XDG_CONFIG_HOME", filepath.Join(home, ".config")),
		Template: TemplateConfig{
			Name: appName + "-template",
			Images: []types.Image{
				{Location: "https://cloud-images.ubuntu.com/releases/24.04/release/ubuntu-24.04-server-cloudimg-amd64.img", Arch: "x86_64"},
				{Location: "https://cloud-images.ubuntu.com/releases/24.04/release/ubuntu-24.04-server-cloudimg-arm64.img", Arch: "aarch64"},
			},
			CPUs:   4,
			Memory: "8GiB",
			Disk:   "50GiB",
		},
		Engine:     EngineConfig{Binary: "limactl", StopTimeoutSeconds: 60},
		SharedDirs: []string{filepath.Join(home, ".claude")},
		Agents: map[string]Agent{
			"claude": {Command: "claude", Args: []string{"--dangerously-skip-permissions"}},
			"codex":  {Command: "codex", Args: []string{"--dangerously-bypass-approvals-and-sandbox"}},
			"gemini": {Command: "gemini", Args: []string{"--yolo"}},
		},
		PoolSize: runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// TemplateResources parses the template's size strings.
func (c *Config) TemplateResources() (types.Resources, error) {
	mem, err := units.RAMInBytes(c.Template.Memory)
	if err != nil {
		return types.Resources{}, fmt.Errorf("invalid template memory %q: %w", c.Template.Memory, err)
	}
	disk, err := units.RAMInBytes(c.Template.Disk)
	if err != nil {
		return types.Resources{}, fmt.Errorf("invalid template disk %q: %w", c.Template.Disk, err)
	}
	return types.Resources{CPUs: c.Template.CPUs, Memory: mem, Disk: disk}, nil
}

func xdgDir(env, fallback string) string {
	if v := os.Getenv(env); v != "" {
		return filepath.Join(v, appName)
	}
	return filepath.Join(fallback, appName)
}
