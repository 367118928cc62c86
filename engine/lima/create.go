package lima

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/agentvm/types"
	"github.com/projecteru2/agentvm/utils"
)

// template is the lima.yaml document rendered for Create.
type template struct {
	Images     []types.Image `yaml:"images"`
	CPUs       int           `yaml:"cpus,omitempty"`
	Memory     string        `yaml:"memory,omitempty"`
	Disk       string        `yaml:"disk,omitempty"`
	Mounts     []types.Mount `yaml:"mounts"`
	Containerd containerd    `yaml:"containerd"`
}

type containerd struct {
	System bool `yaml:"system"`
	User   bool `yaml:"user"`
}

func renderTemplate(cfg *types.VMConfig) ([]byte, error) {
	if len(cfg.Images) == 0 {
		return nil, fmt.Errorf("no base image configured")
	}
	t := template{
		Images: cfg.Images,
		CPUs:   cfg.Resources.CPUs,
		Mounts: cfg.Mounts,
	}
	if t.Mounts == nil {
		t.Mounts = []types.Mount{}
	}
	if cfg.Resources.Memory > 0 {
		t.Memory = units.BytesSize(float64(cfg.Resources.Memory))
	}
	if cfg.Resources.Disk > 0 {
		t.Disk = units.BytesSize(float64(cfg.Resources.Disk))
	}
	return yaml.Marshal(t)
}

// Create writes a lima.yaml for cfg and creates the instance from it.
// The instance is left stopped.
func (l *Lima) Create(ctx context.Context, cfg *types.VMConfig) error {
	logger := log.WithFunc("lima.Create")
	data, err := renderTemplate(cfg)
	if err != nil {
		return fmt.Errorf("render template for %s: %w", cfg.Name, err)
	}
	path := filepath.Join(l.conf.RunDir(), cfg.Name+".yaml")
	if err := utils.AtomicWriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write template for %s: %w", cfg.Name, err)
	}
	defer os.Remove(path) //nolint:errcheck

	logger.Infof(ctx, "creating %s (%d cpus, %s memory, %s disk)", cfg.Name,
		cfg.Resources.CPUs, units.BytesSize(float64(cfg.Resources.Memory)), units.BytesSize(float64(cfg.Resources.Disk)))
	return l.run(ctx, "create", cfg.Name, nil, "create", "--tty=false", "--name="+cfg.Name, path)
}
