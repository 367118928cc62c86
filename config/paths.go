package config

import (
	"path/filepath"

	"github.com/projecteru2/agentvm/utils"
)

// ProjectRuntimeFile is the per-project runtime script, relative to the project root.
const ProjectRuntimeFile = ".agent-vm.runtime.sh"

// EnsureDirs creates all static state directories.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(
		c.VersionDir(),
		c.lockDir(),
		c.dbDir(),
		c.runDir(),
	)
}

func (c *Config) lockDir() string { return filepath.Join(c.StateDir, "locks") }
func (c *Config) dbDir() string   { return filepath.Join(c.StateDir, "db") }
func (c *Config) runDir() string  { return filepath.Join(c.StateDir, "run") }

// VersionDir holds one token file per version key.
func (c *Config) VersionDir() string { return filepath.Join(c.StateDir, "versions") }

// LockFile is the advisory lock serializing lifecycle operations on a VM.
func (c *Config) LockFile(vmName string) string {
	return filepath.Join(c.lockDir(), vmName+".lock")
}

// RegistryFile and RegistryLock are the project registry store paths.
func (c *Config) RegistryFile() string { return filepath.Join(c.dbDir(), "projects.json") }
func (c *Config) RegistryLock() string { return filepath.Join(c.dbDir(), "projects.lock") }

// RunDir is scratch space for files handed to the engine.
func (c *Config) RunDir() string { return c.runDir() }

// UserProvisionScript runs once per template build, after the base install.
func (c *Config) UserProvisionScript() string {
	return filepath.Join(c.ConfigDir, "provision.sh")
}

// UserRuntimeScript runs on every VM readied for a session.
func (c *Config) UserRuntimeScript() string {
	return filepath.Join(c.ConfigDir, "runtime.sh")
}

// ProjectRuntimeScript returns the project's runtime script path.
func ProjectRuntimeScript(dir string) string {
	return filepath.Join(dir, ProjectRuntimeFile)
}
