package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/projecteru2/agentvm/cmd/core"
	cmdothers "github.com/projecteru2/agentvm/cmd/others"
	cmdvm "github.com/projecteru2/agentvm/cmd/vm"
	"github.com/projecteru2/agentvm/config"
	"github.com/projecteru2/agentvm/orchestrator"
)

var (
	cfgFile  string
	stateDir string
	conf     *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent-vm",
		Short: "agent-vm - per-project sandbox VMs for coding agents",
		Long: "agent-vm gives every project directory its own Lima VM, cloned from a\n" +
			"shared template, so coding agents can run with every approval disabled.",
		SilenceUsage:     true,
		SilenceErrors:    true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(commandContext(cmd))
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", orchestrator.ErrUsage, err)
	})

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default $XDG_CONFIG_HOME/agent-vm/config.yaml)")
	cmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (default $XDG_STATE_HOME/agent-vm)")
	cmdcore.AddSessionFlags(cmd.PersistentFlags())

	viper.SetEnvPrefix("AGENT_VM")
	viper.AutomaticEnv()
	for _, key := range []string{"state_dir", "config_dir", "pool_size"} {
		_ = viper.BindEnv(key)
	}

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	// Agent verbs are fixed at startup, before any config file is read;
	// a config file can change what each one launches, not which exist.
	agents := make([]string, 0, len(config.DefaultConfig().Agents))
	for name := range config.DefaultConfig().Agents {
		agents = append(agents, name)
	}
	slices.Sort(agents)

	cmd.AddGroup(cmdvm.AgentGroup())
	for _, c := range cmdvm.Commands(cmdvm.Handler{BaseHandler: base}, agents) {
		cmd.AddCommand(c)
	}
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(conf.ConfigDir)
		viper.SetConfigName("config")
	}
	if err := viper.ReadInConfig(); err != nil {
		// Only an explicit --config has to exist.
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("%w: read config: %w", orchestrator.ErrUsage, err)
		}
	}

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("%w: parse config: %w", orchestrator.ErrUsage, err)
	}
	if stateDir != "" {
		abs, err := filepath.Abs(stateDir)
		if err != nil {
			return fmt.Errorf("%w: state dir: %w", orchestrator.ErrUsage, err)
		}
		conf.StateDir = abs
	}
	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if conf.Engine.StopTimeoutSeconds <= 0 {
		conf.Engine.StopTimeoutSeconds = 60 //nolint:mnd
	}

	return log.SetupLog(ctx, &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
