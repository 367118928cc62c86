package vm

import "github.com/spf13/cobra"

// Actions defines VM lifecycle operations.
type Actions interface {
	Setup(cmd *cobra.Command, args []string) error
	Agent(cmd *cobra.Command, args []string) error
	Shell(cmd *cobra.Command, args []string) error
	Run(cmd *cobra.Command, args []string) error
	Stop(cmd *cobra.Command, args []string) error
	Destroy(cmd *cobra.Command, args []string) error
	DestroyAll(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
	Status(cmd *cobra.Command, args []string) error
}

// Commands builds the VM command set. Each name in agents becomes a verb
// that launches that agent; its arguments pass through untouched.
func Commands(h Actions, agents []string) []*cobra.Command {
	cmds := []*cobra.Command{
		{
			Use:   "setup",
			Short: "Build (or rebuild) the base template VM",
			Args:  cobra.NoArgs,
			RunE:  h.Setup,
		},
		{
			Use:   "shell",
			Short: "Open a login shell in the project VM",
			Args:  cobra.NoArgs,
			RunE:  h.Shell,
		},
		{
			Use:                "run COMMAND [ARG...]",
			Short:              "Run a command in the project VM",
			DisableFlagParsing: true,
			RunE:               h.Run,
		},
		{
			Use:   "stop",
			Short: "Stop the project VM",
			Args:  cobra.NoArgs,
			RunE:  h.Stop,
		},
		{
			Use:   "destroy",
			Short: "Delete the project VM",
			Args:  cobra.NoArgs,
			RunE:  h.Destroy,
		},
		{
			Use:   "destroy-all",
			Short: "Delete every project VM (the template is kept)",
			Args:  cobra.NoArgs,
			RunE:  h.DestroyAll,
		},
		{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List the template and project VMs",
			Args:    cobra.NoArgs,
			RunE:    h.List,
		},
		{
			Use:   "status",
			Short: "Show the project VM's state, resources and versions",
			Args:  cobra.NoArgs,
			RunE:  h.Status,
		},
	}
	for _, name := range agents {
		cmds = append(cmds, &cobra.Command{
			Use:                name + " [ARG...]",
			Short:              "Launch " + name + " in the project VM",
			GroupID:            groupAgents,
			DisableFlagParsing: true,
			RunE:               h.Agent,
		})
	}
	return cmds
}

const groupAgents = "agents"

// AgentGroup is the help group agent verbs are listed under.
func AgentGroup() *cobra.Group {
	return &cobra.Group{ID: groupAgents, Title: "Agents:"}
}
