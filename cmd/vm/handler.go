package vm

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/agentvm/cmd/core"
	"github.com/projecteru2/agentvm/config"
	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/orchestrator"
	"github.com/projecteru2/agentvm/progress"
	provisionProgress "github.com/projecteru2/agentvm/progress/provision"
)

type Handler struct {
	cmdcore.BaseHandler
}

// initOrch is the shared init for every VM command.
func (h Handler) initOrch(cmd *cobra.Command) (context.Context, *orchestrator.Orchestrator, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	o, err := cmdcore.InitOrchestrator(conf, cmdcore.ConfirmerFromFlags(cmd.Root().PersistentFlags()))
	if err != nil {
		return nil, nil, err
	}
	return ctx, o, nil
}

// ready readies the working directory's VM from the session flags.
func (h Handler) ready(cmd *cobra.Command) (context.Context, *orchestrator.Orchestrator, *orchestrator.Ready, error) {
	ctx, o, err := h.initOrch(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("working directory: %w", err)
	}
	req, err := cmdcore.RequestFromFlags(cmd.Root().PersistentFlags(), wd)
	if err != nil {
		return nil, nil, nil, err
	}
	req.Progress = stageTracker()
	r, err := o.EnsureReady(ctx, req)
	if err != nil {
		return nil, nil, nil, err
	}
	return ctx, o, r, nil
}

func (h Handler) Setup(cmd *cobra.Command, _ []string) error {
	ctx, o, err := h.initOrch(cmd)
	if err != nil {
		return err
	}
	res, err := cmdcore.ResourcesFromFlags(cmd.Root().PersistentFlags())
	if err != nil {
		return err
	}
	if err := o.Setup(ctx, res, stageTracker()); err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	fmt.Printf("Template %s ready.\n", o.TemplateName())
	return nil
}

func (h Handler) Agent(cmd *cobra.Command, args []string) error {
	conf, err := h.Conf()
	if err != nil {
		return err
	}
	agent, err := LookupAgent(conf, cmd.Name())
	if err != nil {
		return err
	}
	ctx, o, r, err := h.ready(cmd)
	if err != nil {
		return err
	}
	if r.ProvisionErr != nil {
		return fmt.Errorf("%w (debug with `agent-vm shell`)", r.ProvisionErr)
	}
	return payload(ctx, o.Engine(), r, AgentArgv(agent, args))
}

// LookupAgent returns the configured agent behind verb.
func LookupAgent(conf *config.Config, verb string) (config.Agent, error) {
	agent, ok := conf.Agents[verb]
	if !ok || agent.Command == "" {
		return config.Agent{}, fmt.Errorf("%w: agent %q not configured", orchestrator.ErrUsage, verb)
	}
	return agent, nil
}

func (h Handler) Shell(cmd *cobra.Command, _ []string) error {
	ctx, o, r, err := h.ready(cmd)
	if err != nil {
		return err
	}
	if r.ProvisionErr != nil {
		log.WithFunc("cmd.shell").Warnf(ctx, "continuing despite provisioning failure: %v", r.ProvisionErr)
	}
	return payload(ctx, o.Engine(), r, []string{"bash", "-l"})
}

func (h Handler) Run(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: run needs a command", orchestrator.ErrUsage)
	}
	ctx, o, r, err := h.ready(cmd)
	if err != nil {
		return err
	}
	if r.ProvisionErr != nil {
		return fmt.Errorf("%w (debug with `agent-vm shell`)", r.ProvisionErr)
	}
	return payload(ctx, o.Engine(), r, LoginExec(args...))
}

func (h Handler) Stop(cmd *cobra.Command, _ []string) error {
	ctx, o, err := h.initOrch(cmd)
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	name, err := o.Stop(ctx, wd)
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	log.WithFunc("cmd.stop").Infof(ctx, "stopped: %s", name)
	return nil
}

func (h Handler) Destroy(cmd *cobra.Command, _ []string) error {
	ctx, o, err := h.initOrch(cmd)
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	name, err := o.Destroy(ctx, wd)
	if err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	log.WithFunc("cmd.destroy").Infof(ctx, "deleted: %s", name)
	return nil
}

// DestroyAll reports every deleted VM before returning the joined error.
func (h Handler) DestroyAll(cmd *cobra.Command, _ []string) error {
	ctx, o, err := h.initOrch(cmd)
	if err != nil {
		return err
	}
	ok, err := cmdcore.ConfirmerFromFlags(cmd.Root().PersistentFlags()).Confirm(ctx, "Delete every agent-vm project VM?")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: destroy-all not confirmed (pass --yes)", orchestrator.ErrUsage)
	}

	logger := log.WithFunc("cmd.destroy-all")
	deleted, err := o.DestroyAll(ctx)
	for _, name := range deleted {
		logger.Infof(ctx, "deleted: %s", name)
	}
	if err != nil {
		return fmt.Errorf("destroy-all: %w", err)
	}
	if len(deleted) == 0 {
		logger.Info(ctx, "no VMs deleted")
	}
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, o, err := h.initOrch(cmd)
	if err != nil {
		return err
	}
	entries, err := o.List(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tCPUS\tMEMORY\tDISK\tPROJECT\tLAST USED")
	for _, e := range entries {
		state := string(e.VM.State)
		if e.Stale {
			state += " (stale)"
		}
		project := e.Dir
		switch {
		case e.Template:
			project = "(template)"
		case project == "":
			project = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.VM.Name,
			state,
			e.VM.Resources.CPUs,
			cmdcore.FormatSize(e.VM.Resources.Memory),
			cmdcore.FormatSize(e.VM.Resources.Disk),
			project,
			formatTime(e.LastUsedAt),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func (h Handler) Status(cmd *cobra.Command, _ []string) error {
	ctx, o, err := h.initOrch(cmd)
	if err != nil {
		return err
	}
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	st, err := o.Status(ctx, wd)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", st.Name)
	_, _ = fmt.Fprintf(w, "Project:\t%s\n", st.Dir)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", st.State)
	if st.VM != nil {
		_, _ = fmt.Fprintf(w, "CPUs:\t%d\n", st.VM.Resources.CPUs)
		_, _ = fmt.Fprintf(w, "Memory:\t%s\n", cmdcore.FormatSize(st.VM.Resources.Memory))
		_, _ = fmt.Fprintf(w, "Disk:\t%s\n", cmdcore.FormatSize(st.VM.Resources.Disk))
	}
	_, _ = fmt.Fprintf(w, "Template:\t%s\n", present(st.TemplateExists))
	_, _ = fmt.Fprintf(w, "Base version:\t%s\n", orDash(st.BaseVersion))
	_, _ = fmt.Fprintf(w, "Clone version:\t%s\n", orDash(st.CloneVersion))
	_, _ = fmt.Fprintf(w, "Stale:\t%t\n", st.Stale)
	w.Flush() //nolint:errcheck,gosec
	return nil
}

// payload runs argv attached to the terminal and turns a non-zero guest
// exit into an ExitCodeError. An interrupt reaches the guest through the
// terminal, so the session is not cancelled with the command context.
func payload(ctx context.Context, eng engine.Engine, r *orchestrator.Ready, argv []string) error {
	code, err := eng.Exec(context.WithoutCancel(ctx), r.VM, engine.ExecRequest{
		Workdir:     r.Workdir,
		Argv:        argv,
		Interactive: true,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return &cmdcore.ExitCodeError{Code: code}
	}
	return nil
}

// LoginExec wraps argv so it runs with the login profile (PATH etc.)
// without a shell re-parsing the arguments.
func LoginExec(argv ...string) []string {
	return append([]string{"bash", "-lc", `exec "$@"`, "agent-vm"}, argv...)
}

// AgentArgv is the guest command line for an agent: its fixed flags, then
// the operator's arguments.
func AgentArgv(agent config.Agent, passthrough []string) []string {
	argv := append([]string{agent.Command}, agent.Args...)
	return LoginExec(append(argv, passthrough...)...)
}

func stageTracker() progress.Tracker {
	return progress.NewTracker(func(e provisionProgress.Event) {
		switch e.Phase {
		case provisionProgress.PhaseStage:
			fmt.Fprintf(os.Stderr, "[%d/%d] %s on %s\n", e.Index+1, e.Total, e.Stage, e.VM)
		case provisionProgress.PhaseSkip:
			fmt.Fprintf(os.Stderr, "  no %s script, skipped\n", e.Stage)
		case provisionProgress.PhaseFailed:
			fmt.Fprintf(os.Stderr, "  %s failed\n", e.Stage)
		}
	})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func present(ok bool) string {
	if ok {
		return "present"
	}
	return "missing"
}
