package vm

import (
	"errors"
	"os"
	"slices"
	"testing"

	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/agentvm/cmd/core"
	"github.com/projecteru2/agentvm/config"
	"github.com/projecteru2/agentvm/orchestrator"
)

func TestAgentArgv(t *testing.T) {
	agent := config.Agent{Command: "claude", Args: []string{"--dangerously-skip-permissions"}}
	got := AgentArgv(agent, []string{"-p", "fix the tests; then commit"})
	want := []string{
		"bash", "-lc", `exec "$@"`, "agent-vm",
		"claude", "--dangerously-skip-permissions", "-p", "fix the tests; then commit",
	}
	if !slices.Equal(got, want) {
		t.Errorf("AgentArgv = %q, want %q", got, want)
	}
	if len(agent.Args) != 1 {
		t.Errorf("AgentArgv mutated agent args: %q", agent.Args)
	}
}

func TestAgentArgvNoPassthrough(t *testing.T) {
	got := AgentArgv(config.Agent{Command: "gemini"}, nil)
	want := []string{"bash", "-lc", `exec "$@"`, "agent-vm", "gemini"}
	if !slices.Equal(got, want) {
		t.Errorf("AgentArgv = %q, want %q", got, want)
	}
}

func TestLoginExec(t *testing.T) {
	got := LoginExec("make", "test")
	if got[0] != "bash" || got[1] != "-lc" || got[3] != "agent-vm" {
		t.Fatalf("LoginExec prefix = %q", got[:4])
	}
	if !slices.Equal(got[4:], []string{"make", "test"}) {
		t.Errorf("LoginExec payload = %q", got[4:])
	}
}

func TestCommandsAgentVerbs(t *testing.T) {
	cmds := Commands(Handler{}, []string{"claude", "codex"})
	byName := map[string]*cobra.Command{}
	for _, c := range cmds {
		byName[c.Name()] = c
	}
	for _, name := range []string{"setup", "shell", "run", "stop", "destroy", "destroy-all", "list", "status", "claude", "codex"} {
		if byName[name] == nil {
			t.Errorf("missing command %q", name)
		}
	}
	for _, name := range []string{"claude", "codex", "run"} {
		if c := byName[name]; c != nil && !c.DisableFlagParsing {
			t.Errorf("%s should pass flags through", name)
		}
	}
	if byName["claude"].GroupID != AgentGroup().ID {
		t.Errorf("agent verb not in agent group")
	}
}

func TestLookupAgent(t *testing.T) {
	conf := config.DefaultConfig()
	delete(conf.Agents, "gemini")
	conf.Agents["blank"] = config.Agent{}

	agent, err := LookupAgent(conf, "claude")
	if err != nil || agent.Command != "claude" {
		t.Fatalf("LookupAgent(claude) = %+v, %v", agent, err)
	}
	for _, verb := range []string{"gemini", "blank"} {
		if _, err := LookupAgent(conf, verb); !errors.Is(err, orchestrator.ErrUsage) {
			t.Errorf("LookupAgent(%s) err = %v, want usage error", verb, err)
		}
	}
}

// An agent the config removed is rejected before the orchestrator is
// built, so no VM is cloned or started for it.
func TestAgentUnconfiguredRejectedEarly(t *testing.T) {
	conf := config.DefaultConfig()
	conf.StateDir = t.TempDir()
	delete(conf.Agents, "gemini")
	h := Handler{BaseHandler: cmdcore.BaseHandler{ConfProvider: func() *config.Config { return conf }}}

	err := h.Agent(&cobra.Command{Use: "gemini"}, nil)
	if !errors.Is(err, orchestrator.ErrUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
	if entries, _ := os.ReadDir(conf.StateDir); len(entries) != 0 {
		t.Errorf("state dir touched before rejection: %v", entries)
	}
}
