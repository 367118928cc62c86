// Package policy applies per-session restrictions inside a running guest.
// Restrictions are only ever added: other sessions may share the guest,
// and a guest restart is what clears them.
package policy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/projecteru2/agentvm/engine"
	"github.com/projecteru2/agentvm/types"
	"github.com/projecteru2/agentvm/utils"
)

// Private destinations stay reachable when egress is denied: host mounts
// and port forwards ride on these.
var (
	privateV4 = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	privateV6 = []string{"fe80::/10", "fc00::/7"}
)

// Enforcer applies a types.Policy through guest commands.
type Enforcer struct {
	exec engine.Executor
}

// New creates an Enforcer.
func New(exec engine.Executor) *Enforcer {
	return &Enforcer{exec: exec}
}

// Apply adds the restrictions p asks for. dir is the project directory as
// mounted in the guest. Restrictions already in place are left alone even
// when p does not ask for them.
func (e *Enforcer) Apply(ctx context.Context, vm, dir string, p types.Policy) error {
	if p.Offline {
		if err := e.run(ctx, vm, "network", []string{"sudo", "bash", "-s"}, RestrictScript(), nil); err != nil {
			return err
		}
	}
	if p.ReadOnly {
		if err := e.run(ctx, vm, "mount", []string{"sudo", "mount", "-o", "remount,ro", dir}, "", nil); err != nil {
			return err
		}
	}
	if p.Offline || p.ReadOnly {
		utils.Logger(ctx, "policy.Apply").Infof(ctx, "%s: offline=%t readonly=%t", vm, p.Offline, p.ReadOnly)
	}
	return nil
}

// Lingering returns the restrictions active in vm that p does not ask for.
func (e *Enforcer) Lingering(ctx context.Context, vm, dir string, p types.Policy) (types.Policy, error) {
	if p.Offline && p.ReadOnly {
		return types.Policy{}, nil
	}
	var out bytes.Buffer
	if err := e.run(ctx, vm, "inspect", []string{"sudo", "bash", "-s"}, ActiveScript(dir), &out); err != nil {
		return types.Policy{}, err
	}
	active := parseActive(out.String())
	return types.Policy{
		Offline:  active.Offline && !p.Offline,
		ReadOnly: active.ReadOnly && !p.ReadOnly,
	}, nil
}

func (e *Enforcer) run(ctx context.Context, vm, what string, argv []string, stdin string, stdout io.Writer) error {
	var stderr bytes.Buffer
	req := engine.ExecRequest{Workdir: "/", Argv: argv, Stdout: stdout, Stderr: &stderr}
	if stdin != "" {
		req.Stdin = strings.NewReader(stdin)
	}
	code, err := e.exec.Exec(ctx, vm, req)
	if err != nil {
		return fmt.Errorf("%s policy on %s: %w", what, vm, err)
	}
	if code != 0 {
		return fmt.Errorf("%s policy on %s: exit code %d: %s", what, vm, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// RestrictScript denies outbound traffic except loopback, established
// flows and private ranges. OUTPUT is flushed first so reapplying yields
// the same rule set.
func RestrictScript() string {
	var b strings.Builder
	b.WriteString("set -e\n")
	writeRestrict(&b, "iptables", "127.0.0.0/8", privateV4)
	writeRestrict(&b, "ip6tables", "::1/128", privateV6)
	return b.String()
}

func writeRestrict(b *strings.Builder, tool, loopback string, allow []string) {
	fmt.Fprintf(b, "%s -P OUTPUT ACCEPT\n", tool)
	fmt.Fprintf(b, "%s -F OUTPUT\n", tool)
	fmt.Fprintf(b, "%s -A OUTPUT -o lo -j ACCEPT\n", tool)
	fmt.Fprintf(b, "%s -A OUTPUT -d %s -j ACCEPT\n", tool, loopback)
	fmt.Fprintf(b, "%s -A OUTPUT -m conntrack --ctstate ESTABLISHED,RELATED -j ACCEPT\n", tool)
	for _, cidr := range allow {
		fmt.Fprintf(b, "%s -A OUTPUT -d %s -j ACCEPT\n", tool, cidr)
	}
	fmt.Fprintf(b, "%s -P OUTPUT DROP\n", tool)
}

// ActiveScript prints "offline" when egress is denied and "readonly" when
// dir is mounted read-only.
func ActiveScript(dir string) string {
	var b strings.Builder
	b.WriteString("if iptables -S OUTPUT 2>/dev/null | grep -qx -- '-P OUTPUT DROP'; then echo offline; fi\n")
	fmt.Fprintf(&b, "if findmnt -no OPTIONS --target %s 2>/dev/null | tr , '\\n' | grep -qx ro; then echo readonly; fi\n", shellQuote(dir))
	return b.String()
}

func parseActive(out string) types.Policy {
	var p types.Policy
	for _, f := range strings.Fields(out) {
		switch f {
		case "offline":
			p.Offline = true
		case "readonly":
			p.ReadOnly = true
		}
	}
	return p
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
