package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/projecteru2/agentvm/config"
	"github.com/projecteru2/agentvm/engine/fake"
	"github.com/projecteru2/agentvm/naming"
	"github.com/projecteru2/agentvm/policy"
	"github.com/projecteru2/agentvm/provision"
	"github.com/projecteru2/agentvm/registry"
	"github.com/projecteru2/agentvm/storage/memory"
	"github.com/projecteru2/agentvm/tracker"
	"github.com/projecteru2/agentvm/types"
	"github.com/projecteru2/agentvm/utils"
)

const gb = int64(1) << 30

var templateRes = types.Resources{CPUs: 4, Memory: 8 * gb, Disk: 50 * gb}

type fakeConfirmer struct {
	answer   bool
	asked    []string
	sessions []string
}

func (c *fakeConfirmer) Confirm(ctx context.Context, q string) (bool, error) {
	c.asked = append(c.asked, q)
	c.sessions = append(c.sessions, utils.Session(ctx))
	return c.answer, nil
}

type env struct {
	o       *Orchestrator
	conf    *config.Config
	eng     *fake.Engine
	tr      *tracker.Tracker
	reg     *registry.Registry
	confirm *fakeConfirmer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conf := config.DefaultConfig()
	conf.StateDir = t.TempDir()
	conf.ConfigDir = t.TempDir()
	conf.SharedDirs = nil
	conf.PoolSize = 2
	if err := conf.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(conf)
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		conf:    conf,
		eng:     fake.New(),
		tr:      tracker.New(memory.New()),
		reg:     reg,
		confirm: &fakeConfirmer{},
	}
	e.o = New(conf, e.eng, e.tr, reg, e.confirm, io.Discard)
	return e
}

// withTemplate registers a built template and its base token.
func (e *env) withTemplate(t *testing.T) {
	t.Helper()
	e.eng.Put(types.VM{Name: e.conf.Template.Name, State: types.VMStateStopped, Resources: templateRes})
	if _, err := e.tr.RecordBase(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func (e *env) ready(t *testing.T, req Request) *Ready {
	t.Helper()
	r, err := e.o.EnsureReady(context.Background(), req)
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	return r
}

func TestEnsureReadyTemplateMissing(t *testing.T) {
	e := newEnv(t)
	_, err := e.o.EnsureReady(context.Background(), Request{Dir: t.TempDir()})
	if !errors.Is(err, ErrTemplateMissing) {
		t.Fatalf("err = %v, want ErrTemplateMissing", err)
	}
	if len(e.eng.Calls) != 0 || len(e.eng.VMs) != 0 {
		t.Errorf("side effects: calls=%v vms=%d", e.eng.Calls, len(e.eng.VMs))
	}
}

func TestEnsureReadyClonesFreshVM(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := filepath.Join(t.TempDir(), "proj")
	if err := os.Mkdir(dir, 0o750); err != nil {
		t.Fatal(err)
	}

	r := e.ready(t, Request{Dir: dir})
	if !r.Created || r.Workdir != dir || r.ProvisionErr != nil {
		t.Fatalf("ready = %+v", r)
	}
	if r.VM != naming.Name(dir) || !strings.HasPrefix(r.VM, "agent-vm-proj-") {
		t.Errorf("VM name = %s", r.VM)
	}
	if e.eng.Count("clone", r.VM) != 1 || e.eng.Count("start", r.VM) != 1 {
		t.Errorf("calls = %v", e.eng.Calls)
	}

	vm := e.eng.Get(r.VM)
	if !vm.Running() || vm.Resources != templateRes {
		t.Errorf("vm = %+v", vm)
	}
	if !slices.Contains(vm.Mounts, types.Mount{Location: dir, Writable: true}) {
		t.Errorf("mounts = %v", vm.Mounts)
	}

	ctx := context.Background()
	base, clone, _ := e.tr.Versions(ctx, r.VM)
	if base == "" || clone != base {
		t.Errorf("versions base=%q clone=%q", base, clone)
	}
	if rec, _ := e.reg.Get(ctx, r.VM); rec == nil || rec.Dir != dir {
		t.Errorf("registry row = %+v", rec)
	}
}

func TestEnsureReadyClonesWithResources(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	r := e.ready(t, Request{Dir: t.TempDir(), Resources: types.Resources{Memory: 16 * gb, Disk: 80 * gb}})
	want := types.Resources{CPUs: 4, Memory: 16 * gb, Disk: 80 * gb}
	if got := e.eng.Get(r.VM).Resources; got != want {
		t.Errorf("resources = %+v, want %+v", got, want)
	}
	if len(e.confirm.asked) != 0 {
		t.Errorf("clone should not prompt: %v", e.confirm.asked)
	}
}

func TestEnsureReadyIdempotent(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()
	req := Request{Dir: dir, Resources: types.Resources{Memory: 16 * gb}}

	first := e.ready(t, req)
	e.eng.ResetCalls()
	second := e.ready(t, req)

	if second.Created || second.VM != first.VM {
		t.Errorf("second = %+v", second)
	}
	if len(e.eng.Calls) != 0 {
		t.Errorf("second invocation transitioned state: %v", e.eng.Calls)
	}
	if len(e.confirm.asked) != 0 {
		t.Errorf("unexpected prompt: %v", e.confirm.asked)
	}
}

func TestEnsureReadyResizeStopped(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()
	name := naming.Name(dir)
	e.eng.Put(types.VM{Name: name, State: types.VMStateStopped, Resources: templateRes})

	e.ready(t, Request{Dir: dir, Resources: types.Resources{Memory: 16 * gb}})
	if e.eng.Count("edit", name) != 1 {
		t.Errorf("calls = %v", e.eng.Calls)
	}
	vm := e.eng.Get(name)
	if vm.Resources.Memory != 16*gb || vm.Resources.CPUs != 4 || !vm.Running() {
		t.Errorf("vm = %+v", vm)
	}
	if len(e.confirm.asked) != 0 {
		t.Errorf("stopped VM should not prompt")
	}
}

func TestEnsureReadyResizeRunningDeclined(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()
	name := naming.Name(dir)
	e.eng.Put(types.VM{Name: name, State: types.VMStateRunning, Resources: templateRes})

	r := e.ready(t, Request{Dir: dir, Resources: types.Resources{Memory: 16 * gb}})
	if r.VM != name {
		t.Fatalf("ready = %+v", r)
	}
	if len(e.confirm.asked) != 1 {
		t.Fatalf("prompts = %v", e.confirm.asked)
	}
	if e.eng.Count("stop", name) != 0 || e.eng.Count("edit", name) != 0 {
		t.Errorf("declined resize still touched the VM: %v", e.eng.Calls)
	}
	vm := e.eng.Get(name)
	if !vm.Running() || vm.Resources.Memory != 8*gb {
		t.Errorf("vm = %+v", vm)
	}
}

func TestEnsureReadyResizeRunningConfirmed(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	e.confirm.answer = true
	dir := t.TempDir()
	name := naming.Name(dir)
	e.eng.Put(types.VM{Name: name, State: types.VMStateRunning, Resources: templateRes})

	e.ready(t, Request{Dir: dir, Resources: types.Resources{CPUs: 8}})
	want := []string{"stop " + name, "edit " + name, "start " + name}
	if !slices.Equal(e.eng.Calls, want) {
		t.Errorf("calls = %v, want %v", e.eng.Calls, want)
	}
	if vm := e.eng.Get(name); vm.Resources.CPUs != 8 || !vm.Running() {
		t.Errorf("vm = %+v", vm)
	}
	if len(e.confirm.sessions) != 1 || e.confirm.sessions[0] == "" {
		t.Errorf("prompt not tagged with the invocation's session: %q", e.confirm.sessions)
	}
}

func TestEnsureReadySessionPerInvocation(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	e.confirm.answer = true
	dir := t.TempDir()
	name := naming.Name(dir)
	e.eng.Put(types.VM{Name: name, State: types.VMStateRunning, Resources: templateRes})

	e.ready(t, Request{Dir: dir, Resources: types.Resources{CPUs: 8}})
	e.ready(t, Request{Dir: dir, Resources: types.Resources{CPUs: 6}})
	if len(e.confirm.sessions) != 2 || e.confirm.sessions[0] == e.confirm.sessions[1] {
		t.Errorf("sessions = %q, want two distinct ids", e.confirm.sessions)
	}
}

func TestEnsureReadySameValueIsNoop(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()
	name := naming.Name(dir)
	e.eng.Put(types.VM{Name: name, State: types.VMStateRunning, Resources: templateRes})

	e.ready(t, Request{Dir: dir, Resources: types.Resources{Memory: 8 * gb, CPUs: 4}})
	if len(e.confirm.asked) != 0 || len(e.eng.Calls) != 0 {
		t.Errorf("prompts=%v calls=%v", e.confirm.asked, e.eng.Calls)
	}
}

func TestEnsureReadyRejectsDiskShrink(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()
	name := naming.Name(dir)
	e.eng.Put(types.VM{Name: name, State: types.VMStateStopped, Resources: templateRes})

	_, err := e.o.EnsureReady(context.Background(), Request{Dir: dir, Resources: types.Resources{Disk: 20 * gb}})
	if !errors.Is(err, ErrUsage) || !IsUsage(err) {
		t.Fatalf("err = %v, want ErrUsage", err)
	}
	if len(e.eng.Calls) != 0 {
		t.Errorf("engine called: %v", e.eng.Calls)
	}
	if got := e.eng.Get(name).Resources.Disk; got != 50*gb {
		t.Errorf("disk = %d, want unchanged", got)
	}
}

func TestEnsureReadyRejectsDiskShrinkBelowTemplate(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	_, err := e.o.EnsureReady(context.Background(), Request{Dir: t.TempDir(), Resources: types.Resources{Disk: 10 * gb}})
	if !errors.Is(err, ErrUsage) {
		t.Fatalf("err = %v, want ErrUsage", err)
	}
	if len(e.eng.Calls) != 0 {
		t.Errorf("engine called: %v", e.eng.Calls)
	}
}

func TestStalenessAndReset(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()

	r := e.ready(t, Request{Dir: dir})
	if stale, _ := e.tr.IsStale(ctx, r.VM); stale {
		t.Fatal("fresh clone reported stale")
	}

	if _, err := e.tr.RecordBase(ctx); err != nil {
		t.Fatal(err)
	}
	if stale, _ := e.tr.IsStale(ctx, r.VM); !stale {
		t.Fatal("clone of an older template not reported stale")
	}

	r = e.ready(t, Request{Dir: dir, Reset: true})
	if !r.Created || e.eng.Count("clone", r.VM) != 2 || e.eng.Count("delete", r.VM) != 1 {
		t.Errorf("reset calls = %v", e.eng.Calls)
	}
	if stale, _ := e.tr.IsStale(ctx, r.VM); stale {
		t.Error("re-cloned VM still stale")
	}
}

func TestResetWithoutTemplateHasNoSideEffects(t *testing.T) {
	e := newEnv(t)
	dir := t.TempDir()
	name := naming.Name(dir)
	e.eng.Put(types.VM{Name: name, State: types.VMStateRunning, Resources: templateRes})

	_, err := e.o.EnsureReady(context.Background(), Request{Dir: dir, Reset: true})
	if !errors.Is(err, ErrTemplateMissing) {
		t.Fatalf("err = %v", err)
	}
	if e.eng.Get(name) == nil || len(e.eng.Calls) != 0 {
		t.Errorf("VM touched: calls=%v", e.eng.Calls)
	}
}

func TestEnsureReadyRunsRuntimeStages(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()
	if err := os.WriteFile(e.conf.UserRuntimeScript(), []byte("echo user"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(config.ProjectRuntimeScript(dir), []byte("echo project"), 0o600); err != nil {
		t.Fatal(err)
	}

	e.ready(t, Request{Dir: dir})
	execs := e.eng.ExecsMatching("bash -l -s")
	if len(execs) != 2 || execs[0].Stdin != "echo user" || execs[1].Stdin != "echo project" {
		t.Fatalf("stage execs = %+v", execs)
	}
	if execs[1].Workdir != dir {
		t.Errorf("workdir = %q", execs[1].Workdir)
	}
}

func TestEnsureReadyProvisionFailureKeepsVM(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()
	if err := os.WriteFile(config.ProjectRuntimeScript(dir), []byte("exit 1"), 0o600); err != nil {
		t.Fatal(err)
	}
	e.eng.ExecFn = func(c fake.ExecCall) (int, error) {
		if c.Argv[0] == "bash" {
			return 1, nil
		}
		return 0, nil
	}

	r := e.ready(t, Request{Dir: dir, Policy: types.Policy{Offline: true}})
	var se *provision.StageError
	if !errors.As(r.ProvisionErr, &se) || se.Stage != provision.StageProject || se.VM != r.VM {
		t.Fatalf("ProvisionErr = %v", r.ProvisionErr)
	}
	if vm := e.eng.Get(r.VM); !vm.Running() {
		t.Error("VM not left running after stage failure")
	}
	if len(e.eng.ExecsMatching("sudo bash -s")) != 1 {
		t.Error("policy not applied after stage failure")
	}
}

func TestEnsureReadyAppliesPolicy(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()

	e.ready(t, Request{Dir: dir, Policy: types.Policy{Offline: true, ReadOnly: true}})
	net := e.eng.ExecsMatching("sudo bash -s")
	if len(net) != 1 || net[0].Stdin != policy.RestrictScript() {
		t.Errorf("network execs = %+v", net)
	}
	if len(e.eng.ExecsMatching("remount,ro "+dir)) != 1 {
		t.Error("project dir not remounted read-only")
	}
}

// A second session on a running VM must not lift the first session's
// restrictions; it is told they are still in place.
func TestEnsureReadyKeepsRestrictionsOfRunningVM(t *testing.T) {
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()

	e.ready(t, Request{Dir: dir, Policy: types.Policy{Offline: true, ReadOnly: true}})
	e.eng.ExecFn = func(c fake.ExecCall) (int, error) {
		if c.Stdin == policy.ActiveScript(dir) && c.Stdout != nil {
			_, _ = io.WriteString(c.Stdout, "offline\nreadonly\n")
		}
		return 0, nil
	}
	e.eng.ResetCalls()

	r := e.ready(t, Request{Dir: dir})
	if len(e.eng.ExecsMatching("remount,rw")) != 0 {
		t.Error("read-only mount lifted by an unrestricted session")
	}
	for _, c := range e.eng.ExecsMatching("sudo bash -s") {
		if c.Stdin != policy.ActiveScript(dir) {
			t.Errorf("unexpected network exec: %q", c.Stdin)
		}
	}
	if r.Lingering != (types.Policy{Offline: true, ReadOnly: true}) {
		t.Errorf("Lingering = %+v", r.Lingering)
	}
}

func TestEnsureReadyAfterRestartSkipsInspect(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()

	e.ready(t, Request{Dir: dir, Policy: types.Policy{Offline: true}})
	if _, err := e.o.Stop(ctx, dir); err != nil {
		t.Fatal(err)
	}
	e.eng.ResetCalls()

	r := e.ready(t, Request{Dir: dir})
	if e.eng.Count("start", r.VM) != 1 {
		t.Fatalf("calls = %v", e.eng.Calls)
	}
	if n := len(e.eng.ExecsMatching("sudo")); n != 0 {
		t.Errorf("sudo execs after a fresh boot = %d, want 0", n)
	}
	if r.Lingering != (types.Policy{}) {
		t.Errorf("Lingering = %+v", r.Lingering)
	}
}

func TestStopAndDestroy(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()

	if _, err := e.o.Stop(ctx, dir); !errors.Is(err, ErrNoVM) {
		t.Fatalf("Stop(absent) err = %v", err)
	}

	r := e.ready(t, Request{Dir: dir})
	if _, err := e.o.Stop(ctx, dir); err != nil {
		t.Fatal(err)
	}
	if e.eng.Get(r.VM).Running() {
		t.Error("still running after Stop")
	}
	if _, err := e.o.Stop(ctx, dir); err != nil {
		t.Errorf("second Stop: %v", err)
	}

	name, err := e.o.Destroy(ctx, dir)
	if err != nil || name != r.VM {
		t.Fatalf("Destroy = %s, %v", name, err)
	}
	if e.eng.Get(r.VM) != nil {
		t.Error("VM survived Destroy")
	}
	if _, clone, _ := e.tr.Versions(ctx, r.VM); clone != "" {
		t.Error("clone token survived Destroy")
	}
	if rec, _ := e.reg.Get(ctx, r.VM); rec != nil {
		t.Error("registry row survived Destroy")
	}
	if _, err := e.o.Destroy(ctx, dir); !errors.Is(err, ErrNoVM) {
		t.Errorf("second Destroy err = %v", err)
	}
}

func TestDestroyAll(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.withTemplate(t)
	var dirs []string
	for range 3 {
		dir := t.TempDir()
		dirs = append(dirs, dir)
		e.ready(t, Request{Dir: dir})
	}
	e.eng.Put(types.VM{Name: "unrelated", State: types.VMStateRunning})

	deleted, err := e.o.DestroyAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(deleted) != 3 {
		t.Errorf("deleted = %v", deleted)
	}
	for _, dir := range dirs {
		if e.eng.Get(naming.Name(dir)) != nil {
			t.Errorf("%s survived", dir)
		}
	}
	if e.eng.Get(e.conf.Template.Name) == nil || e.eng.Get("unrelated") == nil {
		t.Error("DestroyAll removed the template or an unmanaged VM")
	}
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := os.WriteFile(e.conf.UserProvisionScript(), []byte("echo custom"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := e.o.Setup(ctx, types.Resources{Disk: 100 * gb}, nil); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	name := e.conf.Template.Name
	want := []string{"create " + name, "start " + name, "stop " + name}
	if !slices.Equal(e.eng.Calls, want) {
		t.Errorf("calls = %v, want %v", e.eng.Calls, want)
	}
	tmpl := e.eng.Get(name)
	if tmpl.Running() || tmpl.Resources != (types.Resources{CPUs: 4, Memory: 8 * gb, Disk: 100 * gb}) {
		t.Errorf("template = %+v", tmpl)
	}
	stages := e.eng.ExecsMatching("bash -l -s")
	if len(stages) != 2 || !strings.HasPrefix(stages[0].Stdin, "#!") || stages[1].Stdin != "echo custom" {
		t.Errorf("stages = %+v", stages)
	}
	if base, _, _ := e.tr.Versions(ctx, "x"); base == "" {
		t.Error("base token not recorded")
	}
}

func TestSetupRebuildMarksClonesStale(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.o.Setup(ctx, types.Resources{}, nil); err != nil {
		t.Fatal(err)
	}
	r := e.ready(t, Request{Dir: t.TempDir()})
	if err := e.o.Setup(ctx, types.Resources{}, nil); err != nil {
		t.Fatal(err)
	}
	if stale, _ := e.tr.IsStale(ctx, r.VM); !stale {
		t.Error("clone not stale after template rebuild")
	}
	if e.eng.Get(r.VM) == nil {
		t.Error("template rebuild touched the clone")
	}
}

func TestSetupFailureRecordsNoToken(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.eng.ExecFn = func(fake.ExecCall) (int, error) { return 100, nil }

	err := e.o.Setup(ctx, types.Resources{}, nil)
	var se *provision.StageError
	if !errors.As(err, &se) || se.Stage != provision.StageBase {
		t.Fatalf("err = %v", err)
	}
	if base, _, _ := e.tr.Versions(ctx, "x"); base != "" {
		t.Error("base token recorded after failed setup")
	}
}

func TestListAndStatus(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.withTemplate(t)
	dir := t.TempDir()
	r := e.ready(t, Request{Dir: dir})
	e.eng.Put(types.VM{Name: "unrelated"})

	entries, err := e.o.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	for _, en := range entries {
		switch en.VM.Name {
		case e.conf.Template.Name:
			if !en.Template {
				t.Error("template not flagged")
			}
		case r.VM:
			if en.Dir != dir || en.Stale {
				t.Errorf("clone entry = %+v", en)
			}
		default:
			t.Errorf("unexpected entry %s", en.VM.Name)
		}
	}

	st, err := e.o.Status(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if st.Name != r.VM || st.State != types.VMStateRunning || !st.TemplateExists || st.BaseVersion == "" || st.Stale {
		t.Errorf("status = %+v", st)
	}

	st, err = e.o.Status(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if st.State != types.VMStateAbsent || st.VM != nil {
		t.Errorf("absent status = %+v", st)
	}
}

func TestGC(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.withTemplate(t)
	kept := e.ready(t, Request{Dir: t.TempDir()})
	gone := e.ready(t, Request{Dir: t.TempDir()})
	delete(e.eng.VMs, gone.VM)

	if err := e.o.GC(ctx); err != nil {
		t.Fatalf("GC: %v", err)
	}
	tracked, _ := e.tr.TrackedClones(ctx)
	if !slices.Equal(tracked, []string{kept.VM}) {
		t.Errorf("tracked = %v", tracked)
	}
	if rec, _ := e.reg.Get(ctx, gone.VM); rec != nil {
		t.Error("orphan registry row kept")
	}
	if rec, _ := e.reg.Get(ctx, kept.VM); rec == nil {
		t.Error("live registry row dropped")
	}
}
