package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/pflag"

	"github.com/projecteru2/agentvm/console"
	"github.com/projecteru2/agentvm/orchestrator"
	"github.com/projecteru2/agentvm/types"
)

const gb = int64(1) << 30

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "16", want: 16 * gb},
		{in: "1.5", want: 3 * gb / 2},
		{in: "16G", want: 16 * gb},
		{in: "16GiB", want: 16 * gb},
		{in: "512M", want: 512 << 20},
		{in: "0", wantErr: true},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddSessionFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestRequestFromFlags(t *testing.T) {
	fs := newFlags(t, "--memory", "16", "--cpus", "8", "--offline", "--reset")
	req, err := RequestFromFlags(fs, "/src/p")
	if err != nil {
		t.Fatal(err)
	}
	want := types.Resources{CPUs: 8, Memory: 16 * gb}
	if req.Resources != want || !req.Reset || !req.Policy.Offline || req.Policy.ReadOnly || req.Dir != "/src/p" {
		t.Errorf("req = %+v", req)
	}

	req, err = RequestFromFlags(newFlags(t), "/src/p")
	if err != nil || !req.Resources.IsZero() {
		t.Errorf("no flags: req=%+v err=%v", req, err)
	}
}

func TestResourcesFromFlagsInvalid(t *testing.T) {
	_, err := ResourcesFromFlags(newFlags(t, "--disk", "huge"))
	if !errors.Is(err, orchestrator.ErrUsage) {
		t.Fatalf("err = %v, want usage error", err)
	}
}

func TestConfirmerFromFlags(t *testing.T) {
	if c := ConfirmerFromFlags(newFlags(t, "-y")); c != console.Allow {
		t.Errorf("-y confirmer = %v", c)
	}
	if _, ok := ConfirmerFromFlags(newFlags(t)).(*console.Prompt); !ok {
		t.Error("default confirmer is not a prompt")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{&ExitCodeError{Code: 42}, 42},
		{fmt.Errorf("wrapped: %w", &ExitCodeError{Code: 3}), 3},
		{fmt.Errorf("%w: shrink", orchestrator.ErrUsage), ExitUsage},
		{errors.New("engine failed"), 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
