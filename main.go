package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/projecteru2/agentvm/cmd"
	cmdcore "github.com/projecteru2/agentvm/cmd/core"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// The guest already reported its own failure.
		var exit *cmdcore.ExitCodeError
		if !errors.As(err, &exit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cmdcore.ExitCode(err))
	}
}
