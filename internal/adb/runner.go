// Package adb drives Android devices through the adb command line tool. It
// provides the device.Discoverer and device.Driver used by the gateway.
package adb

import (
	"bytes"
	"context"
	"os/exec"
)

// Runner executes one adb invocation and returns its captured output.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr string, err error)
}

// ExecRunner runs the adb binary found at Path, or "adb" on $PATH.
type ExecRunner struct {
	Path string
}

func (r ExecRunner) binary() string {
	if r.Path != "" {
		return r.Path
	}
	return "adb"
}

// Run executes adb with args. A non-zero exit is returned as an
// *exec.ExitError alongside whatever the process wrote.
func (r ExecRunner) Run(ctx context.Context, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, r.binary(), args...)
	command.Stdout = &stdout
	command.Stderr = &stderr
	err := command.Run()
	return stdout.String(), stderr.String(), err
}
