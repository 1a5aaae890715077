// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache-2.0

package southbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Connection holds the global flags passed to every client binary invocation.
type Connection struct {
	Kubeconfig string
	Server     string
	Token      string
}

// CommandError is returned when the client binary exits non-zero.
type CommandError struct {
	Args     []string
	Output   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a client binary failure caused by a missing resource.
func IsNotFound(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(cmdErr.Output, "NotFound") || strings.Contains(cmdErr.Output, "not found")
}

// CLI runs a resolved client binary against the cluster
type CLI struct {
	binary string
	conn   Connection
}

func NewCLI(binary string, conn Connection) *CLI {
	return &CLI{
		binary: binary,
		conn:   conn,
	}
}

func (c *CLI) Binary() string {
	return c.binary
}

func (c *CLI) Execute(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, nil, args)
}

func (c *CLI) ExecuteInNamespace(ctx context.Context, namespace string, args ...string) (string, error) {
	return c.run(ctx, nil, append([]string{"--namespace", namespace}, args...))
}

// ExecuteWithInput feeds input to the binary's stdin, as used by "apply -f -".
func (c *CLI) ExecuteWithInput(ctx context.Context, input []byte, args ...string) (string, error) {
	return c.run(ctx, input, args)
}

func (c *CLI) globalArgs() []string {
	var args []string
	if c.conn.Kubeconfig != "" {
		args = append(args, "--kubeconfig", c.conn.Kubeconfig)
	}
	if c.conn.Server != "" {
		args = append(args, "--server", c.conn.Server)
	}
	if c.conn.Token != "" {
		args = append(args, "--token", c.conn.Token)
	}
	return args
}

func (c *CLI) run(ctx context.Context, input []byte, args []string) (string, error) {
	full := append(c.globalArgs(), args...)
	cmd := exec.CommandContext(ctx, c.binary, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	log.Debugf("Running %s %s", c.binary, strings.Join(args, " "))
	err := cmd.Run()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout.String(), &CommandError{
			Args:     args,
			Output:   stdout.String() + stderr.String(),
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return stdout.String(), nil
}
