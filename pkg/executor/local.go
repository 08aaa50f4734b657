package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// LocalExecutor runs commands on the local host through a shell. Each
// command gets its own process group so a timeout can kill the whole tree,
// not just the shell.
type LocalExecutor struct {
	Shell string
}

var (
	_ Executor        = (*LocalExecutor)(nil)
	_ CommandExecutor = (*LocalExecutor)(nil)
)

func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{Shell: "/bin/sh"}
}

func (e *LocalExecutor) Run(ctx context.Context, command string, opts RunOptions) (*Result, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return e.run(ctx, exec.Command(shell, "-c", command), command, opts)
}

// RunCommand executes a binary directly with the given argv. No shell sits
// between the caller and the binary, so `$`, backticks, and quotes in the
// arguments reach it as literal bytes.
func (e *LocalExecutor) RunCommand(ctx context.Context, name string, args []string, opts RunOptions) (*Result, error) {
	label := name + " " + strings.Join(args, " ")
	return e.run(ctx, exec.Command(name, args...), label, opts)
}

func (e *LocalExecutor) run(ctx context.Context, cmd *exec.Cmd, label string, opts RunOptions) (*Result, error) {
	cmd.Dir = opts.WorkDir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	if opts.OnLine != nil {
		outR, outW := io.Pipe()
		cmd.Stdout = io.MultiWriter(&stdout, outW)
		cmd.Stderr = io.MultiWriter(&stderr, outW)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			scanner := bufio.NewScanner(outR)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				opts.OnLine(scanner.Text())
			}
		}()
		defer func() {
			outW.Close()
			wg.Wait()
		}()
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		return buildResult(&stdout, &stderr, err)
	case <-timeout:
		e.killGroup(cmd)
		<-done
		return nil, &types.ErrCommandTimeout{Command: truncateCommand(label), Timeout: opts.Timeout}
	case <-ctx.Done():
		e.killGroup(cmd)
		<-done
		return nil, ctx.Err()
	}
}

// killGroup signals the whole process group so children spawned by the
// shell die with it.
func (e *LocalExecutor) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		cmd.Process.Kill()
		return
	}
	syscall.Kill(-pgid, syscall.SIGKILL)
}

func buildResult(stdout, stderr *bytes.Buffer, waitErr error) (*Result, error) {
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("command failed: %w", waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	return res, nil
}

func truncateCommand(command string) string {
	command = strings.TrimSpace(command)
	if len(command) > 120 {
		return command[:120] + "..."
	}
	return command
}
