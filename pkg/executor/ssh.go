package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/drydock-cloud/drydock/pkg/types"
)

// SSHExecutor runs commands inside a microvm guest over SSH. Guests get a
// wrapped command that runs in its own process group so timeouts kill the
// whole tree.
type SSHExecutor struct {
	addr   string
	config *ssh.ClientConfig
}

var _ Executor = (*SSHExecutor)(nil)

// NewSSHExecutor builds an executor for one guest address using key auth.
func NewSSHExecutor(addr, user, keyPath string) (*SSHExecutor, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	return &SSHExecutor{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(), // guests have ephemeral host keys
			Timeout:         10 * time.Second,
		},
	}, nil
}

func (e *SSHExecutor) Run(ctx context.Context, command string, opts RunOptions) (*Result, error) {
	return runWithRetry(ctx, e.addr, func() (*Result, error) {
		return e.runOnce(ctx, command, opts)
	})
}

func (e *SSHExecutor) runOnce(ctx context.Context, command string, opts RunOptions) (*Result, error) {
	client, err := ssh.Dial("tcp", e.addr, e.config)
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session failed: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	wrapped := command
	if opts.WorkDir != "" {
		wrapped = fmt.Sprintf("cd %s && %s", opts.WorkDir, command)
	}
	// setsid gives the remote command its own process group; on timeout the
	// kill below takes the whole tree with it.
	wrapped = fmt.Sprintf("setsid sh -c %q", wrapped)

	if err := session.Start(wrapped); err != nil {
		return nil, fmt.Errorf("ssh start failed: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		return buildSSHResult(&stdout, &stderr, err)
	case <-timeout:
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, &types.ErrCommandTimeout{Command: truncateCommand(command), Timeout: opts.Timeout}
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, ctx.Err()
	}
}

func buildSSHResult(stdout, stderr *bytes.Buffer, waitErr error) (*Result, error) {
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if waitErr != nil {
		exitErr, ok := waitErr.(*ssh.ExitError)
		if !ok {
			return nil, fmt.Errorf("ssh command failed: %w", waitErr)
		}
		res.ExitCode = exitErr.ExitStatus()
	}

	return res, nil
}
