package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

const defaultCommandTimeout = 2 * time.Minute

// Runtime resolves live driver handles for an environment. Satisfied by the
// lifecycle controller.
type Runtime interface {
	Instance(externalId string) (*driver.Instance, bool)
	Driver(kind types.BackendKind) (driver.Driver, bool)
}

// Bridge applies file changes and runs shell commands inside ready
// environments. Every operation is recorded before execution, and terminal
// records are never re-executed: a duplicate request returns the stored
// result.
type Bridge struct {
	backend repository.BackendRepository
	runtime Runtime
}

func NewBridge(backend repository.BackendRepository, runtime Runtime) *Bridge {
	return &Bridge{backend: backend, runtime: runtime}
}

// ApplyFileChange writes a batch of files into an environment's workspace.
// The record is created first so a crash mid-write leaves an auditable
// non-terminal row rather than silent loss.
func (b *Bridge) ApplyFileChange(ctx context.Context, envExternalId string, files []types.FileWrite) (*types.FileChange, error) {
	env, drv, inst, err := b.resolve(ctx, envExternalId)
	if err != nil {
		return nil, err
	}

	change := &types.FileChange{
		EnvironmentId: env.Id,
		Files:         files,
	}
	if err := b.backend.CreateFileChange(ctx, change); err != nil {
		return nil, err
	}

	payload := make(map[string][]byte, len(files))
	for _, f := range files {
		payload[f.Path] = []byte(f.NewContent)
	}

	if err := drv.WriteFiles(ctx, inst, payload); err != nil {
		if recErr := b.backend.SetFileChangeResult(ctx, change.ExternalId, false, err.Error()); recErr != nil {
			log.Error().Err(recErr).Str("change", change.ExternalId).Msg("failed to record file change error")
		}
		change.Error = err.Error()
		return change, err
	}

	if err := b.backend.SetFileChangeResult(ctx, change.ExternalId, true, ""); err != nil {
		return nil, err
	}
	change.Applied = true

	log.Info().
		Str("change", change.ExternalId).
		Str("environment", envExternalId).
		Int("files", len(files)).
		Msg("file change applied")

	return change, nil
}

// RevertFileChange writes the original contents of an applied change back.
// Only changes whose writes all carried original content can be reverted.
func (b *Bridge) RevertFileChange(ctx context.Context, envExternalId, changeExternalId string) (*types.FileChange, error) {
	change, err := b.backend.GetFileChange(ctx, changeExternalId)
	if err != nil {
		return nil, err
	}
	if change.Reverted {
		return change, nil
	}
	if !change.Applied {
		return nil, fmt.Errorf("file change %s was never applied", changeExternalId)
	}

	_, drv, inst, err := b.resolve(ctx, envExternalId)
	if err != nil {
		return nil, err
	}

	payload := make(map[string][]byte, len(change.Files))
	for _, f := range change.Files {
		if f.OriginalContent == nil {
			return nil, fmt.Errorf("file change %s has no original content for %s", changeExternalId, f.Path)
		}
		payload[f.Path] = []byte(*f.OriginalContent)
	}

	if err := drv.WriteFiles(ctx, inst, payload); err != nil {
		return nil, err
	}

	if err := b.backend.SetFileChangeReverted(ctx, changeExternalId); err != nil {
		return nil, err
	}
	change.Reverted = true

	log.Info().Str("change", changeExternalId).Msg("file change reverted")
	return change, nil
}

// ExecuteCommand runs a shell command inside an environment's workspace with
// a hard timeout. A timed-out command is recorded as failed with no exit
// code; it never masquerades as a zero exit.
func (b *Bridge) ExecuteCommand(ctx context.Context, envExternalId, command string, timeout time.Duration) (*types.BashCommand, error) {
	if timeout == 0 {
		timeout = defaultCommandTimeout
	}

	env, drv, inst, err := b.resolve(ctx, envExternalId)
	if err != nil {
		return nil, err
	}

	cmd := &types.BashCommand{
		EnvironmentId: env.Id,
		Command:       command,
		Status:        types.CommandStatusPending,
	}
	if err := b.backend.CreateBashCommand(ctx, cmd); err != nil {
		return nil, err
	}

	return b.run(ctx, cmd, drv, inst, timeout)
}

// RetryCommand re-delivers a command. Terminal records return their stored
// result untouched; only pending or running records execute.
func (b *Bridge) RetryCommand(ctx context.Context, envExternalId, cmdExternalId string, timeout time.Duration) (*types.BashCommand, error) {
	cmd, err := b.backend.GetBashCommand(ctx, cmdExternalId)
	if err != nil {
		return nil, err
	}
	if cmd.Terminal() {
		return cmd, nil
	}

	if timeout == 0 {
		timeout = defaultCommandTimeout
	}

	_, drv, inst, err := b.resolve(ctx, envExternalId)
	if err != nil {
		return nil, err
	}

	return b.run(ctx, cmd, drv, inst, timeout)
}

// GetFileChange returns a recorded file change.
func (b *Bridge) GetFileChange(ctx context.Context, externalId string) (*types.FileChange, error) {
	return b.backend.GetFileChange(ctx, externalId)
}

// GetCommand returns a recorded command.
func (b *Bridge) GetCommand(ctx context.Context, externalId string) (*types.BashCommand, error) {
	return b.backend.GetBashCommand(ctx, externalId)
}

func (b *Bridge) run(ctx context.Context, cmd *types.BashCommand, drv driver.Driver, inst *driver.Instance, timeout time.Duration) (*types.BashCommand, error) {
	if err := b.backend.SetBashCommandRunning(ctx, cmd.ExternalId); err != nil {
		return nil, err
	}
	cmd.Status = types.CommandStatusRunning

	res, err := drv.Exec(ctx, inst, cmd.Command, executor.RunOptions{Timeout: timeout})
	if err != nil {
		var timedOut *types.ErrCommandTimeout
		msg := err.Error()
		if errors.As(err, &timedOut) {
			msg = fmt.Sprintf("command timed out after %s", timeout)
		}
		if recErr := b.backend.SetBashCommandResult(ctx, cmd.ExternalId, types.CommandStatusFailed, msg, nil); recErr != nil {
			log.Error().Err(recErr).Str("command", cmd.ExternalId).Msg("failed to record command failure")
		}
		cmd.Status = types.CommandStatusFailed
		cmd.Output = msg
		return cmd, err
	}

	status := types.CommandStatusCompleted
	if !res.Ok() {
		status = types.CommandStatusFailed
	}
	output := res.Stdout
	if res.Stderr != "" {
		output += res.Stderr
	}

	exitCode := res.ExitCode
	if err := b.backend.SetBashCommandResult(ctx, cmd.ExternalId, status, output, &exitCode); err != nil {
		return nil, err
	}
	cmd.Status = status
	cmd.Output = output
	cmd.ExitCode = &exitCode

	log.Info().
		Str("command", cmd.ExternalId).
		Int("exit_code", exitCode).
		Str("status", string(status)).
		Msg("command finished")

	return cmd, nil
}

// resolve looks up an environment and its live driver handle. Only ready
// environments accept bridge traffic.
func (b *Bridge) resolve(ctx context.Context, envExternalId string) (*types.Environment, driver.Driver, *driver.Instance, error) {
	env, err := b.backend.GetEnvironment(ctx, envExternalId)
	if err != nil {
		return nil, nil, nil, err
	}
	if env.Status != types.EnvironmentStatusReady {
		return nil, nil, nil, fmt.Errorf("environment %s is not ready (status %s)", envExternalId, env.Status)
	}

	drv, ok := b.runtime.Driver(env.Backend)
	if !ok {
		return nil, nil, nil, fmt.Errorf("backend not configured: %s", env.Backend)
	}
	inst, ok := b.runtime.Instance(envExternalId)
	if !ok {
		return nil, nil, nil, fmt.Errorf("no live instance for environment %s", envExternalId)
	}

	return env, drv, inst, nil
}
