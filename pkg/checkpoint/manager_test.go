package checkpoint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-cloud/drydock/pkg/driver"
	"github.com/drydock-cloud/drydock/pkg/executor"
	"github.com/drydock-cloud/drydock/pkg/repository"
	"github.com/drydock-cloud/drydock/pkg/types"
)

type fakeContainer struct {
	committedTags []string
	commitErr     error
	bootedTag     string
}

var _ driver.Committable = (*fakeContainer)(nil)

func (f *fakeContainer) Kind() types.BackendKind { return types.BackendContainer }
func (f *fakeContainer) Pausable() bool          { return false }

func (f *fakeContainer) Boot(ctx context.Context, params driver.BootParams) (*driver.Instance, error) {
	return &driver.Instance{Name: params.Name, Backend: types.BackendContainer}, nil
}
func (f *fakeContainer) Clone(ctx context.Context, inst *driver.Instance, owner, repo, branch, credential string) error {
	return nil
}
func (f *fakeContainer) Exec(ctx context.Context, inst *driver.Instance, command string, opts executor.RunOptions) (*executor.Result, error) {
	return &executor.Result{}, nil
}
func (f *fakeContainer) StartServer(ctx context.Context, inst *driver.Instance, command string) error {
	return nil
}
func (f *fakeContainer) WriteFiles(ctx context.Context, inst *driver.Instance, files map[string][]byte) error {
	return nil
}
func (f *fakeContainer) Destroy(ctx context.Context, inst *driver.Instance) error { return nil }

func (f *fakeContainer) CommitImage(ctx context.Context, inst *driver.Instance, tag string) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committedTags = append(f.committedTags, tag)
	return nil
}

func (f *fakeContainer) BootFromImage(ctx context.Context, params driver.BootParams, tag string) (*driver.Instance, error) {
	f.bootedTag = tag
	return &driver.Instance{Name: params.Name, Backend: types.BackendContainer}, nil
}

func testEnv() *types.Environment {
	return &types.Environment{
		Id:        1,
		Backend:   types.BackendContainer,
		RepoOwner: "acme",
		RepoName:  "webapp",
		Branch:    "feature/New-UI",
	}
}

func TestCreateCommitsAndMarksReady(t *testing.T) {
	backend := repository.NewMemoryBackend()
	m := NewManager(types.CheckpointConfig{}, backend)
	fc := &fakeContainer{}
	ctx := context.Background()

	inst := &driver.Instance{Name: "env-1"}
	cp, err := m.Create(ctx, fc, inst, testEnv(), "abcdef1234567890")
	require.NoError(t, err)

	assert.Equal(t, types.SnapshotStatusReady, cp.Status)
	require.Len(t, fc.committedTags, 1)
	assert.Equal(t, cp.ImageTag, fc.committedTags[0])

	// Image tags are lowercase with the branch sanitized.
	assert.NotContains(t, cp.ImageTag, "/New-UI")
	assert.Contains(t, cp.ImageTag, "abcdef123456")
}

func TestCreateFailureRecordsError(t *testing.T) {
	backend := repository.NewMemoryBackend()
	m := NewManager(types.CheckpointConfig{}, backend)
	fc := &fakeContainer{commitErr: errors.New("commit failed")}
	ctx := context.Background()

	_, err := m.Create(ctx, fc, &driver.Instance{Name: "env-1"}, testEnv(), "abc")
	require.Error(t, err)

	_, err = backend.GetReadyCheckpoint(ctx, "acme", "webapp", "feature/New-UI")
	var notFound *types.ErrCheckpointNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestRestoreBootsFromReadyImage(t *testing.T) {
	backend := repository.NewMemoryBackend()
	m := NewManager(types.CheckpointConfig{}, backend)
	fc := &fakeContainer{}
	ctx := context.Background()

	cp, err := m.Create(ctx, fc, &driver.Instance{Name: "env-1"}, testEnv(), "abc")
	require.NoError(t, err)

	inst, used, err := m.Restore(ctx, fc, driver.BootParams{Name: "env-2"}, "acme", "webapp", "feature/New-UI")
	require.NoError(t, err)
	assert.Equal(t, "env-2", inst.Name)
	assert.Equal(t, cp.ExternalId, used.ExternalId)
	assert.Equal(t, cp.ImageTag, fc.bootedTag)
}

func TestSecondCheckpointSupersedesFirst(t *testing.T) {
	backend := repository.NewMemoryBackend()
	m := NewManager(types.CheckpointConfig{}, backend)
	fc := &fakeContainer{}
	ctx := context.Background()

	_, err := m.Create(ctx, fc, &driver.Instance{Name: "env-1"}, testEnv(), "sha1")
	require.NoError(t, err)

	second, err := m.Create(ctx, fc, &driver.Instance{Name: "env-1"}, testEnv(), "sha2")
	require.NoError(t, err)

	ready, err := backend.GetReadyCheckpoint(ctx, "acme", "webapp", "feature/New-UI")
	require.NoError(t, err)
	assert.Equal(t, second.ExternalId, ready.ExternalId)
}
