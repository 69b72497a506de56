package docker

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

const testImage = "alpine:3.20"

func skipIfNoDocker(t *testing.T) *DockerClient {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Docker test in short mode")
	}
	ctx := context.Background()
	cli, err := NewDockerClient(ctx, "")
	if err != nil {
		t.Skip("Docker not available:", err)
	}
	if err := cli.Ping(ctx); err != nil {
		cli.Close()
		t.Skip("Docker not reachable:", err)
	}
	t.Cleanup(func() { cli.Close() })
	return cli
}

func cleanupContainer(t *testing.T, cli *DockerClient, containerID string) {
	t.Helper()
	t.Cleanup(func() {
		cli.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	})
}

func startTestContainer(t *testing.T, cli *DockerClient) string {
	t.Helper()
	ctx := context.Background()

	exists, err := cli.ImageExists(ctx, testImage)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, cli.PullImage(ctx, testImage))
	}

	id, err := cli.CreateContainer(ctx, ContainerSpec{
		Name:    containerName("deploychain-test", "exec"),
		Image:   testImage,
		Command: []string{"sleep", "60"},
		Env:     map[string]string{"DEPLOYCHAIN_ARG_0": "0xabc"},
		Labels:  map[string]string{LabelManaged: "true", LabelUnit: "exec"},
	})
	require.NoError(t, err)
	cleanupContainer(t, cli, id)

	require.NoError(t, cli.StartContainer(ctx, id))
	return id
}

// =============================================================================
// Integration Tests
// =============================================================================

func TestDockerClient_ContainerLifecycle(t *testing.T) {
	cli := skipIfNoDocker(t)
	id := startTestContainer(t, cli)

	info, err := cli.InspectContainer(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, "running", info.State)
	assert.Equal(t, "exec", info.Labels[LabelUnit])
}

func TestDockerClient_Exec(t *testing.T) {
	cli := skipIfNoDocker(t)
	id := startTestContainer(t, cli)
	ctx := context.Background()

	res, err := cli.Exec(ctx, id, ExecSpec{Cmd: []string{"sh", "-c", "echo $DEPLOYCHAIN_ARG_0; echo oops >&2"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "0xabc\n", res.Stdout)
	assert.Equal(t, "oops\n", res.Stderr)

	res, err = cli.Exec(ctx, id, ExecSpec{Cmd: []string{"sh", "-c", "exit 3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestDockerClient_InspectMissing(t *testing.T) {
	cli := skipIfNoDocker(t)

	_, err := cli.InspectContainer(context.Background(), "deploychain-does-not-exist")
	assert.ErrorIs(t, err, ErrContainerNotFound)
}
