package remoteexec

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	responses map[string]string
	calls     []string
}

func (f *fakeRunner) Run(ctx context.Context, command string) (string, error) {
	f.calls = append(f.calls, command)
	for prefix, resp := range f.responses {
		if strings.HasPrefix(command, prefix) {
			return resp, nil
		}
	}
	return "", fmt.Errorf("fakeRunner: no response configured for %q", command)
}

func TestWaitForCloudInitSucceedsImmediately(t *testing.T) {
	runner := &fakeRunner{responses: map[string]string{
		"test -f /var/lib/cloud/instance/boot-finished": "",
	}}
	err := WaitForCloudInit(context.Background(), runner)
	require.NoError(t, err)
}

func TestWaitForCloudInitTimesOut(t *testing.T) {
	runner := &fakeRunner{}
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)

	err := WaitForCloudInit(ctx, runner)
	require.Error(t, err)
}

func TestInstallControlPlaneReturnsToken(t *testing.T) {
	runner := &fakeRunner{responses: map[string]string{
		"curl -sfL":               "",
		"systemctl is-active k3s": "active",
		"test -f":                 "",
		"cat /var/lib/rancher":    "  abc123token\n",
	}}
	token, err := InstallControlPlane(context.Background(), runner, "v1.30.4+k3s1", "control-plane")
	require.NoError(t, err)
	require.Equal(t, "abc123token", token)
}

func TestJoinWorkerUsesToken(t *testing.T) {
	runner := &fakeRunner{responses: map[string]string{
		"curl -sfL":               "",
		"systemctl is-active k3s": "active",
		"test -f":                 "",
	}}
	err := JoinWorker(context.Background(), runner, "v1.30.4+k3s1", "https://10.0.0.1:6443", "abc123token", "workers")
	require.NoError(t, err)

	var joinCmd string
	for _, c := range runner.calls {
		if strings.Contains(c, "K3S_TOKEN=abc123token") {
			joinCmd = c
		}
	}
	require.NotEmpty(t, joinCmd)
	require.Contains(t, joinCmd, "K3S_URL=https://10.0.0.1:6443")
	require.Contains(t, joinCmd, "--node-label pool=workers")
}

func TestFetchKubeconfigRewritesLocalhost(t *testing.T) {
	runner := &fakeRunner{responses: map[string]string{
		"cat /etc/rancher/k3s/k3s.yaml": "server: https://127.0.0.1:6443\n",
	}}
	out, err := FetchKubeconfig(context.Background(), runner, "5.6.7.8")
	require.NoError(t, err)
	require.Contains(t, out, "https://5.6.7.8:6443")
	require.NotContains(t, out, "127.0.0.1")
}
