// Package remoteexec bootstraps and tears down k3s on a freshly created
// server (C3): it waits for cloud-init to finish over SSH, then runs the
// k3s install/join commands and polls for readiness.
package remoteexec

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/datainfrapilot/datainfrapilot/pkg/log"
)

// Client runs commands over SSH against a single host, re-dialing per
// command so a rebooting node during cloud-init doesn't wedge the
// connection open.
type Client struct {
	host       string
	port       int
	user       string
	signer     ssh.Signer
	dialTimeout time.Duration
}

func NewClient(host string, port int, user string, privateKeyPEM []byte) (*Client, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("remoteexec: parse private key: %w", err)
	}
	return &Client{host: host, port: port, user: user, signer: signer, dialTimeout: 10 * time.Second}, nil
}

func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	config := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.dialTimeout,
	}

	var conn net.Conn
	var err error
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err = dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("remoteexec: dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, fmt.Errorf("remoteexec: handshake %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Run executes a single command and returns combined stdout+stderr. The
// caller's context deadline governs the whole dial+session+wait; the spec's
// default SSH command deadline is 300s.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("remoteexec: new session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return out.String(), ctx.Err()
	case err := <-done:
		return out.String(), err
	}
}

type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// WaitForCloudInit polls for cloud-init's completion marker file before any
// bootstrap command runs, or ctx expires.
func WaitForCloudInit(ctx context.Context, client Runner) error {
	return pollUntil(ctx, 5*time.Second, func() (bool, error) {
		_, err := client.Run(ctx, "test -f /var/lib/cloud/instance/boot-finished")
		if err != nil {
			return false, nil // keep polling; the node may still be booting
		}
		return true, nil
	})
}

const (
	k3sDisableFlags = "--disable servicelb --disable local-storage --disable-cloud-controller --write-kubeconfig-mode=644"
)

// InstallControlPlane installs k3s as the cluster's single control-plane
// node and returns the node token workers must present to join.
func InstallControlPlane(ctx context.Context, client Runner, k3sVersion, poolName string) (token string, err error) {
	install := fmt.Sprintf(
		`curl -sfL https://get.k3s.io | INSTALL_K3S_VERSION=%s sh -s - server %s --node-label pool=%s`,
		k3sVersion, k3sDisableFlags, poolName,
	)
	if _, err := client.Run(ctx, install); err != nil {
		return "", fmt.Errorf("remoteexec: install k3s control plane: %w", err)
	}
	if err := WaitForK3sReady(ctx, client); err != nil {
		return "", err
	}
	out, err := client.Run(ctx, "cat /var/lib/rancher/k3s/server/node-token")
	if err != nil {
		return "", fmt.Errorf("remoteexec: read node token: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// JoinWorker installs k3s as an agent joining the cluster at joinURL using
// token, labeled with its pool name.
func JoinWorker(ctx context.Context, client Runner, k3sVersion, joinURL, token, poolName string) error {
	install := fmt.Sprintf(
		`curl -sfL https://get.k3s.io | INSTALL_K3S_VERSION=%s K3S_URL=%s K3S_TOKEN=%s sh -s - agent --node-label pool=%s`,
		k3sVersion, joinURL, token, poolName,
	)
	if _, err := client.Run(ctx, install); err != nil {
		return fmt.Errorf("remoteexec: join k3s worker: %w", err)
	}
	return WaitForK3sReady(ctx, client)
}

// WaitForK3sReady polls at 5s intervals until the k3s systemd unit is active
// and the kubeconfig file exists, or the context's deadline (budgeted at
// 10 minutes by the orchestrator) expires.
func WaitForK3sReady(ctx context.Context, client Runner) error {
	return pollUntil(ctx, 5*time.Second, func() (bool, error) {
		activeOut, err := client.Run(ctx, "systemctl is-active k3s || systemctl is-active k3s-agent")
		if err != nil {
			return false, nil
		}
		if !strings.Contains(activeOut, "active") {
			return false, nil
		}
		if _, err := client.Run(ctx, "test -f /etc/rancher/k3s/k3s.yaml || test -f /etc/rancher/k3s/config.yaml.d/50-token.yaml"); err != nil {
			return false, nil
		}
		return true, nil
	})
}

// FetchKubeconfig reads the control plane's kubeconfig and rewrites its
// embedded server address from localhost to the node's public IP so it is
// usable off-box.
func FetchKubeconfig(ctx context.Context, client Runner, publicIP string) (string, error) {
	out, err := client.Run(ctx, "cat /etc/rancher/k3s/k3s.yaml")
	if err != nil {
		return "", fmt.Errorf("remoteexec: fetch kubeconfig: %w", err)
	}
	rewritten := strings.ReplaceAll(out, "127.0.0.1", publicIP)
	return rewritten, nil
}

func pollUntil(ctx context.Context, interval time.Duration, check func() (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("remoteexec: timed out waiting for readiness: %w", ctx.Err())
		case <-ticker.C:
			log.Debug("remoteexec: readiness check not yet satisfied, retrying")
		}
	}
}

var _ Runner = (*Client)(nil)
