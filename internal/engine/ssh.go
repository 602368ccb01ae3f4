package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

const defaultRemoteSocket = "/var/run/docker.sock"

// sshTunnel forwards engine connections to the remote daemon socket.
type sshTunnel struct {
	client *ssh.Client
	socket string
}

func dialSSH(ctx context.Context, u *url.URL, target Target) (*sshTunnel, error) {
	if len(target.SSHKey) == 0 {
		return nil, domain.Validationf("node %s has no ssh key", target.NodeID)
	}
	signer, err := ssh.ParsePrivateKey(target.SSHKey)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	user := target.SSHUser
	if u.User != nil && u.User.Username() != "" {
		user = u.User.Username()
	}
	if user == "" {
		user = "root"
	}
	port := target.SSHPort
	if p := u.Port(); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil {
			port = parsed
		}
	}
	if port == 0 {
		port = domain.DefaultSSHPort
	}
	socket := defaultRemoteSocket
	if u.Path != "" && u.Path != "/" {
		socket = u.Path
	}

	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// TODO: verify against a pinned host key once nodes store a fingerprint.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := net.JoinHostPort(u.Hostname(), strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w: %w", addr, domain.ErrNodeUnreachable, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w: %w", addr, domain.ErrNodeUnreachable, err)
	}
	return &sshTunnel{client: ssh.NewClient(sshConn, chans, reqs), socket: socket}, nil
}

// DialContext ignores the requested address and opens the remote socket.
func (t *sshTunnel) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := t.client.Dial("unix", t.socket)
	if err != nil {
		return nil, fmt.Errorf("ssh forward %s: %w", t.socket, err)
	}
	return conn, nil
}

// Close shuts the ssh connection.
func (t *sshTunnel) Close() error {
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
