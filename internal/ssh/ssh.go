package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/eniac111/proxyops/internal/types"
)

// KeyringPrefix marks a target password that is stored in the OS keyring
// under the given service name, with the target user as the account.
const KeyringPrefix = "keyring:"

// Conn is a live session to a target.
type Conn interface {
	// Run executes cmd, streaming output into stdout and stderr. A nonzero
	// exit is reported through the status with a nil error; err is set only
	// when the command could not run to completion.
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (status int, err error)
	// Upload writes data to remotePath over SFTP.
	Upload(ctx context.Context, data []byte, remotePath string) error
	Close() error
}

// Dialer opens new sessions.
type Dialer interface {
	Dial(ctx context.Context, t types.Target) (Conn, error)
}

// ClientDialer dials targets with golang.org/x/crypto/ssh.
type ClientDialer struct {
	Timeout time.Duration
	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string
	// KeepAlive sends a keepalive request at this interval on idle sessions.
	KeepAlive time.Duration
	// Secret resolves keyring references. Defaults to keyring.Get.
	Secret func(service, user string) (string, error)
}

// Dial opens an SSH connection using exactly one credential mode. Key
// material wins over a password when both are set.
func (d ClientDialer) Dial(ctx context.Context, t types.Target) (Conn, error) {
	auth, err := d.authMethod(t)
	if err != nil {
		return nil, err
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if d.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(d.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := t.SSHAddr()
	nd := net.Dialer{}
	netConn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", addr, err, types.ErrConnectivity)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("ssh handshake with %s: %v: %w", addr, err, types.ErrAuthentication)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %v: %w", addr, err, types.ErrConnectivity)
	}
	_ = netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	conn := &clientConn{client: client, done: make(chan struct{})}
	if d.KeepAlive > 0 {
		go conn.keepAlive(d.KeepAlive)
	}
	return conn, nil
}

// CredentialMode reports which credential a dial would use for t.
func CredentialMode(t types.Target) (string, error) {
	switch {
	case t.Key != "":
		return "key", nil
	case t.Password != "":
		return "password", nil
	default:
		return "", fmt.Errorf("target %s has no key or password: %w", t.ID, types.ErrAuthentication)
	}
}

func (d ClientDialer) authMethod(t types.Target) (ssh.AuthMethod, error) {
	mode, err := CredentialMode(t)
	if err != nil {
		return nil, err
	}
	if mode == "key" {
		signer, err := ssh.ParsePrivateKey([]byte(t.Key))
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %v: %w", err, types.ErrAuthentication)
		}
		return ssh.PublicKeys(signer), nil
	}
	password, err := d.resolvePassword(t)
	if err != nil {
		return nil, err
	}
	return ssh.Password(password), nil
}

func (d ClientDialer) resolvePassword(t types.Target) (string, error) {
	service, ok := strings.CutPrefix(t.Password, KeyringPrefix)
	if !ok {
		return t.Password, nil
	}
	lookup := d.Secret
	if lookup == nil {
		lookup = keyring.Get
	}
	secret, err := lookup(service, t.User)
	if err != nil {
		return "", fmt.Errorf("keyring lookup %q for %s: %v: %w", service, t.User, err, types.ErrAuthentication)
	}
	return secret, nil
}

type clientConn struct {
	client *ssh.Client
	done   chan struct{}
	once   sync.Once
}

func (c *clientConn) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}

// Run executes a command on the remote host.
func (c *clientConn) Run(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open session: %v: %w", err, types.ErrConnectivity)
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("start command: %v: %w", err, types.ErrConnectivity)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return -1, ctx.Err()
	case err := <-waitErr:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("wait for command: %v: %w", err, types.ErrConnectivity)
	}
}

// Upload uses SFTP to copy in-memory bytes to a remote file.
func (c *clientConn) Upload(ctx context.Context, data []byte, remotePath string) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("open sftp: %v: %w", err, types.ErrConnectivity)
	}
	defer sftpClient.Close()

	errCh := make(chan error, 1)
	go func() {
		dstFile, err := sftpClient.Create(remotePath)
		if err != nil {
			errCh <- fmt.Errorf("create %s: %w", remotePath, err)
			return
		}
		defer dstFile.Close()
		_, err = io.Copy(dstFile, bytes.NewReader(data))
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		_ = sftpClient.Close()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (c *clientConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.client.Close()
}
