// Package remote runs commands on devices over SSH.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	DefaultUser           = "torizon"
	DefaultConnectTimeout = 15 * time.Second
	// DefaultHandshakeTimeout bounds the banner exchange, which is slow through the relay.
	DefaultHandshakeTimeout = 60 * time.Second
)

// Credentials authenticate against a device. At least one of Password and
// Signer must be set.
type Credentials struct {
	User     string
	Password string
	Signer   ssh.Signer
	// HostKeyCallback defaults to accepting any host key.
	HostKeyCallback ssh.HostKeyCallback
}

func (c Credentials) clientConfig(timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.Signer != nil {
		auth = append(auth, ssh.PublicKeys(c.Signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("remote: no password or private key configured")
	}
	user := c.User
	if user == "" {
		user = DefaultUser
	}
	hostKey := c.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Dialer opens SSH connections to devices.
type Dialer struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Dial connects to address:port and authenticates with creds. ctx bounds the
// TCP connect and the SSH handshake.
func (d *Dialer) Dial(ctx context.Context, address string, port int, creds Credentials) (*Conn, error) {
	connectTimeout := d.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	handshakeTimeout := d.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := creds.clientConfig(connectTimeout)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(address, strconv.Itoa(port))
	nd := net.Dialer{Timeout: connectTimeout}
	netConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Now().Add(handshakeTimeout))
	stop := context.AfterFunc(ctx, func() { _ = netConn.SetDeadline(time.Unix(1, 0)) })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	stop()
	if err != nil {
		_ = netConn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake %s: %w", addr, ctxErr)
		}
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	logger.Debug("ssh connected", "addr", addr, "user", cfg.User)
	return &Conn{client: ssh.NewClient(sshConn, chans, reqs), addr: addr, logger: logger}, nil
}

// Conn is an authenticated SSH connection to one device.
type Conn struct {
	client *ssh.Client
	addr   string
	logger *slog.Logger
}

// Close closes the connection.
func (c *Conn) Close() error { return c.client.Close() }

// Run executes cmd and waits for it. A non-zero exit status is reported in
// Result.ExitCode, not as an error; errors mean the command could not be run
// to completion. Cancelling ctx kills the command.
func (c *Conn) Run(ctx context.Context, cmd string) (Result, error) {
	var stdout, stderr bytes.Buffer
	err := c.exec(ctx, cmd, &stdout, &stderr)
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		err = nil
	}
	if err != nil {
		return res, fmt.Errorf("run %q on %s: %w", cmd, c.addr, err)
	}
	c.logger.Debug("command finished", "addr", c.addr, "cmd", cmd, "exit_code", res.ExitCode)
	return res, nil
}

// Fetch copies remotePath from the device into localPath, creating parent
// directories as needed.
func (c *Conn) Fetch(ctx context.Context, remotePath, localPath string) error {
	if dir := filepath.Dir(localPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	runErr := c.exec(ctx, "cat -- "+shellQuote(remotePath), f, &stderr)
	closeErr := f.Close()
	if runErr != nil {
		_ = os.Remove(localPath)
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("fetch %s from %s: %w: %s", remotePath, c.addr, runErr, msg)
		}
		return fmt.Errorf("fetch %s from %s: %w", remotePath, c.addr, runErr)
	}
	return closeErr
}

func (c *Conn) exec(ctx context.Context, cmd string, stdout, stderr io.Writer) error {
	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(cmd); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return ctx.Err()
	}
}

// shellQuote single-quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Connection is an open command channel to a device. *Conn implements it.
type Connection interface {
	Run(ctx context.Context, cmd string) (Result, error)
	Fetch(ctx context.Context, remotePath, localPath string) error
	Close() error
}

var _ Connection = (*Conn)(nil)
