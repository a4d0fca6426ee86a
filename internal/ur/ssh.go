package ur

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/devghori1264/aerophoenix/cnapi/internal/models"
	"golang.org/x/crypto/ssh"
)

const (
	defaultSSHPort        = 22
	defaultSSHDialTimeout = 10 * time.Second
	sysinfoCommand        = "/usr/bin/sysinfo"
)

// SSHConfig describes how to reach nodes over the admin network. A node's
// host name is its uuid followed by HostSuffix.
type SSHConfig struct {
	User        string
	PrivateKey  []byte
	Port        int
	HostSuffix  string
	DialTimeout time.Duration

	// HostKeyCallback verifies node host keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

// SSHClient runs scripts by piping them into bash over SSH. A connection
// is opened per call.
type SSHClient struct {
	cfg    SSHConfig
	signer ssh.Signer
}

// NewSSHClient validates cfg and parses the private key once.
func NewSSHClient(cfg SSHConfig) (*SSHClient, error) {
	if cfg.User == "" {
		return nil, errors.New("ssh user cannot be empty")
	}
	if len(cfg.PrivateKey) == 0 {
		return nil, errors.New("ssh private key cannot be empty")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSSHPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultSSHDialTimeout
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // admin network only
	}
	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &SSHClient{cfg: cfg, signer: signer}, nil
}

func (c *SSHClient) addr(serverID string) string {
	return net.JoinHostPort(serverID+c.cfg.HostSuffix, strconv.Itoa(c.cfg.Port))
}

func (c *SSHClient) dial(ctx context.Context, serverID string) (*ssh.Client, error) {
	addr := c.addr(serverID)
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.signer)},
		HostKeyCallback: c.cfg.HostKeyCallback,
		Timeout:         c.cfg.DialTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sc, chans, reqs), nil
}

func (c *SSHClient) Execute(ctx context.Context, serverID string, s Script) (*Result, error) {
	cmd, err := shellCommand(s)
	if err != nil {
		return nil, err
	}

	client, err := c.dial(ctx, serverID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session on %s: %w", serverID, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdin = strings.NewReader(s.Script)
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = client.Close()
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitStatus()
	case err != nil:
		return nil, fmt.Errorf("run on %s: %w", serverID, err)
	}
	return checkResult(serverID, res)
}

func (c *SSHClient) Sysinfo(ctx context.Context, serverID string) (models.Sysinfo, error) {
	res, err := c.Execute(ctx, serverID, Script{Script: sysinfoCommand + "\n"})
	if err != nil {
		return nil, err
	}
	return decodeSysinfo(serverID, []byte(res.Stdout))
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// shellCommand builds the remote command line; the script body itself is
// fed on stdin.
func shellCommand(s Script) (string, error) {
	parts := []string{"/usr/bin/env"}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		if !envName.MatchString(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+shellQuote(s.Env[k]))
	}
	parts = append(parts, "/bin/bash", "-s", "--")
	for _, a := range s.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " "), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
