package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/paulschiretz/pgl-volback/pkg/plog"
	"github.com/paulschiretz/pgl-volback/pkg/util"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig holds all parameters required to establish an SSH connection.
type SSHConfig struct {
	Host string // Hostname, IP address, or ~/.ssh/config alias
	Port int    // Port number (0 = resolve from ssh config, default 22)
	User string // Username to authenticate as (empty = resolve from ssh config)

	// Authentication methods (tried in order)
	PrivateKeyPath string // Path to a private key file (e.g. "~/.ssh/id_ed25519")
	UseAgent       bool   // If true, attempt to connect to SSH_AUTH_SOCK

	KnownHostsPath     string // Path to known_hosts (default "~/.ssh/known_hosts")
	InsecureSkipVerify bool   // If true, disables host key checking. Use ONLY for testing.

	Timeout time.Duration // Connection timeout (default 10s)
}

// Resolve fills empty fields from the user's ~/.ssh/config (HostName, User,
// Port, IdentityFile), mirroring what plain `ssh <alias>` would do.
func (c SSHConfig) Resolve() SSHConfig {
	resolved := c
	if hostname := ssh_config.Get(c.Host, "HostName"); hostname != "" {
		resolved.Host = hostname
	}
	if resolved.User == "" {
		resolved.User = ssh_config.Get(c.Host, "User")
	}
	if resolved.Port == 0 {
		if p, err := strconv.Atoi(ssh_config.Get(c.Host, "Port")); err == nil && p > 0 {
			resolved.Port = p
		}
	}
	if resolved.PrivateKeyPath == "" {
		resolved.PrivateKeyPath = ssh_config.Get(c.Host, "IdentityFile")
	}
	if resolved.Port == 0 {
		resolved.Port = 22
	}
	if resolved.Timeout == 0 {
		resolved.Timeout = 10 * time.Second
	}
	if resolved.KnownHostsPath == "" {
		resolved.KnownHostsPath = "~/.ssh/known_hosts"
	}
	return resolved
}

// Client is an SSH-backed implementation of Runner and Downloader.
// One Client holds one connection; each Run opens its own session.
type Client struct {
	conn *ssh.Client
	addr string
}

// Dial connects to the remote host described by cfg.
func Dial(cfg SSHConfig) (*Client, error) {
	cfg = cfg.Resolve()

	if cfg.Host == "" {
		return nil, errors.New("remote host must be configured")
	}
	if cfg.User == "" {
		return nil, errors.New("remote user must be configured")
	}

	auth, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, err
	}
	if len(auth) == 0 {
		return nil, errors.New("no usable SSH authentication method (configure a key file or enable the agent)")
	}

	hostKeyCallback, err := buildHostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	plog.Debug("Dialing remote host", "addr", addr, "user", cfg.User)
	conn, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &Client{conn: conn, addr: addr}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Addr returns the resolved host:port this client is connected to.
func (c *Client) Addr() string {
	return c.addr
}

// Run executes one command in a fresh session. Cancellation of ctx kills the
// remote process via SIGKILL and closes the session.
func (c *Client) Run(ctx context.Context, command string) (string, string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	plog.Debug("Running remote command", "command", command)
	if err := session.Start(command); err != nil {
		return "", "", fmt.Errorf("failed to start remote command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		// Best effort: the remote sshd may not deliver the signal, but closing
		// the session tears down the channel either way.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		return stdout.String(), stderr.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), stderr.String(), &ExitError{
					Command:  command,
					ExitCode: exitErr.ExitStatus(),
					Stderr:   stderr.String(),
				}
			}
			return stdout.String(), stderr.String(), fmt.Errorf("remote command failed: %w", err)
		}
		return stdout.String(), stderr.String(), nil
	}
}

func buildAuthMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.PrivateKeyPath != "" {
		keyPath, err := util.ExpandPath(cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		keyData, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key %s: %w", keyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				plog.Warn("SSH agent socket unavailable, skipping agent auth", "error", err)
			} else {
				agentClient := agent.NewClient(conn)
				methods = append(methods, ssh.PublicKeysCallback(agentClient.Signers))
			}
		}
	}

	return methods, nil
}

func buildHostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureSkipVerify {
		plog.Warn("Host key verification is DISABLED")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path, err := util.ExpandPath(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts %s: %w", path, err)
	}
	return callback, nil
}
