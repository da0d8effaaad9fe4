// Package transport implements the two ways cumin can run a Command on
// a host: over SSH, or as a local subprocess (used for development and
// for hosts that are actually the control machine itself).
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/freitascorp/cumin/pkg/command"
	"github.com/freitascorp/cumin/pkg/cuminerrors"
	"github.com/freitascorp/cumin/pkg/resilience"
)

// defaultMaxConcurrentDials bounds how many TCP dials and SSH handshakes
// run at once, independent of the executor's fanout cap: a large fleet's
// dial/handshake phase is often the real bottleneck, separate from how
// many commands are running at a time.
const defaultMaxConcurrentDials = 64

// SSHConfig configures the SSH transport's connections. Auth methods are
// offered in order: the private key in PrivateKeyFile (if set), then
// Password (if set). No ssh-agent socket is used.
type SSHConfig struct {
	User               string
	Port               int
	PrivateKeyFile     string
	Password           string
	ConnectTimeout     time.Duration
	HostKeyCallback    ssh.HostKeyCallback // nil means ssh.InsecureIgnoreHostKey()
	SSHOptions         []string            // recorded for parity with clustershell.ssh_options, unused directly
	MaxConcurrentDials int                 // 0 means defaultMaxConcurrentDials
}

// SSHTransport dials a fresh connection per host per Run call. Cumin's
// command fan-out is bounded by the executor's fanout cap; the dial and
// handshake phase is bounded separately by a bulkhead, since a large
// fleet's connection setup is often the real bottleneck and should not
// be tied to how many commands are running at once.
type SSHTransport struct {
	cfg          SSHConfig
	signer       ssh.Signer
	dialBulkhead *resilience.Bulkhead
}

// NewSSHTransport builds an SSH transport. If cfg.PrivateKeyFile is set
// it is parsed eagerly so misconfiguration surfaces at startup rather
// than on the first dial.
func NewSSHTransport(cfg SSHConfig) (*SSHTransport, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	maxDials := cfg.MaxConcurrentDials
	if maxDials <= 0 {
		maxDials = defaultMaxConcurrentDials
	}

	t := &SSHTransport{cfg: cfg, dialBulkhead: resilience.NewBulkhead("ssh-dial", maxDials)}
	if cfg.PrivateKeyFile != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "reading SSH private key %s", cfg.PrivateKeyFile)
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return nil, cuminerrors.Wrap(cuminerrors.ConfigError, err, "parsing SSH private key %s", cfg.PrivateKeyFile)
		}
		t.signer = signer
	}
	return t, nil
}

func (t *SSHTransport) clientConfig() *ssh.ClientConfig {
	var auth []ssh.AuthMethod
	if t.signer != nil {
		auth = append(auth, ssh.PublicKeys(t.signer))
	}
	if t.cfg.Password != "" {
		auth = append(auth, ssh.Password(t.cfg.Password))
	}

	hostKeyCallback := t.cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	cfg := &ssh.ClientConfig{
		User:            t.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.cfg.ConnectTimeout,
	}
	cfg.SetDefaults()
	return cfg
}

// Run dials host, opens a session, and runs cmd.Text, returning its
// exit code and captured stdout/stderr. ctx cancellation closes the
// underlying connection, which aborts the remote command.
func (t *SSHTransport) Run(ctx context.Context, host string, cmd command.Command) (int, []byte, []byte, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", t.cfg.Port))

	var client *ssh.Client
	dialErr := t.dialBulkhead.Execute(ctx, func() error {
		dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return cuminerrors.Wrap(cuminerrors.HostFailure, err, "dialing %s", addr)
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, t.clientConfig())
		if err != nil {
			conn.Close()
			return cuminerrors.Wrap(cuminerrors.HostFailure, err, "SSH handshake with %s", addr)
		}
		client = ssh.NewClient(sshConn, chans, reqs)
		return nil
	})
	if dialErr != nil {
		return -1, nil, nil, dialErr
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return -1, nil, nil, cuminerrors.Wrap(cuminerrors.HostFailure, err, "opening SSH session on %s", host)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd.Text) }()

	select {
	case <-ctx.Done():
		session.Close() // best-effort: prompts the remote process to exit
		return -1, stdout.Bytes(), stderr.Bytes(), ctx.Err()
	case runErr := <-done:
		if runErr == nil {
			return 0, stdout.Bytes(), stderr.Bytes(), nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(runErr, &exitErr); ok {
			return exitErr.ExitStatus(), stdout.Bytes(), stderr.Bytes(), nil
		}
		return -1, stdout.Bytes(), stderr.Bytes(), cuminerrors.Wrap(cuminerrors.HostFailure, runErr, "running command on %s", host)
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
