package shell

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
	"sync"
	"time"

	"deploytool/internal/security"
	"deploytool/pkg/cmdutil"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

const (
	DefaultSSHPort     = 22
	DefaultDialTimeout = 15 * time.Second
)

// SSHConfig holds connection settings for one host.
type SSHConfig struct {
	Host string
	Port int
	User string

	// IdentityFiles are tried in order; missing files are skipped.
	IdentityFiles []string

	// Password enables password authentication when non-empty.
	Password string

	// KnownHostsFile verifies the host key. Defaults to ~/.ssh/known_hosts.
	KnownHostsFile string

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool

	DialTimeout time.Duration
}

// Address returns host:port.
func (c SSHConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSH runs commands on a remote host over one SSH connection.
// Each command gets its own session.
type SSH struct {
	client *ssh.Client
	agent  io.Closer
	config SSHConfig
	logger *slog.Logger
}

// DialSSH connects and authenticates to cfg.Host.
func DialSSH(ctx context.Context, cfg SSHConfig, logger *slog.Logger) (*SSH, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh: host is required")
	}

	auth, agentConn, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	closeAgent := func() {
		if agentConn != nil {
			agentConn.Close()
		}
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		closeAgent()
		return nil, err
	}

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address())
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("ssh: dial %s: %w", cfg.Address(), err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.Address(), clientConfig)
	if err != nil {
		conn.Close()
		closeAgent()
		return nil, fmt.Errorf("ssh: handshake with %s: %w", cfg.Address(), err)
	}

	logger.Debug("ssh connected", "host", cfg.Address(), "user", cfg.User)

	return &SSH{
		client: ssh.NewClient(c, chans, reqs),
		agent:  agentConn,
		config: cfg,
		logger: logger,
	}, nil
}

// authMethods collects the usable auth methods. The returned agent
// connection, if any, must stay open for the life of the client.
func authMethods(cfg SSHConfig) (methods []ssh.AuthMethod, agentConn io.Closer, err error) {
	var agentSock net.Conn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, dialErr := net.Dial("unix", sock); dialErr == nil {
			agentSock = conn
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	defer func() {
		if err != nil && agentSock != nil {
			agentSock.Close()
		}
	}()

	var signers []ssh.Signer
	for _, path := range cfg.IdentityFiles {
		path = expandHome(path)
		key, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, fmt.Errorf("ssh: read identity %s: %w", path, err)
		}
		if err := security.ValidateSecurePermissions(path); err != nil {
			return nil, nil, fmt.Errorf("ssh: %w", err)
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				// Encrypted keys are expected to be served by the agent.
				continue
			}
			return nil, nil, fmt.Errorf("ssh: parse identity %s: %w", path, err)
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, nil, fmt.Errorf("ssh: no authentication method available for %s (start an agent, configure an identity file or a password)", cfg.Address())
	}
	return methods, agentSock, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHostsFile
	if path == "" {
		path = "~/.ssh/known_hosts"
	}

	callback, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("ssh: load known hosts %s: %w", path, err)
	}
	return callback, nil
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

// Run executes cmd in a new session.
func (s *SSH) Run(ctx context.Context, cmd Command) (*Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh: open session on %s: %w", s.Host(), err)
	}
	defer session.Close()

	var output syncBuffer
	session.Stdout = &output
	session.Stderr = &output
	if cmd.Stdin != nil {
		session.Stdin = cmd.Stdin
	}

	line := Redact(cmd, cmd.Line)
	s.logger.Debug("run", "host", s.Host(), "command", line)

	start := time.Now()
	err = s.wait(ctx, session, func() error { return session.Run(Script(cmd)) })

	result := &Result{
		Output:   Redact(cmd, output.String()),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &ExitError{Line: line, ExitCode: result.ExitCode, Output: result.Output}
		}
		result.ExitCode = -1
		return result, fmt.Errorf("ssh: run %q on %s: %w", line, s.Host(), err)
	}

	return result, nil
}

// wait runs fn and kills the session when ctx is cancelled first.
func (s *SSH) wait(ctx context.Context, session *ssh.Session, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return ctx.Err()
	}
}

// Upload streams r into path through cat.
func (s *SSH) Upload(ctx context.Context, r io.Reader, path string, mode os.FileMode) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh: open session on %s: %w", s.Host(), err)
	}
	defer session.Close()

	var output syncBuffer
	session.Stdin = r
	session.Stdout = &output
	session.Stderr = &output

	line := fmt.Sprintf("cat > %s && chmod %o %s", cmdutil.Quote(path), mode.Perm(), cmdutil.Quote(path))
	if err := s.wait(ctx, session, func() error { return session.Run(line) }); err != nil {
		return fmt.Errorf("ssh: upload %s to %s: %w: %s", path, s.Host(), err, output.String())
	}
	return nil
}

// Download streams path into w through cat.
func (s *SSH) Download(ctx context.Context, path string, w io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh: open session on %s: %w", s.Host(), err)
	}
	defer session.Close()

	var stderr syncBuffer
	session.Stdout = w
	session.Stderr = &stderr

	line := "cat " + cmdutil.Quote(path)
	if err := s.wait(ctx, session, func() error { return session.Run(line) }); err != nil {
		return fmt.Errorf("ssh: download %s from %s: %w: %s", path, s.Host(), err, stderr.String())
	}
	return nil
}

// Shell opens an interactive shell with a pseudo terminal. When stdin is
// a terminal it is switched to raw mode for the duration of the session.
func (s *SSH) Shell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh: open session on %s: %w", s.Host(), err)
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	width, height := 80, 24
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		if w, h, err := term.GetSize(fd); err == nil {
			width, height = w, h
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("ssh: set terminal raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", height, width, modes); err != nil {
		return fmt.Errorf("ssh: request pty: %w", err)
	}

	if err := session.Shell(); err != nil {
		return fmt.Errorf("ssh: start shell: %w", err)
	}

	err = s.wait(ctx, session, session.Wait)
	var exitErr *ssh.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return nil
	}
	return fmt.Errorf("ssh: shell on %s: %w", s.Host(), err)
}

// Host returns user@host:port.
func (s *SSH) Host() string {
	if s.config.User == "" {
		return s.config.Address()
	}
	return s.config.User + "@" + s.config.Address()
}

// Close closes the connection and the agent connection, if any.
func (s *SSH) Close() error {
	var result *multierror.Error
	if err := s.client.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if s.agent != nil {
		if err := s.agent.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("ssh: close agent: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// syncBuffer serialises the stdout and stderr copiers of a session.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
