package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/andrej220/goldenimage/pkg/lg"
)

const defaultPort = "22"

// ResilienceConfig holds the retry policy for connection establishment and
// the breaker settings for session creation. Step execution is never
// retried.
type ResilienceConfig struct {
	BackoffSettings        *backoff.ExponentialBackOff
	CircuitBreakerSettings gobreaker.Settings
}

func DefaultResilienceConfig() *ResilienceConfig {
	return &ResilienceConfig{
		BackoffSettings: &backoff.ExponentialBackOff{
			InitialInterval:     500 * time.Millisecond,
			MaxInterval:         5 * time.Second,
			MaxElapsedTime:      30 * time.Second,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		},
		CircuitBreakerSettings: gobreaker.Settings{
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		},
	}
}

// SSHOptions configures an SSHDialer.
type SSHOptions struct {
	DialTimeout time.Duration
	// KnownHosts is an OpenSSH known_hosts file. Empty disables host key
	// checking, which is only acceptable for throwaway build hosts.
	KnownHosts string
	Resilience *ResilienceConfig
}

// SSHDialer opens SSH sessions on build hosts.
type SSHDialer struct {
	creds  CredentialResolver
	shell  Shell
	opts   SSHOptions
	logger lg.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewSSHDialer(creds CredentialResolver, shell Shell, opts SSHOptions, logger lg.Logger) *SSHDialer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Resilience == nil {
		opts.Resilience = DefaultResilienceConfig()
	}
	if shell == nil {
		shell = PowerShell{}
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &SSHDialer{
		creds:    creds,
		shell:    shell,
		opts:     opts,
		logger:   logger,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// breaker returns the session breaker for addr. Breakers outlive sessions so
// a host that keeps dropping channels trips across invocations.
func (d *SSHDialer) breaker(addr string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.breakers[addr]
	if !ok {
		st := d.opts.Resilience.CircuitBreakerSettings
		st.Name = "ssh-session:" + addr
		cb = gobreaker.NewCircuitBreaker(st)
		d.breakers[addr] = cb
	}
	return cb
}

// Open resolves the target's credential and connects, retrying with backoff
// until the policy gives up or ctx ends. Authentication failures are not
// retried.
func (d *SSHDialer) Open(ctx context.Context, t Target) (Session, error) {
	if d.creds == nil {
		return nil, ErrNoCredential
	}
	cred, err := d.creds.Resolve(ctx, t.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("credential %q: %w", t.CredentialRef, err)
	}
	cfg, err := d.clientConfig(t, cred)
	if err != nil {
		return nil, err
	}
	addr := HostPort(t.Address)

	var client *ssh.Client
	operation := func() error {
		c, err := dialContext(ctx, addr, cfg)
		if err != nil {
			if isAuthError(err) {
				return backoff.Permanent(err)
			}
			d.logger.Warn("ssh dial failed, retrying", lg.String("address", addr), lg.Err(err))
			return err
		}
		client = c
		return nil
	}
	b := *d.opts.Resilience.BackoffSettings
	b.Reset()
	if err := backoff.Retry(operation, backoff.WithContext(&b, ctx)); err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	d.logger.Info("ssh connection established", lg.String("address", addr), lg.String("user", cfg.User))
	return &sshSession{client: client, cb: d.breaker(addr), shell: d.shell}, nil
}

func (d *SSHDialer) clientConfig(t Target, cred Credential) (*ssh.ClientConfig, error) {
	user := t.User
	if user == "" {
		user = cred.User
	}
	if user == "" {
		return nil, fmt.Errorf("%w: no user for %s", ErrNoCredential, t.Address)
	}
	auth, err := authMethods(cred)
	if err != nil {
		return nil, err
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if d.opts.KnownHosts != "" {
		hostKey, err = knownhosts.New(d.opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         d.opts.DialTimeout,
		BannerCallback:  func(message string) error { return nil }, //ignore banner
	}, nil
}

func authMethods(cred Credential) ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if cred.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		auth = append(auth, ssh.Password(cred.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: neither password nor private key", ErrNoCredential)
	}
	return auth, nil
}

// HostPort appends the default SSH port when address has none.
func HostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), defaultPort)
}

func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

type sshSession struct {
	client *ssh.Client
	cb     *gobreaker.CircuitBreaker
	shell  Shell

	mu     sync.Mutex
	closed bool
}

func (s *sshSession) RunCommand(ctx context.Context, line string) (Result, error) {
	return s.run(ctx, s.shell.Command(line))
}

func (s *sshSession) RunScript(ctx context.Context, body string) (Result, error) {
	return s.run(ctx, s.shell.Script(body))
}

func (s *sshSession) EnsureDir(ctx context.Context, dir string) (Result, error) {
	return s.run(ctx, s.shell.MakeDir(dir))
}

func (s *sshSession) Fetch(ctx context.Context, url, dir, name string) (Result, error) {
	return s.run(ctx, s.shell.Fetch(url, dir, name))
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// run executes cmd on a fresh channel. Each command gets its own SSH
// session; the breaker guards opening it.
func (s *sshSession) run(ctx context.Context, cmd string) (Result, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Result{}, ErrClosed
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.NewSession()
	})
	if err != nil {
		return Result{}, fmt.Errorf("new session: %w", err)
	}
	sess := res.(*ssh.Session)
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case err = <-done:
	}

	out := Result{Stdout: scanLines(&stdout), Stderr: scanLines(&stderr)}
	status, err := exitStatus(err)
	if err != nil {
		return out, err
	}
	out.Status = status
	return out, nil
}

// exitStatus separates a command that ran and failed from a channel that
// broke underneath it.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return 0, fmt.Errorf("remote command ended without status: %w", err)
	}
	return 0, fmt.Errorf("remote command: %w", err)
}

func scanLines(r io.Reader) []string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
