package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/campusweb/atlas/internal/config"
)

// Result is the outcome of one command on one host.
type Result struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Error carries the host-keyed result map of a partially or fully failed
// fan-out. Hosts that succeeded keep their results so callers can report
// partial state.
type Error struct {
	Command string
	Results map[string]Result
}

func (e *Error) Error() string {
	raw, err := json.Marshal(e.Results)
	if err != nil {
		return fmt.Sprintf("fanout %q failed", e.Command)
	}
	return fmt.Sprintf("fanout %q failed: %s", e.Command, raw)
}

// Runner executes one command on every host of a role.
type Runner interface {
	Run(ctx context.Context, role Role, command string) (map[string]Result, error)
}

// SSHRunner is the production Runner: public-key SSH, one session per
// host, commands in parallel.
type SSHRunner struct {
	roles     config.RolesConfig
	addr      func(host string) string
	clientCfg *ssh.ClientConfig
}

// NewSSHRunner loads the configured private key and builds the runner.
func NewSSHRunner(cfg *config.Config) (*SSHRunner, error) {
	keyData, err := os.ReadFile(cfg.SSH.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", cfg.SSH.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}
	port := cfg.SSH.Port
	if port == 0 {
		port = 22
	}
	return &SSHRunner{
		roles: cfg.Roles,
		addr:  func(host string) string { return net.JoinHostPort(host, strconv.Itoa(port)) },
		clientCfg: &ssh.ClientConfig{
			User: cfg.SSH.User,
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
			// Hosts are provisioned by the same team; known_hosts pinning
			// is handled at the image level.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		},
	}, nil
}

// Run executes command on every host of role in parallel and collects
// per-host results. The ctx deadline bounds each host's dial and run; a
// non-nil error is an *Error holding the full result map.
func (r *SSHRunner) Run(ctx context.Context, role Role, command string) (map[string]Result, error) {
	hosts, err := Hosts(r.roles, role)
	if err != nil {
		return nil, err
	}
	results := make(map[string]Result, len(hosts))
	var mu sync.Mutex
	// one host's failure must not cancel its siblings, so the group
	// carries no context
	var g errgroup.Group
	failed := false
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			res := r.runHost(ctx, host, command)
			mu.Lock()
			results[host] = res
			if res.Error != "" {
				failed = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if failed {
		return results, &Error{Command: command, Results: results}
	}
	return results, nil
}

func (r *SSHRunner) runHost(ctx context.Context, host, command string) Result {
	client, err := r.dial(ctx, host)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String(), Error: ctx.Err().Error()}
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err != nil {
			res.Error = err.Error()
			log.Warn().Str("host", host).Str("command", command).Err(err).Msg("remote command failed")
		}
		return res
	}
}

// dial establishes the SSH connection honoring the ctx deadline.
func (r *SSHRunner) dial(ctx context.Context, host string) (*ssh.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.addr(host))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, r.addr(host), r.clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", host, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}
