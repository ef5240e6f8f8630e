// Package bootstrap drives a freshly created server through SSH:
// dialing until the server accepts connections, running the setup
// script as root, fetching a fresh registration token, then running
// the startup script as the runner user.
//
// Grounded on gitlabhq-gitlab-runner's helpers/ssh Client (session
// lifecycle, context-cancellable Run, ExitError translation) with
// host-key verification disabled per the provisioning contract.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/runnerscale/controller/internal/model"
)

// Env is the environment exposed to the setup and startup scripts.
type Env struct {
	Repository         string
	RunnerToken        string
	RunnerGroup        string
	RunnerLabels       []string
	ServerTypeName     string
	ServerLocationName string
	CacheDir           string
}

func (e Env) lines() []string {
	return []string{
		"GITHUB_REPOSITORY=" + e.Repository,
		"GITHUB_RUNNER_TOKEN=" + e.RunnerToken,
		"GITHUB_RUNNER_GROUP=" + e.RunnerGroup,
		"GITHUB_RUNNER_LABELS=" + strings.Join(e.RunnerLabels, ","),
		"SERVER_TYPE_NAME=" + e.ServerTypeName,
		"SERVER_LOCATION_NAME=" + e.ServerLocationName,
		"CACHE_DIR=" + e.CacheDir,
	}
}

// TokenSource fetches a fresh registration token immediately before
// the startup script runs, per the bootstrap contract's freshness
// requirement.
type TokenSource func(ctx context.Context) (string, error)

// Driver opens SSH to a server and runs the setup/startup pipeline.
type Driver struct {
	user           string
	signer         ssh.Signer
	dialTimeout    time.Duration
	retryInterval  time.Duration
	logger         *slog.Logger
}

// New returns a Driver authenticating as user with the given private
// key material.
func New(user string, privateKey []byte, logger *slog.Logger) (*Driver, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}
	return &Driver{
		user:          user,
		signer:        signer,
		dialTimeout:   5 * time.Second,
		retryInterval: 3 * time.Second,
		logger:        logger.With("component", "bootstrap"),
	}, nil
}

// dial retries until ctx is done or a connection succeeds. Host-key
// verification is intentionally disabled: freshly created servers have
// no prior known-hosts entry and the provisioning channel is trusted
// at the cloud-API layer.
func (d *Driver) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            d.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.dialTimeout,
	}

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("dial %s: %w (last error: %v)", addr, ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
		default:
		}

		client, err := ssh.Dial("tcp", addr, config)
		if err == nil {
			return client, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w (last error: %v)", addr, ctx.Err(), lastErr)
		case <-time.After(d.retryInterval):
		}
	}
}

// run executes cmd over a new session on client, streaming stdin and
// capturing combined output. It is context-cancellable: cancellation
// sends SIGKILL to the remote process.
func run(ctx context.Context, client *ssh.Client, cmd string, stdin string) ([]byte, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	session.Stdin = strings.NewReader(stdin)
	var output strings.Builder
	session.Stdout = &output
	session.Stderr = &output

	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return []byte(output.String()), fmt.Errorf("%w: %v", model.ErrTimeout, ctx.Err())
	case err := <-waitCh:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return []byte(output.String()), fmt.Errorf("%w: command exited %d: %s", model.ErrBootstrapFailed, exitErr.ExitStatus(), output.String())
			}
			return []byte(output.String()), fmt.Errorf("%w: %v", model.ErrBootstrapFailed, err)
		}
		return []byte(output.String()), nil
	}
}

// Bootstrap runs the full pipeline: dial, run the setup script as
// root, fetch a fresh registration token via tokens, then run the
// startup script. The token is fetched between setup and startup so
// it is as fresh as possible when the runner registers.
func (d *Driver) Bootstrap(ctx context.Context, addr string, setupScript, startupScript []byte, env Env, tokens TokenSource) error {
	client, err := d.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrBootstrapFailed, err)
	}
	defer client.Close()

	if _, err := run(ctx, client, "sudo bash -s", string(setupScript)); err != nil {
		return fmt.Errorf("run setup script: %w", err)
	}

	token, err := tokens(ctx)
	if err != nil {
		return fmt.Errorf("fetch runner token: %w", err)
	}
	env.RunnerToken = token

	startupCmd := "env " + strings.Join(env.lines(), " ") + " bash -s"
	if _, err := run(ctx, client, startupCmd, string(startupScript)); err != nil {
		return fmt.Errorf("run startup script: %w", err)
	}

	return nil
}

// InteractiveShell opens an interactive SSH session to addr for manual
// operator access, independent of the Bootstrap pipeline. Host-key
// verification is disabled for the same reason it is in dial.
func InteractiveShell(ctx context.Context, user, privateKeyPath, addr string, in io.Reader, out io.Writer, raw bool) error {
	keyBytes, err := os.ReadFile(expandHome(privateKeyPath))
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	session.Stdin = in
	session.Stdout = out
	session.Stderr = out

	if raw {
		fd := int(os.Stdin.Fd())
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw terminal: %w", err)
		}
		defer term.Restore(fd, oldState)

		width, height, err := term.GetSize(fd)
		if err != nil {
			width, height = 80, 24
		}
		modes := ssh.TerminalModes{ssh.ECHO: 1, ssh.TTY_OP_ISPEED: 14400, ssh.TTY_OP_OSPEED: 14400}
		if err := session.RequestPty("xterm", height, width, modes); err != nil {
			return fmt.Errorf("request pty: %w", err)
		}
	}

	if err := session.Shell(); err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
