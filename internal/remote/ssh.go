package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultPort    = "22"
	defaultTimeout = 15 * time.Second
)

// SSHTransport runs commands over an SSH session authenticated with a
// private key. Host keys are checked against a known_hosts file.
type SSHTransport struct {
	Addr           string
	User           string
	KeyFile        string
	KnownHostsFile string
	Timeout        time.Duration
}

// ParseAddr turns the configured server url into host:port. It accepts
// "host", "host:port" and "ssh://[user@]host[:port]".
func ParseAddr(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("no server url configured")
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", fmt.Errorf("parsing url %q: %w", raw, err)
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("url %q has no host", raw)
		}
		port := u.Port()
		if port == "" {
			port = defaultPort
		}
		return net.JoinHostPort(u.Hostname(), port), nil
	}
	if i := strings.LastIndexByte(raw, '@'); i >= 0 {
		raw = raw[i+1:]
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return net.JoinHostPort(raw, defaultPort), nil
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid port in %q", raw)
	}
	return net.JoinHostPort(host, port), nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func (t *SSHTransport) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return defaultTimeout
}

func (t *SSHTransport) keyFile() string {
	if t.KeyFile != "" {
		return ExpandHome(t.KeyFile)
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := ExpandHome(filepath.Join("~/.ssh", name))
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ExpandHome("~/.ssh/id_ed25519")
}

func (t *SSHTransport) knownHostsFile() string {
	if t.KnownHostsFile != "" {
		return ExpandHome(t.KnownHostsFile)
	}
	return ExpandHome("~/.ssh/known_hosts")
}

func (t *SSHTransport) clientConfig() (*ssh.ClientConfig, error) {
	if t.User == "" {
		return nil, errors.New("no username configured")
	}
	pem, err := os.ReadFile(t.keyFile())
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("ssh key %s is passphrase protected and no agent is used", t.keyFile())
		}
		return nil, fmt.Errorf("parsing ssh key: %w", err)
	}
	hostKeys, err := knownhosts.New(t.knownHostsFile())
	if err != nil {
		return nil, fmt.Errorf("loading known hosts: %w", err)
	}
	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         t.timeout(),
	}, nil
}

func (t *SSHTransport) dial(ctx context.Context) (*ssh.Client, error) {
	cfg, err := t.clientConfig()
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: t.timeout()}
	conn, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", t.Addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, t.Addr, cfg)
	if err != nil {
		conn.Close()
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			return nil, fmt.Errorf("host %s is not in %s: %w", t.Addr, t.knownHostsFile(), err)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", t.Addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Exec implements Transport. A non-zero remote exit is returned as an
// *ssh.ExitError alongside whatever the command printed.
func (t *SSHTransport) Exec(ctx context.Context, command string, stdin []byte) ([]byte, []byte, error) {
	client, err := t.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, fmt.Errorf("opening ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		client.Close()
		<-done
		err = ctx.Err()
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// Probe checks that addr accepts TCP connections.
func Probe(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
