package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/org/enc/internal/remote"
	"github.com/org/enc/pkg/models"
	"golang.org/x/term"
)

var errNotLoggedIn = errors.New("not logged in; run 'enc login' first")

// newTransport builds the ssh transport from the current config. Tests
// replace it.
var newTransport = func() (remote.Transport, error) {
	addr, err := remote.ParseAddr(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Username == "" {
		return nil, errors.New("no username configured; run 'enc set-username'")
	}
	return &remote.SSHTransport{
		Addr:           addr,
		User:           cfg.Username,
		KeyFile:        cfg.SSHKey,
		KnownHostsFile: cfg.KnownHosts,
	}, nil
}

// call runs `enc-server args...` on the host.
func call(ctx context.Context, args []string, stdin []byte) (*models.Result, error) {
	t, err := newTransport()
	if err != nil {
		return nil, err
	}
	c := &remote.Client{Transport: t}
	return c.Run(ctx, args, stdin)
}

// callSession is call with --session-id appended after the subcommand.
func callSession(ctx context.Context, command string, args []string, stdin []byte) (*models.Result, error) {
	if cfg.SessionID == "" {
		return nil, errNotLoggedIn
	}
	full := append([]string{command, "--session-id", cfg.SessionID}, args...)
	return call(ctx, full, stdin)
}

// readSecret prompts for a secret without echo. When stdin is not a
// terminal the first line of stdin is used.
func readSecret(prompt string, confirm bool) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		return []byte(strings.TrimRight(line, "\r\n")), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if !confirm {
		return pw, nil
	}
	fmt.Fprint(os.Stderr, "Repeat for confirmation: ")
	again, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if !bytes.Equal(pw, again) {
		return nil, errors.New("passwords do not match")
	}
	return pw, nil
}

// stdinLine terminates a secret for --password-stdin.
func stdinLine(secret []byte) []byte {
	return append(append([]byte{}, secret...), '\n')
}
