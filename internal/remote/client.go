// Package remote runs enc-server commands on the enc host for the client CLI.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/org/enc/pkg/models"
)

// ServerCommand is the program every remote invocation names. The login
// shell on the host refuses anything else.
const ServerCommand = "enc-server"

// ErrRemote is returned when the server reports a failed operation.
var ErrRemote = errors.New("remote command failed")

// Transport executes one command line on the host.
type Transport interface {
	Exec(ctx context.Context, command string, stdin []byte) (stdout, stderr []byte, err error)
}

// Client sends enc-server commands over a Transport.
type Client struct {
	Transport Transport
}

// Command returns the command line sent for args.
func Command(args []string) string {
	return Quote(append([]string{ServerCommand}, args...))
}

// Run executes `enc-server args...` remotely. stdin carries secrets such as
// vault passwords. A result with status "error" is returned together with an
// error wrapping ErrRemote.
func (c *Client) Run(ctx context.Context, args []string, stdin []byte) (*models.Result, error) {
	stdout, stderr, err := c.Transport.Exec(ctx, Command(args), stdin)
	res, derr := DecodeResult(stdout)
	if derr != nil {
		if err != nil {
			if msg := strings.TrimSpace(string(stderr)); msg != "" {
				return nil, fmt.Errorf("%s: %w", msg, err)
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRemote, derr)
	}
	if !res.OK() {
		return res, fmt.Errorf("%w: %s", ErrRemote, res.Message)
	}
	return res, nil
}

// DecodeResult parses the JSON payload enc-server writes on stdout.
func DecodeResult(stdout []byte) (*models.Result, error) {
	data := bytes.TrimSpace(stdout)
	if len(data) == 0 {
		return nil, errors.New("empty response")
	}
	var res models.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unreadable response: %w", err)
	}
	if res.Status == "" {
		return nil, errors.New("response has no status")
	}
	return &res, nil
}
