package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/org/enc/pkg/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// errReported marks a failure whose result was already written.
var errReported = errors.New("command failed")

// writeResult prints res as the single JSON document on stdout.
func writeResult(w io.Writer, res *models.Result) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(res) //nolint:errcheck
}

// emit writes the outcome of an operation and turns failures into
// errReported so main exits 1.
func emit(cmd *cobra.Command, res *models.Result, err error) error {
	if err != nil {
		writeResult(cmd.OutOrStdout(), models.Failure(err))
		return errReported
	}
	if res == nil {
		res = models.Success("")
	}
	writeResult(cmd.OutOrStdout(), res)
	if !res.OK() {
		return errReported
	}
	return nil
}

// readPassword reads a secret from stdin. With fromStdin the first line is
// taken as is; otherwise a terminal prompt without echo is used.
func readPassword(cmd *cobra.Command, fromStdin bool, prompt string) ([]byte, error) {
	if !fromStdin {
		f, ok := cmd.InOrStdin().(*os.File)
		if !ok || !term.IsTerminal(int(f.Fd())) {
			return nil, errors.New("no terminal for the password prompt; pass --password-stdin")
		}
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		return pw, nil
	}
	data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 4096))
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		data = data[:i]
	}
	return bytes.TrimSuffix(data, []byte("\r")), nil
}

func stdinIsTerminal(cmd *cobra.Command) bool {
	f, ok := cmd.InOrStdin().(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
