// Command enc-shell is the login shell of enc accounts. It forwards
// `enc-server ...` command lines and refuses everything else. No system
// shell is ever involved.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/org/enc/internal/remote"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

const banner = `
    Welcome to the ENC Secure Environment.
    Type 'help' to list allowed commands.
    Type 'exit' to disconnect.
`

var errForbidden = errors.New("Forbidden command")

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	var command string
	root := &cobra.Command{
		Use:           "enc-shell",
		Short:         "Restricted shell for enc accounts",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("command") {
				return execLine(command)
			}
			return repl(cmd.InOrStdin(), cmd.OutOrStdout(), runChild)
		},
	}
	root.Flags().StringVarP(&command, "command", "c", "", "Run one enc-server command line and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// reservedFlags select the server's configuration and may not be chosen
// by the account holder.
var reservedFlags = []string{"--config", "--log-level"}

// parseLine splits line and returns the argv to run, which always starts
// with enc-server followed by a subcommand. Server-wide flags are refused
// anywhere before a "--" separator.
func parseLine(line string) ([]string, error) {
	words, err := remote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errForbidden, err)
	}
	if len(words) < 2 || words[0] != remote.ServerCommand || strings.HasPrefix(words[1], "-") {
		return nil, fmt.Errorf("%w: %s", errForbidden, strings.TrimSpace(line))
	}
	for _, w := range words[2:] {
		if w == "--" {
			break
		}
		for _, f := range reservedFlags {
			if w == f || strings.HasPrefix(w, f+"=") {
				return nil, fmt.Errorf("%w: %s is not allowed", errForbidden, f)
			}
		}
	}
	return words, nil
}

// serverEnv is the environment handed to enc-server, without the variables
// that override its configuration.
func serverEnv() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "ENC_") || strings.HasPrefix(kv, "DATABASE_URL=") {
			continue
		}
		env = append(env, kv)
	}
	return env
}

func serverBinary() (string, error) {
	if p := os.Getenv("ENC_SERVER_BIN"); p != "" {
		return p, nil
	}
	return exec.LookPath(remote.ServerCommand)
}

// execLine replaces this process with enc-server so stdin, stdout and the
// exit status pass straight through to the ssh client.
func execLine(line string) error {
	argv, err := parseLine(line)
	if err != nil {
		return err
	}
	bin, err := serverBinary()
	if err != nil {
		return fmt.Errorf("enc-server not installed: %w", err)
	}
	return unix.Exec(bin, argv, serverEnv())
}

func runChild(argv []string) error {
	bin, err := serverBinary()
	if err != nil {
		return fmt.Errorf("enc-server not installed: %w", err)
	}
	c := exec.Command(bin, argv[1:]...)
	c.Env = serverEnv()
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}

// repl reads command lines until exit or EOF.
func repl(in io.Reader, out io.Writer, run func(argv []string) error) error {
	fmt.Fprint(out, banner)
	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "enc> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(out, "Goodbye.")
			return nil
		case "help", "?":
			fmt.Fprintln(out, "Allowed commands:")
			fmt.Fprintln(out, "  enc-server <command> [args]   run an enc server command")
			fmt.Fprintln(out, "  help                          show this help")
			fmt.Fprintln(out, "  exit                          disconnect")
			continue
		}
		argv, err := parseLine(line)
		if err != nil {
			fmt.Fprintf(out, "*** %v\n", err)
			fmt.Fprintln(out, "Only 'enc-server', 'help' and 'exit' are allowed.")
			continue
		}
		if err := run(argv); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				fmt.Fprintf(out, "Error executing command: %v\n", err)
			}
		}
	}
}
