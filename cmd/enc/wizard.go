package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/org/enc/pkg/models"
	"github.com/spf13/cobra"
)

const (
	scopeGlobal = "global"
	scopeLocal  = "local"
)

var errAborted = errors.New("aborted")

// prompter asks questions on stderr and reads answers line by line.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func (p *prompter) ask(question, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if v := strings.TrimSpace(line); v != "" {
		return v, nil
	}
	return def, nil
}

func (p *prompter) choose(question, def string, choices ...string) (string, error) {
	for {
		v, err := p.ask(fmt.Sprintf("%s (%s)", question, strings.Join(choices, "/")), def)
		if err != nil {
			return "", err
		}
		for _, c := range choices {
			if strings.EqualFold(v, c) {
				return c, nil
			}
		}
		fmt.Fprintf(p.out, "Please answer one of: %s\n", strings.Join(choices, ", "))
	}
}

func (p *prompter) confirm(question string) (bool, error) {
	v, err := p.ask(question+" [y/N]", "")
	if err != nil {
		return false, err
	}
	v = strings.ToLower(v)
	return v == "y" || v == "yes", nil
}

func initCmd() *cobra.Command {
	var scope string
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a global (~/.enc) or project-local (<path>/.enc) configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &prompter{in: bufio.NewReader(cmd.InOrStdin()), out: os.Stderr}
			fmt.Fprintln(p.out, "Welcome to the enc configuration wizard.")

			chosen := scope
			if chosen == "" {
				var err error
				if chosen, err = p.choose("Initialize global or local config?", scopeGlobal, scopeGlobal, scopeLocal); err != nil {
					return err
				}
			}
			dir, err := initTarget(chosen, args)
			if err != nil {
				return err
			}
			target := filepath.Join(dir, configFileName)

			if _, err := os.Stat(target); err == nil && !force {
				fmt.Fprintf(p.out, "Configuration already exists at %s\n", target)
				ok, err := p.confirm("Overwrite it?")
				if err != nil {
					return err
				}
				if !ok {
					return errAborted
				}
			}

			next := CLIConfig{KnownHosts: cfg.KnownHosts}
			if next.URL, err = p.ask("Server address (host[:port])", orDefault(cfg.URL, "localhost:22")); err != nil {
				return err
			}
			if next.Username, err = p.ask("Username", cfg.Username); err != nil {
				return err
			}
			if next.SSHKey, err = p.ask("SSH key path (empty for the default keys)", cfg.SSHKey); err != nil {
				return err
			}
			if next.Username == "" {
				return errors.New("a username is required")
			}
			if err := writeConfig(target, &next); err != nil {
				return err
			}
			printSuccess("Configuration initialized at " + target)
			fmt.Println("Run 'enc check-connection' to verify.")
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "global or local; asked when empty")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration without asking")
	return cmd
}

func initTarget(scope string, args []string) (string, error) {
	switch scope {
	case scopeGlobal:
		return globalConfigDir(), nil
	case scopeLocal:
		base := "."
		if len(args) > 0 {
			base = args[0]
		}
		abs, err := filepath.Abs(base)
		if err != nil {
			return "", err
		}
		return filepath.Join(abs, configDirName), nil
	}
	return "", fmt.Errorf("invalid scope %q (want %s or %s)", scope, scopeGlobal, scopeLocal)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// showAccessCmd renders the rights snapshotted into the cached session.
func showAccessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "access",
		Short: "Show the access rights of the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.SessionID == "" {
				return errNotLoggedIn
			}
			s, err := sessionCache().Get(cmd.Context(), cfg.SessionID)
			if err != nil {
				return fmt.Errorf("no cached session %s, run 'enc login' again: %w", cfg.SessionID, err)
			}
			projects := make([]string, 0, len(s.Projects))
			for name := range s.Projects {
				projects = append(projects, name)
			}
			sort.Strings(projects)
			active := "(none)"
			if s.ActiveProject != nil {
				active = *s.ActiveProject
			}
			printResult(&models.Result{
				Status:    models.StatusSuccess,
				Message:   "Access of " + s.Username,
				SessionID: s.SessionID,
				Data: map[string]any{
					"username":         s.Username,
					"created_at":       s.CreatedAt.Format("2006-01-02 15:04:05 MST"),
					"allowed_commands": s.AllowedCommands,
					"projects":         projects,
					"active_project":   active,
				},
			})
			return nil
		},
	}
}
