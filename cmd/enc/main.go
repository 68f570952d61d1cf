// Command enc is the client CLI. Every server operation runs as one
// enc-server invocation over ssh.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/org/enc/internal/remote"
	"github.com/org/enc/internal/session"
	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "enc",
	Short:         "enc client",
	Long:          "A CLI for encrypted project vaults on an enc server.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		loadConfig()
	},
}

var verbose bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug details to stderr")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this data field (use with --format=raw)")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmds()...)
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(checkConnectionCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(userCmd())
}

// --- configuration ---

func configCmds() []*cobra.Command {
	set := func(use, short string, apply func(string)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				apply(args[0])
				if err := saveConfig(); err != nil {
					return err
				}
				printSuccess("Saved to " + configPath())
				return nil
			},
		}
	}
	return []*cobra.Command{
		set("set-url <url>", "Set the server address", func(v string) { cfg.URL = v }),
		set("set-username <name>", "Set the server account name", func(v string) { cfg.Username = v }),
		set("set-ssh-key <path>", "Set the private key used to connect", func(v string) { cfg.SSHKey = v }),
	}
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "show", Short: "Show local state"}
	cmd.AddCommand(showAccessCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Show the client configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid := cfg.SessionID
			if sid == "" {
				sid = "(none)"
			}
			printResult(&models.Result{
				Status:  models.StatusSuccess,
				Message: "Configuration (" + configPath() + ")",
				Data: map[string]any{
					"url":        cfg.URL,
					"username":   cfg.Username,
					"ssh_key":    cfg.SSHKey,
					"session_id": sid,
					"context":    cfg.Context,
				},
			})
			return nil
		},
	})
	return cmd
}

func checkConnectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-connection",
		Short: "Check that the server accepts connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := remote.ParseAddr(cfg.URL)
			if err != nil {
				return err
			}
			fmt.Printf("Checking connection to %s...\n", addr)
			if err := remote.Probe(cmd.Context(), addr, 5*time.Second); err != nil {
				return fmt.Errorf("connection failed: %w", err)
			}
			printSuccess("Connection successful, host is reachable.")
			return nil
		},
	}
}

// --- sessions ---

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a session on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := call(cmd.Context(), []string{"server-login"}, nil)
			if err != nil {
				return err
			}
			if res.SessionID == "" {
				return errors.New("server returned no session id")
			}
			cacheSession(cmd, res)
			cfg.SessionID = res.SessionID
			if err := saveConfig(); err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}
}

// cacheSession keeps the session record returned by server-login.
func cacheSession(cmd *cobra.Command, res *models.Result) {
	raw, ok := res.Data["session"]
	if !ok {
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil || s.SessionID != res.SessionID {
		return
	}
	if err := sessionCache().Create(cmd.Context(), &s); err != nil && !errors.Is(err, session.ErrExists) {
		log.Debug().Err(err).Msg("could not cache session")
	}
}

// clearSessionCache removes every locally cached session.
func clearSessionCache(cmd *cobra.Command) int {
	cache := sessionCache()
	sessions, err := cache.List(cmd.Context())
	if err != nil {
		return 0
	}
	n := 0
	for _, s := range sessions {
		if ok, err := cache.Delete(cmd.Context(), s.SessionID); err == nil && ok {
			n++
		}
	}
	return n
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Close the session and clear local session data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.SessionID != "" {
				if _, err := call(cmd.Context(), []string{"server-logout", cfg.SessionID}, nil); err != nil {
					printError("remote logout: " + err.Error())
				}
			}
			n := clearSessionCache(cmd)
			cfg.SessionID = ""
			cfg.Context = ""
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Logged out, %d local sessions cleared.", n))
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := callSession(cmd.Context(), "status", nil, nil)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}
}

// --- projects ---

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Manage encrypted projects"}

	cmd.AddCommand(&cobra.Command{
		Use:   "init <name>",
		Short: "Create a project vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readSecret("Vault password: ", true)
			if err != nil {
				return err
			}
			defer clear(pw)
			res, err := callSession(cmd.Context(), "server-project-init", []string{"--password-stdin", args[0]}, stdinLine(pw))
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dev <name>",
		Short: "Mount a project and make it the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			pw, err := readSecret("Vault password: ", false)
			if err != nil {
				return err
			}
			defer clear(pw)
			res, err := callSession(cmd.Context(), "server-project-mount", []string{"--password-stdin", name}, stdinLine(pw))
			if err != nil {
				return err
			}
			rememberMount(cmd, name, res.MountPoint)
			cfg.Context = name
			if err := saveConfig(); err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "unmount <name>",
		Short: "Unmount a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := callSession(cmd.Context(), "server-project-unmount", args, nil)
			if err != nil {
				return err
			}
			if cfg.Context == args[0] {
				cfg.Context = ""
				if err := saveConfig(); err != nil {
					return err
				}
			}
			rememberMount(cmd, args[0], "")
			printResult(res)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List your projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := callSession(cmd.Context(), "server-project-list", nil, nil)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "run <name> -- <command> [args...]",
		Short: "Run a command inside a mounted project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			full := append([]string{args[0], "--"}, args[1:]...)
			res, err := callSession(cmd.Context(), "server-project-run", full, nil)
			if err != nil {
				return err
			}
			if outputFormat == "table" {
				fmt.Println(res.Message)
				if s, _ := res.Data["stderr"].(string); s != "" {
					fmt.Fprint(os.Stderr, s)
				}
				return nil
			}
			printResult(res)
			return nil
		},
	})
	return cmd
}

// rememberMount records the mount point of a project in the cached session.
func rememberMount(cmd *cobra.Command, project, mountPoint string) {
	if cfg.SessionID == "" {
		return
	}
	err := sessionCache().Update(cmd.Context(), cfg.SessionID, func(s *models.Session) error {
		meta := s.Projects[project]
		if mountPoint == "" {
			meta.MountPath = nil
			if s.ActiveProject != nil && *s.ActiveProject == project {
				s.ActiveProject = nil
			}
		} else {
			meta.MountPath = models.StringPtr(mountPoint)
			s.ActiveProject = models.StringPtr(project)
		}
		if s.Projects == nil {
			s.Projects = map[string]models.ProjectMetadata{}
		}
		s.Projects[project] = meta
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Debug().Err(err).Msg("could not update cached session")
	}
}

// --- users ---

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage server accounts (admins)"}

	var role, sshKey string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := sshKey
			if data, err := os.ReadFile(remote.ExpandHome(sshKey)); sshKey != "" && err == nil {
				key = string(data)
			}
			pw, err := readSecret("Password for "+args[0]+" (empty for key-only): ", true)
			if err != nil {
				return err
			}
			defer clear(pw)
			full := []string{"--role", role, "--password-stdin"}
			if key != "" {
				full = append(full, "--ssh-key", key)
			}
			full = append(full, args[0])
			res, err := callSession(cmd.Context(), "server-user-create", full, stdinLine(pw))
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}
	create.Flags().StringVar(&role, "role", "user", "Role: admin or user")
	create.Flags().StringVar(&sshKey, "ssh-key", "", "Public key file or authorized_keys line")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <username>",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := callSession(cmd.Context(), "server-user-delete", args, nil)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "role <username> <role>",
		Short: "Change the role of an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := callSession(cmd.Context(), "server-user-role", args, nil)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := callSession(cmd.Context(), "server-user-list", nil, nil)
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	})
	return cmd
}
