package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/enc/internal/api"
	"github.com/org/enc/internal/gate"
	"github.com/org/enc/internal/storage"
	"github.com/org/enc/internal/users"
	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// runSession wires the app and runs op behind the session gate.
func (a *app) runSession(cmd *cobra.Command, id, command string, op gate.Op) error {
	ctx := cmd.Context()
	if err := a.wire(ctx); err != nil {
		return emit(cmd, nil, err)
	}
	res, err := a.gate.RunSession(ctx, id, command, op)
	return emit(cmd, res, err)
}

// runIdentity wires the app and runs op behind the OS identity gate.
func (a *app) runIdentity(cmd *cobra.Command, command string, op gate.Op) error {
	ctx := cmd.Context()
	if err := a.wire(ctx); err != nil {
		return emit(cmd, nil, err)
	}
	res, err := a.gate.RunIdentity(ctx, command, op)
	return emit(cmd, res, err)
}

func sessionFlag(cmd *cobra.Command, id *string) {
	cmd.Flags().StringVar(id, "session-id", "", "Session identifier returned by server-login")
}

// --- sessions ---

func loginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "server-login [user]",
		Short: "Start a session for the calling user",
		Long: "Start a session. Only a super-admin may open a session for another user; " +
			"everyone else gets a session for their own login.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runIdentity(cmd, "server-login", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				target := c.Username
				if len(args) == 1 && args[0] != c.Username {
					if a.cfg.Enforce() {
						if role, _ := a.engine.Role(ctx, c.Username); role != models.RoleSuperAdmin {
							return nil, &gate.Denial{Kind: gate.KindRoleDenied, User: c.Username, Command: "server-login " + args[0]}
						}
					}
					target = args[0]
				}
				s, err := a.sessions.CreateSession(ctx, target)
				if err != nil {
					return nil, err
				}
				return &models.Result{
					Status:    models.StatusSuccess,
					Message:   fmt.Sprintf("session started for %s", target),
					SessionID: s.SessionID,
					Data:      map[string]any{"session": s},
				}, nil
			})
		},
	}
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "server-logout <session-id>",
		Short: "Destroy a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return a.runSession(cmd, id, "server-logout", func(ctx context.Context, _ gate.Caller) (*models.Result, error) {
				if !a.sessions.LogoutSession(ctx, id) {
					return &models.Result{Status: models.StatusError, Message: "session not found"}, nil
				}
				return models.Success("logged out"), nil
			})
		},
	}
}

func statusCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the caller's session or identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id != "" {
				return a.runSession(cmd, id, "status", func(_ context.Context, c gate.Caller) (*models.Result, error) {
					res := models.Success(fmt.Sprintf("session active for %s", c.Username))
					res.SessionID = id
					res.Data = map[string]any{"mode": a.cfg.Mode, "session": c.Session}
					return res, nil
				})
			}
			return a.runIdentity(cmd, "status", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				perms, err := a.engine.Permissions(ctx, c.Username)
				if err != nil {
					return nil, err
				}
				role, _ := a.engine.Role(ctx, c.Username)
				res := models.Success(fmt.Sprintf("%s (%s)", c.Username, role))
				res.Data = map[string]any{
					"mode":        a.cfg.Mode,
					"user":        c.Username,
					"role":        role,
					"permissions": perms,
				}
				return res, nil
			})
		},
	}
	sessionFlag(cmd, &id)
	return cmd
}

func sweepCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "session-sweep",
		Short: "Delete sessions older than a given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runIdentity(cmd, "session-sweep", func(ctx context.Context, _ gate.Caller) (*models.Result, error) {
				n, err := a.sessions.Sweep(ctx, olderThan)
				if err != nil {
					return nil, err
				}
				res := models.Success(fmt.Sprintf("removed %d sessions", n))
				res.Data = map[string]any{"removed": n}
				return res, nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Minimum age of the sessions to delete")
	return cmd
}

// --- projects ---

func projectInitCmd(a *app) *cobra.Command {
	var id string
	var pwStdin bool
	cmd := &cobra.Command{
		Use:   "server-project-init <name>",
		Short: "Create an encrypted project vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-project-init", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				pw, err := readPassword(cmd, pwStdin, "Vault password: ")
				if err != nil {
					return nil, err
				}
				defer clear(pw)
				return a.projects.Init(ctx, c, args[0], pw)
			})
		},
	}
	sessionFlag(cmd, &id)
	cmd.Flags().BoolVar(&pwStdin, "password-stdin", false, "Read the vault password from stdin")
	return cmd
}

func projectMountCmd(a *app) *cobra.Command {
	var id string
	var pwStdin bool
	cmd := &cobra.Command{
		Use:   "server-project-mount <name>",
		Short: "Mount a project vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-project-mount", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				pw, err := readPassword(cmd, pwStdin, "Vault password: ")
				if err != nil {
					return nil, err
				}
				defer clear(pw)
				return a.projects.Mount(ctx, c, args[0], pw)
			})
		},
	}
	sessionFlag(cmd, &id)
	cmd.Flags().BoolVar(&pwStdin, "password-stdin", false, "Read the vault password from stdin")
	return cmd
}

func projectUnmountCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "server-project-unmount <name>",
		Short: "Unmount a project vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-project-unmount", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				return a.projects.Unmount(ctx, c, args[0])
			})
		},
	}
	sessionFlag(cmd, &id)
	return cmd
}

func projectListCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "server-project-list",
		Short: "List the caller's projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-project-list", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				return a.projects.List(ctx, c)
			})
		},
	}
	sessionFlag(cmd, &id)
	return cmd
}

func projectRunCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "server-project-run <name> -- <command> [args...]",
		Short: "Run a command inside a mounted project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-project-run", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				return a.projects.Run(ctx, c, args[0], args[1:])
			})
		},
	}
	sessionFlag(cmd, &id)
	return cmd
}

func projectRemoveCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "server-project-remove <name>",
		Short: "Forget a project; the encrypted data is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-project-remove", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				return a.projects.Remove(ctx, c, args[0])
			})
		},
	}
	sessionFlag(cmd, &id)
	return cmd
}

// --- users ---

func userCreateCmd(a *app) *cobra.Command {
	var (
		id      string
		role    string
		sshKey  string
		pwStdin bool
	)
	cmd := &cobra.Command{
		Use:   "server-user-create <username>",
		Short: "Create a system account and its policy entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-user-create", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				req := users.CreateRequest{Username: args[0], Role: models.Role(role), SSHKey: sshKey}
				if pwStdin || stdinIsTerminal(cmd) {
					pw, err := readPassword(cmd, pwStdin, "Password for "+args[0]+" (empty for key-only): ")
					if err != nil {
						return nil, err
					}
					defer clear(pw)
					req.Password = pw
				}
				return a.users.Create(ctx, c.Username, req)
			})
		},
	}
	sessionFlag(cmd, &id)
	cmd.Flags().StringVar(&role, "role", string(models.RoleUser), "Role: super-admin, admin or user")
	cmd.Flags().StringVar(&sshKey, "ssh-key", "", "Public key in authorized_keys format")
	cmd.Flags().BoolVar(&pwStdin, "password-stdin", false, "Read the account password from stdin")
	return cmd
}

func userDeleteCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "server-user-delete <username>",
		Short: "Delete a system account and its policy entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-user-delete", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				return a.users.Delete(ctx, c.Username, args[0])
			})
		},
	}
	sessionFlag(cmd, &id)
	return cmd
}

func userRoleCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "server-user-role <username> <role>",
		Short: "Change the role of a policy user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-user-role", func(ctx context.Context, c gate.Caller) (*models.Result, error) {
				return a.users.SetRole(ctx, c.Username, args[0], models.Role(args[1]))
			})
		},
	}
	sessionFlag(cmd, &id)
	return cmd
}

func userListCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "server-user-list",
		Short: "List policy users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSession(cmd, id, "server-user-list", func(ctx context.Context, _ gate.Caller) (*models.Result, error) {
				return a.users.List(ctx)
			})
		},
	}
	sessionFlag(cmd, &id)
	return cmd
}

// --- operations ---

func auditCmd(a *app) *cobra.Command {
	var (
		filter storage.AuditFilter
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			return a.runIdentity(cmd, "audit", func(ctx context.Context, _ gate.Caller) (*models.Result, error) {
				entries, err := a.audit.Query(ctx, filter)
				if err != nil {
					return nil, err
				}
				res := models.Success(fmt.Sprintf("%d entries", len(entries)))
				res.Data = map[string]any{"entries": entries}
				return res, nil
			})
		},
	}
	cmd.Flags().StringVar(&filter.Username, "user", "", "Only entries for this user")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "Only entries for this session")
	cmd.Flags().StringVar(&filter.Command, "command", "", "Only entries for this command")
	cmd.Flags().DurationVar(&since, "since", 0, "Only entries newer than this age")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum number of entries")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Entries to skip")
	return cmd
}

func migrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply audit database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := storage.RunMigrations(a.cfg.DBUrl, a.cfg.MigrationsDir)
			if err != nil {
				return emit(cmd, nil, err)
			}
			log.Info().Uint("version", version).Msg("migrations applied")
			res := models.Success(fmt.Sprintf("schema at version %d", version))
			res.Data = map[string]any{"version": version}
			return emit(cmd, res, nil)
		},
	}
}

func serveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.wire(cmd.Context()); err != nil {
				return err
			}
			srv := api.NewServer(api.Deps{
				Sessions: a.sessions,
				Policy:   a.engine,
				Gate:     a.gate,
				Projects: a.projects,
				Audit:    a.audit,
			}, api.Config{ListenAddr: a.cfg.ListenAddr, Mode: a.cfg.Mode})

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()
			log.Info().Str("addr", a.cfg.ListenAddr).Str("mode", a.cfg.Mode).Msg("server started")

			select {
			case err := <-errc:
				return fmt.Errorf("server failed: %w", err)
			case <-quit:
			}

			log.Info().Msg("shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("shutdown error")
			}
			log.Info().Msg("server stopped")
			return nil
		},
	}
}
