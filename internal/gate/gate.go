// Package gate is the single entry point every privileged operation passes
// through. It resolves who is calling, decides whether the command may run,
// and records the outcome.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"time"

	"github.com/org/enc/pkg/models"
	"github.com/rs/zerolog/log"
)

// Denial sentinels, matched with errors.Is.
var (
	ErrSessionNotFound  = errors.New("Session Verification Failed")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRoleDenied       = errors.New("user not allowed by role")
)

// Kind classifies a denial.
type Kind string

const (
	KindSessionNotFound  Kind = "session_not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindRoleDenied       Kind = "role_denied"
)

// Denial is returned when the gate refuses a command.
type Denial struct {
	Kind    Kind
	User    string
	Command string
	Session string
	Err     error
}

func (d *Denial) Error() string {
	switch d.Kind {
	case KindSessionNotFound:
		return fmt.Sprintf("Session Verification Failed: session %q is invalid or expired", d.Session)
	case KindPermissionDenied:
		return fmt.Sprintf("permission denied: %s may not run %q", d.User, d.Command)
	default:
		msg := fmt.Sprintf("user %q not allowed to run %q", d.User, d.Command)
		if d.Err != nil {
			msg += ": " + d.Err.Error()
		}
		return msg
	}
}

func (d *Denial) Unwrap() []error {
	var sentinel error
	switch d.Kind {
	case KindSessionNotFound:
		sentinel = ErrSessionNotFound
	case KindPermissionDenied:
		sentinel = ErrPermissionDenied
	default:
		sentinel = ErrRoleDenied
	}
	if d.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, d.Err}
}

// Authorizer answers policy questions for the identity path.
type Authorizer interface {
	Permissions(ctx context.Context, username string) ([]string, error)
}

// Sessions is the part of the session manager the gate needs.
type Sessions interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	LogCommand(ctx context.Context, id, command, output string) bool
}

// Auditor records the outcome of every gated command.
type Auditor interface {
	Record(ctx context.Context, entry *models.AuditEntry)
}

// Caller is who a gated operation runs on behalf of. Session is nil on the
// identity path.
type Caller struct {
	Username string
	Session  *models.Session
}

// Op is a guarded operation.
type Op func(ctx context.Context, caller Caller) (*models.Result, error)

// Gate enforces permissions in front of privileged operations.
type Gate struct {
	Authorizer Authorizer
	Sessions   Sessions
	// Enforce turns the checks on. When off every command passes with a
	// warning, which is how local development runs.
	Enforce  bool
	Identity func() (string, error)
	Audit    Auditor
}

// OSIdentity returns the login name of the effective user.
func OSIdentity() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolving current user: %w", err)
	}
	return u.Username, nil
}

func (g *Gate) identity() (string, error) {
	if g.Identity != nil {
		return g.Identity()
	}
	return OSIdentity()
}

// CheckSession validates id and checks command against the session's
// snapshotted permissions. Any failure to read the session is reported as
// session-not-found.
func (g *Gate) CheckSession(ctx context.Context, id, command string) (*models.Session, error) {
	s, err := g.Sessions.GetSession(ctx, id)
	if err != nil || s == nil {
		g.denied(KindSessionNotFound)
		return nil, &Denial{Kind: KindSessionNotFound, Session: id, Command: command, Err: err}
	}
	if !s.Allows(command) {
		g.denied(KindPermissionDenied)
		return s, &Denial{Kind: KindPermissionDenied, User: s.Username, Session: id, Command: command}
	}
	return s, nil
}

// CheckIdentity resolves the OS identity and checks command against the
// live policy. Unknown users and unreadable policies deny.
func (g *Gate) CheckIdentity(ctx context.Context, command string) (string, error) {
	username, err := g.identity()
	if err != nil {
		g.denied(KindRoleDenied)
		return "", &Denial{Kind: KindRoleDenied, Command: command, Err: err}
	}
	perms, err := g.Authorizer.Permissions(ctx, username)
	if err != nil {
		g.denied(KindRoleDenied)
		return username, &Denial{Kind: KindRoleDenied, User: username, Command: command, Err: err}
	}
	for _, c := range perms {
		if c == command || c == models.Wildcard {
			return username, nil
		}
	}
	g.denied(KindRoleDenied)
	return username, &Denial{Kind: KindRoleDenied, User: username, Command: command}
}

// RunSession runs op for the holder of session id if the session may run
// command, then appends the outcome to the session log.
func (g *Gate) RunSession(ctx context.Context, id, command string, op Op) (*models.Result, error) {
	var caller Caller
	if g.Enforce {
		s, err := g.CheckSession(ctx, id, command)
		if err != nil {
			g.record(ctx, caller.with(s), id, command, nil, err, 0)
			return nil, err
		}
		caller = Caller{Username: s.Username, Session: s}
	} else {
		log.Warn().Str("command", command).Msg("permission gate disabled, not enforcing")
		if s, err := g.Sessions.GetSession(ctx, id); err == nil {
			caller = Caller{Username: s.Username, Session: s}
		} else if name, err := g.identity(); err == nil {
			caller = Caller{Username: name}
		}
	}

	start := time.Now()
	res, err := op(ctx, caller)
	elapsed := time.Since(start)

	if caller.Session != nil {
		g.Sessions.LogCommand(ctx, caller.Session.SessionID, command, outcome(res, err))
	}
	g.record(ctx, caller, id, command, res, err, elapsed)
	return res, err
}

// RunIdentity runs op for the OS identity if policy lets it run command.
// Nothing is logged to a session since none exists.
func (g *Gate) RunIdentity(ctx context.Context, command string, op Op) (*models.Result, error) {
	var username string
	if g.Enforce {
		name, err := g.CheckIdentity(ctx, command)
		if err != nil {
			g.record(ctx, Caller{Username: name}, "", command, nil, err, 0)
			return nil, err
		}
		username = name
	} else {
		log.Warn().Str("command", command).Msg("permission gate disabled, not enforcing")
		username, _ = g.identity()
	}

	start := time.Now()
	res, err := op(ctx, Caller{Username: username})
	g.record(ctx, Caller{Username: username}, "", command, res, err, time.Since(start))
	return res, err
}

func (c Caller) with(s *models.Session) Caller {
	if s != nil {
		return Caller{Username: s.Username, Session: s}
	}
	return c
}

func outcome(res *models.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if res == nil {
		return ""
	}
	return res.Message
}

func (g *Gate) record(ctx context.Context, caller Caller, id, command string, res *models.Result, err error, elapsed time.Duration) {
	if g.Audit == nil {
		return
	}
	status := models.StatusSuccess
	if err != nil || (res != nil && !res.OK()) {
		status = models.StatusError
	}
	entry := &models.AuditEntry{
		Username:   caller.Username,
		Command:    command,
		Status:     status,
		Message:    outcome(res, err),
		DurationMs: elapsed.Milliseconds(),
	}
	if caller.Session != nil {
		entry.SessionID = caller.Session.SessionID
	} else if id != "" {
		entry.Metadata = map[string]any{"presented_session": id}
	}
	var d *Denial
	if errors.As(err, &d) {
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		entry.Metadata["denial"] = string(d.Kind)
	}
	g.Audit.Record(ctx, entry)
}
