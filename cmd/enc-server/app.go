package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/org/enc/internal/audit"
	"github.com/org/enc/internal/config"
	"github.com/org/enc/internal/gate"
	"github.com/org/enc/internal/policy"
	"github.com/org/enc/internal/project"
	"github.com/org/enc/internal/runner"
	"github.com/org/enc/internal/session"
	"github.com/org/enc/internal/storage"
	"github.com/org/enc/internal/users"
	"github.com/org/enc/internal/vault"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app holds the components wired from config. Components are built on
// first use so that commands like migrate never touch the policy file.
type app struct {
	cfgFile  string
	logLevel string
	cfg      config.Config

	wired    bool
	engine   *policy.Engine
	sessions *session.Manager
	gate     *gate.Gate
	vaults   *vault.Manager
	projects *project.Service
	users    *users.Manager
	audit    *audit.Logger
	closers  []func()

	// identity overrides the OS identity in tests.
	identity func() (string, error)
}

func (a *app) setup() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	lvl := cfg.LogLevel
	if a.logLevel != "" {
		lvl = a.logLevel
	}
	level, err := zerolog.ParseLevel(lvl)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func (a *app) wire(ctx context.Context) error {
	if a.wired {
		return nil
	}
	cfg := a.cfg
	r := runner.New(cfg.ExecTimeout)

	esc := policy.NewEscalator(cfg, r)
	store := policy.NewStore(cfg.PolicyFile, cfg.PolicyLock, policy.NewWriter(cfg, esc), esc)
	a.engine = policy.NewEngine(store)

	repo, err := a.sessionRepository(ctx)
	if err != nil {
		return err
	}
	key, err := a.sessionKey(ctx, esc)
	if err != nil {
		return err
	}
	var opts []session.Option
	if key != nil {
		opts = append(opts, session.WithSigningKey(key))
	}
	a.sessions = session.NewManager(repo, a.engine, opts...)

	sinks := []audit.Sink{audit.LogSink{Logger: log.Logger}}
	if cfg.DBUrl != "" {
		pg, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
		if err != nil {
			log.Warn().Err(err).Msg("audit database unavailable, logging audit events only")
		} else {
			a.closers = append(a.closers, pg.Close)
			sinks = append(sinks, pg)
		}
	}
	a.audit = audit.NewLogger(sinks...)

	a.gate = &gate.Gate{
		Authorizer: a.engine,
		Sessions:   a.sessions,
		Enforce:    cfg.Enforce(),
		Identity:   a.identity,
		Audit:      a.audit,
	}

	a.vaults = vault.New(cfg.VaultDir(), cfg.RunDir(), r)
	a.vaults.GocryptfsBin = cfg.GocryptfsBin
	a.vaults.FusermountBin = cfg.FusermountBin

	a.projects = &project.Service{Policy: a.engine, Vaults: a.vaults, Sessions: a.sessions}
	a.users = &users.Manager{
		Policy:     a.engine,
		Runner:     r,
		SudoBin:    cfg.SudoBin,
		LoginShell: cfg.LoginShell,
	}
	a.wired = true
	return nil
}

// sessionKey loads the key that signs session records, escalating like the
// policy store when the file is not readable. Server mode requires one.
func (a *app) sessionKey(ctx context.Context, esc *policy.Escalator) ([]byte, error) {
	path := a.cfg.SessionKeyFile
	key, err := session.ReadKey(path, true)
	if err == nil {
		return key, nil
	}
	if errors.Is(err, fs.ErrPermission) && esc != nil {
		data, eerr := esc.ReadFile(ctx, path)
		if eerr == nil {
			return session.DecodeKey(data)
		}
		err = fmt.Errorf("%w (escalated read: %v)", err, eerr)
	}
	if !a.cfg.Enforce() {
		log.Warn().Err(err).Str("file", path).Msg("session key unavailable, sessions are unsigned")
		return nil, nil
	}
	return nil, fmt.Errorf("session signing key %s unavailable: %w", path, err)
}

func (a *app) sessionRepository(ctx context.Context) (session.Repository, error) {
	switch a.cfg.SessionBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", a.cfg.RedisAddr, err)
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		return session.NewRedisRepository(rdb), nil
	default:
		return session.NewFileRepository(a.cfg.SessionDir()), nil
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
