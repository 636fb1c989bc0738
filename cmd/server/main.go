package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/imsimpla2209/bear/envelope"
	"github.com/imsimpla2209/bear/internal/config"
	"github.com/imsimpla2209/bear/oidcflow"
	"github.com/imsimpla2209/bear/refresh"
	"github.com/imsimpla2209/bear/secrets"
	"github.com/imsimpla2209/bear/secrets/ssm"
	"github.com/imsimpla2209/bear/server"
	"github.com/imsimpla2209/bear/sessions"
	"github.com/imsimpla2209/bear/sessions/postgres"
	fakesessionrepo "github.com/imsimpla2209/bear/sessions/repofakes"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// clientSecretParameter is the store name the OIDC client secret is
// read from when it is not configured directly.
const clientSecretParameter = "oidc_secret"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("broker failed")
	}
	log.Info().Msg("broker stopped")
}

func run(ctx context.Context, configPath string, log zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	key, err := cfg.EncryptionKey()
	if err != nil {
		return err
	}
	env, err := envelope.New(key)
	if err != nil {
		return err
	}

	repo, err := openSessionRepo(ctx, cfg, env, log)
	if err != nil {
		return err
	}

	store, err := openSecretStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	if cfg.OIDC.ClientSecret == "" {
		v, err := store.Fetch(ctx, clientSecretParameter)
		if err != nil {
			return errors.Wrap(err, "load oidc client secret from store")
		}
		cfg.OIDC.ClientSecret = v.Value
	}

	flow, err := oidcflow.New(ctx, oidcflow.Config{
		IssuerURL:       cfg.OIDC.IssuerURL,
		ClientID:        cfg.OIDC.ClientID,
		ClientSecret:    cfg.OIDC.ClientSecret,
		RedirectURL:     cfg.HTTP.PublicURL + "/callback",
		Scopes:          cfg.OIDC.Scopes,
		PendingTTL:      cfg.Session.PendingTTL,
		ProviderTimeout: cfg.Session.ProviderTimeout,
	}, repo, oidcflow.WithLogger(log))
	if err != nil {
		return err
	}

	manager, err := refresh.New(repo, flow, refresh.Config{
		Skew:          cfg.Session.RefreshSkew,
		WaitTimeout:   cfg.Session.RefreshWait,
		CallTimeout:   cfg.Session.ProviderTimeout,
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
	}, refresh.WithLogger(log))
	if err != nil {
		return err
	}

	broker, err := secrets.New(store, env, secrets.Config{
		CacheTTL:             cfg.Secrets.CacheTTL,
		FetchAttempts:        uint64(cfg.Secrets.FetchAttempts),
		FetchTimeout:         cfg.Secrets.FetchTimeout,
		VersionCheckInterval: cfg.Secrets.VersionCheckInterval,
	}, secrets.WithLogger(log))
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, flow, repo, manager, broker, env, server.WithLogger(log))
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return broker.Run(ctx) })
	return g.Wait()
}

// openSessionRepo connects to Postgres and runs pending migrations.
// Without a DSN it falls back to the in-memory repo, which only suits
// single-process development: sessions are lost on restart.
func openSessionRepo(ctx context.Context, cfg config.Config, env *envelope.Envelope, log zerolog.Logger) (sessions.Repo, error) {
	if cfg.DB.DSN == "" {
		log.Warn().Msg("db.dsn not set, using in-memory session store")
		return fakesessionrepo.NewFakeSessionRepo(), nil
	}

	db, err := sql.Open("pgx", cfg.DB.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.DB.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}

	if err := postgres.Migrate(ctx, db); err != nil {
		return nil, err
	}
	return postgres.NewRepo(db, env), nil
}

// openSecretStore builds the SSM-backed store. Without a prefix the
// broker still runs, with every secret request answered as store
// unavailable.
func openSecretStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (secrets.Store, error) {
	if cfg.Secrets.SSMPrefix == "" {
		log.Warn().Msg("secrets.ssm_prefix not set, secret store disabled")
		return secrets.Disabled(), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return ssm.New(awsssm.NewFromConfig(awsCfg), cfg.Secrets.SSMPrefix)
}
