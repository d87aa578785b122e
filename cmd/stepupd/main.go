// Command stepupd runs the step-up authorization service: the decision
// engine behind a Protect middleware plus the challenge and initiate
// endpoints, against a configurable session/policy backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joeshaw/envdecode"

	"github.com/stepupauth/stepup-server-go/decision"
	"github.com/stepupauth/stepup-server-go/httpserver"
	"github.com/stepupauth/stepup-server-go/internal/logctx"
	"github.com/stepupauth/stepup-server-go/keyring"
	"github.com/stepupauth/stepup-server-go/mfa/cognito"
	"github.com/stepupauth/stepup-server-go/store"
	"github.com/stepupauth/stepup-server-go/store/dynamo"
	"github.com/stepupauth/stepup-server-go/store/memory"
	redisstore "github.com/stepupauth/stepup-server-go/store/redis"
	"github.com/stepupauth/stepup-server-go/token"
)

type config struct {
	// Issuer is the token issuer base URL. ENV: STEPUP_ISSUER
	Issuer string `env:"STEPUP_ISSUER,required"`
	// Backend selects the session/policy store: memory, redis or dynamo.
	Backend string `env:"STEPUP_BACKEND,default=memory"`
	// RefreshKeys enables the auto-refreshing discovery-based key source
	// instead of the fetch-once ring.
	RefreshKeys bool `env:"STEPUP_REFRESH_KEYS,default=false"`
	// EnvSuffix is appended to DynamoDB table names, e.g. "dev".
	EnvSuffix string `env:"STEPUP_ENV_SUFFIX"`
	// SeedPolicies holds comma-separated resource=requirement pairs applied
	// at startup, e.g. "/transfer=REQUIRED,/info=NOT_REQUIRED".
	SeedPolicies string `env:"STEPUP_SEED_POLICIES"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"STEPUP_LOG_LEVEL,default=info"`
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	keys, err := newKeySource(ctx, cfg, log)
	if err != nil {
		return err
	}
	verifier, err := token.NewVerifier(token.VerifierConfig{Keys: keys, Logger: log})
	if err != nil {
		return err
	}

	sessions, policies, err := newStores(ctx, cfg)
	if err != nil {
		return err
	}
	if err := seedPolicies(ctx, policies, cfg.SeedPolicies); err != nil {
		return err
	}

	engine, err := decision.NewEngine(decision.Config{
		Verifier: verifier,
		Sessions: sessions,
		Policies: policies,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("aws config: %w", err)
	}
	mfaClient := cognito.New(cip.NewFromConfig(awsCfg), log)

	httpCfg := httpserver.ConfigFromEnv()
	handler, err := httpserver.New(httpCfg, httpserver.Deps{
		Engine:   engine,
		Verifier: verifier,
		Sessions: sessions,
		MFA:      mfaClient,
		Factors:  mfaClient,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              httpCfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", httpCfg.Addr), slog.String("backend", cfg.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.NewHandler(base))
}

func newKeySource(ctx context.Context, cfg config, log *slog.Logger) (keyring.KeySource, error) {
	if cfg.RefreshKeys {
		return keyring.NewRefreshing(ctx, cfg.Issuer)
	}
	return keyring.New(keyring.Config{Issuer: cfg.Issuer, Logger: log})
}

func newStores(ctx context.Context, cfg config) (store.SessionStore, store.PolicyStore, error) {
	switch cfg.Backend {
	case "memory":
		sessions, err := memory.NewSessionStore(memory.Config{})
		if err != nil {
			return nil, nil, err
		}
		policies, err := memory.NewPolicyStore(memory.Config{})
		if err != nil {
			return nil, nil, err
		}
		return sessions, policies, nil
	case "redis":
		stores, err := redisstore.NewFromEnv(ctx)
		if err != nil {
			return nil, nil, err
		}
		return stores.Sessions, stores.Policies, nil
	case "dynamo":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("aws config: %w", err)
		}
		stores, err := dynamo.New(dynamo.Config{
			Client:            dynamodb.NewFromConfig(awsCfg),
			EnvironmentSuffix: cfg.EnvSuffix,
		})
		if err != nil {
			return nil, nil, err
		}
		return stores.Sessions, stores.Policies, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// seedPolicies applies startup policy rows from a comma-separated list of
// resource=requirement pairs.
func seedPolicies(ctx context.Context, policies store.PolicyStore, pairs string) error {
	if pairs == "" {
		return nil
	}
	for _, pair := range strings.Split(pairs, ",") {
		resource, requirement, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || resource == "" {
			return fmt.Errorf("malformed policy seed %q", pair)
		}
		var req store.Requirement
		switch strings.ToUpper(requirement) {
		case "REQUIRED", string(store.RequirementRequired):
			req = store.RequirementRequired
		case "NOT_REQUIRED", string(store.RequirementNotRequired):
			req = store.RequirementNotRequired
		case "DENY", string(store.RequirementDeny):
			req = store.RequirementDeny
		default:
			return fmt.Errorf("unknown requirement %q in policy seed", requirement)
		}
		if err := policies.Put(ctx, &store.Policy{ResourceID: resource, Requirement: req}); err != nil {
			return fmt.Errorf("seed policy %q: %w", resource, err)
		}
	}
	return nil
}
