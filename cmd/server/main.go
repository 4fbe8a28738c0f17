package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/dpop-auth-server/auth"
	"github.com/jrsteele09/dpop-auth-server/clients"
	"github.com/jrsteele09/dpop-auth-server/device"
	"github.com/jrsteele09/dpop-auth-server/dpop"
	"github.com/jrsteele09/dpop-auth-server/events"
	"github.com/jrsteele09/dpop-auth-server/housekeeping"
	"github.com/jrsteele09/dpop-auth-server/internal/config"
	"github.com/jrsteele09/dpop-auth-server/internal/metrics"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/jrsteele09/dpop-auth-server/server"
	"github.com/jrsteele09/dpop-auth-server/sessions"
	"github.com/jrsteele09/dpop-auth-server/singleuse"
	"github.com/jrsteele09/dpop-auth-server/storage/sqlite"
	"github.com/jrsteele09/dpop-auth-server/tenants"
	"github.com/jrsteele09/dpop-auth-server/token"
	"github.com/jrsteele09/dpop-auth-server/token/jwt"
	"github.com/jrsteele09/dpop-auth-server/token/keys"
	"github.com/jrsteele09/dpop-auth-server/token/refresh"
	"github.com/jrsteele09/dpop-auth-server/users"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	c := config.New()
	setupLogging(c)

	if err := run(c); err != nil {
		log.Fatal().Err(err).Msg("error running server")
	}
	log.Info().Msg("server stopped")
}

func setupLogging(c config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(strings.ToLower(c.GetLogLevel()))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func run(c config.Config) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	displayAppname(c.GetAppName())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	app, err := buildApp(ctx, c, m)
	if err != nil {
		return err
	}
	defer app.close()

	srv, err := server.New(c, app.service, m)
	if err != nil {
		return fmt.Errorf("server.New: %w", err)
	}
	httpServer := &http.Server{
		Addr:              c.GetPort(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listenAndServe(httpServer)
	})
	g.Go(func() error {
		return app.housekeeping.Run(gctx)
	})
	if app.outbox != nil {
		g.Go(func() error {
			return app.outbox.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer)
	})
	return g.Wait()
}

// app holds the wired components and the resources to release on exit.
type app struct {
	service      *auth.AuthorizationService
	housekeeping *housekeeping.Runner
	outbox       *events.Outbox
	closers      []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to release resource")
		}
	}
}

// durableRepos are the stores selected by STORAGE_BACKEND.
type durableRepos struct {
	keys     keys.Repo
	sessions sessions.Repo
	refresh  refresh.Repo
}

func buildApp(ctx context.Context, c config.Config, m *metrics.Metrics) (*app, error) {
	a := &app{housekeeping: housekeeping.NewRunner()}
	sweep := c.GetSweepInterval()

	durable, err := openDurableRepos(ctx, c, a)
	if err != nil {
		a.close()
		return nil, err
	}

	var (
		publisher events.Publisher
		par       singleuse.Store[oauthmodel.AuthorizationParameters]
		codes     singleuse.Store[oauthmodel.AuthorizationCode]
		replay    dpop.ReplayStore
		devices   device.Repo
	)
	if addr := c.GetRedisAddr(); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
		}
		a.closers = append(a.closers, client.Close)

		prefix := c.GetRedisKeyPrefix()
		par = singleuse.NewRedisStore[oauthmodel.AuthorizationParameters](client, prefix+"par:")
		codes = singleuse.NewRedisStore[oauthmodel.AuthorizationCode](client, prefix+"code:")
		replay = dpop.NewRedisReplayStore(client, prefix+"dpop:")
		devices = device.NewRedisRepo(client, prefix+"device:")
		publisher = events.NewRedisStreamPublisher(client, c.GetEventsStream())
		log.Info().Str("addr", addr).Msg("using redis for single-use, replay and device stores")
	} else {
		parStore := singleuse.NewInMemoryStore[oauthmodel.AuthorizationParameters]()
		codeStore := singleuse.NewInMemoryStore[oauthmodel.AuthorizationCode]()
		replayStore := dpop.NewInMemoryReplayStore()
		par, codes, replay, devices = parStore, codeStore, replayStore, device.NewInMemoryRepo()
		a.housekeeping.
			AddSweeper("par", sweep, parStore).
			AddSweeper("codes", sweep, codeStore).
			AddSweeper("dpop-replay", sweep, replayStore)

		a.outbox = events.NewOutbox(0)
		a.outbox.Subscribe(logEvent)
		publisher = a.outbox
	}

	keyStore, err := keys.NewKeyStore(durable.keys,
		keys.WithAlgorithm(c.GetSigningAlgorithm()),
		keys.WithLifetimes(c.GetKeyLifetime(), c.GetKeyRotationPeriod(), c.GetKeyRetention()),
		keys.WithPublisher(publisher),
		keys.WithMetrics(m),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("keys.NewKeyStore: %w", err)
	}

	tenantRepo := tenants.NewInMemoryRepo()
	clientRepo := clients.NewInMemoryRepo()
	userRepo := users.NewInMemoryRepo()
	err = server.Bootstrap(ctx, baseURL(c), c.GetBootstrapTenants(), server.BootstrapRepos{
		Tenants: tenantRepo,
		Clients: clientRepo,
		Users:   userRepo,
		Keys:    keyStore,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	creator := jwt.NewCreator(keyStore, c.GetIssuerDomain(), c.GetAccessTokenExpiry(), c.GetIDTokenExpiry())
	issuer := token.NewIssuer(creator, durable.refresh, token.WithRefreshTTL(c.GetRefreshTokenExpiry()))
	registry := sessions.NewRegistry(durable.sessions,
		sessions.WithDefaultTTL(c.GetSessionTTL()),
		sessions.WithPublisher(publisher),
		sessions.WithMetrics(m),
	)
	rotator := refresh.NewRotator(durable.refresh, issuer, registry,
		refresh.WithTTL(c.GetRefreshTokenExpiry()),
		refresh.WithPublisher(publisher),
		refresh.WithMetrics(m),
	)
	flow := device.NewFlow(devices,
		device.WithTTL(c.GetDeviceCodeTTL()),
		device.WithInterval(c.GetDevicePollInterval()),
		device.WithVerificationURI(c.GetDeviceVerificationURI()),
	)

	a.service, err = auth.NewAuthorizationService(auth.Deps{
		Clients:     clientRepo,
		Tenants:     tenants.NewChecker(tenantRepo),
		Credentials: users.NewPasswordVerifier(userRepo),
		PAR:         par,
		Codes:       codes,
		DPoP:        dpop.NewValidator(replay, dpop.WithMaxSkew(c.GetDPoPMaxSkew()), dpop.WithMetrics(m)),
		Keys:        keyStore,
		Issuer:      issuer,
		Inspector:   jwt.NewInspector(keyStore, c.GetIssuerDomain()),
		Rotator:     rotator,
		Sessions:    registry,
		Devices:     flow,
	},
		auth.WithIssuerDomain(c.GetIssuerDomain()),
		auth.WithSigningAlgorithm(c.GetSigningAlgorithm()),
		auth.WithPARTTL(c.GetPARTTL()),
		auth.WithCodeTTL(c.GetAuthCodeTTL()),
		auth.WithSessionTTL(c.GetSessionTTL()),
		auth.WithRevokeFamilyOnRevoke(c.GetRevokeFamilyOnRevoke()),
		auth.WithRequireDPoPOnIntrospect(c.GetDPoPRequireOnIntrospect()),
		auth.WithMetrics(m),
	)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("auth.NewAuthorizationService: %w", err)
	}

	a.housekeeping.
		AddSweeper("sessions", sweep, registry).
		AddSweeper("refresh-tokens", sweep, rotator).
		AddSweeper("device-codes", sweep, flow).
		AddKeyMaintenance(sweep, keyStore)
	return a, nil
}

func openDurableRepos(ctx context.Context, c config.Config, a *app) (durableRepos, error) {
	switch backend := c.GetStorageBackend(); backend {
	case "", "memory":
		log.Warn().Msg("using in-memory storage, keys and sessions are lost on restart")
		return durableRepos{
			keys:     keys.NewInMemoryRepo(),
			sessions: sessions.NewInMemoryRepo(),
			refresh:  refresh.NewInMemoryRepo(),
		}, nil
	case "sqlite":
		dsn := c.GetSQLiteDSN()
		if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
			return durableRepos{}, fmt.Errorf("sqlite DSN %q is not durable, use STORAGE_BACKEND=memory instead", dsn)
		}
		db, err := sqlite.Open(ctx, dsn)
		if err != nil {
			return durableRepos{}, err
		}
		a.closers = append(a.closers, db.Close)
		log.Info().Str("dsn", dsn).Msg("using sqlite storage")
		return durableRepos{
			keys:     sqlite.NewKeyRepo(db),
			sessions: sqlite.NewSessionRepo(db),
			refresh:  sqlite.NewRefreshRepo(db),
		}, nil
	default:
		return durableRepos{}, fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}
}

func logEvent(_ context.Context, ev events.Event) error {
	log.Info().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("tenant_id", ev.TenantID).
		Str("sub", ev.Subject).
		Strs("session_ids", ev.SessionIDs).
		Str("kid", ev.KeyID).
		Msg("event")
	return nil
}

func baseURL(c config.Config) string {
	if u := c.GetPublicBaseURL(); u != "" {
		return u
	}
	return "http://localhost" + c.GetPort()
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
