package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"trainsync/internal/analysis"
	"trainsync/internal/auth"
	"trainsync/internal/cache"
	"trainsync/internal/config"
	"trainsync/internal/service"
	"trainsync/internal/store"
	"trainsync/internal/strava"
	"trainsync/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "auth":
		cmdAuth(os.Args[2:])
	case "sync":
		cmdSync(os.Args[2:])
	case "version":
		fmt.Printf("trainsync %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: trainsync <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve     Start the HTTP server\n")
	fmt.Fprintf(os.Stderr, "  auth      Run the Strava OAuth flow\n")
	fmt.Fprintf(os.Stderr, "  sync      Run one sync and exit\n")
	fmt.Fprintf(os.Stderr, "  version   Print version\n")
}

// app holds everything the commands share.
type app struct {
	cfg        *config.Config
	db         *store.DB
	tokens     *auth.TokenStore
	client     *strava.Client
	syncer     *service.Syncer
	reportPath string
}

func bootstrap() (*app, func(), error) {
	cfg, err := config.Load()
	if errors.Is(err, config.ErrNoConfig) {
		fmt.Println("No config file found. Creating example config...")
		if err := config.CreateExample(); err != nil {
			return nil, nil, fmt.Errorf("creating example config: %w", err)
		}
		dir, _ := config.Dir()
		fmt.Printf("\nPlease edit the config file at:\n  %s/config.json\n\n", dir)
		fmt.Println("You need to add your Strava API credentials.")
		fmt.Println("Get them from: https://www.strava.com/settings/api")
		os.Exit(0)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validating config: %w", err)
	}

	dir, err := config.Dir()
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(filepath.Join(dir, "data.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	respCache, err := cache.New(filepath.Join(dir, "cache"))
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	oauthCfg := auth.NewOAuthConfig(auth.Config{
		ClientID:     cfg.Strava.ClientID,
		ClientSecret: cfg.Strava.ClientSecret,
		RedirectURL:  fmt.Sprintf("http://localhost:%d/callback", auth.CallbackPort),
	})

	tokens := auth.NewTokenStore(oauthCfg, dir)
	if err := tokens.Load(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("loading tokens: %w", err)
	}

	client := strava.NewClient(tokens, respCache)

	analyzer := analysis.New(analysis.Zones{
		MaxHR: cfg.Athlete.MaxHR,
		LTHR:  cfg.Athlete.LTHR,
		FTP:   cfg.Athlete.FTP,
	})

	reportPath := filepath.Join(dir, "training_analysis_report.json")
	syncer := service.New(client, db, analyzer, reportPath)

	a := &app{
		cfg:        cfg,
		db:         db,
		tokens:     tokens,
		client:     client,
		syncer:     syncer,
		reportPath: reportPath,
	}
	cleanup := func() {
		syncer.Close()
		db.Close()
	}
	return a, cleanup, nil
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (overrides config)")
	fs.Parse(args)

	a, cleanup, err := bootstrap()
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	if !a.tokens.Authenticated() {
		fmt.Println("Not authenticated with Strava yet. Run: trainsync auth")
	}

	listen := a.cfg.Server.Addr
	if *addr != "" {
		listen = *addr
	}

	srv := web.NewServer(a.syncer, a.db, a.client, a.reportPath,
		a.cfg.Sync.WindowDays, a.cfg.Sync.MinDays)
	httpSrv := web.ListenAndServe(listen, srv.Router())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
}

func cmdAuth(args []string) {
	a, cleanup, err := bootstrap()
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	oauthCfg := auth.NewOAuthConfig(auth.Config{
		ClientID:     a.cfg.Strava.ClientID,
		ClientSecret: a.cfg.Strava.ClientSecret,
		RedirectURL:  fmt.Sprintf("http://localhost:%d/callback", auth.CallbackPort),
	})

	result, err := auth.Authenticate(context.Background(), a.tokens, oauthCfg)
	if err != nil {
		fatal(fmt.Errorf("authenticating: %w", err))
	}

	fmt.Printf("\nAuthenticated as athlete %d.\n", result.AthleteID)
}

func cmdSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	windowDays := fs.Int("window", 0, "days of history to sync (default from config)")
	minDays := fs.Int("min-days", 0, "minimum cached history for analysis (default from config)")
	fs.Parse(args)

	a, cleanup, err := bootstrap()
	if err != nil {
		fatal(err)
	}
	defer cleanup()

	window := a.cfg.Sync.WindowDays
	if *windowDays > 0 {
		window = *windowDays
	}
	minD := a.cfg.Sync.MinDays
	if *minDays > 0 {
		minD = *minDays
	}

	done := make(chan service.State, 1)
	a.syncer.Subscribe(func(st service.State) {
		fmt.Printf("[%3d%%] %-12s %s\n", st.Progress, st.Phase, st.Message)
		if st.Phase.Terminal() {
			done <- st
		}
	})

	if !a.syncer.Start(window, minD) {
		fatal(errors.New("a sync is already in progress"))
	}

	final := <-done
	if final.Phase == service.PhaseError {
		fatal(errors.New(final.Error))
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
