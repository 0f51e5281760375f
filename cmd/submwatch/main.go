package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/programme-lv/submfeed/conf"
	"github.com/programme-lv/submfeed/reconcile"
	"github.com/programme-lv/submfeed/session"
	"github.com/programme-lv/submfeed/streamclient"
	"github.com/programme-lv/submfeed/submevent"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	confPath := flag.String("config", os.Getenv("SUBMWATCH_CONFIG"), "watcher config file")
	logPath := flag.String("log", "submwatch.log", "log file; the terminal belongs to the ui")
	flag.Parse()

	cfg, err := conf.LoadWatchConf(*confPath)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Fatalf("failed to open log file: %v", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg conf.WatchConf, logger *slog.Logger) error {
	tokens, err := readTokens(cfg.TokensFile)
	if err != nil {
		return err
	}

	bc, closeBroadcaster, err := newBroadcaster(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBroadcaster()

	httpClient := &http.Client{}
	var p *tea.Program

	coord := session.NewCoordinator(bc,
		&session.HTTPRefresher{BaseURL: cfg.BaseURL, HTTPClient: httpClient},
		session.WithLogger(logger),
		session.WithMinTouchInterval(cfg.MinTouchInterval.Duration),
		session.WithOnExpire(func() { p.Send(expiredMsg{}) }),
	)
	coord.SetTokens(tokens)

	cache := reconcile.NewCache()
	cache.PutPage(pageKey, reconcile.Page{
		Page:   1,
		Limit:  cfg.PageSize,
		Filter: listFilter(cfg.Filter, tokens.AccessToken),
	})

	m := newModel(cache, coord.Touch, cfg.PageSize)
	if owner := subjectOf(tokens.AccessToken); owner != "" {
		m.owner = owner
		cache.DependOnVerdicts(owner, progressKey)
		m.recountProgress()
	}
	p = tea.NewProgram(m)

	client := streamclient.NewClient(streamclient.Config{
		BaseURL:          cfg.BaseURL,
		StreamPath:       cfg.StreamPath,
		UpdatesPath:      cfg.UpdatesPath,
		PollInterval:     cfg.PollInterval.Duration,
		RetryDelay:       cfg.RetryDelay.Duration,
		HeartbeatTimeout: cfg.HeartbeatTimeout.Duration,
		DedupCapacity:    cfg.DedupCapacity,
		HTTPClient:       httpClient,
		Logger:           logger,
		OnState:          func(s streamclient.State) { p.Send(stateMsg(s)) },
	}, coord, coord.Enabled, func(ev submevent.Event) {
		changed := cache.Apply(ev)
		p.Send(eventMsg{ev: ev, changed: changed})
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return client.Run(gctx) })

	_, runErr := p.Run()
	cancel()
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}

	// keep whatever the session rotated to for the next start
	if latest := coord.Tokens(); latest.AccessToken != "" && latest.AccessToken != tokens.AccessToken {
		if err := writeTokens(cfg.TokensFile, latest); err != nil {
			logger.Warn("failed to persist tokens", "error", err)
		}
	}
	return runErr
}
