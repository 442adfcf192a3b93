package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/lobby-presence/internal/changefeed"
	"github.com/DoyleJ11/lobby-presence/internal/config"
	"github.com/DoyleJ11/lobby-presence/internal/continuity"
	"github.com/DoyleJ11/lobby-presence/internal/handoff"
	"github.com/DoyleJ11/lobby-presence/internal/httpapi"
	"github.com/DoyleJ11/lobby-presence/internal/hub"
	"github.com/DoyleJ11/lobby-presence/internal/lobby"
	"github.com/DoyleJ11/lobby-presence/internal/notify"
	"github.com/DoyleJ11/lobby-presence/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}
	log, err := newLogger(cfg)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("exit", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store continuity.Store = continuity.NewMemory()
		feed  lobby.Feed
	)
	if cfg.DatabaseURL != "" {
		db, err := continuity.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		store = db

		pool, err := changefeed.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		feed = changefeed.New(pool, log)
	} else {
		log.Warn("DATABASE_URL not set: continuity is in-memory and the change feed is off")
	}

	var launcher handoff.Launcher
	if cfg.HandoffSecret != "" {
		signer, err := handoff.NewSigner(cfg.HandoffBaseURL, cfg.HandoffSecret, 0)
		if err != nil {
			return err
		}
		launcher = signer
	} else {
		log.Warn("HANDOFF_SECRET not set: game start will not produce a handoff URL")
	}

	notices := notify.NewFanout(notify.Log(log))

	factory := func(ctx context.Context, code string) *lobby.Lobby {
		rlog := log.With(zap.String("room_code", code))
		tr := ws.NewClient(ws.Options{
			URL:         cfg.CoordinatorURL,
			MaxAttempts: cfg.ReconnectAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
			Logger:      rlog,
		})
		return lobby.New(ctx, lobby.Config{
			ClientKey:        continuity.RoomKey(cfg.ClientKey, code),
			GracePeriod:      cfg.GracePeriod,
			GraceTick:        cfg.GraceTick,
			Heartbeat:        cfg.Heartbeat,
			Debounce:         cfg.CommandDebounce,
			StartTimeout:     cfg.StartGuard,
			PrecedenceWindow: cfg.PrecedenceWindow,
			ReturnURL:        cfg.ReturnURL,
		}, lobby.Deps{
			Transport: tr,
			Feed:      feed,
			Store:     store,
			Notifier:  notices,
			Launcher:  launcher,
			Logger:    rlog,
		})
	}
	h := hub.NewHub(context.Background(), factory, log)

	rctx, rcancel := context.WithTimeout(ctx, 10*time.Second)
	if err := h.Resume(rctx, store, cfg.ClientKey); err != nil {
		log.Warn("silent rejoin failed", zap.Error(err))
	}
	rcancel()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpapi.SetupRoutes(h, notices, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return multierr.Combine(srv.Shutdown(sctx), h.Shutdown(sctx))
	})
	return g.Wait()
}
