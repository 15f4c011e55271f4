package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/k0vsh-ik/task-management/api"
	"github.com/k0vsh-ik/task-management/config"
	"github.com/k0vsh-ik/task-management/session"
)

const shutdownTimeout = 10 * time.Second

func main() {
	fs := config.Flags(os.Args[0])
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("flags: %v", err)
	}
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New()
	if err := cfg.Log.Apply(logger); err != nil {
		log.Fatalf("log config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(cfg, logger)
	if err != nil {
		logger.Fatalf("session: %v", err)
	}
	if err := sess.Mount(ctx); err != nil {
		logger.Fatalf("mount view: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	// Render streams end with the process context instead of holding shutdown.
	e.Server.BaseContext = func(net.Listener) context.Context { return ctx }
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	srv := api.Register(e, sess.View(), logger, api.WithBannerTTL(cfg.Server.BannerTTL))

	go func() {
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server: %v", err)
		}
	}()
	logger.WithFields(log.Fields{
		"addr":  cfg.Server.Addr,
		"store": cfg.Store.BaseURL,
		"push":  cfg.Push.Kind,
	}).Info("task view listening")

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("server shutdown")
	}
	srv.Close()
	if err := sess.Close(); err != nil {
		logger.WithError(err).Warn("close session")
	}
}
