package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"matchchat/logging"
	"matchchat/server/config"
	"matchchat/server/handler"
	"matchchat/server/room"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "chatrelay",
		Short: "Realtime relay for conversation notifications and typing signals",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Accept client sockets and relay frames until interrupted",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgManager, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg := cfgManager.Get()
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	creds := handler.NewCredentials(cfg.Auth.Tokens(), cfg.Auth.InternalKey)
	creds.SetJWTSecret(cfg.Auth.JWTSecret)
	h := handler.New(gCtx, handler.Options{
		Rooms:           room.NewManager(),
		Credentials:     creds,
		Metrics:         handler.NewMetrics(),
		Logger:          logger,
		FramesPerSecond: cfg.Server.FramesPerSecond,
		FrameBurst:      cfg.Server.FrameBurst,
		MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		SendQueue:       cfg.Server.SendQueue,
	})

	srv := &http.Server{
		Handler:      h.Router(),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	g.Go(func() error {
		logger.Info("Server starting", zap.String("addr", srv.Addr), zap.Int("users", len(cfg.Auth.Users)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		updates := cfgManager.Watch(gCtx, func(err error) {
			logger.Warn("Ignoring config change", zap.Error(err))
		})
		for {
			select {
			case <-gCtx.Done():
				return nil
			case next := <-updates:
				creds.Replace(next.Auth.Tokens(), next.Auth.InternalKey)
				creds.SetJWTSecret(next.Auth.JWTSecret)
				logger.Info("Credentials reloaded", zap.Int("users", len(next.Auth.Users)))
			}
		}
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info("Server exiting")
		return nil
	})

	return g.Wait()
}
