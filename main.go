package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"duochat/auth"
	"duochat/config"
	"duochat/db"
	"duochat/logger"
	"duochat/presence"
	"duochat/server"
)

var rootCmd = &cobra.Command{
	Use:           "duochat",
	Short:         "Two-party realtime messaging server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print live connection statistics of a running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		reply, err := server.ControlCommand(cfg.ControlSocket, "stats")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown [reason]",
	Short: "Ask a running server to say bye to every client and exit",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		command := "shutdown"
		if len(args) == 1 {
			command += "|" + strings.ReplaceAll(args[0], "\n", " ")
		}
		reply, err := server.ControlCommand(cfg.ControlSocket, command)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var useraddCmd = &cobra.Command{
	Use:   "useradd <username> <password>",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer database.Close()

		svc := auth.NewService(database, cfg.JWTSecret, time.Duration(cfg.TokenTTL)*time.Second, nil)
		if err := svc.Register(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, statsCmd, shutdownCmd, useraddCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	log := logger.New(cfg.LogFormat, cfg.LogLevel)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	var opts []server.Option
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := presence.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisDB)
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, server.WithPresenceStore(presence.NewRedisStore(client, database, log)))
		log.Info("Presence mirrored to redis", "db", cfg.RedisDB)
	}

	srv, err := server.New(database, server.ConfigFrom(cfg), log, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownReason := make(chan string, 1)
	go func() {
		if err := srv.ServeControl(ctx, cfg.ControlSocket, func(reason string) {
			select {
			case shutdownReason <- reason:
			default:
			}
		}); err != nil {
			log.Warn("Control socket unavailable", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	reason := "maintenance"
	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		log.Info("Received signal, shutting down")
	case reason = <-shutdownReason:
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx, reason); err != nil {
		log.Warn("Shutdown incomplete", "error", err)
	}
	return <-serveErr
}
