package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/go-ts3query"
)

func newQueryClient(cfg *Config, logger *slog.Logger, transport ts3query.Transport, onDisconnect func(error)) *ts3query.Client {
	options := []ts3query.ClientOption{
		ts3query.WithLogger(logger.With(slog.String("component", "query"))),
		ts3query.WithRequestTimeout(time.Duration(cfg.Client.RequestTimeout)),
		ts3query.WithWriteTimeout(time.Duration(cfg.Client.WriteTimeout)),
		ts3query.WithKeepAliveInterval(time.Duration(cfg.Client.KeepAlive)),
	}
	if onDisconnect != nil {
		options = append(options, ts3query.WithDisconnectHandler(onDisconnect))
	}
	return ts3query.NewClient(transport, options...)
}

func newTransport(cfg *Config, logger *slog.Logger) ts3query.Transport {
	return ts3query.NewTCPTransport(cfg.Server.Address, ts3query.WithTCPLogger(logger))
}

// openSession connects the client and prepares the connection: login,
// virtual server selection and nickname, as configured.
func openSession(ctx context.Context, client *ts3query.Client, cfg *Config) error {
	if err := client.Connect(ctx); err != nil {
		return err
	}

	if err := prepareSession(ctx, client, cfg); err != nil {
		client.Close()
		return err
	}
	return nil
}

func prepareSession(ctx context.Context, client *ts3query.Client, cfg *Config) error {
	if cfg.Server.Username != "" && cfg.Server.Password != "" {
		if err := client.Login(ctx, cfg.Server.Username, cfg.Server.Password); err != nil {
			return fmt.Errorf("failed to login as %s: %w", cfg.Server.Username, err)
		}
	}
	if cfg.Server.ServerID > 0 {
		if err := client.UseServer(ctx, cfg.Server.ServerID); err != nil {
			return fmt.Errorf("failed to select server %d: %w", cfg.Server.ServerID, err)
		}
	}
	if cfg.Server.Nickname != "" {
		cmd := ts3query.NewCommand("clientupdate", ts3query.String("client_nickname", cfg.Server.Nickname))
		if _, err := client.Send(ctx, cmd); err != nil {
			return fmt.Errorf("failed to set nickname: %w", err)
		}
	}
	return nil
}
