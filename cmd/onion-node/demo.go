package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"sphinx-onion/go-core/internal/app"
	"sphinx-onion/go-core/internal/broker"
	"sphinx-onion/go-core/internal/config"
	"sphinx-onion/go-core/internal/keyexchange"
	"sphinx-onion/go-core/internal/lspsim"
	"sphinx-onion/go-core/internal/securestore"
	"sphinx-onion/go-core/internal/storage"

	"github.com/spf13/cobra"
)

func demoCmd(st *cliState) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run two in-process nodes against a simulated LSP and exchange a message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			return runDemo(ctx, st.cfg, st.logger, message)
		},
	}
	cmd.Flags().StringVar(&message, "message", "hello from alice", "chat message alice sends bob")
	return cmd
}

func runDemo(ctx context.Context, base config.Config, logger *slog.Logger, message string) error {
	lsp, err := lspsim.New(lspsim.Config{InitialBalance: 100000}, logger)
	if err != nil {
		return err
	}
	if err := lsp.Start(ctx); err != nil {
		return err
	}
	defer lsp.Stop()

	alice, err := demoNode(ctx, base, logger, lsp, "alice")
	if err != nil {
		return err
	}
	defer func() { _ = alice.Stop() }()
	bob, err := demoNode(ctx, base, logger, lsp, "bob")
	if err != nil {
		return err
	}
	defer func() { _ = bob.Stop() }()

	aliceInvite, err := alice.WaitProvisioned(ctx)
	if err != nil {
		return fmt.Errorf("alice registration: %w", err)
	}
	bobInvite, err := bob.WaitProvisioned(ctx)
	if err != nil {
		return fmt.Errorf("bob registration: %w", err)
	}
	// Alice only sees what bob would paste to her.
	code, err := bobInvite.Code()
	if err != nil {
		return err
	}
	shared, err := keyexchange.ParseInviteCode(code)
	if err != nil {
		return err
	}
	if _, err := alice.Invite(ctx, shared); err != nil {
		return err
	}
	if _, err := alice.WaitConfirmed(ctx, bobInvite.PublicKey); err != nil {
		return fmt.Errorf("alice waiting for bob: %w", err)
	}
	if _, err := bob.WaitConfirmed(ctx, aliceInvite.PublicKey); err != nil {
		return fmt.Errorf("bob waiting for alice: %w", err)
	}
	sent, err := alice.Send(ctx, bobInvite.PublicKey, message)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		msgs, err := bob.Messages(ctx, aliceInvite.PublicKey)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.UUID == sent.UUID {
				return printJSON(map[string]any{
					"alice":     aliceInvite,
					"bob":       bobInvite,
					"delivered": m,
					"forwarded": lsp.Forwarded(),
				})
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("message not delivered: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func demoNode(ctx context.Context, base config.Config, logger *slog.Logger, lsp *lspsim.Server, alias string) (*app.Node, error) {
	cfg := base
	cfg.Alias = alias
	cfg.Broker.Transport = broker.TransportMemory
	cfg.Storage.Driver = config.StorageMemory
	n, err := app.New(app.Options{
		Config:    cfg,
		Secrets:   securestore.NewMemoryVault(),
		Store:     storage.NewMemoryStore(),
		Transport: lsp.Hub().Transport(),
		Logger:    logger.With("node", alias),
	})
	if err != nil {
		return nil, err
	}
	if _, _, err := n.Identity.Generate(); err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}
