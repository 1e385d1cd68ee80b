package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sphinx-onion/go-core/internal/app"
	"sphinx-onion/go-core/internal/config"
	"sphinx-onion/go-core/internal/events"
	"sphinx-onion/go-core/internal/keyexchange"
	"sphinx-onion/go-core/internal/platform/privacylog"

	"github.com/spf13/cobra"
)

type cliState struct {
	configPath string
	dataDir    string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	st := &cliState{}
	root := &cobra.Command{
		Use:           "onion-node",
		Short:         "Onion identity and key exchange node",
		Version:       fmt.Sprintf("%s commit=%s build_date=%s", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFromPath(st.configPath)
			if err != nil {
				return err
			}
			if st.dataDir != "" {
				cfg.DataDir = st.dataDir
			}
			st.cfg = cfg
			st.logger = privacylog.New(os.Stderr, privacylog.ParseLevel(cfg.Log.Level), cfg.Log.Format)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&st.configPath, "config", "", "path to config.yaml (optional)")
	root.PersistentFlags().StringVar(&st.dataDir, "data-dir", "", "data directory override")

	root.AddCommand(
		generateCmd(st),
		importCmd(st),
		showCmd(st),
		runCmd(st),
		inviteCmd(st),
		sendCmd(st),
		demoCmd(st),
	)
	return root
}

func (st *cliState) open(ctx context.Context) (*app.Node, error) {
	return app.Open(ctx, st.cfg, st.logger)
}

func generateCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Create a new identity and print its mnemonic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = n.Stop() }()
			if _, ok, err := n.Identity.Load(); err != nil {
				return err
			} else if ok {
				return errors.New("an identity already exists in this data directory")
			}
			mnemonic, id, err := n.Identity.Generate()
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"pubkey": id.PublicKey, "mnemonic": mnemonic})
		},
	}
}

func importCmd(st *cliState) *cobra.Command {
	var mnemonic string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore an identity from its mnemonic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(mnemonic) == "" {
				mnemonic = os.Getenv("ONION_MNEMONIC")
			}
			n, err := st.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = n.Stop() }()
			id, err := n.Identity.CreateOrImport(mnemonic)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"pubkey": id.PublicKey})
		},
	}
	cmd.Flags().StringVar(&mnemonic, "mnemonic", "", "12 or 24 word mnemonic (or ONION_MNEMONIC)")
	return cmd
}

func showCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the identity, route hint and contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := st.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = n.Stop() }()
			id, ok, err := n.Identity.Load()
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("no identity; run generate or import first")
			}
			all, err := n.Directory.All(ctx)
			if err != nil {
				return err
			}
			out := map[string]any{
				"pubkey":               id.PublicKey,
				"xpub":                 id.ExtendedPublicKey,
				"last_processed_index": n.Identity.LastProcessedIndex(),
				"contacts":             all,
			}
			if invite, err := n.MyInvite(ctx); err == nil {
				out["route_hint"] = invite.RouteHint
				if code, err := invite.Code(); err == nil {
					out["invite_code"] = code
				}
			}
			return printJSON(out)
		},
	}
}

func runCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the broker and process traffic until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			n, err := st.open(ctx)
			if err != nil {
				return err
			}
			go logEvents(ctx, n.Events, st.logger)
			st.logger.Info("onion-node starting", "component", "cli", "operation", "run", "version", version)
			err = n.Run(ctx)
			st.logger.Info("onion-node stopped", "component", "cli", "operation", "run")
			return err
		},
	}
}

func inviteCmd(st *cliState) *cobra.Command {
	var (
		invite keyexchange.Invite
		code   string
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Send a key exchange request to a peer and wait for the reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code != "" {
				parsed, err := keyexchange.ParseInviteCode(code)
				if err != nil {
					return err
				}
				if invite.Alias != "" {
					parsed.Alias = invite.Alias
				}
				invite = parsed
			}
			if strings.TrimSpace(invite.PublicKey) == "" {
				return errors.New("either --code or --pubkey is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			n, err := startedNode(ctx, st)
			if err != nil {
				return err
			}
			defer func() { _ = n.Stop() }()
			contact, err := n.Invite(ctx, invite)
			if err != nil {
				return err
			}
			if !contact.IsConfirmed() {
				if contact, err = n.WaitConfirmed(ctx, invite.PublicKey); err != nil {
					return fmt.Errorf("waiting for confirmation: %w", err)
				}
			}
			return printJSON(contact)
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "invite code printed by the peer's show command")
	cmd.Flags().StringVar(&invite.PublicKey, "pubkey", "", "peer account public key")
	cmd.Flags().StringVar(&invite.RouteHint, "route-hint", "", "peer route hint <server_pubkey>_<scid>")
	cmd.Flags().StringVar(&invite.Alias, "alias", "", "nickname for the peer")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the peer")
	cmd.MarkFlagsMutuallyExclusive("code", "pubkey")
	return cmd
}

func sendCmd(st *cliState) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send <pubkey> <message>",
		Short: "Send a chat message to a confirmed contact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			n, err := startedNode(ctx, st)
			if err != nil {
				return err
			}
			defer func() { _ = n.Stop() }()
			msg, err := n.Send(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"uuid": msg.UUID, "sent": true})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "connect and registration timeout")
	return cmd
}

func startedNode(ctx context.Context, st *cliState) (*app.Node, error) {
	n, err := st.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		_ = n.Stop()
		return nil, err
	}
	if _, err := n.WaitProvisioned(ctx); err != nil {
		_ = n.Stop()
		return nil, fmt.Errorf("waiting for registration: %w", err)
	}
	return n, nil
}

func logEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	_, ch, cancel := bus.Subscribe(0, 64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			logger.Info("core event", "component", "cli", "operation", "event", "kind", string(ev.Kind), "seq", ev.Seq)
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
