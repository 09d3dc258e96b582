package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/voicebridge/internal/config"
	"github.com/nextlevelbuilder/voicebridge/internal/pairing"
	"github.com/nextlevelbuilder/voicebridge/internal/store"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage caller-device pairings (list, approve, issue-key, revoke)",
	}

	cmd.AddCommand(pairListCmd())
	cmd.AddCommand(pairApproveCmd())
	cmd.AddCommand(pairIssueKeyCmd())
	cmd.AddCommand(pairRevokeCmd())

	return cmd
}

// withPairingService opens the configured store and hands the service to fn.
func withPairingService(fn func(ctx context.Context, svc *pairing.Service, pairings store.PairingStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	setupLogging(cfg)

	stores, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return fn(ctx, pairing.NewService(stores.pairings), stores.pairings)
}

func pairListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active pairings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingService(func(ctx context.Context, svc *pairing.Service, _ store.PairingStore) error {
				pairings, err := svc.List(ctx)
				if err != nil {
					return err
				}

				if asJSON {
					data, _ := json.MarshalIndent(pairings, "", "  ")
					fmt.Println(string(data))
					return nil
				}

				if len(pairings) == 0 {
					fmt.Println("No active pairings.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "USER\tCREDENTIAL (sha256)\tPAIRED")
				for _, p := range pairings {
					fmt.Fprintf(w, "%s\t%s…\t%s\n", p.UserID, p.CredentialHash[:12], p.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func pairApproveCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing code on behalf of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := config.NormalizeUserID(userID)
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			return withPairingService(func(ctx context.Context, svc *pairing.Service, _ store.PairingStore) error {
				if err := svc.Claim(ctx, user, args[0]); err != nil {
					return err
				}
				fmt.Printf("Pairing approved: code %s → user %s\n", args[0], user)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to pair the code with")
	return cmd
}

func pairIssueKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue-key <user>",
		Short: "Issue a credential key pre-paired with a user",
		Long: `Generates a fresh credential and pairs it with the user immediately,
skipping the code exchange. The key is printed once and never stored in
plaintext.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := config.NormalizeUserID(args[0])
			if user == "" {
				return fmt.Errorf("invalid user id %q", args[0])
			}
			return withPairingService(func(ctx context.Context, svc *pairing.Service, _ store.PairingStore) error {
				key, err := svc.IssueKey(ctx, user)
				if err != nil {
					return err
				}
				fmt.Printf("Key issued for %s. Save it now; it will not be shown again.\n\n  %s\n", user, key)
				return nil
			})
		},
	}
}

func pairRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <user>",
		Short: "Revoke a user's pairing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user := config.NormalizeUserID(args[0])
			return withPairingService(func(ctx context.Context, svc *pairing.Service, pairings store.PairingStore) error {
				rec, err := pairings.PairingByUser(ctx, user)
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("user %q has no active pairing", user)
				}
				if err != nil {
					return err
				}
				if err := svc.Revoke(ctx, rec.CredentialHash); err != nil {
					return err
				}
				fmt.Printf("Revoked pairing for %s\n", user)
				return nil
			})
		},
	}
}
