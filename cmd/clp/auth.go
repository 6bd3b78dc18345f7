package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/clp-proxy/clp/internal/auth"
)

func gateAt() *auth.Gate {
	return auth.New(filepath.Join(configDir, "auth.json"))
}

// authCmd manages auth.json — enabling the gate and minting/revoking
// tokens, mirroring the teacher's cobra subcommand tree shape.
func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage proxy authentication tokens",
	}
	cmd.AddCommand(authEnableCmd(), authDisableCmd(), authAddCmd(), authListCmd(), authRevokeCmd(), authServiceCmd())
	return cmd
}

func authEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Require a token on every request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gateAt().Update(func(_ bool, tokens []auth.Token) (bool, []auth.Token, error) {
				return true, tokens, nil
			})
		},
	}
}

func authDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Allow all requests without a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gateAt().Update(func(_ bool, tokens []auth.Token) (bool, []auth.Token, error) {
				return false, tokens, nil
			})
		},
	}
}

func authAddCmd() *cobra.Command {
	var name string
	var services []string
	var ttlHours int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Mint a new token and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			token := "clp_" + newSecondaryID()
			var expiresAt *time.Time
			if ttlHours > 0 {
				t := time.Now().Add(time.Duration(ttlHours) * time.Hour)
				expiresAt = &t
			}
			err := gateAt().Update(func(enabled bool, tokens []auth.Token) (bool, []auth.Token, error) {
				tokens = append(tokens, auth.Token{
					Token: token, Name: name, CreatedAt: time.Now(),
					ExpiresAt: expiresAt, Active: true, Services: services,
				})
				return enabled, tokens, nil
			})
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "human-readable label for this token")
	cmd.Flags().StringSliceVar(&services, "services", nil, "services this token may call (empty = all)")
	cmd.Flags().IntVar(&ttlHours, "ttl-hours", 0, "expire after N hours (0 = never)")
	return cmd
}

func authListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known tokens (values redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate := gateAt()
			enabled, tokens := gate.Tokens()
			fmt.Printf("enabled: %v\n", enabled)
			fmt.Printf("services: %v\n", gate.Services())
			for _, t := range tokens {
				fmt.Printf("%-20s active=%-5v services=%v\n", t.Name, t.Active, t.Services)
			}
			return nil
		},
	}
}

func authServiceCmd() *cobra.Command {
	var service string
	var enabled bool
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Toggle gate enforcement for one surface (ui, claude, codex) independent of the global flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			if service == "" {
				return fmt.Errorf("--service is required")
			}
			return gateAt().SetService(service, enabled)
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "surface to toggle (ui|claude|codex)")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "whether the gate is enforced for this surface")
	return cmd
}

func authRevokeCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Deactivate a token by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return gateAt().Update(func(enabled bool, tokens []auth.Token) (bool, []auth.Token, error) {
				found := false
				for i := range tokens {
					if tokens[i].Name == name {
						tokens[i].Active = false
						found = true
					}
				}
				if !found {
					return enabled, tokens, fmt.Errorf("no token named %q", name)
				}
				return enabled, tokens, nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "token name to revoke")
	return cmd
}
