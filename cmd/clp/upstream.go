package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clp-proxy/clp/internal/configstore"
)

// upstreamCmd edits a service's UpstreamConfig list, mirroring the
// teacher's `rules add/remove/test` family in cmd/ctrlai/main.go but
// operating on configstore.Store instead of the guardrail rule engine.
func upstreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upstream",
		Short: "Manage upstream configurations for a service",
	}
	cmd.AddCommand(upstreamListCmd(), upstreamAddCmd(), upstreamRemoveCmd(), upstreamActivateCmd())
	return cmd
}

func storeFor(service string) *configstore.Store {
	return configstore.New(filepath.Join(configDir, service+".json"))
}

func upstreamListCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List upstream configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := storeFor(service).Get()
			if err != nil {
				return err
			}
			for _, c := range snap {
				status := "inactive"
				if c.Deleted {
					status = "deleted"
				} else if c.Active {
					status = "active"
				}
				fmt.Printf("%-20s weight=%-4d %-10s %s\n", c.Name, c.Weight, status, c.BaseURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	return cmd
}

func upstreamAddCmd() *cobra.Command {
	var service, name, baseURL, apiKey, authToken string
	var weight int
	var active bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace an upstream configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" || baseURL == "" {
				return fmt.Errorf("--name and --base-url are required")
			}
			return storeFor(service).Update(func(current []configstore.UpstreamConfig) ([]configstore.UpstreamConfig, error) {
				out := current[:0:0]
				for _, c := range current {
					if c.Name != name {
						out = append(out, c)
					}
				}
				out = append(out, configstore.UpstreamConfig{
					Name: name, BaseURL: baseURL, APIKey: apiKey, AuthToken: authToken,
					Weight: weight, Active: active,
				})
				return out, nil
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	cmd.Flags().StringVar(&name, "name", "", "upstream config name")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "upstream base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "x-api-key credential")
	cmd.Flags().StringVar(&authToken, "auth-token", "", "bearer token credential")
	cmd.Flags().IntVar(&weight, "weight", 1, "weight for weight-based load balancing")
	cmd.Flags().BoolVar(&active, "active", false, "mark active (used in active-first mode)")
	return cmd
}

func upstreamRemoveCmd() *cobra.Command {
	var service, name string
	var hard bool
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Soft-delete (or, with --hard, permanently remove) an upstream configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return storeFor(service).Update(func(current []configstore.UpstreamConfig) ([]configstore.UpstreamConfig, error) {
				out := current[:0:0]
				for _, c := range current {
					if c.Name == name {
						if hard {
							continue
						}
						now := time.Now().UTC()
						c.Deleted = true
						c.Active = false
						c.DeletedAt = &now
					}
					out = append(out, c)
				}
				return out, nil
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	cmd.Flags().StringVar(&name, "name", "", "upstream config name")
	cmd.Flags().BoolVar(&hard, "hard", false, "permanently remove instead of soft-delete")
	return cmd
}

func upstreamActivateCmd() *cobra.Command {
	var service, name string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Mark one upstream active and all others inactive (for active-first mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return storeFor(service).Update(func(current []configstore.UpstreamConfig) ([]configstore.UpstreamConfig, error) {
				found := false
				for i := range current {
					current[i].Active = current[i].Name == name
					found = found || current[i].Active
				}
				if !found {
					return nil, fmt.Errorf("no upstream named %q", name)
				}
				return current, nil
			})
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	cmd.Flags().StringVar(&name, "name", "", "upstream config name to activate")
	return cmd
}

// newSecondaryID mints a uuid for CLI-created auth tokens, which the
// spec leaves unconstrained in format (spec.md §9 reserves the
// monotonic scheme for request IDs only).
func newSecondaryID() string { return uuid.NewString() }
