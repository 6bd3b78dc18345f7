package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/clp-proxy/clp/internal/router"
)

func routeConfigPath(service string) string {
	return filepath.Join(configDir, "data", service+"_router_config.json")
}

func readRouteConfig(service string) (router.Config, error) {
	data, err := os.ReadFile(routeConfigPath(service))
	if err != nil {
		if os.IsNotExist(err) {
			return router.Config{Mode: router.ModeDefault}, nil
		}
		return router.Config{}, err
	}
	var cfg router.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return router.Config{}, err
	}
	return cfg, nil
}

func writeRouteConfig(service string, cfg router.Config) error {
	path := routeConfigPath(service)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// routeCmd edits a service's data/<service>_router_config.json — model-mapping and
// config-mapping rules from spec.md §4.5.
func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Manage model/config routing rules for a service",
	}
	cmd.AddCommand(routeShowCmd(), routeModeCmd(), routeMapModelCmd(), routeMapConfigCmd())
	return cmd
}

func routeShowCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the current routing config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readRouteConfig(service)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	return cmd
}

func routeModeCmd() *cobra.Command {
	var service, mode string
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Set the routing mode (default|model-mapping|config-mapping)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readRouteConfig(service)
			if err != nil {
				return err
			}
			cfg.Mode = router.Mode(mode)
			return writeRouteConfig(service, cfg)
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	cmd.Flags().StringVar(&mode, "mode", "default", "default|model-mapping|config-mapping")
	return cmd
}

func routeMapModelCmd() *cobra.Command {
	var service, source, sourceType, target string
	cmd := &cobra.Command{
		Use:   "map-model",
		Short: "Add a model_mappings rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readRouteConfig(service)
			if err != nil {
				return err
			}
			cfg.ModelMappings = append(cfg.ModelMappings, router.ModelMapping{
				Source: source, SourceType: router.SourceType(sourceType), Target: target,
			})
			return writeRouteConfig(service, cfg)
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	cmd.Flags().StringVar(&source, "source", "", "source model name or config name")
	cmd.Flags().StringVar(&sourceType, "source-type", "model", "model|config")
	cmd.Flags().StringVar(&target, "target", "", "target model name to rewrite to")
	return cmd
}

func routeMapConfigCmd() *cobra.Command {
	var service, model, configName string
	cmd := &cobra.Command{
		Use:   "map-config",
		Short: "Add a config_mappings rule (force a specific upstream for a model)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readRouteConfig(service)
			if err != nil {
				return err
			}
			cfg.ConfigMappings = append(cfg.ConfigMappings, router.ConfigMapping{
				Model: model, ConfigName: configName,
			})
			return writeRouteConfig(service, cfg)
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	cmd.Flags().StringVar(&model, "model", "", "model name to match")
	cmd.Flags().StringVar(&configName, "config-name", "", "upstream config name to force")
	return cmd
}
