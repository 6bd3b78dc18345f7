package main

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/clp-proxy/clp/internal/requestlog"
)

// logCmd inspects a service's request log, mirroring the teacher's
// `audit tail/query` subcommands in cmd/ctrlai/main.go but reading
// requestlog.Log instead of the hash-chained audit trail.
func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the proxied request log",
	}
	cmd.AddCommand(logTailCmd(), logShowCmd())
	return cmd
}

func openLog(service string) *requestlog.Log {
	path := filepath.Join(configDir, "data", "proxy_requests_"+service+".jsonl")
	log := requestlog.New(path, 1000)
	log.LoadFromDisk()
	return log
}

func logTailCmd() *cobra.Command {
	var service string
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			records := openLog(service).List(limit)
			for _, r := range records {
				status := "ok"
				if !r.Success {
					status = "fail"
				}
				if r.Blocked {
					status = "blocked"
				}
				fmt.Printf("%-28s %-7s %-8d %-7s %-6s %s (%s)\n",
					r.Timestamp, r.ClientMethod, r.StatusCode, status, r.ConfigName,
					r.ClientPath, humanize.Comma(r.DurationMs)+"ms")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of records to show")
	return cmd
}

func logShowCmd() *cobra.Command {
	var service, id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print one request record by ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := openLog(service).Get(id)
			if !ok {
				return fmt.Errorf("no request with id %q", id)
			}
			fmt.Printf("id:          %s\n", r.ID)
			fmt.Printf("service:     %s\n", r.Service)
			fmt.Printf("timestamp:   %s\n", r.Timestamp)
			fmt.Printf("method/path: %s %s\n", r.ClientMethod, r.ClientPath)
			fmt.Printf("config:      %s\n", r.ConfigName)
			fmt.Printf("status:      %d\n", r.StatusCode)
			fmt.Printf("duration:    %dms\n", r.DurationMs)
			fmt.Printf("success:     %v\n", r.Success)
			if r.Blocked {
				fmt.Printf("blocked by:  %s (%s)\n", r.BlockedBy, r.BlockedReason)
			}
			fmt.Printf("usage:       input=%d output=%d total=%d\n", r.Usage.Input, r.Usage.Output, r.Usage.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "claude", "service name (claude|codex)")
	cmd.Flags().StringVar(&id, "id", "", "request ID")
	return cmd
}
