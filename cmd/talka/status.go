package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talka/historico/internal/archive"
	"github.com/talka/historico/internal/db"
	"github.com/talka/historico/pkg/config"
)

type appStatus struct {
	GeneratedAt     time.Time
	Environment     string
	Port            string
	DatabaseDriver  string
	DatabasePath    string
	Users           int64
	Conversations   int64
	Messages        int64
	MessagesLast24h int64
	LatestMessageAt *time.Time
	DBSize          int64
	DBWALSize       int64
	DBSHMSize       int64
	DBMetricsReady  bool
	DBWarning       string
	StorageWarnings []string
}

func newStatusCmd(cfg *config.Config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show archive statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := collectStatus(cmd.Context(), cfg)
			if asJSON {
				return printStatusJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "print the status as JSON")
	return cmd
}

func collectStatus(ctx context.Context, cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:    time.Now(),
		Environment:    cfg.Environment,
		Port:           cfg.Port,
		DatabaseDriver: cfg.DatabaseDriver,
	}

	if isSQLite(cfg) {
		path := sqlitePath(cfg.DatabaseURL)
		status.DatabasePath = path

		if size, err := fileSize(path); err == nil {
			status.DBSize = size
		} else {
			status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
		}
		if size, err := fileSize(path + "-wal"); err == nil {
			status.DBWALSize = size
		}
		if size, err := fileSize(path + "-shm"); err == nil {
			status.DBSHMSize = size
		}

		if _, err := os.Stat(path); err != nil {
			status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
			return status
		}
	}

	database, err := db.New(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer database.Close()

	summary, err := archive.NewStore(database).Summary(ctx, db.Now())
	if err != nil {
		status.DBWarning = fmt.Sprintf("could not read database stats: %v", err)
		return status
	}

	status.Users = summary.Users
	status.Conversations = summary.Conversations
	status.Messages = summary.Messages
	status.MessagesLast24h = summary.MessagesLast24h
	status.LatestMessageAt = summary.LatestMessageAt
	status.DBMetricsReady = true
	return status
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func formatTimestamp(t *time.Time) string {
	if t == nil {
		return "n/a"
	}
	return t.UTC().Format(time.RFC3339)
}

func printStatus(out io.Writer, status appStatus) {
	totalDB := status.DBSize + status.DBWALSize + status.DBSHMSize

	fmt.Fprintln(out, "Talka-Historico Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "Port        : %s\n", status.Port)
	fmt.Fprintf(out, "Driver      : %s\n", status.DatabaseDriver)
	if status.DatabasePath != "" {
		fmt.Fprintf(out, "Database    : %s\n", status.DatabasePath)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Data")
	if status.DBMetricsReady {
		fmt.Fprintf(out, "  Users             : %s\n", humanize.Comma(status.Users))
		fmt.Fprintf(out, "  Conversations     : %s\n", humanize.Comma(status.Conversations))
		fmt.Fprintf(out, "  Messages          : %s\n", humanize.Comma(status.Messages))
		fmt.Fprintf(out, "  Messages last 24h : %s\n", humanize.Comma(status.MessagesLast24h))
		latest := formatTimestamp(status.LatestMessageAt)
		if status.LatestMessageAt != nil {
			latest += " (" + humanize.Time(*status.LatestMessageAt) + ")"
		}
		fmt.Fprintf(out, "  Latest message at : %s\n", latest)
	} else {
		fmt.Fprintln(out, "  Database metrics  : n/a")
	}

	if status.DatabasePath != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Storage")
		fmt.Fprintf(out, "  DB file       : %s\n", formatBytes(status.DBSize))
		fmt.Fprintf(out, "  DB WAL file   : %s\n", formatBytes(status.DBWALSize))
		fmt.Fprintf(out, "  DB SHM file   : %s\n", formatBytes(status.DBSHMSize))
		fmt.Fprintf(out, "  DB footprint  : %s\n", formatBytes(totalDB))
	}

	if status.DBWarning != "" {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Warning: %s\n", status.DBWarning)
	}

	if len(status.StorageWarnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.StorageWarnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	footprint := status.DBSize + status.DBWALSize + status.DBSHMSize
	payload := map[string]any{
		"generated_at":    status.GeneratedAt.Format(time.RFC3339),
		"environment":     status.Environment,
		"port":            status.Port,
		"database_driver": status.DatabaseDriver,
		"database_path":   status.DatabasePath,
		"metrics_ready":   status.DBMetricsReady,
		"metrics": map[string]any{
			"users":             status.Users,
			"conversations":     status.Conversations,
			"messages":          status.Messages,
			"messages_last_24h": status.MessagesLast24h,
			"latest_message_at": formatTimestamp(status.LatestMessageAt),
		},
		"storage": map[string]any{
			"db_file_bytes":      status.DBSize,
			"db_wal_bytes":       status.DBWALSize,
			"db_shm_bytes":       status.DBSHMSize,
			"db_footprint_bytes": footprint,
			"db_footprint_hum":   formatBytes(footprint),
		},
		"warnings": map[string]any{
			"database": status.DBWarning,
			"storage":  status.StorageWarnings,
		},
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
