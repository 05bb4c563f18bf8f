package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/evidence-on-demand/backend/internal/audit"
	"github.com/evidence-on-demand/backend/internal/storage/models"
)

var auditFlags struct {
	from   string
	to     string
	user   string
	tool   string
	status string
	limit  int
	offset int
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	Long: `List audit entries with optional filters.

Examples:
  # Everything alice asked since the start of the year
  evidence-api audit list --user alice --from 2025-01-01T00:00:00Z

  # Partial answers that touched GitHub
  evidence-api audit list --tool github --status partial`,
	RunE: listAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd)

	auditListCmd.Flags().StringVar(&auditFlags.from, "from", "", "earliest timestamp (RFC3339)")
	auditListCmd.Flags().StringVar(&auditFlags.to, "to", "", "latest timestamp (RFC3339)")
	auditListCmd.Flags().StringVar(&auditFlags.user, "user", "", "filter by user")
	auditListCmd.Flags().StringVar(&auditFlags.tool, "tool", "", "filter by tool used (jira, github, documents)")
	auditListCmd.Flags().StringVar(&auditFlags.status, "status", "", "filter by status (completed, partial, failed)")
	auditListCmd.Flags().IntVar(&auditFlags.limit, "limit", audit.DefaultLimit, "max results")
	auditListCmd.Flags().IntVar(&auditFlags.offset, "offset", 0, "pagination offset")
}

func listAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	filter, err := auditFilterFromFlags()
	if err != nil {
		return err
	}

	store, err := openAuditStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list audit entries: %w", err)
	}

	return writeAuditTable(cmd.OutOrStdout(), entries)
}

func auditFilterFromFlags() (audit.Filter, error) {
	f := audit.Filter{
		User:   auditFlags.user,
		Tool:   models.SourceID(auditFlags.tool),
		Status: models.Status(auditFlags.status),
		Limit:  auditFlags.limit,
		Offset: auditFlags.offset,
	}

	if auditFlags.from != "" {
		t, err := time.Parse(time.RFC3339, auditFlags.from)
		if err != nil {
			return f, fmt.Errorf("invalid --from: %w", err)
		}
		f.From = &t
	}
	if auditFlags.to != "" {
		t, err := time.Parse(time.RFC3339, auditFlags.to)
		if err != nil {
			return f, fmt.Errorf("invalid --to: %w", err)
		}
		f.To = &t
	}

	if err := f.Validate(); err != nil {
		return f, err
	}
	f.ApplyDefaults()
	return f, nil
}

func writeAuditTable(w io.Writer, entries []models.AuditEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No audit entries found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIMESTAMP\tUSER\tSTATUS\tTOOLS\tEXPORTS\tQUERY")
	for _, e := range entries {
		tools := make([]string, len(e.ToolsUsed))
		for i, t := range e.ToolsUsed {
			tools[i] = string(t)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			e.User,
			e.Status,
			strings.Join(tools, ","),
			e.Exports,
			truncate(e.Query, 60),
		)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
