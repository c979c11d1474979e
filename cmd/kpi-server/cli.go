package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mhlink/kpi/internal/config"
	"github.com/mhlink/kpi/internal/domain/aggregator"
	"github.com/mhlink/kpi/internal/domain/gate"
	"github.com/mhlink/kpi/internal/domain/history"
	"github.com/mhlink/kpi/internal/domain/site"
	"github.com/mhlink/kpi/internal/platform/db"
)

func countCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Run one aggregation pass and print the patient counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries the table or the JSON document
			logger := cliLogger()

			sites, err := newSiteService(cfg, logger)
			if err != nil {
				return err
			}
			doc, err := sites.Document(cmd.Context())
			if err != nil {
				return err
			}
			_, client := newUpstreamClient(cfg, logger)
			client.SetTokenTTL(doc.TokenTTL())

			pass := aggregator.New(client, logger).Run(cmd.Context(), doc.Sites)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(pass)
			}
			renderPass(cmd.OutOrStdout(), pass)
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print the pass as JSON")
	return cmd
}

// cliLogger reports warnings and errors on stderr.
func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)
}

func renderPass(w io.Writer, pass *aggregator.Pass) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Site", "Base URL", "Patients", "Time", "Result"})

	for _, r := range pass.Results {
		result := color.GreenString("ok")
		if !r.OK() {
			result = color.RedString(r.Error)
		}
		t.AppendRow(table.Row{
			color.New(color.Bold).Sprint(r.SiteName),
			r.BaseURL,
			r.Count,
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			result,
		})
	}
	t.AppendFooter(table.Row{"Total", "", pass.Total, pass.FinishedAt.Sub(pass.StartedAt).Round(time.Millisecond).String(),
		fmt.Sprintf("%d failed", pass.Failed)})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.Render()
}

func sitesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Inspect the configured sites",
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured sites with passwords masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := newSiteService(cfg, cliLogger())
			if err != nil {
				return err
			}
			doc, err := svc.Document(cmd.Context())
			if err != nil {
				return err
			}
			renderSites(cmd.OutOrStdout(), doc)
			return nil
		},
	})
	return cmd
}

func renderSites(w io.Writer, doc *site.Document) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Name", "Base URL", "Username", "Password", "Token URL", "Patients URL"})
	for _, st := range doc.Sites {
		t.AppendRow(table.Row{
			color.New(color.Bold).Sprint(st.Name),
			st.BaseURL,
			st.Username,
			maskSecret(st.Password),
			st.TokenURL,
			st.PatientsURL,
		})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d site(s)", len(doc.Sites)), "", "", "",
		fmt.Sprintf("token refresh: %d min", doc.RefreshMinutes())})
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.Render()
}

func maskSecret(s string) string {
	if s == "" {
		return color.YellowString("(none)")
	}
	return "********"
}

func passwordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage the configuration password",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Set the configuration password",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			pw, err := readPassword(in, cmd.ErrOrStderr(), "New password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword(in, cmd.ErrOrStderr(), "Repeat password: ")
			if err != nil {
				return err
			}
			if pw != confirm {
				return fmt.Errorf("passwords do not match")
			}

			store := gate.NewPasswordStore(cfg.PasswordPath())
			if err := store.Set(pw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s password stored in %s\n", color.GreenString("✓"), store.Path())
			return nil
		},
	})
	return cmd
}

// readPassword reads a line without echo when stdin is a terminal, and a
// plain line otherwise.
func readPassword(in *bufio.Reader, prompt io.Writer, label string) (string, error) {
	fmt.Fprint(prompt, label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL history migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := history.NewPostgresMigrator(pool).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := history.NewPostgresMigrator(pool).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			renderMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func renderMigrations(w io.Writer, statuses []db.MigrationStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Version", "Name", "Status", "Applied At"})
	for _, s := range statuses {
		status := color.YellowString("pending")
		appliedAt := ""
		if s.Applied {
			status = color.GreenString("applied")
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		t.AppendRow(table.Row{s.Version, s.Name, status, appliedAt})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
