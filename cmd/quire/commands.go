package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/quirelab/quire/internal/api"
	"github.com/quirelab/quire/internal/backup"
	"github.com/quirelab/quire/internal/config"
	"github.com/quirelab/quire/internal/ingest"
	"github.com/quirelab/quire/internal/storage"
)

// withStore opens the configured database, scopes it to the selected
// archive, and runs fn. Every command that touches data goes through here.
func withStore(fn func(ctx context.Context, store *storage.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	return fn(context.Background(), db.ForArchive(cfg.Archive.Default))
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions in the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *storage.Store) error {
			sessions, err := store.ListSessions(ctx, "default")
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				printWarning("No sessions in archive %q", store.ArchiveID())
				return nil
			}
			for _, sess := range sessions {
				fmt.Printf("  %s  %s  %s\n",
					bold(sess.ID),
					sess.UpdatedAt.Format("2006-01-02 15:04"),
					sess.Title,
				)
			}
			return nil
		})
	},
}

// --- reports ---

var reportsCmd = &cobra.Command{
	Use:   "reports <query>",
	Short: "Search generated reports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withStore(func(ctx context.Context, store *storage.Store) error {
			reports, err := store.SearchReports(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				printWarning("No reports matching %q", args[0])
				return nil
			}
			for _, r := range reports {
				fmt.Printf("  %s  v%d  %s  %s\n",
					bold(r.ID),
					r.Version,
					r.CreatedAt.Format("2006-01-02"),
					r.Title,
				)
			}
			return nil
		})
	},
}

func init() {
	reportsCmd.Flags().Int("limit", 20, "maximum number of results")
}

// --- export / import ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the archive as a JSON snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("out")
		return withStore(func(ctx context.Context, store *storage.Store) error {
			arch, err := backup.Export(ctx, store)
			if err != nil {
				return err
			}

			writer := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating output file: %w", err)
				}
				defer f.Close()
				writer = f
			}

			enc := json.NewEncoder(writer)
			enc.SetIndent("", "  ")
			if err := enc.Encode(arch); err != nil {
				return fmt.Errorf("writing snapshot: %w", err)
			}

			if output != "" {
				printSuccess("Exported %d sessions to %s", len(arch.Sessions), output)
			}
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a JSON snapshot into the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("in")
		replace, _ := cmd.Flags().GetBool("replace")
		if input == "" {
			return fmt.Errorf("--in is required")
		}

		data, err := os.ReadFile(input)
		if err != nil {
			return fmt.Errorf("reading snapshot: %w", err)
		}
		var arch backup.Archive
		if err := json.Unmarshal(data, &arch); err != nil {
			return fmt.Errorf("parsing snapshot: %w", err)
		}

		return withStore(func(ctx context.Context, store *storage.Store) error {
			if replace {
				printStep("Replacing archive %q contents...", store.ArchiveID())
			}
			if err := backup.Import(ctx, store, &arch, backup.Options{Replace: replace}); err != nil {
				return err
			}
			printSuccess("Imported %d sessions, %d messages, %d events",
				len(arch.Sessions), len(arch.Messages), len(arch.Events))
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().String("out", "", "output file path (default: stdout)")
	importCmd.Flags().String("in", "", "snapshot file path")
	importCmd.Flags().Bool("replace", false, "prune sessions absent from the snapshot")
}

// --- artifact ---

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Manage stored artifacts",
}

var artifactAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Ingest a literature file (pdf, html, or plain text)",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		if file == "" {
			return fmt.Errorf("--file is required")
		}

		art, err := ingest.FromFile(file, title)
		if err != nil {
			return err
		}

		return withStore(func(ctx context.Context, store *storage.Store) error {
			if err := store.PutArtifact(ctx, art); err != nil {
				return err
			}
			printSuccess("Stored artifact %s (%q, %d bytes)", art.ID, art.Title, len(art.Body))
			return nil
		})
	},
}

func init() {
	artifactAddCmd.Flags().String("file", "", "file path to ingest")
	artifactAddCmd.Flags().String("title", "", "title for the artifact (default: file name)")
	artifactCmd.AddCommand(artifactAddCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server commands",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the archive over MCP (stdio transport)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *storage.Store) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store})
			stdioSrv := server.NewStdioServer(mcpSrv)

			slog.Info("MCP server started (stdio transport)", "archive", store.ArchiveID())
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		})
	},
}

func init() {
	mcpCmd.AddCommand(mcpServeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", bold(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
