package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/handiism/batch-downloader/internal/config"
	"github.com/handiism/batch-downloader/internal/legacy"
	"github.com/handiism/batch-downloader/internal/metrics"
	"github.com/handiism/batch-downloader/internal/migration"
	"github.com/handiism/batch-downloader/internal/model"
	"github.com/handiism/batch-downloader/internal/notify"
	"github.com/handiism/batch-downloader/internal/store"
)

// newDownloadCmd creates the 'download' command.
func newDownloadCmd() *cobra.Command {
	var (
		title   string
		batchID string
		detach  bool
	)

	cmd := &cobra.Command{
		Use:   "download <url> [url...]",
		Short: "Download a batch of files",
		Long: `Submit the given URLs as one batch and wait for it to finish.

Files are stored under <downloads>/<batch-id>/. Interrupting the command
keeps the batch queued; run 'batch-dl resume' to continue it.

Example:
  batch-dl download --title "Made in chelsea" http://example.com/5MB.zip http://example.com/10MB.zip`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if batchID == "" {
				batchID = uuid.NewString()
			}
			if title == "" {
				title = model.FileNameFromURL(args[0])
			}

			builder := model.NewBatch(settings.StorageRoot(), model.NewBatchID(batchID), title)
			for _, u := range args {
				builder = builder.DownloadFrom(u).Apply()
			}
			batch, err := builder.Build()
			if err != nil {
				return err
			}

			e, err := openEngine(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			stop := e.observe()
			if err := e.manager.Download(ctx, batch); err != nil {
				stop()
				return fmt.Errorf("failed to submit batch: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Batch %s queued with %d file(s)\n", batch.ID, len(batch.Files))
			if detach {
				stop()
				return nil
			}

			err = e.wait(ctx, []model.BatchID{batch.ID})
			stop()
			if err != nil {
				fmt.Fprintln(os.Stderr, "Interrupted, progress saved.")
				return err
			}
			return e.report([]model.BatchID{batch.ID})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Batch title (default: first file name)")
	cmd.Flags().StringVar(&batchID, "id", "", "Batch id (default: random UUID)")
	cmd.Flags().BoolVar(&detach, "detach", false, "Only queue the batch, do not download now")

	return cmd
}

// newResumeCmd creates the 'resume' command.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [batch-id...]",
		Short: "Resume paused, failed or interrupted batches",
		Long: `Continue every queued batch from its saved offsets. Batch ids given as
arguments are resumed first when they are PAUSED or failed with a network
error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := openEngine(ctx, true)
			if err != nil {
				return err
			}
			defer e.Close()

			stop := e.observe()
			var errs []error
			for _, arg := range args {
				if err := e.manager.Resume(ctx, model.BatchID(arg)); err != nil {
					errs = append(errs, fmt.Errorf("resume %s: %w", arg, err))
				}
			}

			var ids []model.BatchID
			for _, s := range e.manager.GetAllDownloadBatchStatuses() {
				if s.Status == model.StatusQueued || s.Status == model.StatusDownloading {
					ids = append(ids, s.BatchID)
				}
			}
			if len(ids) == 0 {
				stop()
				fmt.Fprintln(os.Stderr, "Nothing to resume.")
				return errors.Join(errs...)
			}

			err = e.wait(ctx, ids)
			stop()
			if err != nil {
				fmt.Fprintln(os.Stderr, "Interrupted, progress saved.")
				return err
			}
			errs = append(errs, e.report(ids))
			return errors.Join(errs...)
		},
	}
}

// newPauseCmd creates the 'pause' command.
func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <batch-id> [batch-id...]",
		Short: "Pause batches so 'resume' skips them until named",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := openEngine(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			var errs []error
			for _, arg := range args {
				if err := e.manager.Pause(ctx, model.BatchID(arg)); err != nil {
					errs = append(errs, fmt.Errorf("pause %s: %w", arg, err))
					continue
				}
				fmt.Printf("Paused %s\n", arg)
			}
			return errors.Join(errs...)
		},
	}
}

// newDeleteCmd creates the 'delete' command.
func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <batch-id> [batch-id...]",
		Short: "Delete batches and their files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := openEngine(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			var errs []error
			for _, arg := range args {
				if err := e.manager.Delete(ctx, model.BatchID(arg)); err != nil {
					errs = append(errs, fmt.Errorf("delete %s: %w", arg, err))
					continue
				}
				fmt.Printf("Deleted %s\n", arg)
			}
			return errors.Join(errs...)
		},
	}
}

// newStatusCmd creates the 'status' command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [batch-id]",
		Short: "Show batches, or the files of one batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			e, err := openEngine(ctx, false)
			if err != nil {
				return err
			}
			defer e.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()

			if len(args) == 0 {
				fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPROGRESS\tSIZE\tERROR")
				for _, s := range e.manager.GetAllDownloadBatchStatuses() {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
						s.BatchID, s.Title, s.Status, s.Percentage(),
						formatBytes(s.BytesTotalSize), errorText(s.Error))
				}
				return nil
			}

			id := model.BatchID(args[0])
			files, err := e.manager.GetDownloadFileStatuses(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "FILE\tSTATUS\tDOWNLOADED\tSIZE\tPATH\tERROR")
			for _, f := range files {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					f.FileName, f.Status, formatBytes(f.BytesDownloaded),
					formatBytes(f.TotalSize), f.FilePath, errorText(f.Error))
			}
			return nil
		},
	}
}

func errorText(e *model.DownloadError) string {
	if e == nil {
		return "-"
	}
	return e.String()
}

// newMigrateCmd creates the 'migrate' command.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Move downloads from the version one database into batches",
		Long: `Read every download of the version one database, copy its files under
the downloads directory and record them as batches. Complete batches become
DOWNLOADED; a batch with a partial file is QUEUED and resumes where the copy
ends. A batch whose id is taken moves to legacy-<row>.
The version one database and files are removed afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ls, err := legacy.Open(ctx, settings.LegacyDatabasePath, logger)
			if errors.Is(err, model.ErrLegacyStoreMissing) {
				fmt.Println("Nothing to migrate.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to open legacy database: %w", err)
			}

			db, err := store.OpenSQLite(ctx, settings.DatabasePath, logger)
			if err != nil {
				ls.Close()
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			var notifier notify.Notifier = notify.NewLogNotifier(logger)
			if notify.IsTerminal(os.Stderr) {
				notifier = notify.NewBarNotifier(os.Stderr)
			}
			sink := notify.NewMigrationSink(notifier)

			mt := metrics.New()
			m := migration.NewFromLegacy(ls, settings.LegacyFilesPath, settings.StorageRoot(), db, sink, logger,
				migration.WithMetrics(mt),
				migration.WithBufferSize(settings.BufferSize),
			)
			return m.Migrate(ctx)
		},
	}
}

// newLegacyCmd creates the 'legacy' command group.
func newLegacyCmd() *cobra.Command {
	legacyCmd := &cobra.Command{
		Use:   "legacy",
		Short: "Version one database tools",
	}
	legacyCmd.AddCommand(newLegacySeedCmd())
	return legacyCmd
}

// newLegacySeedCmd creates the 'legacy seed' command.
func newLegacySeedCmd() *cobra.Command {
	var title string

	cmd := &cobra.Command{
		Use:   "seed <url> <file> [<url> <file>...]",
		Short: "Record local files as a completed version one batch",
		Long: `Create the version one database if needed and add one completed batch
whose downloads are the given url and local file pairs. Useful to try
'batch-dl migrate'.

Example:
  batch-dl legacy seed --title "Made in chelsea" http://example.com/5MB.zip ./5MB.zip`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected url and file pairs, got %d argument(s)", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if err := os.MkdirAll(filepath.Dir(settings.LegacyDatabasePath), 0755); err != nil {
				return err
			}
			ls, err := legacy.Create(ctx, settings.LegacyDatabasePath, logger)
			if err != nil {
				return err
			}
			defer ls.Close()

			batchID, err := ls.InsertBatch(ctx, title, legacy.StatusSuccessful)
			if err != nil {
				return err
			}
			for i := 0; i < len(args); i += 2 {
				uri, file := args[i], args[i+1]
				abs, err := filepath.Abs(file)
				if err != nil {
					return err
				}
				info, err := os.Stat(abs)
				if err != nil {
					return fmt.Errorf("seed %s: %w", file, err)
				}
				if _, err := ls.InsertDownload(ctx, legacy.Download{
					BatchID:      batchID,
					URI:          uri,
					Data:         abs,
					TotalBytes:   info.Size(),
					CurrentBytes: info.Size(),
				}); err != nil {
					return err
				}
			}
			fmt.Printf("Seeded legacy batch %d with %d download(s) in %s\n", batchID, len(args)/2, ls.Path())
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "Batch title")
	return cmd
}

// newConnectionCmd creates the 'connection' command.
func newConnectionCmd() *cobra.Command {
	var metered bool

	cmd := &cobra.Command{
		Use:   "connection [all|unmetered]",
		Short: "Show or change the allowed connection type",
		Long: `Without arguments, print the allowed connection type and whether the
current connection is treated as metered. With an argument, save the new
allowed type to the config file. With 'unmetered' on a metered connection,
batches stay queued until the policy or the connection changes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !cmd.Flags().Changed("metered") {
				t, _ := settings.ConnectionType()
				fmt.Printf("allowed: %s\nmetered: %t\n", t, settings.MeteredConnection)
				return nil
			}
			// Reload so flag overrides are not written back.
			path := configPath()
			saved, err := config.Load(path)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				t, err := model.ParseConnectionType(args[0])
				if err != nil {
					return err
				}
				saved.AllowedConnection = strings.ToLower(string(t))
			}
			if cmd.Flags().Changed("metered") {
				saved.MeteredConnection = metered
			}
			if err := saved.Save(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Printf("Saved %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&metered, "metered", false, "Treat the current connection as metered")
	return cmd
}
