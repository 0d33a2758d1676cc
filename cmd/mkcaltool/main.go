// Command mkcaltool is the reference CLI over the calendar store:
// enough to exercise every component end to end (notebooks, incidences,
// alarms) without embedding the library in an application.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/calstore/mkcal/internal/alarms"
	"github.com/calstore/mkcal/internal/config"
	"github.com/calstore/mkcal/internal/logging"
	"github.com/calstore/mkcal/internal/notebook"
	"github.com/calstore/mkcal/internal/storage"
)

var (
	dbPathFlag string
	jsonOutput bool
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "mkcaltool",
	Short:         "Inspect and exercise a mkcal calendar store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if dbPathFlag == "" {
			dbPathFlag = config.GetString("db-path")
		}
		logger = logging.New(logging.Options{
			File:       config.GetString("log.file"),
			MaxSizeMB:  config.GetInt("log.max-size-mb"),
			MaxBackups: config.GetInt("log.max-backups"),
		})
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "path to the calendar database (default: $MKCAL_DB_PATH or ~/.mkcal/calendar.db)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON instead of text")

	rootCmd.AddCommand(notebookCmd, incidenceCmd, alarmsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openMulti(ctx context.Context) (*storage.Multi, error) {
	return storage.OpenMulti(ctx, dbPathFlag)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// --- notebook ------------------------------------------------------------

var notebookCmd = &cobra.Command{
	Use:   "notebook",
	Short: "Manage notebooks (calendars)",
}

var notebookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notebooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMulti(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		list := m.Notebooks()
		if jsonOutput {
			printJSON(list)
			return nil
		}
		for _, nb := range list {
			marker := " "
			if nb.UID() == m.DefaultNotebookUID() {
				marker = "*"
			}
			fmt.Printf("%s %s  %s\n", marker, nb.UID(), nb.Name())
		}
		return nil
	},
}

var notebookAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a notebook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMulti(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		nb := notebook.New(args[0])
		makeDefault := len(m.Notebooks()) == 0
		if err := m.AddNotebook(nb, makeDefault); err != nil {
			return err
		}
		fmt.Println(nb.UID())
		return nil
	},
}

func init() {
	notebookCmd.AddCommand(notebookListCmd, notebookAddCmd)
}

// --- incidence -------------------------------------------------------------

var incidenceCmd = &cobra.Command{
	Use:   "incidence",
	Short: "Inspect incidences",
}

var incidenceSearchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search summary/description/location across all notebooks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openMulti(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		results, err := m.Search(args[0], 0)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(results)
			return nil
		}
		for nbUID, incs := range results {
			for _, inc := range incs {
				fmt.Printf("%s\t%s\t%s\n", nbUID, inc.InstanceIdentifier(), inc.Summary())
			}
		}
		return nil
	},
}

func init() {
	incidenceCmd.AddCommand(incidenceSearchCmd)
}

// --- alarms -----------------------------------------------------------------

var alarmsCmd = &cobra.Command{
	Use:   "alarms",
	Short: "Inspect and rearm alarms",
}

var alarmsResetCmd = &cobra.Command{
	Use:   "reset-alarms <notebookUid> <incidenceUid>",
	Short: "Recompute and reschedule alarms for one incidence",
	Long: `reset-alarms cancels whatever is currently scheduled for the named
incidence and recomputes it from its current alarm definitions. This is
the command the self-action a recurring incidence's own alarm schedules
(mkcal-action=reset-alarms) is expected to invoke once that alarm fires,
so the following occurrence gets armed in turn.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		notebookUID, incidenceUID := args[0], args[1]

		m, err := openMulti(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		if _, ok := m.NotebookByUID(notebookUID); !ok {
			return fmt.Errorf("unknown notebook %s", notebookUID)
		}

		scheduler := alarms.NewLogScheduler(logger)
		materialiser := alarms.New(scheduler, logger)

		pairs := []alarms.Pair{{NotebookUID: notebookUID, SeriesUID: incidenceUID}}
		if err := materialiser.Reset(cmd.Context(), m, pairs, time.Now().UTC()); err != nil {
			return err
		}
		logger.Info("alarms reset", "notebook", notebookUID, "incidence", incidenceUID)
		return nil
	},
}

func init() {
	alarmsCmd.AddCommand(alarmsResetCmd)
}
