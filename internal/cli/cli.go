// Package cli implements starbash's narrow driver-facing surface (spec
// §6.4), grounded on the teacher's internal/cli.NewRootCmd /
// newPanoramicCmd shape: one constructor per subcommand closing over a
// shared root handle.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"starbash/internal/calib"
	"starbash/internal/catalog"
	"starbash/internal/engine"
	"starbash/internal/repo"
)

var exitCode int

// LastExitCode returns the exit code the most recently run command
// determined (spec §6.4: "0 success; 1 partial failure ...; 2 fatal").
func LastExitCode() int { return exitCode }

func setExit(code int) {
	if code > exitCode {
		exitCode = code
	}
}

// NewRootCmd builds the root command tree bound to eng.
func NewRootCmd(eng *engine.Engine) *cobra.Command {
	root := &cobra.Command{
		Use:   "starbash",
		Short: "Catalog astrophotography sessions and run calibrated processing pipelines",
	}
	root.AddCommand(newRepoCmd(eng))
	root.AddCommand(newSelectCmd(eng))
	root.AddCommand(newInfoCmd(eng))
	root.AddCommand(newProcessCmd(eng))
	root.AddCommand(newWatchCmd(eng))
	return root
}

// newWatchCmd starts the live-watch re-scan trigger (spec §4.2) and
// blocks until interrupted.
func newWatchCmd(eng *engine.Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch local raw-source repositories and reindex on change, until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			w, err := eng.StartWatching(ctx)
			if err != nil {
				setExit(2)
				return err
			}
			fmt.Println("watching for changes, press ctrl-c to stop")
			<-ctx.Done()
			return w.Stop()
		},
	}
}

func newRepoCmd(eng *engine.Engine) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage the repositories the catalog and stage recipes are loaded from",
	}

	var id, schemeStr, kindStr string
	var rank int
	addCmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Register a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = args[0]
			}
			r := repo.NewRepository(id, args[0], repo.Scheme(schemeStr), repo.Kind(kindStr), rank)
			if err := eng.AddRepo(context.Background(), r); err != nil {
				setExit(2)
				return err
			}
			fmt.Printf("added repository %s (%s, %s)\n", r.ID, r.Scheme, r.Kind)
			return nil
		},
	}
	addCmd.Flags().StringVar(&id, "id", "", "repository identifier (defaults to the URL)")
	addCmd.Flags().StringVar(&schemeStr, "scheme", "local", "local, packaged, or remote")
	addCmd.Flags().StringVar(&kindStr, "kind", "raw-source", "recipe, raw-source, master, or processed-output")
	addCmd.Flags().IntVar(&rank, "rank", 0, "load rank; higher loads later and wins precedence ties")

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Unregister a repository and drop its catalog contributions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng.RemoveRepo(args[0]); err != nil {
				setExit(2)
				return err
			}
			fmt.Printf("removed repository %s\n", args[0])
			return nil
		},
	}

	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rescan every non-recipe repository and recompute sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng.Reindex(); err != nil {
				setExit(2)
				return err
			}
			fmt.Println("reindex complete")
			return nil
		},
	}

	cmd.AddCommand(addCmd, removeCmd, reindexCmd)
	return cmd
}

func newSelectCmd(eng *engine.Engine) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select",
		Short: "View or mutate the current selection predicate (spec §4.3)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(eng.Selection.Summary())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Reset the selection to match everything",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng.Selection.Clear()
			return eng.Selection.Save()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "target <name>",
		Short: "Add a target to the selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng.Selection.AddTarget(args[0])
			return eng.Selection.Save()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "instrument <name>",
		Short: "Add an instrument to the selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng.Selection.AddInstrument(args[0])
			return eng.Selection.Save()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "filter <name>",
		Short: "Add a filter to the selection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng.Selection.AddFilter(args[0])
			return eng.Selection.Save()
		},
	})
	var after, before string
	dateCmd := &cobra.Command{
		Use:   "date",
		Short: "Restrict the selection to a date window (YYYY-MM-DD)",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng.Selection.SetDateWindow(after, before)
			return eng.Selection.Save()
		},
	}
	dateCmd.Flags().StringVar(&after, "after", "", "inclusive lower bound")
	dateCmd.Flags().StringVar(&before, "before", "", "inclusive upper bound")
	cmd.AddCommand(dateCmd)

	return cmd
}

func newInfoCmd(eng *engine.Engine) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Enumerate targets, instruments, and filters restricted by the current selection",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "targets",
		Short: "List targets matching the current selection",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := eng.Targets()
			if err != nil {
				setExit(2)
				return err
			}
			if len(targets) == 0 {
				fmt.Println("no targets match the current selection")
				return nil
			}
			for _, t := range targets {
				fmt.Println(t)
			}
			return nil
		},
	})
	var sessionID, slotStr, kindStr string
	calibCmd := &cobra.Command{
		Use:   "calibration",
		Short: "Show the ranked calibration candidates the engine would choose for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := eng.Store.SearchSessions(catalog.Query{}, catalog.KindLight)
			if err != nil {
				setExit(2)
				return err
			}
			var session *catalog.SessionRow
			for i := range sessions {
				if sessions[i].ID == sessionID {
					session = &sessions[i]
					break
				}
			}
			if session == nil {
				setExit(1)
				return fmt.Errorf("session %q not found among light sessions", sessionID)
			}
			scored, err := eng.CalibrationPreview(*session, calib.SlotKind(slotStr), catalog.ImageKind(kindStr))
			if err != nil {
				setExit(2)
				return err
			}
			for i, c := range scored {
				fmt.Printf("%d. %s score=%.2f %s\n", i+1, c.Record.Path, c.Score, c.Rationale)
			}
			return nil
		},
	}
	calibCmd.Flags().StringVar(&sessionID, "session", "", "session id")
	calibCmd.Flags().StringVar(&slotStr, "slot", "flat", "flat, dark, bias, or darkorbias")
	calibCmd.Flags().StringVar(&kindStr, "kind", "master-flat", "catalog image kind to rank candidates from")
	cmd.AddCommand(calibCmd)

	return cmd
}

func newProcessCmd(eng *engine.Engine) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Build and execute the task graph for the current selection",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "masters",
		Short: "Build masters only (spec §6.4's process-masters trigger)",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := eng.ProcessMasters(context.Background(), time.Now())
			return reportResults(results, err)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "auto",
		Short: "Run the full pipeline for the current selection (spec §6.4's process-auto trigger)",
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := eng.ProcessAuto(context.Background(), time.Now())
			return reportResults(results, err)
		},
	})
	return cmd
}

func reportResults(results []engine.RunResult, err error) error {
	code := engine.ExitCode(results, err)
	setExit(code)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no work")
		return nil
	}
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("target %s: failed: %v\n", r.Target, r.Err)
			continue
		}
		succeeded, skipped, failed := 0, 0, 0
		for _, o := range r.Outcomes {
			switch o.State {
			case "succeeded":
				succeeded++
			case "skipped-up-to-date":
				skipped++
			case "failed", "cancelled", "blocked":
				failed++
			}
		}
		fmt.Printf("target %s: %d succeeded, %d up-to-date, %d failed\n", r.Target, succeeded, skipped, failed)
	}
	return nil
}
