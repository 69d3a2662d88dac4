package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/juholehto/taskvault/internal/sync"
	"github.com/juholehto/taskvault/internal/task"
)

func newLsCmd() *cobra.Command {
	var (
		flagAll   bool
		flagList  string
		flagQuery string
		flagSmart string
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			snap := sess.engine.Snapshot()

			query := task.ParseQuery(flagQuery)

			if flagSmart != "" {
				smart, findErr := findSmartList(snap, flagSmart)
				if findErr != nil {
					return findErr
				}

				query = task.ParseQuery(smart.Query)
			}

			now := time.Now()

			var tasks []task.Task

			for key, content := range snap.Entities {
				if key.Kind() != string(task.KindTask) {
					continue
				}

				t, decodeErr := task.DecodeTask(content)
				if decodeErr != nil {
					sess.logger.Warn("skipping malformed task",
						slog.String("key", string(key)), slog.String("error", decodeErr.Error()))
					continue
				}

				if t.Done && !flagAll && flagSmart == "" && flagQuery == "" {
					continue
				}

				if flagList != "" && t.ListID != flagList {
					continue
				}

				if !query.Match(t, now) {
					continue
				}

				tasks = append(tasks, t)
			}

			sort.Slice(tasks, func(i, j int) bool {
				di, dj := tasks[i].DueAt, tasks[j].DueAt
				switch {
				case di != nil && dj != nil && !di.Equal(*dj):
					return di.Before(*dj)
				case (di != nil) != (dj != nil):
					return di != nil
				default:
					return tasks[i].Title < tasks[j].Title
				}
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)

			for _, t := range tasks {
				mark := " "
				if t.Done {
					mark = "x"
				}

				due := ""
				if t.DueAt != nil {
					due = t.DueAt.Local().Format("2006-01-02")
				}

				tags := strings.Join(t.Tags, ",")

				fmt.Fprintf(w, "[%s]\t%s\t%s\t%s\t%s\n", mark, shortID(t.ID), t.Title, due, tags)
			}

			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&flagAll, "all", "a", false, "include completed tasks")
	cmd.Flags().StringVar(&flagList, "list", "", "only tasks in this list")
	cmd.Flags().StringVar(&flagQuery, "query", "", "ad-hoc filter (smart-list grammar)")
	cmd.Flags().StringVar(&flagSmart, "smart", "", "evaluate a saved smart list by name or ID")

	return cmd
}

// findSmartList resolves a smart list by exact ID or name.
func findSmartList(snap *sync.Snapshot, ref string) (task.SmartList, error) {
	for key, content := range snap.Entities {
		if key.Kind() != string(task.KindSmartList) {
			continue
		}

		var sl task.SmartList
		if err := json.Unmarshal(content, &sl); err != nil {
			continue
		}

		if sl.ID == ref || sl.Name == ref {
			return sl, nil
		}
	}

	return task.SmartList{}, fmt.Errorf("no smart list named %q", ref)
}

// shortID truncates a UUID for display; full IDs still work everywhere.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
