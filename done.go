package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/juholehto/taskvault/internal/sync"
	"github.com/juholehto/taskvault/internal/task"
)

func newDoneCmd() *cobra.Command {
	var flagUndo bool

	cmd := &cobra.Command{
		Use:   "done <task-id>...",
		Short: "Mark tasks as completed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			for _, ref := range args {
				key, t, findErr := resolveTask(sess, ref)
				if findErr != nil {
					return findErr
				}

				now := time.Now()

				t.Done = !flagUndo
				t.Modified = now

				if flagUndo {
					t.CompletedAt = nil
				} else {
					t.CompletedAt = &now
				}

				content, marshalErr := task.Marshal(t)
				if marshalErr != nil {
					return marshalErr
				}

				if err := sess.engine.PushEntity(cmd.Context(), key, content); err != nil {
					return err
				}

				printf("%s %s\n", doneVerb(flagUndo), t.Title)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&flagUndo, "undo", false, "mark as not completed instead")

	return cmd
}

func doneVerb(undo bool) string {
	if undo {
		return "Reopened"
	}

	return "Completed"
}

// resolveTask finds a task by full ID or unique ID prefix.
func resolveTask(sess *session, ref string) (sync.Key, task.Task, error) {
	snap := sess.engine.Snapshot()

	var (
		matchKey  sync.Key
		matchTask task.Task
		matches   int
	)

	for key, content := range snap.Entities {
		if key.Kind() != string(task.KindTask) {
			continue
		}

		_, id := key.Split()
		if id != ref && !strings.HasPrefix(id, ref) {
			continue
		}

		t, err := task.DecodeTask(content)
		if err != nil {
			continue
		}

		matchKey = key
		matchTask = t
		matches++

		// Exact match wins over prefix matches.
		if id == ref {
			return key, t, nil
		}
	}

	switch matches {
	case 0:
		return "", task.Task{}, fmt.Errorf("no task matches %q", ref)
	case 1:
		return matchKey, matchTask, nil
	default:
		return "", task.Task{}, fmt.Errorf("%q is ambiguous (%d tasks match)", ref, matches)
	}
}
