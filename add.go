package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/juholehto/taskvault/internal/sync"
	"github.com/juholehto/taskvault/internal/task"
)

func newAddCmd() *cobra.Command {
	var (
		flagList string
		flagNote string
		flagTags []string
		flagDue  string
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			t := task.Task{
				ID:       task.NewID(),
				ListID:   flagList,
				Title:    strings.Join(args, " "),
				Note:     flagNote,
				Modified: time.Now(),
			}

			for _, tag := range flagTags {
				t.Tags = append(t.Tags, task.TagID(tag))
			}

			if flagDue != "" {
				due, parseErr := time.ParseInLocation("2006-01-02", flagDue, time.Local)
				if parseErr != nil {
					return fmt.Errorf("invalid --due date %q (want YYYY-MM-DD)", flagDue)
				}

				t.DueAt = &due
			}

			content, err := task.Marshal(t)
			if err != nil {
				return err
			}

			key := sync.NewKey(string(task.KindTask), t.ID)
			if err := sess.engine.PushEntity(cmd.Context(), key, content); err != nil {
				return err
			}

			// Tags referenced for the first time become tag entities so
			// other devices can render them.
			for _, tag := range t.Tags {
				tagKey := sync.NewKey(string(task.KindTag), tag)
				if sess.engine.Entity(tagKey) == nil {
					tagContent, tagErr := task.Marshal(task.Tag{ID: tag, Modified: time.Now()})
					if tagErr != nil {
						return tagErr
					}

					if err := sess.engine.PushEntity(cmd.Context(), tagKey, tagContent); err != nil {
						return err
					}
				}
			}

			printf("Added %s\n", t.ID)

			return nil
		},
	}

	cmd.Flags().StringVar(&flagList, "list", "", "list ID to add the task to")
	cmd.Flags().StringVar(&flagNote, "note", "", "task note")
	cmd.Flags().StringSliceVar(&flagTags, "tag", nil, "tag name (repeatable)")
	cmd.Flags().StringVar(&flagDue, "due", "", "due date (YYYY-MM-DD)")

	return cmd
}
