package main

import (
	"github.com/spf13/cobra"
)

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <task-id>...",
		Short: "Delete tasks",
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

				if err := sess.engine.PushDeletion(cmd.Context(), key); err != nil {
					return err
				}

				printf("Deleted %s\n", t.Title)
			}

			return nil
		},
	}

	return cmd
}
