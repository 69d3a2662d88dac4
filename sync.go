package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/juholehto/taskvault/internal/remote"
)

// requireLogin turns the engine's silent not-logged-in no-op into a visible
// CLI error for explicit sync commands.
func requireLogin() error {
	tokenPath, err := tokenPathFromConfig()
	if err != nil {
		return err
	}

	if !remote.LoggedIn(tokenPath) {
		return errors.New("not logged in, run: taskvault login")
	}

	return nil
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a full bidirectional sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireLogin(); err != nil {
				return err
			}

			sess, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.engine.FullSync(cmd.Context()); err != nil {
				return err
			}

			st := sess.engine.Status()
			printf("Synced: %d entities, %d tombstones.\n", st.Entities, st.Tombstones)

			return nil
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Force-upload the full local state, overwriting the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireLogin(); err != nil {
				return err
			}

			sess, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.engine.ForceUploadAll(cmd.Context()); err != nil {
				return err
			}

			st := sess.engine.Status()
			printf("Pushed %d entities.\n", st.Entities)

			return nil
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Force-download the full remote state, overwriting local data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireLogin(); err != nil {
				return err
			}

			sess, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.engine.ForceDownloadAll(cmd.Context()); err != nil {
				return err
			}

			st := sess.engine.Status()
			printf("Pulled %d entities.\n", st.Entities)

			return nil
		},
	}
}
