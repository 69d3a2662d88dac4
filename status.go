package main

import (
	"github.com/spf13/cobra"

	"github.com/juholehto/taskvault/internal/remote"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tokenPath, err := tokenPathFromConfig()
			if err != nil {
				return err
			}

			sess, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			st := sess.engine.Status()

			loggedIn := "no"
			if remote.LoggedIn(tokenPath) {
				loggedIn = "yes"
			}

			printf("Logged in:      %s\n", loggedIn)
			printf("Entities:       %d\n", st.Entities)
			printf("Tombstones:     %d\n", st.Tombstones)
			printf("Pending pushes: %d\n", st.Pending)
			printf("Store:          %s\n", resolvedCfg.Store.BaseURL)

			return nil
		},
	}
}
