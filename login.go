package main

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/juholehto/taskvault/internal/remote"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in to the remote store (browser, PKCE)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()

			tokenPath, err := tokenPathFromConfig()
			if err != nil {
				return err
			}

			_, err = remote.Login(cmd.Context(), authEndpoints(), tokenPath, openBrowser, logger)
			if err != nil {
				return err
			}

			printf("Logged in.\n")

			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved credential",
		RunE: func(_ *cobra.Command, _ []string) error {
			logger := newLogger()

			tokenPath, err := tokenPathFromConfig()
			if err != nil {
				return err
			}

			if err := remote.Logout(tokenPath, logger); err != nil {
				return err
			}

			printf("Logged out.\n")

			return nil
		},
	}
}

// openBrowser launches the platform's default browser.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "linux":
		return exec.Command("xdg-open", url).Start()
	default:
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
}
