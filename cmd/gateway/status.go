package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	frontdoor "github.com/tjfontaine/copilot-messages-gateway/internal/frontdoor/anthropic"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the credential state of a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st frontdoor.AuthStatus
		if err := newGatewayClient().do(cmd.Context(), http.MethodGet, "/auth/status", &st); err != nil {
			return fmt.Errorf("fetching status: %w", err)
		}
		printStatus(cmd, st)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Drop the credentials held by a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st frontdoor.AuthStatus
		if err := newGatewayClient().do(cmd.Context(), http.MethodPost, "/auth/logout", &st); err != nil {
			return fmt.Errorf("logging out: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Logged out."))
		return nil
	},
}

func printStatus(cmd *cobra.Command, st frontdoor.AuthStatus) {
	out := cmd.OutOrStdout()

	state := warningStyle.Render(st.State)
	if st.Authenticated {
		state = successStyle.Render(st.State)
	}
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("State:"), state)
	fmt.Fprintf(out, "%s %v\n", labelStyle.Render("Identity:"), st.HasIdentity)
	if st.ExpiresAt > 0 {
		fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Credential expires:"), time.Unix(st.ExpiresAt, 0).Format("2006-01-02 15:04:05"))
	}
	if v := st.Verification; v != nil {
		fmt.Fprintf(out, "%s %s (%s at %s)\n", labelStyle.Render("Device flow:"), v.Status, v.UserCode, v.VerificationURI)
	}
}
