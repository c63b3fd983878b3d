package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/copilot-messages-gateway/internal/credential"
	frontdoor "github.com/tjfontaine/copilot-messages-gateway/internal/frontdoor/anthropic"
)

// defaultPollInterval applies when the provider names no interval.
var defaultPollInterval = 5 * time.Second

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize a running gateway with your GitHub account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLogin(cmd.Context(), cmd.OutOrStdout(), newGatewayClient())
	},
}

func runLogin(ctx context.Context, out io.Writer, c *gatewayClient) error {
	var v credential.Verification
	if err := c.do(ctx, http.MethodPost, "/auth/device", &v); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
			fmt.Fprintln(out, successStyle.Render("Already authenticated.")+" Use 'copilot-gateway logout' first.")
			return nil
		}
		return fmt.Errorf("starting device authorization: %w", err)
	}

	fmt.Fprintln(out, labelStyle.Render("Open")+" "+v.VerificationURI+" "+labelStyle.Render("and enter:"))
	fmt.Fprintln(out, codeStyle.Render(v.UserCode))

	interval := pollInterval(v.Interval)
	var deadline <-chan time.Time
	if v.ExpiresIn > 0 {
		timer := time.NewTimer(time.Duration(v.ExpiresIn) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.New("device code expired before it was approved")
		case <-time.After(interval):
		}

		var st frontdoor.AuthStatus
		if err := c.do(ctx, http.MethodPost, "/auth/poll", &st); err != nil {
			return fmt.Errorf("polling device authorization: %w", err)
		}
		if st.Authenticated {
			fmt.Fprintln(out, successStyle.Render("Authenticated."))
			return nil
		}
		if st.Verification == nil {
			return errors.New("device authorization was cancelled")
		}
		switch st.Verification.Status {
		case credential.StatusExpired:
			return errors.New("device code expired before it was approved")
		case credential.StatusDenied:
			return errors.New("device authorization was denied")
		}
		// slow_down widens the interval on the gateway side.
		interval = pollInterval(st.Verification.Interval)
	}
}

func pollInterval(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultPollInterval
	}
	return time.Duration(seconds) * time.Second
}
