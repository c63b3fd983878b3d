package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/copilot-messages-gateway/internal/auth"
	"github.com/tjfontaine/copilot-messages-gateway/internal/credential"
	frontdoor "github.com/tjfontaine/copilot-messages-gateway/internal/frontdoor/anthropic"
)

func init() {
	defaultPollInterval = 10 * time.Millisecond
}

func fakeGateway(t *testing.T, handler http.HandlerFunc) *gatewayClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &gatewayClient{baseURL: srv.URL, apiKey: "k", httpClient: srv.Client()}
}

func TestRunLogin(t *testing.T) {
	var polls atomic.Int32
	c := fakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-api-key"))
		}
		switch r.URL.Path {
		case "/auth/device":
			json.NewEncoder(w).Encode(credential.Verification{
				VerificationURI: "https://github.com/login/device",
				UserCode:        "WXYZ-0000",
				ExpiresIn:       60,
				Status:          credential.StatusPending,
			})
		case "/auth/poll":
			st := frontdoor.AuthStatus{
				State:        "awaiting_verification",
				Verification: &credential.Verification{Status: credential.StatusPending},
			}
			if polls.Add(1) >= 3 {
				st.Authenticated = true
				st.State = "active"
			}
			json.NewEncoder(w).Encode(st)
		default:
			http.NotFound(w, r)
		}
	})

	var out bytes.Buffer
	if err := runLogin(context.Background(), &out, c); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if polls.Load() != 3 {
		t.Errorf("expected 3 polls, got %d", polls.Load())
	}
	if !strings.Contains(out.String(), "WXYZ-0000") {
		t.Errorf("expected user code in output, got %q", out.String())
	}
}

func TestRunLogin_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		device  http.HandlerFunc
		status  string
		wantErr string
	}{
		{
			name: "already authenticated",
			device: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
				fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"already authenticated"}}`)
			},
		},
		{
			name: "initiation failed",
			device: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				fmt.Fprint(w, `{"type":"error","error":{"type":"api_error","message":"device authorization failed"}}`)
			},
			wantErr: "api_error",
		},
		{
			name:    "denied",
			status:  credential.StatusDenied,
			wantErr: "denied",
		},
		{
			name:    "expired",
			status:  credential.StatusExpired,
			wantErr: "expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/auth/device":
					if tt.device != nil {
						tt.device(w, r)
						return
					}
					json.NewEncoder(w).Encode(credential.Verification{UserCode: "A", Status: credential.StatusPending})
				case "/auth/poll":
					json.NewEncoder(w).Encode(frontdoor.AuthStatus{
						State:        "unauthenticated",
						Verification: &credential.Verification{Status: tt.status},
					})
				}
			})

			err := runLogin(context.Background(), &bytes.Buffer{}, c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRunLogin_Cancelled(t *testing.T) {
	c := fakeGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/device" {
			json.NewEncoder(w).Encode(credential.Verification{UserCode: "A", Interval: 60, Status: credential.StatusPending})
			return
		}
		t.Error("unexpected poll")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runLogin(ctx, &bytes.Buffer{}, c); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestKeygen(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"keygen", "my-secret"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if !strings.Contains(out.String(), auth.HashAPIKey("my-secret")) {
		t.Errorf("expected hash in output, got %q", out.String())
	}

	out.Reset()
	rootCmd.SetArgs([]string{"keygen"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if !strings.Contains(out.String(), "API Key: "+auth.KeyPrefix) {
		t.Errorf("expected generated key, got %q", out.String())
	}
}

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(frontdoor.AuthStatus{Authenticated: true, State: "active", HasIdentity: true, ExpiresAt: 1700000000})
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"status", "--url", srv.URL})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out.String(), "active") {
		t.Errorf("expected state in output, got %q", out.String())
	}
}
