package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateWebhookURL(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		url     string
		policy  URLPolicy
		wantErr string
	}{
		{name: "public ip literal", url: "https://93.184.216.34/hook"},
		{name: "http rejected", url: "http://93.184.216.34/hook", wantErr: "https"},
		{name: "relative", url: "/hook", wantErr: "invalid URL"},
		{name: "garbage", url: "://nope", wantErr: "invalid URL"},
		{name: "ftp", url: "ftp://93.184.216.34/x", wantErr: "https"},
		{name: "userinfo", url: "https://u:p@93.184.216.34/x", wantErr: "credentials"},
		{name: "localhost", url: "https://localhost/hook", wantErr: "not allowed"},
		{name: "metadata", url: "https://metadata.google.internal/x", wantErr: "not allowed"},
		{name: "loopback", url: "https://127.0.0.1/hook", wantErr: "loopback"},
		{name: "private", url: "https://10.0.0.5/hook", wantErr: "private"},
		{name: "link local", url: "https://169.254.169.254/latest", wantErr: "link-local"},
		{name: "unspecified", url: "https://0.0.0.0/hook", wantErr: "unspecified"},
		{name: "ipv6 loopback", url: "https://[::1]/hook", wantErr: "loopback"},
		{
			name:   "insecure allowed in dev",
			url:    "http://127.0.0.1:8080/hook",
			policy: URLPolicy{AllowInsecure: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhookURL(ctx, tt.url, tt.policy)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCheckIP_WrapsSentinel(t *testing.T) {
	err := ValidateWebhookURL(context.Background(), "https://192.168.1.1/", URLPolicy{})
	assert.True(t, errors.Is(err, ErrBlockedAddress))
}

func TestSafeHTTPClient_DoesNotFollowRedirects(t *testing.T) {
	c := SafeHTTPClient(0)
	assert.NotNil(t, c.CheckRedirect)
	assert.NotNil(t, c.Transport)
}

func TestWebhookHTTPClient_LoopbackPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := SafeHTTPClient(time.Second).Get(srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked address")

	resp, err := WebhookHTTPClient(time.Second, URLPolicy{AllowInsecure: true}).Get(srv.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
