package credflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiphen/tradegate/internal/broker"
)

var testFactory = broker.Factory{
	Venue:       "oanda",
	DisplayName: "OANDA <fx>",
	Fields: []broker.Field{
		{Name: "api_token", Label: "API Token", Required: true, Secret: true},
		{Name: "account_id", Label: "Account ID", Required: true},
		{Name: "practice", Label: "Practice", Default: "true"},
	},
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFormRendersEveryField(t *testing.T) {
	srv := httptest.NewServer(handler(testFactory, 4242, make(chan broker.Credentials, 1)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/credentials")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	b, _ := io.ReadAll(resp.Body)
	html := string(b)
	assert.Contains(t, html, `type="password" id="api_token"`)
	assert.Contains(t, html, `type="text" id="account_id"`)
	assert.Contains(t, html, `value="true"`)
	assert.Contains(t, html, "Practice (optional)")
	assert.Contains(t, html, "127.0.0.1:4242")
	assert.Contains(t, html, "OANDA &lt;fx&gt;", "display name must be escaped")
}

func TestPostDeliversCredentials(t *testing.T) {
	got := make(chan broker.Credentials, 1)
	srv := httptest.NewServer(handler(testFactory, 0, got))
	defer srv.Close()

	resp := post(t, srv.URL+"/credentials", map[string]string{
		"api_token":  " tok ",
		"account_id": "101-001",
		"unrelated":  "dropped",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case creds := <-got:
		assert.Equal(t, broker.Credentials{"api_token": "tok", "account_id": "101-001", "practice": "true"}, creds)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for credential result")
	}
}

func TestPostMissingFields(t *testing.T) {
	srv := httptest.NewServer(handler(testFactory, 0, make(chan broker.Credentials, 1)))
	defer srv.Close()

	resp := post(t, srv.URL+"/credentials", map[string]string{"api_token": "tok"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "missing account_id", body["error"])

	resp = post(t, srv.URL+"/credentials", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCollectEndToEnd(t *testing.T) {
	opener := func(url string) error {
		go func() {
			b, _ := json.Marshal(map[string]string{"api_token": "tok", "account_id": "1"})
			resp, err := http.Post(url, "application/json", bytes.NewReader(b))
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
	creds, err := Collect(context.Background(), testFactory, opener)
	require.NoError(t, err)
	assert.Equal(t, "tok", creds.Get("api_token"))
	assert.Equal(t, "true", creds.Get("practice"))
}

func TestCollectOpenerFails(t *testing.T) {
	_, err := Collect(context.Background(), testFactory, func(string) error { return errors.New("no display") })
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "--terminal"))
}

func TestCollectContextExpires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Collect(ctx, testFactory, func(string) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
