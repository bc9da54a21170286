package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

func TestHTTPNotifierWake(t *testing.T) {
	n := NewHTTPNotifier("http://127.0.0.1:3001", "sekrit")
	httpmock.ActivateNonDefault(n.httpClient)
	defer httpmock.DeactivateAndReset()

	var gotAuth, gotText string
	httpmock.RegisterResponder(http.MethodPost, "http://127.0.0.1:3001/hooks/wake",
		func(req *http.Request) (*http.Response, error) {
			gotAuth = req.Header.Get("Authorization")
			body, _ := io.ReadAll(req.Body)
			var payload struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return httpmock.NewStringResponse(400, ""), nil
			}
			gotText = payload.Text
			return httpmock.NewStringResponse(200, ""), nil
		})

	err := n.Wake(context.Background(), "new message arrived")
	require.NoError(t, err)
	require.Equal(t, "Bearer sekrit", gotAuth)
	require.Equal(t, "new message arrived", gotText)
}

func TestHTTPNotifierAgentAccepted(t *testing.T) {
	n := NewHTTPNotifier("http://127.0.0.1:3001", "")
	httpmock.ActivateNonDefault(n.httpClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "http://127.0.0.1:3001/hooks/agent",
		func(req *http.Request) (*http.Response, error) {
			// No token configured means no Authorization header.
			if req.Header.Get("Authorization") != "" {
				return httpmock.NewStringResponse(400, ""), nil
			}
			return httpmock.NewStringResponse(http.StatusAccepted, ""), nil
		})

	require.NoError(t, n.Agent(context.Background(), "handle this"))
}

func TestHTTPNotifierErrorStatus(t *testing.T) {
	n := NewHTTPNotifier("http://127.0.0.1:3001", "")
	httpmock.ActivateNonDefault(n.httpClient)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "http://127.0.0.1:3001/hooks/wake",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	err := n.Wake(context.Background(), "anyone home")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 503")
}
