package jsonrpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_Err(t *testing.T) {
	t.Run("returns nil when Error field is nil", func(t *testing.T) {
		resp := response{
			JsonRPC: "2.0",
			Error:   nil,
			Result:  nil,
		}

		err := resp.Err()
		assert.NoError(t, err, "Err() should return nil when Error field is nil")
	})

	t.Run("returns formatted error when Error field is present", func(t *testing.T) {
		expectedCode := -32601
		expectedMsg := "method not found"

		resp := response{
			JsonRPC: "2.0",
			Error: &struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			}{
				Code:    expectedCode,
				Message: expectedMsg,
			},
		}

		err := resp.Err()

		assert.Error(t, err, "Err() should return an error when Error field is present")
		assert.ErrorIs(t, err, ErrProviderReturnedError, "Err() should wrap ErrProviderReturnedError")
		assert.Contains(t, err.Error(), fmt.Sprintf("[%d]", expectedCode), "error message should include code")
		assert.Contains(t, err.Error(), expectedMsg, "error message should include message")
	})
}

func TestClient_Fetch(t *testing.T) {
	t.Run("successful request returns raw result", func(t *testing.T) {
		expected := map[string]any{"block": "0x1a"}

		mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var request map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
			assert.Equal(t, "2.0", request["jsonrpc"])
			assert.Equal(t, "dummy_method", request["method"])
			assert.NotEmpty(t, request["id"])

			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"result":  expected,
				"id":      request["id"],
			})
		}))
		defer mockServer.Close()

		c := NewClient(mockServer.Client(), mockServer.URL)

		result, err := c.Fetch(t.Context(), "dummy_method")
		require.NoError(t, err)

		var actual map[string]any
		require.NoError(t, json.Unmarshal(result, &actual))
		assert.Equal(t, expected, actual)
	})

	t.Run("params are forwarded in order", func(t *testing.T) {
		mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var request map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
			assert.Equal(t, []any{"0x64", true}, request["params"])

			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"result":  "ok",
				"id":      request["id"],
			})
		}))
		defer mockServer.Close()

		c := NewClient(mockServer.Client(), mockServer.URL)

		_, err := c.Fetch(t.Context(), "eth_getBlockByNumber", "0x64", true)
		assert.NoError(t, err)
	})

	t.Run("response with JSON-RPC error", func(t *testing.T) {
		mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error": map[string]any{
					"code":    -32601,
					"message": "method not found",
				},
				"id": "1",
			})
		}))
		defer mockServer.Close()

		c := NewClient(mockServer.Client(), mockServer.URL)

		_, err := c.Fetch(t.Context(), "nonexistent_method")
		assert.ErrorIs(t, err, ErrProviderReturnedError)
		assert.Contains(t, err.Error(), "method not found")
	})

	t.Run("malformed JSON response", func(t *testing.T) {
		mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("this is not json"))
		}))
		defer mockServer.Close()

		c := NewClient(mockServer.Client(), mockServer.URL)

		result, err := c.Fetch(t.Context(), "bad_json")
		assert.Error(t, err)
		assert.Nil(t, result)
	})

	t.Run("network error when server is down", func(t *testing.T) {
		mockServer := httptest.NewServer(nil)
		mockServer.Close() // Immediately close

		c := NewClient(&http.Client{Timeout: time.Second}, mockServer.URL)

		result, err := c.Fetch(t.Context(), "network_failure")
		assert.Error(t, err)
		assert.Nil(t, result)
	})
}

func TestNewClient(t *testing.T) {
	t.Run("stores the endpoint and HTTP client", func(t *testing.T) {
		httpClient := &http.Client{}

		c := NewClient(httpClient, "http://localhost:8080")

		assert.Equal(t, "http://localhost:8080", c.providerEndpoint)
		assert.Same(t, httpClient, c.httpClient)
	})
}
