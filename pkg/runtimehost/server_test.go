package runtimehost

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, h Handler, timeout time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	srv := NewServer("127.0.0.1", port, NewStaticLoader(h), timeout, "test")
	go srv.ListenAndServe()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	addr := fmt.Sprintf("http://127.0.0.1:%d", port)
	for i := 0; i < 50; i++ {
		resp, err := http.Get(addr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	return addr
}

func TestHealthEndpoint(t *testing.T) {
	addr := startTestServer(t, func(Request) (any, error) { return nil, nil }, 5*time.Second)

	resp, err := http.Get(addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestInvokeJSONResult(t *testing.T) {
	addr := startTestServer(t, func(req Request) (any, error) {
		return map[string]string{"echo": string(req.Body)}, nil
	}, 5*time.Second)

	resp, err := http.Post(addr+"/", "application/json", strings.NewReader(`{"x":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, `{"x":1}`, body["echo"])
}

func TestInvokeStringResult(t *testing.T) {
	addr := startTestServer(t, func(Request) (any, error) { return "plain text", nil }, 5*time.Second)

	resp, err := http.Post(addr+"/", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
}

func TestInvokeHandlerError(t *testing.T) {
	addr := startTestServer(t, func(Request) (any, error) {
		return nil, fmt.Errorf("boom")
	}, 5*time.Second)

	resp, err := http.Post(addr+"/", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestInvokeTimeout(t *testing.T) {
	addr := startTestServer(t, func(Request) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "too late", nil
	}, 10*time.Millisecond)

	resp, err := http.Post(addr+"/", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "timeout")
}


