package proxy

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegate/nodegate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProxy(t *testing.T, backendURL string) *Proxy {
	t.Helper()
	p, err := New(config.BackendConfig{URL: backendURL}, testLogger())
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	t.Run("creates proxy with valid backend URL", func(t *testing.T) {
		p, err := New(config.BackendConfig{URL: "http://backend:9000"}, testLogger())
		require.NoError(t, err)
		assert.Equal(t, "backend:9000", p.backendURL.Host)
	})

	t.Run("rejects malformed backend URL", func(t *testing.T) {
		_, err := New(config.BackendConfig{URL: "ht tp://broken"}, testLogger())
		assert.Error(t, err)
	})

	t.Run("applies transport defaults for empty config", func(t *testing.T) {
		p, err := New(config.BackendConfig{URL: "http://backend:9000"}, testLogger())
		require.NoError(t, err)
		assert.NotNil(t, p.httpProxy)
	})
}

func TestProxyHTTP(t *testing.T) {
	t.Run("forwards request and response", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/rpc", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"ok"}`))
		}))
		defer backend.Close()

		p := newTestProxy(t, backend.URL)
		srv := httptest.NewServer(p)
		defer srv.Close()

		resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), `"result":"ok"`)
	})

	t.Run("sets forwarding headers", func(t *testing.T) {
		var gotHost, gotProto string
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHost = r.Header.Get("X-Forwarded-Host")
			gotProto = r.Header.Get("X-Forwarded-Proto")
		}))
		defer backend.Close()

		p := newTestProxy(t, backend.URL)
		srv := httptest.NewServer(p)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/")
		require.NoError(t, err)
		resp.Body.Close()

		assert.NotEmpty(t, gotHost)
		assert.Equal(t, "http", gotProto)
	})

	t.Run("joins backend base path", func(t *testing.T) {
		var gotPath string
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
		}))
		defer backend.Close()

		p := newTestProxy(t, backend.URL+"/api")
		srv := httptest.NewServer(p)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/rpc")
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "/api/rpc", gotPath)
	})

	t.Run("unreachable backend yields 502", func(t *testing.T) {
		p := newTestProxy(t, "http://127.0.0.1:1")
		srv := httptest.NewServer(p)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestProxyGRPC(t *testing.T) {
	t.Run("restores TE trailers for grpc requests", func(t *testing.T) {
		var gotTE string
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotTE = r.Header.Get("TE")
		}))
		defer backend.Close()

		p := newTestProxy(t, backend.URL)
		srv := httptest.NewServer(p)
		defer srv.Close()

		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/svc/Method", strings.NewReader(""))
		req.Header.Set("Content-Type", "application/grpc")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "trailers", gotTE)
	})
}

func TestProxyStreaming(t *testing.T) {
	t.Run("flushes subscription events immediately", func(t *testing.T) {
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fl := w.(http.Flusher)
			for i := 0; i < 3; i++ {
				fmt.Fprintf(w, "data: event-%d\n\n", i)
				fl.Flush()
				time.Sleep(10 * time.Millisecond)
			}
		}))
		defer backend.Close()

		p := newTestProxy(t, backend.URL)
		srv := httptest.NewServer(p)
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/subscribe")
		require.NoError(t, err)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "data: event-0\n", line)
	})
}

func TestProxyWebSocket(t *testing.T) {
	// Raw TCP backend that completes the upgrade and echoes one frame back.
	t.Run("relays an upgraded connection", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		go func() {
			conn, acceptErr := ln.Accept()
			if acceptErr != nil {
				return
			}
			defer conn.Close()

			br := bufio.NewReader(conn)
			for {
				line, readErr := br.ReadString('\n')
				if readErr != nil || line == "\r\n" {
					break
				}
			}
			_, _ = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))

			buf := make([]byte, 5)
			if _, readErr := io.ReadFull(br, buf); readErr == nil {
				_, _ = conn.Write(append([]byte("echo:"), buf...))
			}
		}()

		p := newTestProxy(t, "http://"+ln.Addr().String())
		srv := httptest.NewServer(p)
		defer srv.Close()

		clientConn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
		require.NoError(t, err)
		defer clientConn.Close()
		require.NoError(t, clientConn.SetDeadline(time.Now().Add(2*time.Second)))

		req := "GET / HTTP/1.1\r\nHost: test\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
		_, err = clientConn.Write([]byte(req))
		require.NoError(t, err)

		br := bufio.NewReader(clientConn)
		status, err := br.ReadString('\n')
		require.NoError(t, err)
		assert.Contains(t, status, "101")
		for {
			line, readErr := br.ReadString('\n')
			require.NoError(t, readErr)
			if line == "\r\n" {
				break
			}
		}

		_, err = clientConn.Write([]byte("hello"))
		require.NoError(t, err)

		buf := make([]byte, len("echo:hello"))
		_, err = io.ReadFull(br, buf)
		require.NoError(t, err)
		assert.Equal(t, "echo:hello", string(buf))
	})
}

func TestProtocolDetection(t *testing.T) {
	t.Run("grpc content type", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.Header.Set("Content-Type", "application/grpc+proto")
		assert.True(t, isGRPC(r))

		r.Header.Set("Content-Type", "application/json")
		assert.False(t, isGRPC(r))
	})

	t.Run("websocket upgrade", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Upgrade", "websocket")
		r.Header.Set("Connection", "keep-alive, Upgrade")
		assert.True(t, isWebSocketUpgrade(r))

		r.Header.Del("Connection")
		assert.False(t, isWebSocketUpgrade(r))
	})
}

func TestSingleJoiningSlash(t *testing.T) {
	assert.Equal(t, "/api/rpc", singleJoiningSlash("/api", "/rpc"))
	assert.Equal(t, "/api/rpc", singleJoiningSlash("/api/", "/rpc"))
	assert.Equal(t, "/api/rpc", singleJoiningSlash("/api", "rpc"))
	assert.Equal(t, "/api/rpc", singleJoiningSlash("/api/", "rpc"))
}

func TestIsClientDisconnect(t *testing.T) {
	assert.False(t, isClientDisconnect(nil))
	assert.True(t, isClientDisconnect(fmt.Errorf("read: connection reset by peer")))
	assert.True(t, isClientDisconnect(fmt.Errorf("write: broken pipe")))
	assert.False(t, isClientDisconnect(fmt.Errorf("dial tcp: refused")))
}
