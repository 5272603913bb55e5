package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_Levels(t *testing.T) {
	l, err := NewLogger(&LoggerConfig{Debug: true})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewLogger(&LoggerConfig{Debug: false})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestHttpLoggerMiddleware_SkipsQuietPaths(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := zap.New(core)

	handler := HttpLoggerMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), l)

	for _, path := range []string{"/", "/v1/health", "/metrics", "/rpc"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, path, nil))
	}

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "/", entries[0].ContextMap()["path"])
	assert.Equal(t, "/rpc", entries[1].ContextMap()["path"])
}

func TestHttpLoggerTransport_LogsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	client := &http.Client{Transport: NewHttpLoggerTransport(nil, zap.New(core))}

	res, err := client.Get(srv.URL)
	require.NoError(t, err)
	_ = res.Body.Close()

	entries := logs.FilterMessage("outgoing_http_request").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, http.StatusTeapot, entries[0].ContextMap()["status"])
}
