package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/servedir/v2/internal/config"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

// decodeLines parses every JSON line in buf.
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "line: %s", sc.Text())
		out = append(out, m)
	}
	return out
}

func TestErrorLog_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWriterLogger(&buf, config.LogLevelWarning, nil)

	lg.Debug("debug msg")
	lg.Info("info msg")
	lg.Warn("warn msg", LogFields{"path": "/a"})
	lg.Error("error msg", LogFields{"error": errors.New("boom")})

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, "warn msg", entries[0]["message"])
	assert.Equal(t, "/a", entries[0]["path"])
	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, "boom", entries[1]["error"])
	assert.NotEmpty(t, entries[1]["ts"])
}

func TestAccessLog_Fields(t *testing.T) {
	var errBuf, accessBuf bytes.Buffer
	lg := NewWriterLogger(&errBuf, config.LogLevelInfo, &accessBuf)

	req := httptest.NewRequest(http.MethodGet, "/a/b.txt", nil)
	req.RemoteAddr = "192.0.2.10:54321"
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("Referer", "http://example.com/")

	lg.Access(req, http.StatusOK, 42, 15*time.Millisecond)

	entries := decodeLines(t, &accessBuf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "192.0.2.10", e["remote_addr"])
	assert.Equal(t, "54321", e["remote_port"])
	assert.Equal(t, "GET", e["method"])
	assert.Equal(t, "/a/b.txt", e["uri"])
	assert.EqualValues(t, 200, e["status"])
	assert.EqualValues(t, 42, e["resp_bytes"])
	assert.EqualValues(t, 15, e["duration_ms"])
	assert.Equal(t, "test-agent", e["user_agent"])
	assert.Equal(t, "http://example.com/", e["referer"])
	assert.Empty(t, errBuf.String())
}

func TestAccessLog_DisabledIsNoop(t *testing.T) {
	var errBuf bytes.Buffer
	lg := NewWriterLogger(&errBuf, config.LogLevelInfo, nil)
	lg.Access(httptest.NewRequest(http.MethodGet, "/", nil), 200, 0, 0)
	assert.Empty(t, errBuf.String())
}

func TestGetRealClientIP(t *testing.T) {
	proxies, err := preParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		remoteAddr string
		header     string
		headerName string
		expected   string
	}{
		{"no header configured", "192.0.2.1:1234", "203.0.113.5", "", "192.0.2.1"},
		{"header absent", "192.0.2.1:1234", "", "X-Forwarded-For", "192.0.2.1"},
		{"first untrusted from right", "192.0.2.1:1234", "203.0.113.5, 10.1.2.3", "X-Forwarded-For", "203.0.113.5"},
		{"all trusted", "192.0.2.1:1234", "10.1.2.3, 10.4.5.6", "X-Forwarded-For", "192.0.2.1"},
		{"malformed entry", "192.0.2.1:1234", "garbage, 10.1.2.3", "X-Forwarded-For", "192.0.2.1"},
		{"bare ip remote", "::1", "", "", "::1"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			if tc.header != "" {
				h.Set("X-Forwarded-For", tc.header)
			}
			assert.Equal(t, tc.expected, getRealClientIP(tc.remoteAddr, h, tc.headerName, proxies))
		})
	}
}

func TestPreParseTrustedProxies_Invalid(t *testing.T) {
	_, err := preParseTrustedProxies([]string{"not-an-ip"})
	assert.ErrorContains(t, err, "invalid IP string")
	_, err = preParseTrustedProxies([]string{"10.0.0.0/99"})
	assert.ErrorContains(t, err, "invalid CIDR string")
}

func TestNewLogger_FileTargetsAndReopen(t *testing.T) {
	dir := t.TempDir()
	errPath := filepath.Join(dir, "error.log")
	accessPath := filepath.Join(dir, "access.log")

	lg, err := NewLogger(&config.LoggingConfig{
		LogLevel: config.LogLevelInfo,
		AccessLog: &config.AccessLogConfig{
			Enabled: boolPtr(true),
			Target:  strPtr(accessPath),
			Format:  "json",
		},
		ErrorLog: &config.ErrorLogConfig{Target: strPtr(errPath)},
	})
	require.NoError(t, err)

	lg.Info("before rotate")
	rotated := errPath + ".1"
	require.NoError(t, os.Rename(errPath, rotated))
	require.NoError(t, lg.ReopenLogFiles())
	lg.Info("after rotate")
	lg.Access(httptest.NewRequest(http.MethodGet, "/", nil), 200, 1, time.Millisecond)
	require.NoError(t, lg.CloseLogFiles())

	old, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Contains(t, string(old), "before rotate")
	assert.NotContains(t, string(old), "after rotate")

	current, err := os.ReadFile(errPath)
	require.NoError(t, err)
	assert.Contains(t, string(current), "after rotate")

	access, err := os.ReadFile(accessPath)
	require.NoError(t, err)
	assert.Contains(t, string(access), `"status":200`)
}

func TestNewLogger_Errors(t *testing.T) {
	_, err := NewLogger(nil)
	assert.ErrorContains(t, err, "cannot be nil")

	_, err = NewLogger(&config.LoggingConfig{
		ErrorLog: &config.ErrorLogConfig{Target: strPtr(filepath.Join(t.TempDir(), "missing", "e.log"))},
	})
	assert.ErrorContains(t, err, "failed to open log file")

	_, err = NewLogger(&config.LoggingConfig{
		AccessLog: &config.AccessLogConfig{TrustedProxies: []string{"bogus"}},
	})
	assert.ErrorContains(t, err, "trusted proxies")
}

func TestNewDiscardLogger(t *testing.T) {
	lg := NewDiscardLogger()
	lg.Error("dropped", LogFields{"k": "v"})
	lg.Access(httptest.NewRequest(http.MethodGet, "/", nil), 200, 0, 0)
	assert.NoError(t, lg.CloseLogFiles())
}
