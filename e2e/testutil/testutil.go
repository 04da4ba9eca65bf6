package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"

	"example.com/servedir/v2/internal/config"
	"example.com/servedir/v2/internal/handlers/staticfileserver"
	"example.com/servedir/v2/internal/logger"
	"example.com/servedir/v2/internal/router"
	"example.com/servedir/v2/internal/server"
	"example.com/servedir/v2/internal/util"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // raw request target, sent without cleaning
	Headers http.Header
}

// HeaderMatcher maps header names to their exact expected values.
type HeaderMatcher map[string]string

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // Returns match status and a description of mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// ExpectedResponse models the expected outcome of an HTTP request.
type ExpectedResponse struct {
	StatusCode   int
	Headers      HeaderMatcher
	BodyMatcher  BodyMatcher
	ExpectNoBody bool // if true, BodyMatcher is ignored and body must be empty
}

// ActualResponse stores the actual outcome of an HTTP request.
type ActualResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// E2ETestCase pairs a request with its expected response.
type E2ETestCase struct {
	Name     string
	Request  TestRequest
	Expected ExpectedResponse
}

// WriteTempConfig writes configData as a JSON or TOML file under t.TempDir
// and returns its path. TOML input should be built from maps so nested
// handler_config tables survive encoding.
func WriteTempConfig(t *testing.T, configData interface{}, format string) string {
	t.Helper()
	var (
		data []byte
		err  error
		ext  string
	)
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		t.Fatalf("failed to marshal config data to %s: %v", format, err)
	}

	path := filepath.Join(t.TempDir(), "server"+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write temp config file: %v", err)
	}
	return path
}

// ServerInstance is a server started in-process from a configuration file.
type ServerInstance struct {
	Config  *config.Config
	Address string // host:port actually bound
	Logger  *logger.Logger

	cancel context.CancelFunc
	done   chan error
	client *http.Client
}

// StartServer loads configFile and serves it the way the server command
// does, on the configured address (port 0 picks a free port). The server is
// stopped when the test ends.
func StartServer(t *testing.T, configFile string) *ServerInstance {
	t.Helper()
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		t.Fatalf("failed to load config %s: %v", configFile, err)
	}

	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}

	registry := server.NewHandlerRegistry()
	if err := registry.Register(config.HandlerTypeStaticFileServer, staticfileserver.Factory(cfg.OriginalFilePath)); err != nil {
		t.Fatalf("failed to register handler: %v", err)
	}
	rt, err := router.NewRouter(cfg.Routing.Routes, registry, lg)
	if err != nil {
		t.Fatalf("failed to initialize router: %v", err)
	}
	srv, err := server.NewServer(cfg, lg, rt)
	if err != nil {
		t.Fatalf("failed to initialize server: %v", err)
	}

	l, err := util.CreateListener("tcp", *cfg.Server.Address)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	si := &ServerInstance{
		Config:  cfg,
		Address: l.Addr().String(),
		Logger:  lg,
		cancel:  cancel,
		done:    make(chan error, 1),
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	go func() { si.done <- srv.Serve(ctx, l) }()
	t.Cleanup(func() {
		if err := si.Stop(); err != nil {
			t.Errorf("server stop: %v", err)
		}
	})
	return si
}

// Stop cancels the server and waits for it to shut down. It is safe to call
// more than once.
func (s *ServerInstance) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil
	defer func() { _ = s.Logger.CloseLogFiles() }()
	select {
	case err := <-s.done:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("timed out waiting for server to stop")
	}
}

// Do sends request to the server. The request target is written as given so
// dot segments reach the server uncleaned.
func (s *ServerInstance) Do(request TestRequest) (ActualResponse, error) {
	req, err := http.NewRequest(request.Method, "http://"+s.Address+"/", nil)
	if err != nil {
		return ActualResponse{}, err
	}
	req.URL.Opaque = request.Path
	for k, vs := range request.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return ActualResponse{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ActualResponse{}, fmt.Errorf("read body: %w", err)
	}
	return ActualResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}, nil
}

// AssertResponse reports every way actual differs from expected.
func AssertResponse(t *testing.T, expected ExpectedResponse, actual ActualResponse) {
	t.Helper()
	if actual.StatusCode != expected.StatusCode {
		t.Errorf("status: expected %d, got %d", expected.StatusCode, actual.StatusCode)
	}
	for name, want := range expected.Headers {
		if got := actual.Headers.Get(name); got != want {
			t.Errorf("header %s: expected %q, got %q", name, want, got)
		}
	}
	if expected.ExpectNoBody {
		if len(actual.Body) != 0 {
			t.Errorf("expected empty body, got %q", actual.Body)
		}
		return
	}
	if expected.BodyMatcher != nil {
		if ok, why := expected.BodyMatcher.Match(actual.Body); !ok {
			t.Error(why)
		}
	}
}

// RunCases sends each case's request to s and checks the response.
func RunCases(t *testing.T, s *ServerInstance, cases []E2ETestCase) {
	t.Helper()
	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			actual, err := s.Do(tc.Request)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			AssertResponse(t, tc.Expected, actual)
		})
	}
}
