package e2e

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/servedir/v2/e2e/testutil"
)

// setupDocRoot creates fileMap (slash-separated relative path -> contents)
// under a fresh directory and returns it.
func setupDocRoot(t *testing.T, fileMap map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range fileMap {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func baseConfig(routes []map[string]interface{}, logging map[string]interface{}) map[string]interface{} {
	if logging == nil {
		logging = map[string]interface{}{
			"log_level":  "ERROR",
			"access_log": map[string]interface{}{"enabled": false},
		}
	}
	return map[string]interface{}{
		"server":  map[string]interface{}{"address": "127.0.0.1:0"},
		"logging": logging,
		"routing": map[string]interface{}{"routes": routes},
	}
}

func staticRoute(prefix, docRoot string, listing bool) map[string]interface{} {
	return map[string]interface{}{
		"path_pattern": prefix,
		"match_type":   "Prefix",
		"handler_type": "StaticFileServer",
		"handler_config": map[string]interface{}{
			"document_root":           docRoot,
			"serve_directory_listing": listing,
		},
	}
}

func TestStaticFileServing(t *testing.T) {
	docRoot := setupDocRoot(t, map[string]string{
		"a/b.txt":   "hello from b\n",
		"a/c/.keep": "",
		"top.txt":   "top",
	})
	outside := setupDocRoot(t, map[string]string{"secret": "do not serve"})
	require.NoError(t, os.Symlink(outside, filepath.Join(docRoot, "escape")))

	for _, format := range []string{"json", "toml"} {
		t.Run(format, func(t *testing.T) {
			cfgPath := testutil.WriteTempConfig(t, baseConfig([]map[string]interface{}{
				staticRoute("/", docRoot, true),
			}, nil), format)
			srv := testutil.StartServer(t, cfgPath)

			testutil.RunCases(t, srv, []testutil.E2ETestCase{
				{
					Name:     "file",
					Request:  testutil.TestRequest{Method: "GET", Path: "/a/b.txt"},
					Expected: testutil.ExpectedResponse{StatusCode: 200, BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("hello from b\n")}},
				},
				{
					Name:     "dot segment",
					Request:  testutil.TestRequest{Method: "GET", Path: "/a/./b.txt"},
					Expected: testutil.ExpectedResponse{StatusCode: 200, BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("hello from b\n")}},
				},
				{
					Name:    "listing",
					Request: testutil.TestRequest{Method: "GET", Path: "/a/"},
					Expected: testutil.ExpectedResponse{
						StatusCode:  200,
						Headers:     testutil.HeaderMatcher{"Content-Type": "text/html; charset=utf-8"},
						BodyMatcher: &testutil.StringContainsBodyMatcher{Substring: `<a href="/a/c">c</a>`},
					},
				},
				{
					Name:     "traversal",
					Request:  testutil.TestRequest{Method: "GET", Path: "/a/../../../../etc/passwd"},
					Expected: testutil.ExpectedResponse{StatusCode: 404, ExpectNoBody: true},
				},
				{
					Name:     "encoded traversal",
					Request:  testutil.TestRequest{Method: "GET", Path: "/a/%2e%2e/%2e%2e/%2e%2e/etc/passwd"},
					Expected: testutil.ExpectedResponse{StatusCode: 404, ExpectNoBody: true},
				},
				{
					Name:     "symlink escape",
					Request:  testutil.TestRequest{Method: "GET", Path: "/escape/secret"},
					Expected: testutil.ExpectedResponse{StatusCode: 404, ExpectNoBody: true},
				},
				{
					Name:     "missing",
					Request:  testutil.TestRequest{Method: "GET", Path: "/nonexistent"},
					Expected: testutil.ExpectedResponse{StatusCode: 404, ExpectNoBody: true},
				},
				{
					Name:     "head",
					Request:  testutil.TestRequest{Method: "HEAD", Path: "/top.txt"},
					Expected: testutil.ExpectedResponse{StatusCode: 200, Headers: testutil.HeaderMatcher{"Content-Length": "3"}, ExpectNoBody: true},
				},
				{
					Name:     "post",
					Request:  testutil.TestRequest{Method: "POST", Path: "/top.txt"},
					Expected: testutil.ExpectedResponse{StatusCode: 405, Headers: testutil.HeaderMatcher{"Allow": "GET, HEAD"}},
				},
			})
		})
	}
}

func TestRouting_MultipleMounts(t *testing.T) {
	docs := setupDocRoot(t, map[string]string{"page.txt": "docs"})
	assets := setupDocRoot(t, map[string]string{"page.txt": "assets", "img/logo.txt": "logo"})

	cfgPath := testutil.WriteTempConfig(t, baseConfig([]map[string]interface{}{
		staticRoute("/docs", docs, true),
		staticRoute("/assets/", assets, false),
	}, nil), "json")
	srv := testutil.StartServer(t, cfgPath)

	jsonAccept := http.Header{"Accept": []string{"application/json"}}
	testutil.RunCases(t, srv, []testutil.E2ETestCase{
		{
			Name:     "docs file",
			Request:  testutil.TestRequest{Method: "GET", Path: "/docs/page.txt"},
			Expected: testutil.ExpectedResponse{StatusCode: 200, BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("docs")}},
		},
		{
			Name:     "assets file",
			Request:  testutil.TestRequest{Method: "GET", Path: "/assets/img/logo.txt"},
			Expected: testutil.ExpectedResponse{StatusCode: 200, BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("logo")}},
		},
		{
			Name:     "docs listing links carry prefix",
			Request:  testutil.TestRequest{Method: "GET", Path: "/docs"},
			Expected: testutil.ExpectedResponse{StatusCode: 200, BodyMatcher: &testutil.StringContainsBodyMatcher{Substring: `href="/docs/page.txt"`}},
		},
		{
			Name:     "assets listing disabled",
			Request:  testutil.TestRequest{Method: "GET", Path: "/assets/img"},
			Expected: testutil.ExpectedResponse{StatusCode: 404, ExpectNoBody: true},
		},
		{
			Name:     "unrouted html",
			Request:  testutil.TestRequest{Method: "GET", Path: "/elsewhere"},
			Expected: testutil.ExpectedResponse{StatusCode: 404, BodyMatcher: &testutil.StringContainsBodyMatcher{Substring: "<h1>Not Found</h1>"}},
		},
		{
			Name:     "unrouted json",
			Request:  testutil.TestRequest{Method: "GET", Path: "/docsx", Headers: jsonAccept},
			Expected: testutil.ExpectedResponse{StatusCode: 404, Headers: testutil.HeaderMatcher{"Content-Type": "application/json; charset=utf-8"}},
		},
	})
}

func TestLogging_AccessLogFile(t *testing.T) {
	docRoot := setupDocRoot(t, map[string]string{"f.txt": "x"})
	logDir := t.TempDir()
	accessPath := filepath.Join(logDir, "access.log")
	errorPath := filepath.Join(logDir, "error.log")

	cfgPath := testutil.WriteTempConfig(t, baseConfig([]map[string]interface{}{
		staticRoute("/", docRoot, true),
	}, map[string]interface{}{
		"log_level":  "DEBUG",
		"access_log": map[string]interface{}{"enabled": true, "target": accessPath},
		"error_log":  map[string]interface{}{"target": errorPath},
	}), "toml")
	srv := testutil.StartServer(t, cfgPath)

	testutil.RunCases(t, srv, []testutil.E2ETestCase{
		{Name: "hit", Request: testutil.TestRequest{Method: "GET", Path: "/f.txt"}, Expected: testutil.ExpectedResponse{StatusCode: 200}},
		{Name: "miss", Request: testutil.TestRequest{Method: "GET", Path: "/nope"}, Expected: testutil.ExpectedResponse{StatusCode: 404}},
	})

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(accessPath)
		return err == nil && strings.Count(string(data), "\n") >= 2
	}, 2*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(accessPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"uri":"/f.txt"`)
	assert.Contains(t, string(data), `"status":404`)

	errData, err := os.ReadFile(errorPath)
	require.NoError(t, err)
	assert.Contains(t, string(errData), "Server listening")
}
