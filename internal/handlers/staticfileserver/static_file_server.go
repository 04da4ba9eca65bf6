package staticfileserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"example.com/servedir/v2/internal/config"
	"example.com/servedir/v2/internal/logger"
	"example.com/servedir/v2/internal/server"
)

const copyBufferSize = 32 * 1024

// StaticFileServer serves a directory tree under a mount prefix: regular
// files as their bytes, directories as HTML listings. Every failure to
// produce one of those is answered with an empty 404.
type StaticFileServer struct {
	root    string
	prefix  string
	listing bool
	log     *logger.Logger
}

// New creates a StaticFileServer for cfg mounted at mountPrefix. The
// document root is canonicalized once here; an unusable root is an error.
func New(cfg *config.StaticFileServerConfig, mountPrefix string, lg *logger.Logger) (*StaticFileServer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("staticfileserver: config cannot be nil")
	}
	if lg == nil {
		lg = logger.NewDiscardLogger()
	}
	root, err := CanonicalRoot(cfg.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("staticfileserver: %w", err)
	}
	listing := cfg.ServeDirectoryListing == nil || *cfg.ServeDirectoryListing
	if mountPrefix == "" {
		mountPrefix = "/"
	}
	return &StaticFileServer{root: root, prefix: mountPrefix, listing: listing, log: lg}, nil
}

// Factory returns a server.HandlerFactory for StaticFileServer routes.
// mainConfigFilePath anchors relative document roots; it may be empty.
func Factory(mainConfigFilePath string) server.HandlerFactory {
	return func(handlerConfig json.RawMessage, mountPrefix string, lg *logger.Logger) (http.Handler, error) {
		cfg, err := config.ParseAndValidateStaticFileServerConfig(handlerConfig, mainConfigFilePath)
		if err != nil {
			return nil, fmt.Errorf("%s handler configuration error: %w", config.HandlerTypeStaticFileServer, err)
		}
		return New(cfg, mountPrefix, lg)
	}
}

// Root returns the canonical document root.
func (s *StaticFileServer) Root() string { return s.root }

func (s *StaticFileServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		server.WriteErrorResponse(w, req, http.StatusMethodNotAllowed, "", s.log)
		return
	}

	resolved, err := Resolve(s.root, s.prefix, req.URL.Path)
	if err != nil {
		s.reject(w, req, err)
		return
	}

	resp, err := Build(req.Context(), resolved, BuildOptions{MountPrefix: s.prefix, DisableListing: !s.listing})
	if err != nil {
		s.reject(w, req, err)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	if resp.ContentType != "" {
		h.Set("Content-Type", resp.ContentType)
	}
	h.Set("Content-Length", strconv.FormatInt(resp.Size, 10))
	w.WriteHeader(resp.Status)
	if req.Method == http.MethodHead {
		return
	}

	n, err := io.CopyBuffer(w, resp.Body, make([]byte, copyBufferSize))
	if err != nil {
		s.log.Debug("StaticFileServer: response copy ended early", logger.LogFields{
			"path":    req.URL.Path,
			"written": humanize.Bytes(uint64(n)),
			"size":    humanize.Bytes(uint64(resp.Size)),
			"error":   err,
		})
		return
	}
	s.log.Debug("StaticFileServer: served", logger.LogFields{
		"path": req.URL.Path,
		"rel":  resolved.Rel,
		"size": humanize.Bytes(uint64(n)),
	})
}

// reject logs why a request could not be served and answers 404 with an
// empty body, whatever the reason.
func (s *StaticFileServer) reject(w http.ResponseWriter, req *http.Request, err error) {
	fields := logger.LogFields{"path": req.URL.Path, "error": err}
	switch {
	case errors.Is(err, ErrOutsideRoot):
		s.log.Warn("StaticFileServer: request resolved outside document root", fields)
	case errors.Is(err, ErrMalformedPath), errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrListingDisabled):
		s.log.Debug("StaticFileServer: not found", fields)
	default:
		s.log.Warn("StaticFileServer: cannot serve path", fields)
	}
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNotFound)
}
