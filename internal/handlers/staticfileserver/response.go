package staticfileserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
)

var (
	// ErrUnsupportedType is returned for filesystem objects that are neither
	// regular files nor directories (devices, sockets, pipes).
	ErrUnsupportedType = errors.New("unsupported file type")
	// ErrListingDisabled is returned for directories when listings are off.
	ErrListingDisabled = errors.New("directory listing disabled")
)

// Response is the outcome of Build. Body must be closed by the caller.
type Response struct {
	Status int
	// ContentType is empty for files; the transport infers it from the bytes.
	ContentType string
	// Size is the body length in bytes.
	Size int64
	Body io.ReadCloser
}

// BuildOptions carries the per-mount settings Build needs.
type BuildOptions struct {
	MountPrefix    string
	DisableListing bool
}

// contextFile stops reading once its context is done, so a copy to a
// disconnected client ends at the next read.
type contextFile struct {
	ctx context.Context
	f   *os.File
}

func (c *contextFile) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.f.Read(p)
}

func (c *contextFile) Close() error {
	return c.f.Close()
}

// Build produces the response for a resolved path: the file's bytes for a
// regular file, an HTML listing for a directory. Any error means the client
// should see "not found".
func Build(ctx context.Context, resolved Resolved, opts BuildOptions) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Stat before opening: opening a FIFO would block.
	info, err := os.Stat(resolved.Path)
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", resolved.Rel, err)
	}
	if !info.Mode().IsRegular() && !info.IsDir() {
		return nil, fmt.Errorf("%q (%s): %w", resolved.Rel, info.Mode().Type(), ErrUnsupportedType)
	}
	if info.IsDir() && opts.DisableListing {
		return nil, ErrListingDisabled
	}

	f, err := os.Open(resolved.Path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", resolved.Rel, err)
	}
	// Re-check through the handle in case the path was replaced after Stat.
	info, err = f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %q: %w", resolved.Rel, err)
	}

	switch {
	case info.Mode().IsRegular():
		return &Response{
			Status: http.StatusOK,
			Size:   info.Size(),
			Body:   &contextFile{ctx: ctx, f: f},
		}, nil
	case info.IsDir():
		defer f.Close()
		entries, err := readEntries(f)
		if err != nil {
			return nil, fmt.Errorf("read directory %q: %w", resolved.Rel, err)
		}
		var buf bytes.Buffer
		if err := RenderListing(&buf, opts.MountPrefix, resolved.Rel, entries); err != nil {
			return nil, fmt.Errorf("render listing %q: %w", resolved.Rel, err)
		}
		return &Response{
			Status:      http.StatusOK,
			ContentType: "text/html; charset=utf-8",
			Size:        int64(buf.Len()),
			Body:        io.NopCloser(&buf),
		}, nil
	default:
		_ = f.Close()
		return nil, fmt.Errorf("%q (%s): %w", resolved.Rel, info.Mode().Type(), ErrUnsupportedType)
	}
}

// readEntries lists the immediate children of dir in enumeration order.
func readEntries(dir *os.File) ([]DirectoryEntry, error) {
	dirents, err := dir.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	entries := make([]DirectoryEntry, 0, len(dirents))
	for _, d := range dirents {
		entries = append(entries, DirectoryEntry{Name: d.Name(), IsDir: d.IsDir()})
	}
	return entries, nil
}
