// Package attach turns local files into message-referenceable resource
// descriptors. Validation runs before any network call; the upload itself
// is phase 1 of the two-phase send protocol, and the descriptor it yields
// is kept by the outbox so phase 2 can be retried without re-uploading.
package attach

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ValidationError rejects a file before any network call is made.
// Recoverable: the user picks a different file.
type ValidationError struct {
	Filename string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("attachment %s rejected: %s", e.Filename, e.Reason)
}

// UploadError is a phase-1 failure; the message send is not attempted.
type UploadError struct {
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Filename, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// File is a local file selected for sending.
type File struct {
	Path     string
	Name     string // defaults to the path base
	MimeType string
	Size     int64
}

// Descriptor references an uploaded resource in a message send.
type Descriptor struct {
	URL       string
	Filename  string
	MimeType  string
	SizeBytes int64
}

// Uploader performs the multipart upload (phase 1) and returns the
// server-hosted resource URL.
type Uploader interface {
	Upload(ctx context.Context, filename, mimeType string, r io.Reader) (string, error)
}

// Pipeline validates and uploads attachments.
type Pipeline struct {
	uploader      Uploader
	maxBytes      int64
	allowPrefixes []string
	logger        *zap.Logger
}

// NewPipeline creates an attachment pipeline with the given size ceiling
// and MIME prefix allow-list.
func NewPipeline(uploader Uploader, maxBytes int64, allowPrefixes []string, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		uploader:      uploader,
		maxBytes:      maxBytes,
		allowPrefixes: allowPrefixes,
		logger:        logger,
	}
}

// Validate checks a file against the size ceiling and MIME allow-list.
// It never touches the network.
func (p *Pipeline) Validate(f File) error {
	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}
	if f.Size > p.maxBytes {
		return &ValidationError{Filename: name,
			Reason: fmt.Sprintf("size %d exceeds the %d byte ceiling", f.Size, p.maxBytes)}
	}
	allowed := false
	for _, prefix := range p.allowPrefixes {
		if strings.HasPrefix(f.MimeType, prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return &ValidationError{Filename: name,
			Reason: fmt.Sprintf("type %q is not allowed", f.MimeType)}
	}
	return nil
}

// Process validates and uploads one file, returning the descriptor a
// message send references. Files failing validation never reach the upload.
func (p *Pipeline) Process(ctx context.Context, f File) (*Descriptor, error) {
	if err := p.Validate(f); err != nil {
		return nil, err
	}
	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}

	r, err := os.Open(f.Path)
	if err != nil {
		return nil, &UploadError{Filename: name, Err: err}
	}
	defer func() { _ = r.Close() }()

	url, err := p.uploader.Upload(ctx, name, f.MimeType, r)
	if err != nil {
		return nil, &UploadError{Filename: name, Err: err}
	}
	if p.logger != nil {
		p.logger.Info("attachment uploaded", zap.String("filename", name), zap.String("url", url))
	}
	return &Descriptor{
		URL:       url,
		Filename:  name,
		MimeType:  f.MimeType,
		SizeBytes: f.Size,
	}, nil
}
