// Package ingest pulls the upload payload out of a multipart request body.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/andresuchdata/spoolrelay/internal/apperr"
)

// Upload is the first file-bearing part of a multipart body.
type Upload struct {
	Filename    string
	FieldName   string
	ContentType string
	// Body streams the part content. It is only valid until the next
	// read from the multipart reader it came from.
	Body io.Reader
}

// NextFile walks mr in order and returns the first part that carries a
// filename. Parts before it are drained and skipped; parts after it are
// never read, so at most one file is taken per request.
func NextFile(mr *multipart.Reader) (*Upload, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, apperr.New(apperr.KindMissingFile, "ingest", apperr.ErrMissingFile)
		}
		if err != nil {
			return nil, classify(err)
		}

		filename := part.FileName()
		if filename == "" {
			if _, err := io.Copy(io.Discard, part); err != nil {
				return nil, classify(err)
			}
			continue
		}

		return &Upload{
			Filename:    filename,
			FieldName:   part.FormName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        &partReader{part: part},
		}, nil
	}
}

// OpenReader opens the request body as a streaming multipart reader.
func OpenReader(r *http.Request) (*multipart.Reader, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, classify(err)
	}
	return mr, nil
}

// SanitizeFilename returns name if it is safe to use as a single path
// element inside the spool directory.
func SanitizeFilename(name string) (string, error) {
	switch {
	case name == "", name == ".", name == "..":
		return "", apperr.New(apperr.KindInvalidFilename, "ingest", fmt.Errorf("invalid filename %q", name))
	case strings.ContainsAny(name, "/\\\x00"):
		return "", apperr.New(apperr.KindInvalidFilename, "ingest", fmt.Errorf("filename %q contains a path separator", name))
	}
	return name, nil
}

// partReader tags read errors from the multipart stream so the caller can
// tell a broken client stream from a broken disk.
type partReader struct {
	part *multipart.Part
}

func (r *partReader) Read(p []byte) (int, error) {
	n, err := r.part.Read(p)
	if err != nil && err != io.EOF {
		return n, classify(err)
	}
	return n, err
}

func classify(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.New(apperr.KindBodyTooLarge, "ingest", err)
	}
	return apperr.New(apperr.KindTransport, "ingest", err)
}
