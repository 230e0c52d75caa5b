// Package blob stores uploaded media and hands back the reference that
// messages carry.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"duochat/models"
)

// URLPrefix is where stored blobs are served from.
const URLPrefix = "/uploads/"

var (
	ErrTooLarge       = errors.New("file size too large")
	ErrTypeNotAllowed = errors.New("file type not allowed")
)

var allowedTypes = []string{
	"image/jpeg", "image/png", "image/gif",
	"video/mp4", "video/webm", "video/ogg",
	"audio/mpeg", "audio/ogg", "audio/wav",
	"application/pdf", "application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Store keeps uploaded media and serves it back under URLPrefix.
type Store interface {
	Put(ctx context.Context, filename string, r io.Reader) (models.MediaRef, error)
	Handler() http.Handler
}

var _ Store = (*LocalStore)(nil)

// LocalStore writes blobs into a directory on disk.
type LocalStore struct {
	dir     string
	maxSize int64
}

func NewLocalStore(dir string, maxSize int64) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir, maxSize: maxSize}, nil
}

// Put sniffs r, rejects types outside the allowlist and anything over the
// size limit, and stores the rest under a random name.
func (s *LocalStore) Put(ctx context.Context, filename string, r io.Reader) (models.MediaRef, error) {
	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return models.MediaRef{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return models.MediaRef{}, fmt.Errorf("%w: empty file", models.ErrValidation)
	}

	mtype, ok := allowed(mimetype.Detect(head))
	if !ok {
		return models.MediaRef{}, fmt.Errorf("%w: %w", models.ErrValidation, ErrTypeNotAllowed)
	}

	ext := mtype.Extension()
	if ext == "" {
		ext = strings.ToLower(filepath.Ext(filename))
	}
	name := uuid.New().String() + ext

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return models.MediaRef{}, fmt.Errorf("create upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, io.LimitReader(io.MultiReader(bytes.NewReader(head), r), s.maxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return models.MediaRef{}, fmt.Errorf("write upload: %w", err)
	}
	if written > s.maxSize {
		return models.MediaRef{}, fmt.Errorf("%w: %w", models.ErrValidation, ErrTooLarge)
	}
	if err := ctx.Err(); err != nil {
		return models.MediaRef{}, err
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return models.MediaRef{}, fmt.Errorf("store upload: %w", err)
	}

	return models.MediaRef{URL: URLPrefix + name, Kind: kindOf(mtype.String())}, nil
}

// Handler serves stored blobs under URLPrefix.
func (s *LocalStore) Handler() http.Handler {
	return http.StripPrefix(URLPrefix, http.FileServer(http.Dir(s.dir)))
}

// allowed walks from the detected type up through its parents looking for
// an allowlisted type.
func allowed(m *mimetype.MIME) (*mimetype.MIME, bool) {
	for ; m != nil; m = m.Parent() {
		for _, t := range allowedTypes {
			if m.Is(t) {
				return m, true
			}
		}
	}
	return nil, false
}

func kindOf(mime string) models.MediaKind {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return models.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return models.MediaAudio
	}
	return models.MediaDocument
}
