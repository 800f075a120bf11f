// Package uploads issues short-lived grants that let clients put media
// straight into object storage. The chat core never sees the bytes; peers
// exchange the resulting object key as ordinary message text.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
)

const (
	// DefaultMaxBytes caps a single object.
	DefaultMaxBytes int64 = 25 << 20
	// DefaultExpiry is how long a grant stays usable.
	DefaultExpiry = 5 * time.Minute

	maxExtLen = 10
)

var (
	// ErrUnsupportedType is returned for anything but image and video media.
	ErrUnsupportedType = errors.New("uploads: unsupported content type")
	// ErrTooLarge is returned when the declared size exceeds the limit.
	ErrTooLarge = errors.New("uploads: object too large")
	// ErrInvalidSize is returned when the declared size is not positive.
	ErrInvalidSize = errors.New("uploads: size must be positive")
)

// Request describes the object a client wants to upload.
type Request struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	FileName    string `json:"fileName,omitempty"`
}

// Grant is a presigned request the client performs itself.
type Grant struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Key       string            `json:"key"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Presigner issues upload grants.
type Presigner interface {
	Presign(ctx context.Context, req Request) (Grant, error)
}

// Policy decides which uploads are acceptable.
type Policy struct {
	MaxBytes int64
}

// Check validates req and returns its parsed media type.
func (p Policy) Check(req Request) (contenttype.MediaType, error) {
	mt, err := contenttype.ParseMediaType(req.ContentType)
	if err != nil {
		return contenttype.MediaType{}, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	if (mt.Type != "image" && mt.Type != "video") || mt.Subtype == "" || mt.Subtype == "*" {
		return contenttype.MediaType{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedType, mt.Type, mt.Subtype)
	}

	limit := p.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	switch {
	case req.Size <= 0:
		return contenttype.MediaType{}, ErrInvalidSize
	case req.Size > limit:
		return contenttype.MediaType{}, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, req.Size, limit)
	}
	return mt, nil
}

// ObjectKey builds the storage key for an upload: uploads/<YYYYMMDD>/<id><ext>.
// The extension is taken from fileName only when it is short and
// alphanumeric.
func ObjectKey(now time.Time, id, fileName string) string {
	return "uploads/" + now.UTC().Format("20060102") + "/" + id + extension(fileName)
}

func extension(fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
