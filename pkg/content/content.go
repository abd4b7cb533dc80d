// Package content converts interaction values to and from the payloads that
// cross the protocol boundary.
package content

import (
	"errors"
	"fmt"
	"mime"
	"strings"
)

// Well-known media types.
const (
	MediaTypeJSON        = "application/json"
	MediaTypeTDJSON      = "application/td+json"
	MediaTypeCBOR        = "application/cbor"
	MediaTypeText        = "text/plain"
	MediaTypeOctetStream = "application/octet-stream"
)

// Content is a payload together with its media type.
type Content struct {
	Type string
	Body []byte
}

// New builds a Content value.
func New(mediaType string, body []byte) Content {
	return Content{Type: mediaType, Body: body}
}

// MediaType returns the lower-cased type without parameters.
func (c Content) MediaType() string {
	return BaseMediaType(c.Type)
}

// IsEmpty reports whether there is no payload.
func (c Content) IsEmpty() bool {
	return len(c.Body) == 0
}

// BaseMediaType strips parameters from a content type. Unparsable input is
// returned lower-cased up to the first ';'.
func BaseMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		base, _, _ := strings.Cut(contentType, ";")
		return strings.ToLower(strings.TrimSpace(base))
	}
	return mt
}

// ErrUnsupportedMediaType is wrapped by CodecError when no codec is
// registered for a media type.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

// CodecError reports a failed value/content conversion.
type CodecError struct {
	MediaType  string
	Operation  string // "encode", "decode" or "validate"
	WrappedErr error
}

func (e *CodecError) Error() string {
	if e.MediaType == "" {
		return fmt.Sprintf("content %s failed: %v", e.Operation, e.WrappedErr)
	}
	return fmt.Sprintf("content %s failed for media type '%s': %v", e.Operation, e.MediaType, e.WrappedErr)
}
func (e *CodecError) Unwrap() error { return e.WrappedErr }
