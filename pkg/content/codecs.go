package content

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"github.com/twinfer/wotkit/pkg/wot"
)

// Codec encodes and decodes values for one media type.
type Codec interface {
	MediaType() string
	Marshal(value any, schema *wot.DataSchema) ([]byte, error)
	Unmarshal(body []byte, schema *wot.DataSchema) (any, error)
}

// JSONCodec handles application/json.
type JSONCodec struct{ mediaType string }

func NewJSONCodec() *JSONCodec { return &JSONCodec{mediaType: MediaTypeJSON} }

// NewTDJSONCodec handles Thing Description documents.
func NewTDJSONCodec() *JSONCodec { return &JSONCodec{mediaType: MediaTypeTDJSON} }

func (c *JSONCodec) MediaType() string { return c.mediaType }

func (c *JSONCodec) Marshal(value any, _ *wot.DataSchema) ([]byte, error) {
	return json.Marshal(value)
}

func (c *JSONCodec) Unmarshal(body []byte, _ *wot.DataSchema) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// CBORCodec handles application/cbor. Maps decode with string keys so the
// result has the same shape as decoded JSON.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor decoder: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) MediaType() string { return MediaTypeCBOR }

func (c *CBORCodec) Marshal(value any, _ *wot.DataSchema) ([]byte, error) {
	return c.enc.Marshal(value)
}

func (c *CBORCodec) Unmarshal(body []byte, _ *wot.DataSchema) (any, error) {
	var v any
	if err := c.dec.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// TextCodec handles text/plain. Decoding uses the schema type to turn the
// text into a number or boolean.
type TextCodec struct{}

func (TextCodec) MediaType() string { return MediaTypeText }

func (TextCodec) Marshal(value any, _ *wot.DataSchema) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

func (TextCodec) Unmarshal(body []byte, schema *wot.DataSchema) (any, error) {
	text := string(body)
	if schema == nil {
		return text, nil
	}
	switch schema.Type {
	case "integer":
		return strconv.ParseInt(text, 10, 64)
	case "number":
		return strconv.ParseFloat(text, 64)
	case "boolean":
		return strconv.ParseBool(text)
	default:
		return text, nil
	}
}

// OctetStreamCodec passes bytes through.
type OctetStreamCodec struct{}

func (OctetStreamCodec) MediaType() string { return MediaTypeOctetStream }

func (OctetStreamCodec) Marshal(value any, _ *wot.DataSchema) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("cannot write %T as raw bytes", value)
	}
}

func (OctetStreamCodec) Unmarshal(body []byte, _ *wot.DataSchema) (any, error) {
	return append([]byte(nil), body...), nil
}
