package content

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/twinfer/wotkit/pkg/wot"
)

// Manager is the registry of codecs keyed by media type.
type Manager struct {
	mu        sync.RWMutex
	codecs    map[string]Codec
	validator *SchemaValidator
	logger    logrus.FieldLogger
}

// NewManager returns a manager with the JSON, TD+JSON, CBOR, text and
// octet-stream codecs registered.
func NewManager(logger logrus.FieldLogger) *Manager {
	m := &Manager{
		codecs:    make(map[string]Codec),
		validator: NewSchemaValidator(),
		logger:    logger,
	}
	m.Register(NewJSONCodec())
	m.Register(NewTDJSONCodec())
	m.Register(TextCodec{})
	m.Register(OctetStreamCodec{})
	if c, err := NewCBORCodec(); err != nil {
		logger.WithError(err).Warn("CBOR codec unavailable")
	} else {
		m.Register(c)
	}
	return m
}

// Register adds or replaces the codec for its media type.
func (m *Manager) Register(c Codec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codecs[BaseMediaType(c.MediaType())] = c
}

// SupportedMediaTypes lists the registered media types in sorted order.
func (m *Manager) SupportedMediaTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, 0, len(m.codecs))
	for t := range m.codecs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsSupported reports whether mediaType has a codec.
func (m *Manager) IsSupported(mediaType string) bool {
	_, ok := m.codec(mediaType)
	return ok
}

func (m *Manager) codec(mediaType string) (Codec, bool) {
	if mediaType == "" {
		mediaType = MediaTypeJSON
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.codecs[BaseMediaType(mediaType)]
	return c, ok
}

// ValueToContent validates value against schema and encodes it. An empty
// mediaType means JSON.
func (m *Manager) ValueToContent(value any, schema *wot.DataSchema, mediaType string) (Content, error) {
	if mediaType == "" {
		mediaType = MediaTypeJSON
	}
	c, ok := m.codec(mediaType)
	if !ok {
		return Content{}, &CodecError{MediaType: mediaType, Operation: "encode", WrappedErr: ErrUnsupportedMediaType}
	}
	if err := m.validator.Validate(schema, value); err != nil {
		return Content{}, &CodecError{MediaType: mediaType, Operation: "encode", WrappedErr: err}
	}
	body, err := c.Marshal(value, schema)
	if err != nil {
		return Content{}, &CodecError{MediaType: mediaType, Operation: "encode", WrappedErr: err}
	}
	return New(mediaType, body), nil
}

// ContentToValue decodes ct and validates the result against schema. An
// empty payload decodes to nil.
func (m *Manager) ContentToValue(ct Content, schema *wot.DataSchema) (any, error) {
	if ct.IsEmpty() {
		return nil, nil
	}
	c, ok := m.codec(ct.Type)
	if !ok {
		return nil, &CodecError{MediaType: ct.Type, Operation: "decode", WrappedErr: ErrUnsupportedMediaType}
	}
	value, err := c.Unmarshal(ct.Body, schema)
	if err != nil {
		return nil, &CodecError{MediaType: ct.Type, Operation: "decode", WrappedErr: err}
	}
	if err := m.validator.Validate(schema, value); err != nil {
		return nil, &CodecError{MediaType: ct.Type, Operation: "decode", WrappedErr: err}
	}
	m.logger.WithFields(logrus.Fields{
		"media_type": ct.MediaType(),
		"bytes":      len(ct.Body),
	}).Debug("Decoded content")
	return value, nil
}

// Validate checks value against schema. Failures are *CodecError values
// with Operation "validate".
func (m *Manager) Validate(schema *wot.DataSchema, value any) error {
	if err := m.validator.Validate(schema, value); err != nil {
		return &CodecError{Operation: "validate", WrappedErr: err}
	}
	return nil
}
