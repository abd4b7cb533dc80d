package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UpdateSource indicates where an interaction originated
type UpdateSource string

const (
	UpdateSourceHTTP   UpdateSource = "http"
	UpdateSourceMQTT   UpdateSource = "mqtt"
	UpdateSourceLocal  UpdateSource = "local"
	UpdateSourceSystem UpdateSource = "system"
)

// UpdateContext carries metadata about an interaction request
type UpdateContext struct {
	Source    UpdateSource `json:"source"`
	RequestID string       `json:"request_id,omitempty"`
	UserAgent string       `json:"user_agent,omitempty"`
	Principal string       `json:"principal,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

type contextKey string

const UpdateContextKey contextKey = "update_context"

// WithUpdateContext adds an UpdateContext to a Go context
func WithUpdateContext(ctx context.Context, updateCtx UpdateContext) context.Context {
	return context.WithValue(ctx, UpdateContextKey, updateCtx)
}

// GetUpdateContext retrieves UpdateContext from a Go context
func GetUpdateContext(ctx context.Context) (UpdateContext, bool) {
	updateCtx, ok := ctx.Value(UpdateContextKey).(UpdateContext)
	return updateCtx, ok
}

// NewUpdateContext creates a new UpdateContext with a fresh request id and timestamp
func NewUpdateContext(source UpdateSource) UpdateContext {
	return UpdateContext{
		Source:    source,
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

// SourceOf returns the interaction source recorded in ctx, or local when none is set
func SourceOf(ctx context.Context) UpdateSource {
	if uc, ok := GetUpdateContext(ctx); ok {
		return uc.Source
	}
	return UpdateSourceLocal
}
