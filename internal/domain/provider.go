package domain

import "context"

// ChatRequest carries one fully assembled model call.
type ChatRequest struct {
	System   string
	Messages []Turn
	// Model overrides the backend's default model when non-empty.
	Model string
}

// ModelBackend is a single language-model endpoint. The gateway treats
// backends as failure-prone collaborators: they own their own timeouts and
// the caller decides what a failure means.
type ModelBackend interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (string, error)
}
