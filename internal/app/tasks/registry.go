package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/autostudy/autostudy/internal/domain"
)

// RecoveryHandler attempts to resume a task of one type from its checkpoint.
// Returning false (or an error) declines the task.
type RecoveryHandler interface {
	Attempt(ctx context.Context, task domain.Task) (bool, error)
}

// RecoveryHandlerFunc adapts a function to RecoveryHandler.
type RecoveryHandlerFunc func(ctx context.Context, task domain.Task) (bool, error)

func (f RecoveryHandlerFunc) Attempt(ctx context.Context, task domain.Task) (bool, error) {
	return f(ctx, task)
}

// CheckpointHook observes checkpoint writes after they commit.
type CheckpointHook interface {
	OnCheckpoint(ctx context.Context, task domain.Task)
}

// CheckpointHookFunc adapts a function to CheckpointHook.
type CheckpointHookFunc func(ctx context.Context, task domain.Task)

func (f CheckpointHookFunc) OnCheckpoint(ctx context.Context, task domain.Task) { f(ctx, task) }

// Schema validates a task type's payload.
type Schema interface {
	Validate(payload json.RawMessage) error
}

// StructSchema decodes a payload into T and checks T's validate tags.
// Unknown fields are rejected.
type StructSchema[T any] struct {
	validate *validator.Validate
}

// NewSchema builds a StructSchema for T.
func NewSchema[T any]() StructSchema[T] {
	return StructSchema[T]{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate implements Schema.
func (s StructSchema[T]) Validate(payload json.RawMessage) error {
	_, err := s.Decode(payload)
	return err
}

// Decode returns the typed payload.
func (s StructSchema[T]) Decode(payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return v, nil
}

// RegisterRecoveryHandler associates a task type with the handler that
// resumes it. A later registration replaces an earlier one.
func (m *Manager) RegisterRecoveryHandler(taskType string, h RecoveryHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = h
}

// RegisterCheckpointHook adds a hook run after every checkpoint of taskType.
func (m *Manager) RegisterCheckpointHook(taskType string, h CheckpointHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[taskType] = append(m.hooks[taskType], h)
}

// RegisterSchema sets the payload schema for taskType.
func (m *Manager) RegisterSchema(taskType string, s Schema) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[taskType] = s
}

func (m *Manager) handler(taskType string) RecoveryHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[taskType]
}

func (m *Manager) checkpointHooks(taskType string) []CheckpointHook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CheckpointHook(nil), m.hooks[taskType]...)
}

func (m *Manager) schema(taskType string) Schema {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schemas[taskType]
}

// attempt runs a handler, turning a panic into a declined attempt.
func attempt(ctx context.Context, h RecoveryHandler, task domain.Task) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("recovery handler panicked: %v", p)
		}
	}()
	return h.Attempt(ctx, task)
}
