package collaboration

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"collab-live/internal/crdt"
	"collab-live/internal/middleware"
	"collab-live/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: EXTENSIONS AS AN ORDERED PIPELINE

Cross-cutting behavior (logging, rate limiting, persistence, broadcast,
title sync, force close) lives in extensions. An extension implements only
the hooks it cares about, each one a small interface:

  OnConnect → OnLoadDocument → BeforeHandleMessage/OnChange → OnStoreDocument → OnDisconnect

The Pipeline calls every extension's hook in registration order and waits
for each before moving on, so a later extension sees what earlier ones did
(persistence sees the session the rate limiter accepted).

Two failure modes:
  - Connect, LoadDocument, BeforeMessage: the first error stops the chain
  - Change, Store, Disconnect: every extension runs, errors are joined
*/

// Extension is anything registered in the pipeline
type Extension interface {
	Name() string
}

type ConnectPayload struct {
	Context *models.SessionContext
}

type LoadPayload struct {
	Context  *models.SessionContext
	Document *Document
}

type MessagePayload struct {
	Context  *models.SessionContext
	Document *Document
	Message  *models.ClientMessage
}

type ChangePayload struct {
	Context  *models.SessionContext
	Document *Document
	Changes  []crdt.Character
}

type StorePayload struct {
	// Context of the connection that made the most recent change
	Context  *models.SessionContext
	Document *Document
}

type DisconnectPayload struct {
	Context *models.SessionContext
	// Document is nil when the session never got past OnConnect/OnLoadDocument
	Document *Document
	// Remaining counts local connections still open on the document
	Remaining int
}

type ConnectHook interface {
	OnConnect(ctx context.Context, p *ConnectPayload) error
}

type LoadDocumentHook interface {
	OnLoadDocument(ctx context.Context, p *LoadPayload) error
}

type MessageHook interface {
	BeforeHandleMessage(ctx context.Context, p *MessagePayload) error
}

type ChangeHook interface {
	OnChange(ctx context.Context, p *ChangePayload) error
}

type StoreHook interface {
	OnStoreDocument(ctx context.Context, p *StorePayload) error
}

type DisconnectHook interface {
	OnDisconnect(ctx context.Context, p *DisconnectPayload) error
}

// Pipeline is the fixed, ordered list of extensions assembled at startup
type Pipeline struct {
	extensions []Extension
}

// NewPipeline creates a pipeline; order of extensions is invocation order
func NewPipeline(extensions ...Extension) *Pipeline {
	list := make([]Extension, 0, len(extensions))
	for _, ext := range extensions {
		if ext != nil {
			list = append(list, ext)
		}
	}
	return &Pipeline{extensions: list}
}

// Extensions returns the registered extensions in order
func (p *Pipeline) Extensions() []Extension {
	out := make([]Extension, len(p.extensions))
	copy(out, p.extensions)
	return out
}

// Connect runs OnConnect hooks until one fails
func (p *Pipeline) Connect(ctx context.Context, payload *ConnectPayload) error {
	return p.runUntilError(ctx, "OnConnect", payload.Context, func(ctx context.Context, ext Extension) (bool, error) {
		h, ok := ext.(ConnectHook)
		if !ok {
			return false, nil
		}
		return true, h.OnConnect(ctx, payload)
	})
}

// LoadDocument runs OnLoadDocument hooks until one fails
func (p *Pipeline) LoadDocument(ctx context.Context, payload *LoadPayload) error {
	return p.runUntilError(ctx, "OnLoadDocument", payload.Context, func(ctx context.Context, ext Extension) (bool, error) {
		h, ok := ext.(LoadDocumentHook)
		if !ok {
			return false, nil
		}
		return true, h.OnLoadDocument(ctx, payload)
	})
}

// BeforeMessage runs BeforeHandleMessage hooks; an error drops the message
func (p *Pipeline) BeforeMessage(ctx context.Context, payload *MessagePayload) error {
	return p.runUntilError(ctx, "BeforeHandleMessage", payload.Context, func(ctx context.Context, ext Extension) (bool, error) {
		h, ok := ext.(MessageHook)
		if !ok {
			return false, nil
		}
		return true, h.BeforeHandleMessage(ctx, payload)
	})
}

// Change runs every OnChange hook
func (p *Pipeline) Change(ctx context.Context, payload *ChangePayload) error {
	return p.runAll(ctx, "OnChange", payload.Context, func(ctx context.Context, ext Extension) (bool, error) {
		h, ok := ext.(ChangeHook)
		if !ok {
			return false, nil
		}
		return true, h.OnChange(ctx, payload)
	})
}

// Store runs every OnStoreDocument hook
func (p *Pipeline) Store(ctx context.Context, payload *StorePayload) error {
	return p.runAll(ctx, "OnStoreDocument", payload.Context, func(ctx context.Context, ext Extension) (bool, error) {
		h, ok := ext.(StoreHook)
		if !ok {
			return false, nil
		}
		return true, h.OnStoreDocument(ctx, payload)
	})
}

// Disconnect runs every OnDisconnect hook
func (p *Pipeline) Disconnect(ctx context.Context, payload *DisconnectPayload) error {
	return p.runAll(ctx, "OnDisconnect", payload.Context, func(ctx context.Context, ext Extension) (bool, error) {
		h, ok := ext.(DisconnectHook)
		if !ok {
			return false, nil
		}
		return true, h.OnDisconnect(ctx, payload)
	})
}

type hookCall func(ctx context.Context, ext Extension) (implemented bool, err error)

func (p *Pipeline) runUntilError(ctx context.Context, hook string, sc *models.SessionContext, call hookCall) error {
	for _, ext := range p.extensions {
		if err := p.invoke(ctx, hook, sc, ext, call); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runAll(ctx context.Context, hook string, sc *models.SessionContext, call hookCall) error {
	var errs []error
	for _, ext := range p.extensions {
		if err := p.invoke(ctx, hook, sc, ext, call); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// invoke runs one hook inside a span and turns a panic into an error
func (p *Pipeline) invoke(ctx context.Context, hook string, sc *models.SessionContext, ext Extension, call hookCall) (err error) {
	attrs := []attribute.KeyValue{attribute.String("extension", ext.Name())}
	if sc != nil {
		attrs = append(attrs,
			attribute.String("document.id", sc.DocumentID),
			attribute.String("socket.id", sc.SocketID),
		)
	}
	spanCtx, span := middleware.StartSpan(ctx, fmt.Sprintf("Extension.%s.%s", ext.Name(), hook), attrs...)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = &HookError{
				Extension: ext.Name(),
				Hook:      hook,
				Err:       fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
			middleware.AddSpanError(spanCtx, err)
		}
	}()

	implemented, callErr := call(spanCtx, ext)
	if !implemented || callErr == nil {
		return nil
	}
	middleware.AddSpanError(spanCtx, callErr)
	return &HookError{Extension: ext.Name(), Hook: hook, Err: callErr}
}
