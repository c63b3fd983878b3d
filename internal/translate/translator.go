// Package translate is the entry point of the translation core: it turns a
// Messages request into a backend completion call, synchronously or as a
// stream.
package translate

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	anthropicapi "github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/api/copilot"
	"github.com/tjfontaine/copilot-messages-gateway/internal/bridge"
	codecanthropic "github.com/tjfontaine/copilot-messages-gateway/internal/codec/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
	"github.com/tjfontaine/copilot-messages-gateway/internal/telemetry"
	"github.com/tjfontaine/copilot-messages-gateway/internal/tokens"
)

// Backend is the Copilot completions client.
type Backend interface {
	bridge.Backend
	CreateCompletion(ctx context.Context, token string, req *copilot.CompletionRequest) ([]byte, error)
}

// Option configures a Translator.
type Option func(*Translator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Translator) {
		t.logger = logger
	}
}

// WithDefaults overrides the sampling defaults.
func WithDefaults(d codecanthropic.RequestDefaults) Option {
	return func(t *Translator) {
		t.defaults = d
	}
}

// WithTokenCounter sets the token estimator.
func WithTokenCounter(r *tokens.Registry) Option {
	return func(t *Translator) {
		t.tokens = r
	}
}

// WithTracer sets the tracer.
func WithTracer(tr trace.Tracer) Option {
	return func(t *Translator) {
		t.tracer = tr
	}
}

// Translator runs Messages calls against the completion backend.
type Translator struct {
	backend  Backend
	creds    bridge.TokenSource
	bridge   *bridge.Bridge
	tokens   *tokens.Registry
	defaults codecanthropic.RequestDefaults
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates a translator.
func New(backend Backend, creds bridge.TokenSource, opts ...Option) *Translator {
	t := &Translator{
		backend:  backend,
		creds:    creds,
		tokens:   tokens.NewDefaultRegistry(),
		defaults: codecanthropic.DefaultRequestDefaults(),
		tracer:   telemetry.Tracer(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.bridge = bridge.New(backend, creds, bridge.WithLogger(t.logger))
	return t
}

// Result is a completed synchronous call.
type Result struct {
	Response *anthropicapi.MessagesResponse
	// PassThrough is set when the backend already answered in Messages format.
	PassThrough bool
}

// Complete performs one synchronous backend call.
func (t *Translator) Complete(ctx context.Context, req *anthropicapi.MessagesRequest) (*Result, error) {
	ctx, span := t.tracer.Start(ctx, "translate.complete", trace.WithAttributes(
		attribute.String("gen_ai.request.model", req.Model),
		attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
	))
	defer span.End()

	result, err := t.complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("gen_ai.usage.input_tokens", result.Response.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", result.Response.Usage.OutputTokens),
		attribute.Bool("passthrough", result.PassThrough),
	)
	return result, nil
}

func (t *Translator) complete(ctx context.Context, req *anthropicapi.MessagesRequest) (*Result, error) {
	token, err := t.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	backendReq, _ := codecanthropic.ToBackendRequest(req, t.defaults)
	backendReq.Stream = false

	raw, err := t.backend.CreateCompletion(ctx, token, backendReq)
	if err != nil {
		return nil, domain.ErrBackendConnectFailed(err)
	}

	decoded, err := codecanthropic.DecodeBackendResponse(raw)
	if err != nil {
		t.logger.Error("backend response rejected", "error", err)
		return nil, err
	}

	if decoded.Message != nil {
		if decoded.Message.Model == "" {
			decoded.Message.Model = req.Model
		}
		return &Result{Response: decoded.Message, PassThrough: true}, nil
	}
	return &Result{Response: codecanthropic.FromBackendCompletion(decoded.Completion, req.Model)}, nil
}

// Stream starts a streaming call. Events are delivered on the returned
// stream; the first event is an error event when the call could not be
// opened.
func (t *Translator) Stream(ctx context.Context, req *anthropicapi.MessagesRequest) *bridge.Stream {
	ctx, span := t.tracer.Start(ctx, "translate.stream", trace.WithAttributes(
		attribute.String("gen_ai.request.model", req.Model),
		attribute.Int("gen_ai.request.max_tokens", req.MaxTokens),
	))

	backendReq, prompt := codecanthropic.ToBackendRequest(req, t.defaults)
	backendReq.Stream = true

	model := req.Model
	return t.bridge.Run(ctx, &bridge.Request{
		Completion:  backendReq,
		Model:       model,
		InputTokens: t.tokens.Count(model, prompt.Render()),
		CountTokens: func(text string) int {
			return t.tokens.Count(model, text)
		},
		OnDone: func(sum bridge.Summary) {
			span.SetAttributes(
				attribute.String("stream.state", sum.State.String()),
				attribute.Int("stream.events", sum.Events),
				attribute.Int("gen_ai.usage.output_tokens", sum.OutputTokens),
			)
			if sum.Err != nil {
				span.RecordError(sum.Err)
				span.SetStatus(codes.Error, sum.Err.Error())
			}
			span.End()
		},
	})
}

// CountTokens estimates the input tokens of a prompt.
func (t *Translator) CountTokens(ctx context.Context, req *anthropicapi.CountTokensRequest) (int, error) {
	prompt := codecanthropic.ToCanonical(req.Messages, req.System)
	resp, err := t.tokens.CountTokens(ctx, &domain.TokenCountRequest{
		Model: req.Model,
		Text:  prompt.Render(),
	})
	if err != nil {
		return 0, err
	}
	return resp.InputTokens, nil
}
