// Package anthropic serves the Messages API, the device-flow endpoints and
// the usage ledger over HTTP.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	anthropicapi "github.com/tjfontaine/copilot-messages-gateway/internal/api/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/bridge"
	"github.com/tjfontaine/copilot-messages-gateway/internal/codec"
	codecanthropic "github.com/tjfontaine/copilot-messages-gateway/internal/codec/anthropic"
	"github.com/tjfontaine/copilot-messages-gateway/internal/credential"
	"github.com/tjfontaine/copilot-messages-gateway/internal/domain"
	"github.com/tjfontaine/copilot-messages-gateway/internal/server"
	"github.com/tjfontaine/copilot-messages-gateway/internal/storage"
	"github.com/tjfontaine/copilot-messages-gateway/internal/translate"
)

// maxBodyBytes bounds an inbound request body.
const maxBodyBytes = 10 << 20

// recordTimeout bounds the best-effort usage write after a call.
const recordTimeout = 5 * time.Second

// Translator runs Messages calls.
type Translator interface {
	Complete(ctx context.Context, req *anthropicapi.MessagesRequest) (*translate.Result, error)
	Stream(ctx context.Context, req *anthropicapi.MessagesRequest) *bridge.Stream
	CountTokens(ctx context.Context, req *anthropicapi.CountTokensRequest) (int, error)
}

// Credentials is the credential lifecycle as seen by HTTP clients.
type Credentials interface {
	State() credential.State
	IsAuthenticated() bool
	HasIdentity() bool
	Current() *credential.Credential
	Verification() *credential.Verification
	BeginDeviceAuthorization(ctx context.Context) (*credential.Verification, error)
	Poll(ctx context.Context) (bool, error)
	Clear()
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithUsageStore enables the usage ledger.
func WithUsageStore(store storage.UsageStore) Option {
	return func(h *Handler) {
		h.store = store
	}
}

// WithModels sets the model ids listed by /v1/models.
func WithModels(ids []string) Option {
	return func(h *Handler) {
		h.models = make([]domain.Model, 0, len(ids))
		for _, id := range ids {
			h.models = append(h.models, domain.Model{
				ID:          id,
				Type:        "model",
				DisplayName: id,
			})
		}
	}
}

type Handler struct {
	translator Translator
	creds      Credentials
	store      storage.UsageStore
	models     []domain.Model
	logger     *slog.Logger
}

func NewHandler(translator Translator, creds Credentials, opts ...Option) *Handler {
	h := &Handler{
		translator: translator,
		creds:      creds,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := server.GetRequestID(r.Context())

	var req anthropicapi.MessagesRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.logger.Warn("failed to decode messages request",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		h.writeError(w, r, err)
		return
	}
	if err := validateMessages(&req); err != nil {
		h.writeError(w, r, err)
		return
	}

	sessionID := sessionID(r, &req)
	server.AddLogField(r.Context(), "requested_model", req.Model)
	server.AddLogField(r.Context(), "session_id", sessionID)
	if req.Stream {
		server.AddLogField(r.Context(), "stream", "true")
	}

	call := &domain.UsageRecord{
		SessionID: sessionID,
		RequestID: requestID,
		Model:     req.Model,
		Stream:    req.Stream,
	}

	if req.Stream {
		h.handleStream(w, r, &req, call, start)
		return
	}

	result, err := h.translator.Complete(r.Context(), &req)
	if err != nil {
		h.logger.Error("messages completion failed",
			slog.String("request_id", requestID),
			slog.String("session_id", sessionID),
			slog.String("requested_model", req.Model),
			slog.String("error", err.Error()),
		)
		h.writeError(w, r, err)
		h.record(r.Context(), finish(call, err, start))
		return
	}

	resp := result.Response
	stop := ""
	if resp.StopReason != nil {
		stop = *resp.StopReason
	}
	server.AddLogField(r.Context(), "stop_reason", stop)
	if result.PassThrough {
		server.AddLogField(r.Context(), "passthrough", "true")
	}

	writeJSON(w, http.StatusOK, resp)

	call.Usage = domain.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	call.StopReason = stop
	h.record(r.Context(), finish(call, nil, start))
}

// handleStream relays bridge events as SSE. An error as the very first event
// means the call never opened (credential or backend connect failure) and is
// answered as a JSON error instead; fragment errors always follow
// message_start. A stream the request deadline cut short still ends with one
// error event while the caller is connected.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req *anthropicapi.MessagesRequest, call *domain.UsageRecord, start time.Time) {
	ctx, cancel := context.WithCancel(r.Context())
	stream := h.translator.Stream(ctx, req)
	defer func() {
		cancel()
		for range stream.Events {
		}
	}()

	first, ok := <-stream.Events
	if !ok {
		err := stream.Summary().Err
		if err == nil {
			err = errors.New("stream closed before any event")
		}
		server.AddError(r.Context(), err)
		if !errors.Is(r.Context().Err(), context.Canceled) {
			h.writeError(w, r, err)
		}
		h.record(r.Context(), finish(call, err, start))
		return
	}
	if first.IsError() {
		h.writeError(w, r, first.Err)
		h.record(r.Context(), finish(call, first.Err, start))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	var (
		writeErr error
		last     codecanthropic.Event
	)
	send := func(ev codecanthropic.Event) {
		if writeErr != nil {
			return
		}
		last = ev
		data, err := ev.MarshalSSE()
		if err != nil {
			h.logger.Error("failed to encode stream event", slog.String("type", ev.Type), slog.String("error", err.Error()))
			return
		}
		if _, err := w.Write(data); err != nil {
			// Client went away; stop the backend and drain.
			writeErr = err
			cancel()
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	send(first)
	for ev := range stream.Events {
		if ev.IsError() {
			server.AddError(r.Context(), ev.Err)
		}
		send(ev)
	}

	sum := stream.Summary()
	if writeErr == nil && !errors.Is(r.Context().Err(), context.Canceled) && !ended(last, sum.Err) {
		err := sum.Err
		if err == nil {
			err = domain.ErrBackendConnectFailed(errors.New("stream ended without a terminal event"))
		}
		server.AddError(r.Context(), err)
		send(codecanthropic.ErrorEvent(err))
	}
	server.AddLogField(r.Context(), "stream_state", sum.State.String())
	server.AddLogField(r.Context(), "stop_reason", sum.StopReason)

	call.Usage = domain.Usage{InputTokens: sum.InputTokens, OutputTokens: sum.OutputTokens}
	call.StopReason = sum.StopReason
	switch {
	case writeErr != nil:
		h.record(r.Context(), finish(call, fmt.Errorf("client disconnected: %w", writeErr), start))
	case sum.Err != nil:
		h.record(r.Context(), finish(call, sum.Err, start))
	default:
		h.record(r.Context(), finish(call, nil, start))
	}

	h.logger.Info("messages stream completed",
		slog.String("request_id", call.RequestID),
		slog.String("session_id", call.SessionID),
		slog.String("state", sum.State.String()),
		slog.Int("events", sum.Events),
		slog.Int("output_tokens", sum.OutputTokens),
	)
}

// ended reports whether the last event written closes the stream: the
// message_stop of a finished message or the error event of a failed one.
func ended(last codecanthropic.Event, streamErr error) bool {
	if last.Type == anthropicapi.EventMessageStop {
		return true
	}
	return streamErr != nil && last.IsError() && last.Err == streamErr
}

func (h *Handler) HandleCountTokens(w http.ResponseWriter, r *http.Request) {
	var req anthropicapi.CountTokensRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Model == "" {
		h.writeError(w, r, domain.ErrValidationRejected("model is required").WithParam("model"))
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, r, domain.ErrValidationRejected("messages must not be empty").WithParam("messages"))
		return
	}

	n, err := h.translator.CountTokens(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, anthropicapi.CountTokensResponse{InputTokens: n})
}

func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	list := domain.ModelList{Data: h.models}
	if list.Data == nil {
		list.Data = []domain.Model{}
	}
	if n := len(list.Data); n > 0 {
		list.FirstID = list.Data[0].ID
		list.LastID = list.Data[n-1].ID
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	codec.WriteError(w, err)
}

// record writes a usage record. Failures are logged and never reach the
// client.
func (h *Handler) record(ctx context.Context, rec *domain.UsageRecord) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := h.store.RecordUsage(ctx, rec); err != nil {
		h.logger.Warn("failed to record usage",
			slog.String("request_id", rec.RequestID),
			slog.String("session_id", rec.SessionID),
			slog.String("error", err.Error()),
		)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrValidationRejected(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)).
				WithStatusCode(http.StatusRequestEntityTooLarge)
		}
		return domain.ErrValidationRejected("invalid request body: " + err.Error())
	}
	return nil
}

func validateMessages(req *anthropicapi.MessagesRequest) error {
	if req.Model == "" {
		return domain.ErrValidationRejected("model is required").WithParam("model")
	}
	if len(req.Messages) == 0 {
		return domain.ErrValidationRejected("messages must not be empty").WithParam("messages")
	}
	if req.MaxTokens < 0 {
		return domain.ErrValidationRejected("max_tokens must not be negative").WithParam("max_tokens")
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return domain.ErrValidationRejected(fmt.Sprintf("messages.%d.role is required", i)).WithParam(fmt.Sprintf("messages.%d.role", i))
		}
	}
	return nil
}

// sessionID prefers the explicit header, then metadata.user_id, then the
// caller identity used for rate limiting.
func sessionID(r *http.Request, req *anthropicapi.MessagesRequest) string {
	if id := r.Header.Get(server.SessionHeader); id != "" {
		return id
	}
	if req.Metadata != nil && req.Metadata.UserID != "" {
		return req.Metadata.UserID
	}
	return server.SessionKey(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// finish stamps the outcome of a call onto rec.
func finish(rec *domain.UsageRecord, err error, start time.Time) *domain.UsageRecord {
	rec.Duration = time.Since(start)
	rec.Status = domain.UsageStatusOK
	if err != nil {
		rec.Status = domain.UsageStatusError
		if apiErr := codec.ToCanonicalError(err); apiErr.Code != "" {
			rec.ErrorCode = string(apiErr.Code)
		} else {
			rec.ErrorCode = string(apiErr.Type)
		}
	}
	return rec
}
