// Package service holds the request-level orchestration between the
// HTTP layer and the retrieval/generation machinery.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"notemind/internal/answer"
	"notemind/internal/llm"
	"notemind/internal/retrieval"
	"notemind/internal/sse"
)

const (
	maxMessageLen   = 2000
	defaultTopK     = 10
	defaultRerankTo = 10
	maxLimit        = 50
	defaultTenant   = "default"
)

// Retriever is the retrieval surface the chat flow needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) (*retrieval.Result, error)
}

// ChatRequest is one question against a tenant's notes.
type ChatRequest struct {
	Message  string `json:"message"`
	Limit    int    `json:"limit,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
}

// ChatService answers questions over indexed notes.
type ChatService struct {
	retriever Retriever
	generator *answer.Generator
	timeout   time.Duration
}

// NewChatService wires retrieval and generation. timeout bounds the
// whole non-streaming request.
func NewChatService(retriever Retriever, generator *answer.Generator, timeout time.Duration) *ChatService {
	return &ChatService{retriever: retriever, generator: generator, timeout: timeout}
}

// Validate normalizes the request in place and reports input problems.
// The streaming handler calls it before opening the event stream so
// validation failures can still travel as plain HTTP errors.
func (s *ChatService) Validate(req *ChatRequest) error {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return Validationf("message must not be empty")
	}
	if len(req.Message) > maxMessageLen {
		return Validationf("message exceeds %d characters", maxMessageLen)
	}
	req.Message = msg
	if req.TenantID == "" {
		req.TenantID = defaultTenant
	}
	if req.Limit <= 0 {
		req.Limit = defaultTopK
	}
	if req.Limit > maxLimit {
		req.Limit = maxLimit
	}
	return nil
}

func (s *ChatService) retrieve(ctx context.Context, req *ChatRequest) (*retrieval.Result, error) {
	res, err := s.retriever.Retrieve(ctx, req.Message, retrieval.Options{
		TenantID: req.TenantID,
		TopK:     req.Limit,
		RerankTo: max(req.Limit, defaultRerankTo),
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	return res, nil
}

// Chat answers one question and returns the full response.
func (s *ChatService) Chat(ctx context.Context, req ChatRequest) (*answer.Response, error) {
	if err := s.Validate(&req); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.retrieve(ctx, &req)
	if err != nil {
		return nil, err
	}
	resp, err := s.generator.Generate(ctx, req.Message, res)
	if err != nil {
		return nil, translateUpstream(err)
	}
	return resp, nil
}

// ChatStream answers one question over an SSE stream. Validation errors
// surface before any event is written so the handler can still send a
// plain HTTP error.
func (s *ChatService) ChatStream(ctx context.Context, req ChatRequest, w *sse.Writer, requestID string) error {
	if err := s.Validate(&req); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.retrieve(ctx, &req)
	if err != nil {
		return err
	}
	if err := s.generator.GenerateStream(ctx, req.Message, res, w, requestID); err != nil {
		return translateUpstream(err)
	}
	return nil
}

func translateUpstream(err error) error {
	if errors.Is(err, llm.ErrRateLimited) {
		return fmt.Errorf("%w: %s", ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %s", ErrUpstream, err)
}
