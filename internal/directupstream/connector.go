// Package directupstream implements the direct-upstream connector:
// requests routed to a binding with a non-empty api_type bypass the
// browser-tab arena entirely and go straight to a configured HTTP
// endpoint, either OpenAI-compatible passthrough or Gemini-native.
//
// Both modes emit the same streamparser.Event stream the browser-tab
// path produces, so the HTTP handler and the responder
// downstream never need to know which path a request took.
package directupstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/llmbridge/gateway/internal/entity"
	"github.com/llmbridge/gateway/internal/streamparser"
	"github.com/llmbridge/gateway/internal/translator"
)

// Connector dispatches one chat completion request to a direct-upstream
// binding.
type Connector struct {
	client *http.Client
	logger *zap.Logger
}

// New builds a Connector with bounded idle connections, a generous
// response-header timeout for slow upstreams, and TLS 1.2 minimum.
func New(logger *zap.Logger) *Connector {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &Connector{
		client: &http.Client{Transport: transport},
		logger: logger.With(zap.String("component", "direct-upstream")),
	}
}

// Dispatch routes the request per binding.APIType and returns an Event
// channel the caller drains exactly like a browser-tab Parser.Run output.
// The channel is always closed, with at most one EventFinish or
// EventError event before closing.
func (c *Connector) Dispatch(ctx context.Context, req *translator.ChatCompletionRequest, binding entity.SessionBinding) (<-chan streamparser.Event, error) {
	if binding.APIBaseURL == "" {
		return nil, fmt.Errorf("direct-upstream binding %q has no api_base_url", binding.ModelID)
	}

	switch binding.APIType {
	case entity.APITypeGeminiNative:
		return c.dispatchGemini(ctx, req, binding)
	default:
		return c.dispatchOpenAI(ctx, req, binding)
	}
}
