package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jonwraymond/toolguard/callchain"
	"github.com/jonwraymond/toolguard/resilience"
	"github.com/jonwraymond/toolguard/secerr"
	"github.com/jonwraymond/toolguard/signing"
)

// InvocationIDHeader carries the invocation id to upstream tools.
const InvocationIDHeader = "X-ETDI-Invocation-ID"

const maxUpstreamBody = 4 << 20

// ForwardOption configures ForwardHandler.
type ForwardOption func(*forwarder)

// WithForwardSigner signs upstream requests of tools that require request
// signing.
func WithForwardSigner(s *signing.Signer) ForwardOption {
	return func(f *forwarder) { f.signer = s }
}

// WithCircuitBreaker stops forwarding while cb is open. Build cb with
// UpstreamFailure as its IsFailure so caller errors do not trip it.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) ForwardOption {
	return func(f *forwarder) { f.breaker = cb }
}

// WithBulkhead bounds concurrent upstream calls.
func WithBulkhead(b *resilience.Bulkhead) ForwardOption {
	return func(f *forwarder) { f.bulkhead = b }
}

// UpstreamFailure reports whether err from a forwarded call indicates an
// unhealthy upstream: unreachable, failing, slow or answering garbage.
// Rejections and caller cancellation do not count.
func UpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch secerr.KindOf(err) {
	case secerr.KindInternal, secerr.KindTimeout:
		return true
	}
	return false
}

type forwarder struct {
	endpoint string
	client   *http.Client
	signed   *http.Client
	signer   *signing.Signer
	breaker  *resilience.CircuitBreaker
	bulkhead *resilience.Bulkhead
}

// ForwardHandler returns a handler that POSTs each invocation to an
// upstream HTTP tool endpoint with the verified token as bearer credential.
// The upstream must answer 2xx with a JSON result.
func ForwardHandler(endpoint string, client *http.Client, opts ...ForwardOption) HandlerFunc {
	if client == nil {
		client = http.DefaultClient
	}
	f := &forwarder{endpoint: endpoint, client: client}
	for _, opt := range opts {
		opt(f)
	}
	if f.signer != nil {
		signed := *client
		signed.Transport = &signing.Transport{Base: client.Transport, Signer: f.signer}
		f.signed = &signed
	}
	return f.handle
}

func (f *forwarder) handle(ctx context.Context, params map[string]any) (any, error) {
	const op = "server.forward"
	frame, _ := callchain.FromContext(ctx).Current()

	body, err := json.Marshal(map[string]any{
		"tool_id":       frame.ToolID,
		"invocation_id": frame.InvocationID,
		"params":        params,
	})
	if err != nil {
		return nil, secerr.Wrap(secerr.KindInvalidRequest, frame.ToolID, op, "params are not JSON", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, secerr.Wrap(secerr.KindConfiguration, frame.ToolID, op, "invalid upstream endpoint", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(InvocationIDHeader, frame.InvocationID)
	if tok, ok := TokenFromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	client := f.client
	if _, ok := SignatureFromContext(ctx); ok {
		if f.signed == nil {
			return nil, secerr.New(secerr.KindConfiguration, frame.ToolID, op,
				"tool requires request signing but the forwarder has no signer")
		}
		client = f.signed
	}

	var out any
	call := func(context.Context) error {
		var err error
		out, err = roundTrip(client, req, frame.ToolID)
		return err
	}
	if f.breaker != nil {
		inner := call
		call = func(ctx context.Context) error { return f.breaker.Execute(ctx, inner) }
	}
	if f.bulkhead != nil {
		inner := call
		call = func(ctx context.Context) error { return f.bulkhead.Execute(ctx, inner) }
	}

	switch err := call(ctx); {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return nil, secerr.Wrap(secerr.KindInternal, frame.ToolID, op, "upstream circuit is open", err)
	case errors.Is(err, resilience.ErrBulkheadFull):
		return nil, secerr.Wrap(secerr.KindInternal, frame.ToolID, op, "upstream is at capacity", err)
	case err != nil:
		return nil, err
	}
	return out, nil
}

func roundTrip(client *http.Client, req *http.Request, toolID string) (any, error) {
	const op = "server.forward"
	resp, err := client.Do(req)
	if err != nil {
		if ctx := req.Context(); ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, secerr.Wrap(secerr.KindInternal, toolID, op, "upstream unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, secerr.Wrap(secerr.KindInternal, toolID, op, "read upstream response", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, secerr.New(secerr.KindAuth, toolID, op,
			fmt.Sprintf("upstream rejected the invocation (%d)", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, secerr.New(secerr.KindInternal, toolID, op,
			fmt.Sprintf("upstream failed (%d)", resp.StatusCode))
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, secerr.Wrap(secerr.KindInternal, toolID, op, "upstream response is not JSON", err)
	}
	return out, nil
}
