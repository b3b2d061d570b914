// Package mocktransport is a hand-rolled, in-process transport.Transport for
// tests. It never touches the network: Send invokes the configured handler
// synchronously and delivers the result straight to the caller's Reader, the
// way the teacher's internal/mcp.MockManager fakes a remote manager with
// plain func hooks instead of a mocking framework.
package mocktransport

import (
	"context"
	"sync"

	"github.com/istio-ecosystem/mixerclient-go/pkg/errors"
	"github.com/istio-ecosystem/mixerclient-go/pkg/transport"
	"github.com/istio-ecosystem/mixerclient-go/pkg/wire"
)

// CheckFunc handles a CheckRequest synchronously.
type CheckFunc func(ctx context.Context, req wire.CheckRequest) (wire.CheckResponse, error)

// QuotaFunc handles a standalone QuotaRequest synchronously.
type QuotaFunc func(ctx context.Context, req wire.QuotaRequest) (wire.QuotaResponse, error)

// ReportFunc handles a ReportRequest synchronously.
type ReportFunc func(ctx context.Context, req wire.ReportRequest) (wire.ReportResponse, error)

// Transport is a mocktransport.Transport backed by caller-supplied handler
// funcs. A nil handler makes the corresponding stream fail every Send with
// Unavailable, matching a not-yet-configured transport.
type Transport struct {
	CheckFunc  CheckFunc
	QuotaFunc  QuotaFunc
	ReportFunc ReportFunc

	mu       sync.Mutex
	closed   bool
	numCheck int
	numQuota int
	numRprt  int
}

// New returns a Transport with no handlers configured; set the Func fields
// before use.
func New() *Transport {
	return &Transport{}
}

// CheckStream implements transport.Transport.
func (t *Transport) CheckStream() transport.Writer[wire.CheckRequest, wire.CheckResponse] {
	return transport.WriterFunc[wire.CheckRequest, wire.CheckResponse](func(ctx context.Context, req wire.CheckRequest, reader transport.Reader[wire.CheckResponse]) transport.CancelFunc {
		t.mu.Lock()
		t.numCheck++
		closed := t.closed
		t.mu.Unlock()

		if closed {
			reader.OnError(errors.NewUnavailable("mocktransport: closed"))
			return func() {}
		}
		if t.CheckFunc == nil {
			reader.OnError(errors.NewUnavailable("mocktransport: no CheckFunc configured"))
			return func() {}
		}
		resp, err := t.CheckFunc(ctx, req)
		if err != nil {
			reader.OnError(err)
		} else {
			reader.OnResponse(resp)
		}
		return func() {}
	})
}

// QuotaStream implements transport.Transport.
func (t *Transport) QuotaStream() transport.Writer[wire.QuotaRequest, wire.QuotaResponse] {
	return transport.WriterFunc[wire.QuotaRequest, wire.QuotaResponse](func(ctx context.Context, req wire.QuotaRequest, reader transport.Reader[wire.QuotaResponse]) transport.CancelFunc {
		t.mu.Lock()
		t.numQuota++
		closed := t.closed
		t.mu.Unlock()

		if closed {
			reader.OnError(errors.NewUnavailable("mocktransport: closed"))
			return func() {}
		}
		if t.QuotaFunc == nil {
			reader.OnError(errors.NewUnavailable("mocktransport: no QuotaFunc configured"))
			return func() {}
		}
		resp, err := t.QuotaFunc(ctx, req)
		if err != nil {
			reader.OnError(err)
		} else {
			reader.OnResponse(resp)
		}
		return func() {}
	})
}

// ReportStream implements transport.Transport.
func (t *Transport) ReportStream() transport.Writer[wire.ReportRequest, wire.ReportResponse] {
	return transport.WriterFunc[wire.ReportRequest, wire.ReportResponse](func(ctx context.Context, req wire.ReportRequest, reader transport.Reader[wire.ReportResponse]) transport.CancelFunc {
		t.mu.Lock()
		t.numRprt++
		closed := t.closed
		t.mu.Unlock()

		if closed {
			reader.OnError(errors.NewUnavailable("mocktransport: closed"))
			return func() {}
		}
		if t.ReportFunc == nil {
			reader.OnError(errors.NewUnavailable("mocktransport: no ReportFunc configured"))
			return func() {}
		}
		resp, err := t.ReportFunc(ctx, req)
		if err != nil {
			reader.OnError(err)
		} else {
			reader.OnResponse(resp)
		}
		return func() {}
	})
}

// Close marks the transport closed; subsequent Sends fail with Unavailable.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Counts returns the number of Check/Quota/Report sends observed so far, for
// tests asserting on call volume (e.g. singleflight coalescing, batch
// flushing).
func (t *Transport) Counts() (check, quota, report int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numCheck, t.numQuota, t.numRprt
}

var _ transport.Transport = (*Transport)(nil)
