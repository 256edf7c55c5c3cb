package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/CaliLuke/go-cypherdb/cypher"
	"github.com/CaliLuke/go-cypherdb/internal/logging"
	"github.com/CaliLuke/go-cypherdb/internal/observability"
	"github.com/CaliLuke/go-cypherdb/internal/wire"
)

// httpBackend sends statements to a server.
type httpBackend struct {
	base   string
	client *http.Client
	txID   string
}

func newHTTPBackend(opts Options) *httpBackend {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &httpBackend{base: opts.URL, client: client}
}

func (b *httpBackend) txPath() string {
	return "/db/transaction/" + url.PathEscape(b.txID)
}

func (b *httpBackend) run(ctx context.Context, q *cypher.Query, params map[int]any, sc scope) (stream, error) {
	path := "/db/cypher"
	if sc.explicit {
		if b.txID == "" {
			return nil, errors.New("driver: no open transaction")
		}
		path = b.txPath()
	}
	body, err := wire.Encode(&wire.Request{Statement: q.Text(), Params: params, ReadOnly: sc.readOnly})
	if err != nil {
		return nil, fmt.Errorf("driver: encode request: %w", err)
	}

	// the stream owns its own cancel so Statement.Cancel can abort the
	// response body while another goroutine blocks reading it
	rctx, cancel := context.WithCancel(ctx)
	resp, err := b.post(rctx, path, body)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	s := &httpStream{ctx: ctx, body: resp.Body, reader: wire.NewReader(resp.Body), abort: cancel}

	f, err := s.reader.Next()
	if err != nil {
		_ = s.close()
		return nil, fmt.Errorf("driver: read response header: %w", err)
	}
	switch f.Kind {
	case wire.FrameHeader:
		s.cols = f.Columns
		return s, nil
	case wire.FrameTrailer:
		_ = s.close()
		if f.Error != nil {
			return nil, f.Error
		}
		return nil, errors.New("driver: response ended before header")
	}
	_ = s.close()
	return nil, fmt.Errorf("driver: unexpected frame kind %d", f.Kind)
}

// post sends a msgpack body and returns a response that carries msgpack.
// Responses of another media type are turned into errors.
func (b *httpBackend) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	return b.do(ctx, http.MethodPost, path, body)
}

func (b *httpBackend) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", wire.ContentType)
	req.Header.Set("Accept", wire.ContentType)
	observability.Inject(ctx, req.Header)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return resp, nil
	}
	if resp.Header.Get("Content-Type") != wire.ContentType {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("driver: %s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(msg))
	}
	return resp, nil
}

// call runs a control request (begin, commit, rollback). Failures arrive as
// a single wire.Error body.
func (b *httpBackend) call(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = wire.Encode(in); err != nil {
			return err
		}
	}
	resp, err := b.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var we wire.Error
		if err := wire.Decode(resp.Body, &we); err != nil {
			return fmt.Errorf("driver: %s %s: %s", method, path, resp.Status)
		}
		return fromWire(&we)
	}
	if out != nil {
		return wire.Decode(resp.Body, out)
	}
	return nil
}

func (b *httpBackend) begin(ctx context.Context, readOnly bool) error {
	var info wire.TxInfo
	if err := b.call(ctx, http.MethodPost, "/db/transaction", &wire.Request{ReadOnly: readOnly}, &info); err != nil {
		return err
	}
	b.txID = info.ID
	logging.Op().Debug("driver: transaction opened", slog.String("tx", info.ID))
	return nil
}

func (b *httpBackend) commit(ctx context.Context) error {
	if b.txID == "" {
		return nil
	}
	path := b.txPath() + "/commit"
	b.txID = ""
	return b.call(ctx, http.MethodPost, path, nil, nil)
}

func (b *httpBackend) rollback(ctx context.Context) error {
	if b.txID == "" {
		return nil
	}
	path := b.txPath()
	b.txID = ""
	return b.call(ctx, http.MethodDelete, path, nil, nil)
}

func (b *httpBackend) ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("driver: health check: %s", resp.Status)
	}
	return nil
}

func (b *httpBackend) close() error {
	return b.rollback(context.Background())
}

// httpStream reads a frame stream from a response body.
type httpStream struct {
	ctx    context.Context
	body   io.ReadCloser
	reader *wire.Reader
	abort  context.CancelFunc

	cols      []string
	st        cypher.Stats
	done      bool
	cancelled atomic.Bool
}

func (s *httpStream) columns() []string { return s.cols }

func (s *httpStream) next() ([]any, bool, error) {
	if s.done {
		return nil, false, nil
	}
	if s.cancelled.Load() {
		return nil, false, ErrStatementCancelled
	}
	f, err := s.reader.Next()
	if err != nil {
		s.done = true
		switch {
		case s.cancelled.Load():
			return nil, false, ErrStatementCancelled
		case s.ctx.Err() != nil:
			return nil, false, s.ctx.Err()
		}
		return nil, false, err
	}
	if s.cancelled.Load() {
		return nil, false, ErrStatementCancelled
	}
	switch f.Kind {
	case wire.FrameRow:
		return f.Values, true, nil
	case wire.FrameTrailer:
		s.done = true
		if f.Stats != nil {
			s.st = *f.Stats
		}
		if f.Error != nil {
			return nil, false, f.Error
		}
		return nil, false, nil
	}
	s.done = true
	return nil, false, fmt.Errorf("driver: unexpected frame kind %d", f.Kind)
}

func (s *httpStream) stats() cypher.Stats { return s.st }

func (s *httpStream) cancel() {
	s.cancelled.Store(true)
	s.abort()
}

func (s *httpStream) close() error {
	s.abort()
	return s.body.Close()
}
