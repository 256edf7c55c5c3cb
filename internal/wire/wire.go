// Package wire defines the msgpack messages exchanged between the HTTP
// endpoint and the driver's HTTP backend.
//
// A statement response is a stream of frames: one header carrying the column
// names, zero or more rows, and a trailer carrying the update counts or the
// error that ended the stream.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/CaliLuke/go-cypherdb/cypher"
)

// ContentType is the media type of requests and responses.
const ContentType = "application/vnd.cypherdb+msgpack"

// Request runs one statement.
type Request struct {
	Statement string      `msgpack:"statement"`
	Params    map[int]any `msgpack:"params,omitempty"`
	ReadOnly  bool        `msgpack:"read_only,omitempty"`
}

// TxInfo describes an explicit transaction opened by the server.
type TxInfo struct {
	ID       string `msgpack:"id"`
	ReadOnly bool   `msgpack:"read_only,omitempty"`
}

// FrameKind discriminates the frames of a response stream.
type FrameKind uint8

const (
	FrameHeader FrameKind = iota + 1
	FrameRow
	FrameTrailer
)

// Frame is one message of a response stream.
type Frame struct {
	Kind    FrameKind     `msgpack:"k"`
	Columns []string      `msgpack:"c,omitempty"`
	Values  []any         `msgpack:"v,omitempty"`
	Stats   *cypher.Stats `msgpack:"s,omitempty"`
	Error   *Error        `msgpack:"e,omitempty"`
}

// Code classifies an Error.
type Code string

const (
	CodeSyntax     Code = "syntax"
	CodeParameter  Code = "parameter"
	CodePermission Code = "permission"
	CodeExecution  Code = "execution"
	CodeNotFound   Code = "not_found"
	CodeBadRequest Code = "bad_request"
	CodeConflict   Code = "conflict"
	CodeCancelled  Code = "cancelled"
)

// Error is the wire form of a failure.
type Error struct {
	Code    Code   `msgpack:"code"`
	Message string `msgpack:"message"`
	Line    int    `msgpack:"line,omitempty"`
	Column  int    `msgpack:"column,omitempty"`
	Ordinal int    `msgpack:"ordinal,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status returns the HTTP status used when the error is reported before a
// response stream started.
func (e *Error) Status() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermission:
		return http.StatusForbidden
	case CodeBadRequest, CodeSyntax, CodeParameter:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Writer encodes frames to a response. Rows are buffered and flushed every
// FlushEvery rows and at the header and trailer.
type Writer struct {
	w       io.Writer
	buf     *bufio.Writer
	enc     *msgpack.Encoder
	flusher http.Flusher
	pending int

	FlushEvery int
}

// NewWriter returns a Writer on w. If w is an http.Flusher it is flushed
// along with the internal buffer.
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	fw := &Writer{w: w, buf: buf, enc: msgpack.NewEncoder(buf), FlushEvery: 64}
	fw.flusher, _ = w.(http.Flusher)
	return fw
}

// Header writes the header frame.
func (w *Writer) Header(columns []string) error {
	if columns == nil {
		columns = []string{}
	}
	if err := w.enc.Encode(&Frame{Kind: FrameHeader, Columns: columns}); err != nil {
		return err
	}
	return w.Flush()
}

// Row writes one row frame. Nodes and relationships are encoded with
// EncodeValue.
func (w *Writer) Row(values []any) error {
	enc := make([]any, len(values))
	for i, v := range values {
		enc[i] = EncodeValue(v)
	}
	if err := w.enc.Encode(&Frame{Kind: FrameRow, Values: enc}); err != nil {
		return err
	}
	w.pending++
	if w.pending >= w.FlushEvery {
		return w.Flush()
	}
	return nil
}

// Trailer writes the closing frame.
func (w *Writer) Trailer(stats cypher.Stats, failure *Error) error {
	if err := w.enc.Encode(&Frame{Kind: FrameTrailer, Stats: &stats, Error: failure}); err != nil {
		return err
	}
	return w.Flush()
}

// Flush pushes buffered frames to the peer.
func (w *Writer) Flush() error {
	w.pending = 0
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// ErrTruncated is returned when a stream ends without a trailer.
var ErrTruncated = errors.New("wire: response stream ended without trailer")

// Reader decodes frames from a response body.
type Reader struct {
	dec *msgpack.Decoder
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	dec := msgpack.NewDecoder(bufio.NewReader(r))
	dec.UseLooseInterfaceDecoding(true)
	return &Reader{dec: dec}
}

// Next decodes the next frame. Row values are decoded with DecodeValue.
func (r *Reader) Next() (*Frame, error) {
	var f Frame
	if err := r.dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	for i, v := range f.Values {
		f.Values[i] = DecodeValue(v)
	}
	return &f, nil
}

// Encode marshals a single message such as a Request or TxInfo.
func Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode unmarshals a single message. Parameters are decoded loosely so
// integers arrive as int64 and floats as float64.
func Decode(r io.Reader, v any) error {
	dec := msgpack.NewDecoder(r)
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if req, ok := v.(*Request); ok {
		for k, p := range req.Params {
			req.Params[k] = DecodeValue(p)
		}
	}
	return nil
}
