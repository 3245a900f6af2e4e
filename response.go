package tern

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/json"
	"io"
	"strings"

	"github.com/ternhq/tern/internal/core/domain"
	"github.com/ternhq/tern/internal/dispatch"
)

// Response is the surfaced result of one request. Reading the body to
// EOF, or calling Close, returns the underlying connection to its pool.
type Response struct {
	// Status is the HTTP status code.
	Status int
	// Version is the numeric protocol version: 11, 20 or 30.
	Version int
	// Headers preserves wire order and value casing; lookups are
	// case-insensitive.
	Headers *Headers
	// Body streams the (optionally decoded) payload.
	Body io.ReadCloser

	result    *dispatch.Result
	preloaded []byte
	loaded    bool
}

func newResponse(result *dispatch.Result, decodeContent bool) *Response {
	resp := &Response{
		Status:  result.Head.Status,
		Version: result.Head.Protocol.Version(),
		Headers: result.Head.Headers,
		Body:    result.Body,
		result:  result,
	}
	if decodeContent {
		resp.Body = decodeBody(result.Head.Headers, result.Body)
	}
	return resp
}

// decodeBody wraps the raw body per Content-Encoding. Decode failures
// surface as DecodeError on read.
func decodeBody(headers *domain.Headers, body io.ReadCloser) io.ReadCloser {
	switch strings.ToLower(headers.Get("Content-Encoding")) {
	case "gzip":
		return &decodedBody{raw: body, encoding: "gzip"}
	case "deflate":
		return &decodedBody{raw: body, encoding: "deflate"}
	default:
		return body
	}
}

type decodedBody struct {
	raw      io.ReadCloser
	encoding string
	decoder  io.Reader
	err      error
}

func (d *decodedBody) Read(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.decoder == nil {
		switch d.encoding {
		case "gzip":
			gz, err := gzip.NewReader(d.raw)
			if err != nil {
				d.err = &domain.DecodeError{Err: err, Encoding: d.encoding}
				return 0, d.err
			}
			d.decoder = gz
		case "deflate":
			d.decoder = flate.NewReader(d.raw)
		}
	}
	n, err := d.decoder.Read(p)
	if err != nil && err != io.EOF {
		d.err = &domain.DecodeError{Err: err, Encoding: d.encoding}
		return n, d.err
	}
	return n, err
}

func (d *decodedBody) Close() error {
	return d.raw.Close()
}

// preload buffers the whole body and releases the connection.
func (r *Response) preload() error {
	data, err := io.ReadAll(r.Body)
	closeErr := r.Body.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	r.preloaded = data
	r.loaded = true
	r.Body = io.NopCloser(bytes.NewReader(data))
	return nil
}

// Bytes returns the full body, preloading it if necessary.
func (r *Response) Bytes() ([]byte, error) {
	if !r.loaded {
		if err := r.preload(); err != nil {
			return nil, err
		}
	}
	return r.preloaded, nil
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	data, err := r.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Trailers returns trailer headers once the body is fully consumed.
func (r *Response) Trailers() *Headers {
	return r.result.Trailers()
}

// Extension returns the post-upgrade protocol handler after a
// successful switch, nil otherwise.
func (r *Response) Extension() Extension {
	return r.result.Extension
}

// ReleaseConn returns the connection to the pool without reading the
// remaining body.
func (r *Response) ReleaseConn() {
	r.result.ReleaseConn()
}

// Close releases all resources held by the response. Safe to call more
// than once.
func (r *Response) Close() {
	if r.Body != nil {
		_ = r.Body.Close()
	}
	if r.Extension() != nil {
		_ = r.Extension().Close()
	}
	r.result.ReleaseConn()
}
