package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// knownCodings are the content-codings the fetcher can remove.
var knownCodings = map[string]bool{
	"gzip":    true,
	"x-gzip":  true,
	"deflate": true,
	"br":      true,
	"zstd":    true,
}

// parseCodings splits a Content-Encoding value into its codings in the order
// they were applied, dropping identity.
func parseCodings(header string) []string {
	var codings []string
	for _, c := range strings.Split(header, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || c == "identity" {
			continue
		}
		codings = append(codings, c)
	}
	return codings
}

// decodeBody wraps src so that reads yield the decoded representation.
// An unrecognized coding anywhere in the chain leaves src untouched.
func decodeBody(contentEncoding string, src io.ReadCloser) (io.ReadCloser, bool, error) {
	codings := parseCodings(contentEncoding)
	if len(codings) == 0 {
		return src, false, nil
	}
	for _, c := range codings {
		if !knownCodings[c] {
			return src, false, nil
		}
	}

	body := &decodedBody{src: src}
	var r io.Reader = src
	// Codings are listed in application order, so undo them back to front.
	for i := len(codings) - 1; i >= 0; i-- {
		next, closer, err := newDecoder(codings[i], r)
		if err != nil {
			body.closeDecoders()
			return nil, false, fmt.Errorf("%w: %s: %w", ErrDecode, codings[i], err)
		}
		if closer != nil {
			body.decoders = append(body.decoders, closer)
		}
		r = next
	}
	body.r = r
	return body, true, nil
}

func newDecoder(coding string, r io.Reader) (io.Reader, func(), error) {
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { _ = zr.Close() }, nil
	case "deflate":
		return newDeflateReader(r)
	case "br":
		return brotli.NewReader(r), nil, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported coding %q", coding)
}

// newDeflateReader accepts both zlib-wrapped streams (RFC 1950, the deflate of
// RFC 9110) and raw DEFLATE, which many servers send.
func newDeflateReader(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(2)
	if err != nil {
		if errors.Is(err, io.EOF) && len(head) == 0 {
			return br, nil, nil
		}
		if !errors.Is(err, io.EOF) {
			return nil, nil, err
		}
	}
	if len(head) == 2 && head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { _ = zr.Close() }, nil
	}
	fr := flate.NewReader(br)
	return fr, func() { _ = fr.Close() }, nil
}

// decodedBody reports decoder failures as ErrDecode while letting transport
// failures from the underlying body through unchanged.
type decodedBody struct {
	r        io.Reader
	src      io.ReadCloser
	decoders []func()
}

func (b *decodedBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) &&
		!errors.Is(err, ErrUpstream) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return n, err
}

func (b *decodedBody) Close() error {
	b.closeDecoders()
	return b.src.Close()
}

func (b *decodedBody) closeDecoders() {
	for _, c := range b.decoders {
		c()
	}
	b.decoders = nil
}
