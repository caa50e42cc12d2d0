package transport

import (
	"bytes"
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

// ErrUnsupportedEncoding is returned for a content coding the decoder
// does not know.
var ErrUnsupportedEncoding = errors.New("transport: unsupported content encoding")

// maxDecodedSize caps a decoded body.
const maxDecodedSize = 256 << 20

// Decoder undoes one content coding.
type Decoder interface {
	Decode(coding string, body []byte) ([]byte, error)
}

// DefaultDecoder handles gzip, deflate, br and zstd.
type DefaultDecoder struct{}

// Decode implements Decoder.
func (DefaultDecoder) Decode(coding string, body []byte) ([]byte, error) {
	var r io.Reader
	switch coding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Servers send both zlib-wrapped and raw deflate.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body), zstd.WithDecoderMaxMemory(maxDecodedSize))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "identity", "":
		return body, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}

	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("transport: decode %s: %w", coding, err)
	}
	if len(out) > maxDecodedSize {
		return nil, fmt.Errorf("transport: decode %s: body exceeds %d bytes", coding, maxDecodedSize)
	}
	return out, nil
}

// DecodeBody undoes every coding listed in a Content-Encoding value, last
// applied first.
func DecodeBody(d Decoder, contentEncoding string, body []byte) ([]byte, error) {
	if d == nil {
		d = DefaultDecoder{}
	}
	codings := strings.Split(contentEncoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		coding := strings.ToLower(strings.TrimSpace(codings[i]))
		var err error
		if body, err = d.Decode(coding, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}
