package cloak

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/enetx/g"
	"github.com/klauspost/compress/zstd"
)

// Decoder recycling for response bodies. One pool per content coding the
// engine inflates; Close hands the decoder back to its pool.

// bodyBufferPool recycles the scratch buffers readBody drains bodies into.
var bodyBufferPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

var (
	gzipPool = sync.Pool{New: func() any { return new(gzip.Reader) }}

	brotliPool = sync.Pool{New: func() any { return brotli.NewReader(nil) }}

	zstdPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

type pooledGzip struct{ *gzip.Reader }

func (p *pooledGzip) Close() error {
	err := p.Reader.Close()
	gzipPool.Put(p.Reader)

	return err
}

type pooledBrotli struct{ *brotli.Reader }

func (p *pooledBrotli) Close() error {
	brotliPool.Put(p.Reader)
	return nil
}

type pooledZstd struct {
	io.ReadCloser
	dec *zstd.Decoder
}

func (p *pooledZstd) Close() error {
	err := p.ReadCloser.Close()
	zstdPool.Put(p.dec)

	return err
}

// newBodyDecoder wires r through a pooled decoder for the given content
// coding. Returns None for codings the engine does not inflate and for
// streams that fail decoder initialization, in which case the caller keeps
// the raw bytes.
func newBodyDecoder(coding g.String, r io.Reader) g.Option[io.ReadCloser] {
	switch coding {
	case "deflate":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return g.None[io.ReadCloser]()
		}

		return g.Some(zr)
	case "gzip":
		gr := gzipPool.Get().(*gzip.Reader)
		if err := gr.Reset(r); err != nil {
			gzipPool.Put(gr)
			return g.None[io.ReadCloser]()
		}

		return g.Some[io.ReadCloser](&pooledGzip{Reader: gr})
	case "br":
		br := brotliPool.Get().(*brotli.Reader)
		if err := br.Reset(r); err != nil {
			brotliPool.Put(br)
			return g.None[io.ReadCloser]()
		}

		return g.Some[io.ReadCloser](&pooledBrotli{Reader: br})
	case "zstd":
		dec := zstdPool.Get().(*zstd.Decoder)
		if err := dec.Reset(r); err != nil {
			zstdPool.Put(dec)
			return g.None[io.ReadCloser]()
		}

		return g.Some[io.ReadCloser](&pooledZstd{ReadCloser: dec.IOReadCloser(), dec: dec})
	default:
		return g.None[io.ReadCloser]()
	}
}
