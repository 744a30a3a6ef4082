package cloak

import (
	"bytes"
	"io"

	"github.com/enetx/cloak/header"
	"github.com/enetx/g"
	"github.com/enetx/http"
)

// readBody drains the response body and transparently decompresses it when
// Content-Encoding names a supported coding. On success the encoding and
// length headers are stripped from the echoed response; when the decoder
// cannot be initialized or the stream is corrupt, the raw bytes are returned
// and the headers stay intact.
func readBody(resp *http.Response) ([]byte, error) {
	if resp.Body == nil {
		return nil, nil
	}

	buf := bodyBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bodyBufferPool.Put(buf)

	_, err := buf.ReadFrom(resp.Body)
	resp.Body.Close()

	if err != nil {
		return nil, err
	}

	raw := append([]byte(nil), buf.Bytes()...)

	encoding := g.String(resp.Header.Get(header.CONTENT_ENCODING))
	if encoding.IsEmpty() {
		return raw, nil
	}

	reader := newBodyDecoder(encoding.Lower(), bytes.NewReader(raw))
	if reader.IsNone() {
		return raw, nil
	}

	decoded, err := io.ReadAll(reader.Some())
	reader.Some().Close()

	if err != nil {
		return raw, nil
	}

	resp.Header.Del(header.CONTENT_ENCODING)
	resp.Header.Del(header.CONTENT_LENGTH)
	resp.ContentLength = -1

	return decoded, nil
}
