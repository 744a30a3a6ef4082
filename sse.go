package cloak

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/enetx/http"

	"github.com/enetx/cloak/header"
)

// SSEEvent is one server-sent event. Fields follow the EventSource wire
// format; Retry is the reconnection delay in milliseconds, 0 when absent.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// SSEConn is an open server-sent-events stream. The stream has no overall
// deadline: events arrive until the server closes it or Close is called.
type SSEConn struct {
	resp        *http.Response
	reader      *bufio.Reader
	cancel      context.CancelFunc
	lastEventID string
}

// SSEConnect opens an event stream to req.URL over the resolved fingerprint.
// The request timeout bounds the connection phase only.
func (e *Engine) SSEConnect(ctx context.Context, req *Request) (*SSEConn, error) {
	req.normalize()
	req.Method = http.MethodGet

	res, err := e.resolve(req)
	if err != nil {
		return nil, err
	}

	// Streams outlive any single request deadline, so each gets a
	// dedicated transport instead of a pooled one.
	pt, err := e.buildBundle(req, res)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	hreq, err := buildHTTPRequest(ctx, req, res)
	if err != nil {
		cancel()
		pt.close()

		return nil, err
	}

	hreq.Header.Set(header.ACCEPT, "text/event-stream")
	hreq.Header.Set(header.CACHE_CONTROL, "no-cache")
	hreq.Header.Del(header.ACCEPT_ENCODING)

	resp, err := pt.cli.Do(hreq)
	if err != nil {
		cancel()
		pt.close()

		return nil, classifyError(hreq.URL.Host, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		pt.close()

		return nil, &ProtocolError{Msg: "event stream refused: " + resp.Status}
	}

	closer := cancel
	cancel = func() {
		closer()
		pt.close()
	}

	return &SSEConn{
		resp:   resp,
		reader: bufio.NewReader(resp.Body),
		cancel: cancel,
	}, nil
}

// Next blocks until the next complete event. io.EOF marks the end of the
// stream.
func (s *SSEConn) Next() (*SSEEvent, error) {
	event := &SSEEvent{ID: s.lastEventID}

	var data strings.Builder

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && data.Len() > 0 {
				event.Data = strings.TrimSuffix(data.String(), "\n")
				return event, nil
			}

			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data.Len() == 0 && event.Event == "" {
				continue // heartbeat
			}

			event.Data = strings.TrimSuffix(data.String(), "\n")

			return event, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "id":
			if !strings.ContainsRune(value, 0) {
				event.ID = value
				s.lastEventID = value
			}
		case "event":
			event.Event = value
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				event.Retry = ms
			}
		}
	}
}

// LastEventID returns the most recent event id seen on the stream.
func (s *SSEConn) LastEventID() string { return s.lastEventID }

// Close tears the stream down.
func (s *SSEConn) Close() error {
	err := s.resp.Body.Close()
	s.cancel()

	return err
}
