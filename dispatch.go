package cloak

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/enetx/g"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Dispatcher is the boundary entry point: it decodes request payloads, runs
// them on the engine and encodes the responses. Failures never escape as
// errors; they come back as payloads carrying an ErrorType, so the host
// always has exactly one decode path.
type Dispatcher struct {
	engine *Engine
	log    *zap.Logger

	nextID  atomic.Uint64
	pending *g.MapSafe[uint64, *asyncResult]
	ws      *g.MapSafe[uint64, *WSConn]
	sse     *g.MapSafe[uint64, *SSEConn]
}

type asyncResult struct {
	done    chan struct{}
	cancel  context.CancelFunc
	payload []byte
}

// NewDispatcher wraps an engine for boundary use.
func NewDispatcher(engine *Engine) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		log:     engine.log,
		pending: g.NewMapSafe[uint64, *asyncResult](),
		ws:      g.NewMapSafe[uint64, *WSConn](),
		sse:     g.NewMapSafe[uint64, *SSEConn](),
	}
}

// Engine returns the engine behind this dispatcher.
func (d *Dispatcher) Engine() *Engine { return d.engine }

// Sync executes one request payload and returns its response payload.
func (d *Dispatcher) Sync(ctx context.Context, payload []byte) []byte {
	return encodeResponse(d.execute(ctx, payload))
}

// Submit starts a request in the background and returns its id for polling.
func (d *Dispatcher) Submit(ctx context.Context, payload []byte) uint64 {
	return d.submit(ctx, payload, -1)
}

// SubmitWithNotify behaves like Submit and additionally writes a single byte
// to fd when the result is ready, so hosts can wait on a pipe or eventfd
// instead of polling.
func (d *Dispatcher) SubmitWithNotify(ctx context.Context, payload []byte, fd int) uint64 {
	return d.submit(ctx, payload, fd)
}

func (d *Dispatcher) submit(ctx context.Context, payload []byte, fd int) uint64 {
	ctx, cancel := context.WithCancel(ctx)

	id := d.nextID.Add(1)
	res := &asyncResult{done: make(chan struct{}), cancel: cancel}
	d.pending.Insert(id, res)

	go func() {
		defer cancel()

		res.payload = encodeResponse(d.execute(ctx, payload))
		close(res.done)

		if fd >= 0 {
			var b [1]byte
			syscall.Write(fd, b[:])
		}
	}()

	return id
}

// Poll returns the result of an earlier Submit without blocking. The second
// return is false while the request is still in flight or the id is unknown.
// A returned result is consumed: the id becomes unknown afterwards.
func (d *Dispatcher) Poll(id uint64) ([]byte, bool) {
	res := d.pending.Get(id)
	if res.IsNone() {
		return nil, false
	}

	select {
	case <-res.Some().done:
		d.pending.Remove(id)
		return res.Some().payload, true
	default:
		return nil, false
	}
}

// TakeResult blocks until the result of id is ready and consumes it. Unknown
// ids return false immediately.
func (d *Dispatcher) TakeResult(id uint64) ([]byte, bool) {
	res := d.pending.Get(id)
	if res.IsNone() {
		return nil, false
	}

	<-res.Some().done
	d.pending.Remove(id)

	return res.Some().payload, true
}

// Cancel aborts the request behind an earlier Submit and releases its
// handle. Cancelling a finished-but-unconsumed handle discards the result.
// Unknown ids return false.
func (d *Dispatcher) Cancel(id uint64) bool {
	res := d.pending.Get(id)
	if res.IsNone() {
		return false
	}

	d.pending.Remove(id)
	res.Some().cancel()

	return true
}

// Batch executes an array of request payloads concurrently and returns the
// responses as an array in the same order.
func (d *Dispatcher) Batch(ctx context.Context, payload []byte) []byte {
	var raws []msgpack.RawMessage

	if err := msgpack.Unmarshal(payload, &raws); err != nil {
		out, _ := msgpack.Marshal([]*Response{
			errorResponse("", &ProtocolError{Msg: "malformed batch payload: " + err.Error()}),
		})

		return out
	}

	responses := make([]*Response, len(raws))

	var wg sync.WaitGroup

	for i, raw := range raws {
		wg.Add(1)

		go func(i int, raw []byte) {
			defer wg.Done()
			responses[i] = d.execute(ctx, raw)
		}(i, raw)
	}

	wg.Wait()

	out, err := msgpack.Marshal(responses)
	if err != nil {
		out, _ = msgpack.Marshal([]*Response{errorResponse("", &ProtocolError{Msg: err.Error()})})
	}

	return out
}

// execute runs one decoded request end to end. Panics in the engine surface
// as protocol errors instead of crossing the boundary.
func (d *Dispatcher) execute(ctx context.Context, payload []byte) (out *Response) {
	var requestID string

	defer func() {
		if r := recover(); r != nil {
			d.log.Error("request panicked", zap.Any("panic", r))
			out = errorResponse(requestID, &ProtocolError{Msg: "internal error"})
		}
	}()

	req, err := DecodeRequest(payload)
	if err != nil {
		return errorResponse("", err)
	}

	requestID = req.RequestID

	resp, err := d.engine.Do(ctx, req)
	if err != nil {
		d.log.Debug("request failed",
			zap.String("url", req.URL),
			zap.String("kind", errorKind(err)),
			zap.Error(err),
		)

		return errorResponse(requestID, err)
	}

	return resp
}

func encodeResponse(resp *Response) []byte {
	out, err := resp.Encode()
	if err != nil {
		out, _ = errorResponse(resp.RequestID, &ProtocolError{Msg: err.Error()}).Encode()
	}

	return out
}

// WSConnect opens a WebSocket described by the request payload and returns
// an opaque handle for it.
func (d *Dispatcher) WSConnect(ctx context.Context, payload []byte) (uint64, error) {
	req, err := DecodeRequest(payload)
	if err != nil {
		return 0, err
	}

	conn, err := d.engine.WSConnect(ctx, req)
	if err != nil {
		return 0, err
	}

	id := d.nextID.Add(1)
	d.ws.Insert(id, conn)

	return id, nil
}

// WSSend writes one frame of the given opcode on the handle's connection.
func (d *Dispatcher) WSSend(id uint64, opcode int, data []byte) error {
	conn := d.ws.Get(id)
	if conn.IsNone() {
		return &ProtocolError{Msg: "unknown websocket handle"}
	}

	return conn.Some().Send(opcode, data)
}

// WSReceive blocks for the next message on the handle's connection.
func (d *Dispatcher) WSReceive(id uint64) ([]byte, bool, error) {
	conn := d.ws.Get(id)
	if conn.IsNone() {
		return nil, false, &ProtocolError{Msg: "unknown websocket handle"}
	}

	return conn.Some().Receive()
}

// WSClose closes the handle's connection and releases the handle.
func (d *Dispatcher) WSClose(id uint64) error {
	conn := d.ws.Get(id)
	if conn.IsNone() {
		return &ProtocolError{Msg: "unknown websocket handle"}
	}

	d.ws.Remove(id)

	return conn.Some().Close()
}

// SSEConnect opens an event stream described by the request payload and
// returns an opaque handle for it.
func (d *Dispatcher) SSEConnect(ctx context.Context, payload []byte) (uint64, error) {
	req, err := DecodeRequest(payload)
	if err != nil {
		return 0, err
	}

	conn, err := d.engine.SSEConnect(ctx, req)
	if err != nil {
		return 0, err
	}

	id := d.nextID.Add(1)
	d.sse.Insert(id, conn)

	return id, nil
}

// SSENext blocks for the next event on the handle's stream and returns it
// encoded. io.EOF marks a finished stream.
func (d *Dispatcher) SSENext(id uint64) ([]byte, error) {
	conn := d.sse.Get(id)
	if conn.IsNone() {
		return nil, &ProtocolError{Msg: "unknown sse handle"}
	}

	event, err := conn.Some().Next()
	if err != nil {
		return nil, err
	}

	return msgpack.Marshal(event)
}

// SSEClose closes the handle's stream and releases the handle.
func (d *Dispatcher) SSEClose(id uint64) error {
	conn := d.sse.Get(id)
	if conn.IsNone() {
		return &ProtocolError{Msg: "unknown sse handle"}
	}

	d.sse.Remove(id)

	return conn.Some().Close()
}

// Close releases every live handle, cancelling in-flight submits, and shuts
// the engine down.
func (d *Dispatcher) Close() error {
	for id, res := range d.pending.Iter() {
		d.pending.Remove(id)
		res.cancel()
	}

	for id, conn := range d.ws.Iter() {
		d.ws.Remove(id)
		conn.Close()
	}

	for id, conn := range d.sse.Iter() {
		d.sse.Remove(id)
		conn.Close()
	}

	return d.engine.Close()
}
