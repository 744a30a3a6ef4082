// Binary ffi exposes the cloak engine as a C shared library. Payloads cross
// the boundary as msgpack buffers owned by this side; callers release them
// with free_payload.
//
// Build with: go build -buildmode=c-shared -o libcloak.so ./ffi
package main

/*
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"io"
	"sync"
	"unsafe"

	"github.com/enetx/cloak"
)

var (
	initOnce   sync.Once
	dispatcher *cloak.Dispatcher
)

// dispatch returns the process-wide dispatcher, building it on first use.
// This is the only place a default engine exists; Go callers construct their
// own.
func dispatch() *cloak.Dispatcher {
	initOnce.Do(func() {
		dispatcher = cloak.NewDispatcher(cloak.New())
	})

	return dispatcher
}

func goBytes(data *C.char, length C.int) []byte {
	if data == nil || length <= 0 {
		return nil
	}

	return C.GoBytes(unsafe.Pointer(data), length)
}

// cPayload copies b into C-owned memory. The caller frees it with
// free_payload.
func cPayload(b []byte, outLen *C.int) *C.char {
	if outLen != nil {
		*outLen = C.int(len(b))
	}

	if len(b) == 0 {
		return nil
	}

	p := C.malloc(C.size_t(len(b)))
	copy(unsafe.Slice((*byte)(p), len(b)), b)

	return (*C.char)(p)
}

//export sync_request
func sync_request(data *C.char, length C.int, outLen *C.int) *C.char {
	out := dispatch().Sync(context.Background(), goBytes(data, length))
	return cPayload(out, outLen)
}

//export submit_async
func submit_async(data *C.char, length C.int) C.uint64_t {
	return C.uint64_t(dispatch().Submit(context.Background(), goBytes(data, length)))
}

// poll_async returns the finished response for id, or nil with *outLen == -1
// while the request is still in flight or the id is unknown.
//
//export poll_async
func poll_async(id C.uint64_t, outLen *C.int) *C.char {
	out, ok := dispatch().Poll(uint64(id))
	if !ok {
		if outLen != nil {
			*outLen = -1
		}

		return nil
	}

	return cPayload(out, outLen)
}

// cancel_async aborts the request behind an earlier submit and releases its
// handle. Returns 0 for a live handle, -1 for unknown ids.
//
//export cancel_async
func cancel_async(id C.uint64_t) C.int {
	if dispatch().Cancel(uint64(id)) {
		return 0
	}

	return -1
}

//export submit_with_notify
func submit_with_notify(data *C.char, length C.int, fd C.int) C.uint64_t {
	return C.uint64_t(dispatch().SubmitWithNotify(context.Background(), goBytes(data, length), int(fd)))
}

// take_async_result blocks until the response for id is ready. Unknown ids
// return nil with *outLen == -1.
//
//export take_async_result
func take_async_result(id C.uint64_t, outLen *C.int) *C.char {
	out, ok := dispatch().TakeResult(uint64(id))
	if !ok {
		if outLen != nil {
			*outLen = -1
		}

		return nil
	}

	return cPayload(out, outLen)
}

//export batch_request
func batch_request(data *C.char, length C.int, outLen *C.int) *C.char {
	out := dispatch().Batch(context.Background(), goBytes(data, length))
	return cPayload(out, outLen)
}

// ws_connect opens a WebSocket and returns its handle. On failure it returns
// 0 and writes an encoded error response into errPayload/errLen.
//
//export ws_connect
func ws_connect(data *C.char, length C.int, errPayload **C.char, errLen *C.int) C.uint64_t {
	id, err := dispatch().WSConnect(context.Background(), goBytes(data, length))
	if err != nil {
		if errPayload != nil {
			*errPayload = cPayload(cloak.EncodeError(err), errLen)
		}

		return 0
	}

	return C.uint64_t(id)
}

// ws_send writes one frame. opcode follows RFC 6455: 1 text, 2 binary,
// 8 close, 9 ping, 10 pong.
//
//export ws_send
func ws_send(id C.uint64_t, opcode C.int, data *C.char, length C.int) C.int {
	if err := dispatch().WSSend(uint64(id), int(opcode), goBytes(data, length)); err != nil {
		return -1
	}

	return 0
}

// ws_receive blocks for the next message. *binary is set to 1 for binary
// frames. Errors return nil with *outLen == -1.
//
//export ws_receive
func ws_receive(id C.uint64_t, outLen *C.int, binary *C.int) *C.char {
	data, isBinary, err := dispatch().WSReceive(uint64(id))
	if err != nil {
		if outLen != nil {
			*outLen = -1
		}

		return nil
	}

	if binary != nil {
		if isBinary {
			*binary = 1
		} else {
			*binary = 0
		}
	}

	return cPayload(data, outLen)
}

//export ws_close
func ws_close(id C.uint64_t) C.int {
	if err := dispatch().WSClose(uint64(id)); err != nil {
		return -1
	}

	return 0
}

// sse_connect opens an event stream and returns its handle. On failure it
// returns 0 and writes an encoded error response into errPayload/errLen.
//
//export sse_connect
func sse_connect(data *C.char, length C.int, errPayload **C.char, errLen *C.int) C.uint64_t {
	id, err := dispatch().SSEConnect(context.Background(), goBytes(data, length))
	if err != nil {
		if errPayload != nil {
			*errPayload = cPayload(cloak.EncodeError(err), errLen)
		}

		return 0
	}

	return C.uint64_t(id)
}

// sse_next_event blocks for the next event, encoded as msgpack. End of
// stream returns nil with *outLen == 0; errors return nil with
// *outLen == -1.
//
//export sse_next_event
func sse_next_event(id C.uint64_t, outLen *C.int) *C.char {
	event, err := dispatch().SSENext(uint64(id))
	if err != nil {
		if outLen != nil {
			if err == io.EOF {
				*outLen = 0
			} else {
				*outLen = -1
			}
		}

		return nil
	}

	return cPayload(event, outLen)
}

//export sse_close
func sse_close(id C.uint64_t) C.int {
	if err := dispatch().SSEClose(uint64(id)); err != nil {
		return -1
	}

	return 0
}

//export free_payload
func free_payload(p *C.char) {
	if p != nil {
		C.free(unsafe.Pointer(p))
	}
}

func main() {}
