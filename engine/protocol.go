package engine

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// The wire protocol is one CBOR map per frame. Requests carry {id, method,
// params}; responses carry {id, result | error}; live-notification frames
// carry {query_id, action, result} and no request id.

// Inbound frames decode untyped maps as map[string]any rather than the
// codec's map[interface{}]interface{} default; decoded results are handed
// to encoding/json on the client surface, which cannot marshal the latter.
var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Request is one unit of work sent to a backend.
type Request struct {
	ID     uint64 `cbor:"id"`
	Method string `cbor:"method"`
	Params []any  `cbor:"params,omitempty"`
}

// RPCError is a backend-reported failure for a single request.
type RPCError struct {
	Code    int64  `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a push frame tied to a live subscription.
type Notification struct {
	QueryID string `cbor:"query_id"`
	Action  string `cbor:"action"`
	Result  any    `cbor:"result"`
}

// envelope is the superset of all inbound frame shapes. A frame with a
// non-empty QueryID is a notification; everything else is a response.
type envelope struct {
	ID      uint64    `cbor:"id,omitempty"`
	Result  any       `cbor:"result,omitempty"`
	Error   *RPCError `cbor:"error,omitempty"`
	QueryID string    `cbor:"query_id,omitempty"`
	Action  string    `cbor:"action,omitempty"`
}

func encodeRequest(req *Request) ([]byte, error) {
	data, err := cbor.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request %d: %w", req.ID, err)
	}
	return data, nil
}

func decodeFrame(data []byte) (*envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &env, nil
}

func encodeResponse(id uint64, result any, rpcErr *RPCError) ([]byte, error) {
	return cbor.Marshal(&envelope{ID: id, Result: result, Error: rpcErr})
}

func encodeNotification(n *Notification) ([]byte, error) {
	return cbor.Marshal(&envelope{QueryID: n.QueryID, Action: n.Action, Result: n.Result})
}
