package websocket

import (
	socketio "github.com/zishang520/socket.io/v2/socket"
)

// ackFunc is the callback socket.io appends when the client asked for an
// acknowledgement.
type ackFunc = func([]any, error)

// extractAck splits a trailing acknowledgement callback off the event args.
func extractAck(datas []any) (ack ackFunc, args []any) {
	if len(datas) == 0 {
		return nil, datas
	}
	ack, ok := datas[len(datas)-1].(ackFunc)
	if !ok {
		return nil, datas
	}
	return ack, datas[:len(datas)-1]
}

// respond acknowledges the event and mirrors the payload as event, for
// clients that listen instead of passing a callback.
func respond(socket *socketio.Socket, ack ackFunc, event string, payload map[string]any) {
	if ack != nil {
		ack([]any{payload}, nil)
	}
	if event != "" && payload != nil {
		_ = socket.Emit(event, payload)
	}
}

func errorPayload(err error) map[string]any {
	return map[string]any{
		"status": "error",
		"error":  err.Error(),
	}
}
