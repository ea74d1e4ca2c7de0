package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// WriteTyped sends a strongly-typed payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// WriteError sends a typed error event over the WebSocket.
func WriteError(conn *websocket.Conn, requestID, errMsg string) error {
	return WriteTyped(conn, ResponsePayload{
		Event:     EventError,
		RequestID: requestID,
		Error:     errMsg,
	})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	return ReadJSONWithin(conn, v, readWait)
}

// ReadJSONWithin is ReadJSON with a caller-chosen deadline.
func ReadJSONWithin(conn *websocket.Conn, v interface{}, wait time.Duration) error {
	conn.SetReadDeadline(time.Now().Add(wait))
	return conn.ReadJSON(v)
}
