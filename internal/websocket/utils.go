package websocket

import (
	"encoding/json"
	"fmt"
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

// WriteFrame encodes data into a frame of the given type and sends it.
func WriteFrame(conn *websocket.Conn, typ MessageType, id string, data interface{}) error {
	f, err := NewFrame(typ, id, data)
	if err != nil {
		return err
	}
	return WriteTyped(conn, f)
}

// WriteError sends an error frame over the WebSocket.
func WriteError(conn *websocket.Conn, errMsg string) error {
	return WriteFrame(conn, TypeError, "", ErrorData{Error: errMsg})
}

// NewFrame builds a frame. A nil data leaves the frame without payload.
func NewFrame(typ MessageType, id string, data interface{}) (Frame, error) {
	f := Frame{Type: typ, ID: id}
	if data == nil {
		return f, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", typ, err)
	}
	f.Data = raw
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadJSON(v)
}
