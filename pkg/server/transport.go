package server

import (
	"errors"
	"io"
	"net"

	"golang.org/x/net/websocket"

	"github.com/NicolasHaas/gokarma/pkg/protocol"
)

// Transport moves whole frames for one connection. ReadFrame and WriteFrame
// may be called concurrently with each other but not with themselves.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// ErrFrameTooLarge is returned by ReadFrame for a frame above
// protocol.MaxMessageSize. The frame is discarded and the connection stays
// usable.
var ErrFrameTooLarge = websocket.ErrFrameTooLarge

// wsTransport carries one frame per binary websocket message.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	conn.MaxPayloadBytes = protocol.MaxMessageSize
	conn.PayloadType = websocket.BinaryFrame
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	var data []byte
	if err := websocket.Message.Receive(t.conn, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(data []byte) error {
	return websocket.Message.Send(t.conn, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) String() string {
	if r := t.conn.Request(); r != nil {
		return r.RemoteAddr
	}
	return "websocket"
}

// isClosedErr reports whether err means the peer or we closed the connection.
func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}
