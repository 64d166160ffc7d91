package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/internal/protocol"
	"github.com/amarcoder01/customsp/pkg/types"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 5 * time.Second
	uploadQueueLen = 256
)

var ErrClosed = errors.New("websocket: connection closed")

// Conn is one test socket. It implements measurement.DuplexChannel and
// measurement.ProgressSink; writes are serialized, reads happen only on the
// goroutine started by readLoop.
type Conn struct {
	ws     *websocket.Conn
	codec  protocol.Codec
	testID string

	writeMu sync.Mutex
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn, codec protocol.Codec, testID string) *Conn {
	return &Conn{
		ws:     ws,
		codec:  codec,
		testID: testID,
		frames: make(chan []byte, uploadQueueLen),
		done:   make(chan struct{}),
	}
}

func (c *Conn) SendText(ctx context.Context, msg string) error {
	return c.writeMessage(ctx, websocket.TextMessage, []byte(msg))
}

func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	return c.writeMessage(ctx, websocket.BinaryMessage, data)
}

func (c *Conn) SendProgress(ctx context.Context, p types.Progress) error {
	return c.send(ctx, protocol.ProgressMessage(c.testID, p))
}

// Receive returns the next upload chunk sent by the client.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Conn) send(ctx context.Context, env protocol.Envelope) error {
	data, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	mt := websocket.TextMessage
	if c.codec.Binary() {
		mt = websocket.BinaryMessage
	}
	return c.writeMessage(ctx, mt, data)
}

func (c *Conn) writeMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.disconnected() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

// readLoop consumes client frames until the socket fails, then calls
// onClose. Data frames feed Receive; control frames are answered inline.
func (c *Conn) readLoop(onClose context.CancelFunc) {
	defer func() {
		// Cancel first so callers that see ErrClosed also see ctx.Err.
		onClose()
		c.markDone()
	}()
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug("WebSocket read ended",
					logging.Field{Key: "test_id", Value: c.testID},
					logging.Field{Key: "error", Value: err})
			}
			return
		}

		var env protocol.Envelope
		switch {
		case mt == websocket.BinaryMessage && len(data) > 0 && data[0] == types.FrameData:
			select {
			case c.frames <- data:
			case <-c.done:
				return
			}
			continue
		case mt == websocket.BinaryMessage:
			err = protocol.MsgpackCodec{}.Unmarshal(data, &env)
		default:
			env, err = protocol.DecodeText(data)
		}
		if err != nil {
			logging.Debug("Ignoring malformed client frame",
				logging.Field{Key: "test_id", Value: c.testID},
				logging.Field{Key: "error", Value: err})
			continue
		}
		if env.Type == protocol.TypePing {
			_ = c.send(context.Background(), protocol.Pong(env.Timestamp))
		}
	}
}

func (c *Conn) disconnected() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) markDone() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) close() {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.markDone()
	_ = c.ws.Close()
}
