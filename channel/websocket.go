package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseTimeout = time.Second

// wsChannel carries one message per websocket frame.
type wsChannel struct {
	handlers

	conn   *websocket.Conn
	binary bool
	wmu    sync.Mutex
}

// NewWebSocket returns a Channel over conn. Binary channels send binary frames
// and pair with peerrpc.BinaryCodec; text channels send text frames and make
// NewClient and NewServer default to peerrpc.JSONCodec. Inbound frames of
// either type are accepted. The channel owns conn and closes it on Close.
func NewWebSocket(conn *websocket.Conn, binary bool) Channel {
	c := &wsChannel{conn: conn, binary: binary}
	go c.readLoop()
	return c
}

func (c *wsChannel) Binary() bool {
	return c.binary
}

func (c *wsChannel) readLoop() {
	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			} else {
				err = fmt.Errorf("failed reading frame: %w", err)
			}
			c.closeWith(err)
			_ = c.conn.Close()
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		c.deliver(msg)
	}
}

// Send writes data as one frame. The context deadline, if any, bounds the
// write.
func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}

	mt := websocket.TextMessage
	if c.binary {
		mt = websocket.BinaryMessage
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(mt, data)
}

func (c *wsChannel) Close() error {
	if !c.closeWith(nil) {
		return nil
	}

	c.wmu.Lock()
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseTimeout),
	)
	c.wmu.Unlock()

	if cerr := c.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err == websocket.ErrCloseSent {
		err = nil
	}
	return err
}
