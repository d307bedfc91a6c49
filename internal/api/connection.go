package api

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"treemirror/internal/logging"
	"treemirror/internal/protocol"

	"github.com/gorilla/websocket"
)

const defaultOutboundBuffer = 256

var (
	errConnectionClosed = errors.New("connection closed")
	errSlowViewer       = fmt.Errorf("%w: outbound queue full", errConnectionClosed)
)

// connection is the outbound half of one viewer websocket. Messages are
// written by a single goroutine in the order they were queued.
type connection struct {
	conn         *websocket.Conn
	outbound     chan []byte
	done         chan struct{}
	stopOnce     sync.Once
	writeTimeout time.Duration
	logger       *logging.Logger
}

func newConnection(conn *websocket.Conn, buffer int, writeTimeout time.Duration, logger *logging.Logger) *connection {
	if buffer <= 0 {
		buffer = defaultOutboundBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	return &connection{
		conn:         conn,
		outbound:     make(chan []byte, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (c *connection) SendNotice(notice protocol.Notice) error {
	data, err := protocol.EncodeNotice(notice)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *connection) SendBatch(notices []protocol.Notice) error {
	data, err := protocol.EncodeBatch(notices)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// enqueue never blocks. A viewer whose queue is full is disconnected rather
// than sent a partial stream.
func (c *connection) enqueue(data []byte) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	default:
	}
	c.logger.Warn("viewer too slow, disconnecting", map[string]string{
		"queued": strconv.Itoa(len(c.outbound)),
	})
	c.Stop()
	go c.closeWith(websocket.CloseTryAgainLater, "viewer too slow")
	return errSlowViewer
}

func (c *connection) writeLoop() {
	defer c.Stop()
	for {
		select {
		case data := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", map[string]string{"error": err.Error()})
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeWith sends a close frame and tears down the socket, unblocking the
// reader.
func (c *connection) closeWith(code int, reason string) {
	c.Stop()
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateCloseReason(reason)), deadline)
	_ = c.conn.Close()
}

func (c *connection) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		close(c.done)
	})
}
