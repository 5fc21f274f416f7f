package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"lockstep.ai/internal/protocol"
	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/scheduler"
)

// RejectError is the authority's REJECT, surfaced by Dial.
type RejectError struct {
	Code   string
	Reason string
}

func (e *RejectError) Error() string { return fmt.Sprintf("rejected: %s: %s", e.Code, e.Reason) }

// DefaultMaxBadFrames is how many undecodable frames Run drops before
// giving up on the connection.
const DefaultMaxBadFrames = 16

// ErrTooManyBadFrames ends Run once MaxBadFrames is reached.
var ErrTooManyBadFrames = errors.New("too many undecodable frames")

// Client is the participant end of the transport. Its Submit and
// ReportDigest make it a session outbox.
type Client struct {
	// MaxBadFrames ends Run after that many undecodable frames; 0 never
	// gives up.
	MaxBadFrames int

	conn      *websocket.Conn
	logger    *log.Logger
	welcome   protocol.WelcomeMsg
	badFrames atomic.Int64

	writeMu sync.Mutex
}

// Dial connects, sends hello and waits for WELCOME.
func Dial(ctx context.Context, url string, hello protocol.HelloMsg, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	hello.Type = protocol.TypeHello
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = protocol.Version
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		conn.Close()
		return nil, protocol.Serializationf(err, "handshake reply")
	}
	switch base.Type {
	case protocol.TypeWelcome:
	case protocol.TypeReject:
		var rej protocol.RejectMsg
		_ = json.Unmarshal(msg, &rej)
		conn.Close()
		return nil, &RejectError{Code: rej.Code, Reason: rej.Reason}
	default:
		conn.Close()
		return nil, protocol.Protocolf(nil, "unexpected handshake reply %q", base.Type)
	}

	c := &Client{conn: conn, logger: logger, MaxBadFrames: DefaultMaxBadFrames}
	if err := json.Unmarshal(msg, &c.welcome); err != nil {
		conn.Close()
		return nil, protocol.Serializationf(err, "WELCOME")
	}
	_ = conn.SetReadDeadline(time.Time{})
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// BadFrames counts the frames Run dropped because they did not decode.
func (c *Client) BadFrames() int64 { return c.badFrames.Load() }

// Run feeds authority messages into inbox until the connection ends or
// ctx is done. Undecodable frames are dropped until MaxBadFrames.
func (c *Client) Run(ctx context.Context, inbox *scheduler.Inbox) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		if err := c.deliver(inbox, msg); err != nil {
			n := c.badFrames.Add(1)
			c.logger.Printf("warn: dropped frame (%d bad): %v", n, err)
			if c.MaxBadFrames > 0 && n >= int64(c.MaxBadFrames) {
				return fmt.Errorf("%w: %v", ErrTooManyBadFrames, err)
			}
		}
	}
}

func (c *Client) deliver(inbox *scheduler.Inbox, msg []byte) error {
	kind, body, err := protocol.OpenEnvelope(msg)
	if err != nil {
		return err
	}
	if err := inbox.Deliver(kind, body); err != nil {
		return fmt.Errorf("deliver %s: %w", kind, err)
	}
	return nil
}

func (c *Client) Submit(d command.Draft) error {
	return c.write(protocol.Envelope(protocol.KindSubmit, command.MarshalDraft(d)))
}

func (c *Client) ReportDigest(d protocol.Digest) error {
	return c.write(protocol.Envelope(protocol.KindDigest, d.Marshal()))
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
