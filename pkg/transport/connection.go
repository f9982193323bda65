package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/lokutor-ai/lokutor-relay/pkg/relay"
)

// OutboundFrame is the envelope for every non-translation outbound
// message ("info"/"warning"/"error"/"session_*").
type OutboundFrame struct {
	Type         relay.OutboundType `json:"type"`
	Code         relay.ErrorCode    `json:"code,omitempty"`
	Message      string             `json:"message,omitempty"`
	ConnectionID string             `json:"connectionId,omitempty"`
	RetryAfter   int                `json:"retryAfter,omitempty"`
}

// closeStatusPolicyViolation (1008) is used for auth or rate-limit denial.
const closeStatusPolicyViolation websocket.StatusCode = 1008

// Connection wraps one coder/websocket connection (host or listener) as a
// long-lived duplex stream with an independent writer goroutine draining a
// relay.Subscriber. It adds no lock of its own around writes.
type Connection struct {
	ID   string
	conn *websocket.Conn
}

// Accept upgrades an HTTP request to a websocket connection. Callers
// still own the *http.Request/ResponseWriter lifecycle.
func Accept(w http.ResponseWriter, r *http.Request, id string) (*Connection, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: false,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: accept websocket: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)
	return &Connection{ID: id, conn: conn}, nil
}

// ReadOne reads and parses exactly one inbound frame, retrying past
// frames that fail to parse (reporting them to the client as a
// validation error) rather than treating a bad frame as connection loss.
func (c *Connection) ReadOne(ctx context.Context) (*InboundMessage, error) {
	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		msg, err := ParseInbound(raw)
		if err != nil {
			c.SendError(ctx, relay.CodeValidationError, err.Error())
			continue
		}
		return msg, nil
	}
}

// ReadLoop reads inbound frames until the connection closes or ctx is
// done, dispatching each parsed frame to onMessage.
func (c *Connection) ReadLoop(ctx context.Context, onMessage func(*InboundMessage)) error {
	for {
		msg, err := c.ReadOne(ctx)
		if err != nil {
			return err
		}
		onMessage(msg)
	}
}

// DrainSubscriber copies every event off sub's queue onto the wire until
// the queue closes (overflow) or ctx is done. Intended to run in its own
// goroutine per relay.Subscriber, mirroring the broadcaster's
// never-block-on-a-slow-subscriber contract from the relay package.
func (c *Connection) DrainSubscriber(ctx context.Context, sub *relay.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := c.sendJSON(ctx, ev); err != nil {
				return
			}
		}
	}
}

func (c *Connection) sendJSON(ctx context.Context, v interface{}) error {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

// SendInfo/SendWarning/SendError implement the control-frame shapes.
func (c *Connection) SendInfo(ctx context.Context, message string) error {
	return c.sendJSON(ctx, OutboundFrame{Type: relay.OutInfo, Message: message, ConnectionID: c.ID})
}

func (c *Connection) SendWarning(ctx context.Context, code relay.ErrorCode, message string) error {
	return c.sendJSON(ctx, OutboundFrame{Type: relay.OutWarning, Code: code, Message: message, ConnectionID: c.ID})
}

func (c *Connection) SendError(ctx context.Context, code relay.ErrorCode, message string) error {
	return c.sendJSON(ctx, OutboundFrame{Type: relay.OutError, Code: code, Message: message, ConnectionID: c.ID})
}

// CloseDenied closes the connection with 1008, the auth/rate-limit
// denial close code.
func (c *Connection) CloseDenied(reason string) error {
	return c.conn.Close(closeStatusPolicyViolation, reason)
}

// Close closes the connection normally.
func (c *Connection) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
