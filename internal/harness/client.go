package harness

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/eventsync/internal/protocol"
)

// inbound is one thing a client's reader observed. Exactly one of msg, err
// or closed is set.
type inbound struct {
	msg    protocol.Message
	err    error
	closed bool
	code   int
}

// client is one scenario connection. All fields except inbox are owned by
// the harness goroutine; the reader goroutine only sends on inbox.
type client struct {
	name      string
	publicKey string

	ws    *websocket.Conn
	inbox chan inbound

	// open is false before connect and once the connection has ended.
	open bool
}

// dial connects to the sync endpoint. A rejected upgrade returns the HTTP
// status with a nil error.
func (c *client) dial(base string, timeout time.Duration) (int, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     base,
		Path:     "/sync",
		RawQuery: url.Values{"publicKey": {c.publicKey}}.Encode(),
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return resp.StatusCode, nil
		}
		return 0, fmt.Errorf("dial %s: %w", c.name, err)
	}
	resp.Body.Close()

	c.ws = ws
	c.inbox = make(chan inbound, 64)
	c.open = true
	go c.read(ws, c.inbox)
	return http.StatusSwitchingProtocols, nil
}

// read decodes frames until the connection ends, then closes inbox.
func (c *client) read(ws *websocket.Conn, inbox chan<- inbound) {
	defer close(inbox)

	reassembler := protocol.NewReassembler(protocol.ReassemblerConfig{})
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			inbox <- inbound{closed: true, code: code}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			inbox <- inbound{err: err}
			continue
		}
		if chunk, ok := msg.(*protocol.ChunkedMessage); ok {
			whole, done, err := reassembler.Add(chunk)
			if err != nil {
				inbox <- inbound{err: err}
				continue
			}
			if !done {
				continue
			}
			if msg, err = protocol.Decode(whole); err != nil {
				inbox <- inbound{err: err}
				continue
			}
		}
		inbox <- inbound{msg: msg}
	}
}

// send writes one binary frame.
func (c *client) send(frame []byte) error {
	if !c.open {
		return fmt.Errorf("client %s is not connected", c.name)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("client %s: write: %w", c.name, err)
	}
	return nil
}

// close ends the connection from the client side and drops anything
// still in flight.
func (c *client) close() {
	if c.ws == nil {
		return
	}
	if c.open {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = c.ws.Close()
	for range c.inbox {
	}
	c.ws = nil
	c.open = false
}
