// Package live maintains the per-task push connection: one websocket per task
// uuid, reconnecting until the owner tears it down, decoding the two known
// frame variants and dropping everything else.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/solvewatch/solvewatch/internal/api"
)

const (
	TypeInitialState = "initial_state"
	TypeUpdate       = "update"
)

// Message is a decoded live frame. Optional fields are pointers so the merger
// can tell "omitted" from "zero".
type Message struct {
	Type          string          `json:"type"`
	Status        *api.TaskStatus `json:"status"`
	Stage         *string         `json:"stage"`
	Percentage    *float64        `json:"percentage"`
	ResultMessage *string         `json:"result_message"`
	MatrixSize    *int            `json:"matrix_size"`
	LogMessage    string          `json:"log_message,omitempty"`
}

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
)

// Event is what the channel emits, in receipt order: connectivity flips and
// decoded messages share one stream so consumers apply them as they happened.
type Event struct {
	Kind EventKind
	Msg  Message
}

// EndpointURL builds the per-task websocket URL from the configured ws base
// (e.g. "ws://host") and the task uuid.
func EndpointURL(wsBase, taskUUID string) string {
	return strings.TrimRight(wsBase, "/") + "/ws/tasks/updates/" + taskUUID + "/"
}

// Channel is one live connection lifecycle. It reconnects forever on
// transport failures; only Close (or the parent context) stops it.
type Channel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// Open starts the connection lifecycle for one task. The returned channel's
// Events stream stays open across reconnects and closes only after Close.
// The header typically carries the Bearer token for the handshake.
func Open(ctx context.Context, url string, header http.Header) *Channel {
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events: make(chan Event, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Events returns the stream of connectivity changes and messages.
func (c *Channel) Events() <-chan Event { return c.events }

// Close tears the channel down. Terminal: no reconnection survives it.
func (c *Channel) Close() {
	c.cancel()
	<-c.done
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever, teardown is the only exit

	for {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		bo.Reset()
		if !c.emit(ctx, Event{Kind: EventConnected}) {
			conn.Close()
			return
		}

		c.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if !c.emit(ctx, Event{Kind: EventDisconnected}) {
			return
		}
	}
}

// readLoop pumps frames until the connection dies or the context ends.
// A malformed frame is dropped; it does not close the connection.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, ok := decode(data)
		if !ok {
			continue
		}
		if !c.emit(ctx, Event{Kind: EventMessage, Msg: msg}) {
			return
		}
	}
}

func (c *Channel) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// decode is the closed tagged-variant boundary: only the two known frame
// types get through, anything undecodable or unrecognized is discarded.
func decode(data []byte) (Message, bool) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false
	}
	if m.Type != TypeInitialState && m.Type != TypeUpdate {
		return Message{}, false
	}
	return m, true
}
