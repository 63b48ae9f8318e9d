package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const outboundQueueSize = 256

// Verb names for the two request/message wire verbs; "rpc-response" and
// "close" appear only as literals since nothing outside this package needs
// to name them.
const (
	VerbRPCRequest    = "rpc-request"
	VerbRemoteMessage = "remote-message"
)

// wireFrame is the line-delimited JSON envelope exchanged over a raw
// net.Conn. verb is one of "rpc-request", "rpc-response", "remote-message".
type wireFrame struct {
	Verb      string          `json:"verb"`
	ID        string          `json:"id,omitempty"`
	Procedure string          `json:"procedure,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// requestEnvelope mirrors the wire shape of a "/RPCRequest" verb payload, as
// described by the rpc-request verb contract.
type requestEnvelope struct {
	Type      string          `json:"type"`
	Procedure string          `json:"procedure"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// eventEnvelope mirrors the wire shape of a remote-message verb payload.
type eventEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JSONConn implements Conn over a raw net.Conn using newline-delimited JSON
// frames. Request/response correlation is done with a per-request UUID.
type JSONConn struct {
	conn   net.Conn
	reader *bufio.Reader

	readTimeout  time.Duration
	writeTimeout time.Duration

	outbound chan wireFrame
	frames   chan Frame

	mu      sync.Mutex
	pending map[string]chan wireFrame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewJSONConn wraps conn and starts its read/write pumps. readTimeout bounds
// each individual read (a per-frame idle timeout, reset on every frame);
// writeTimeout bounds each individual write.
func NewJSONConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *JSONConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &JSONConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan wireFrame, outboundQueueSize),
		frames:       make(chan Frame, outboundQueueSize),
		pending:      make(map[string]chan wireFrame),
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *JSONConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *JSONConn) Frames() <-chan Frame { return c.frames }

func (c *JSONConn) Request(ctx context.Context, procedure string, data json.RawMessage) (json.RawMessage, error) {
	env, err := json.Marshal(requestEnvelope{Type: "/RPCRequest", Procedure: procedure, Data: data})
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	reply := make(chan wireFrame, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := wireFrame{Verb: VerbRPCRequest, ID: id, Data: env}
	select {
	case c.outbound <- frame:
	case <-c.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return nil, fmt.Errorf("transport: %s", resp.Error)
		}
		return resp.Data, nil
	case <-c.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *JSONConn) Send(event string, data json.RawMessage) error {
	env, err := json.Marshal(eventEnvelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	frame := wireFrame{Verb: VerbRemoteMessage, Data: env}
	select {
	case c.outbound <- frame:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
		return errors.New("transport: outbound queue full")
	}
}

func (c *JSONConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		notice := wireFrame{Verb: "close", Error: reason, Procedure: fmt.Sprintf("%d", code)}
		select {
		case c.outbound <- notice:
		default:
		}
		c.cancel()
		c.closeErr = c.conn.Close()
		close(c.frames)
	})
	return c.closeErr
}

func (c *JSONConn) readLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if c.readTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			c.Close(0, "read error")
			return
		}
		if len(line) <= 1 {
			continue
		}
		var wf wireFrame
		if err := json.Unmarshal(line, &wf); err != nil {
			continue
		}
		c.dispatch(wf)
	}
}

func (c *JSONConn) dispatch(wf wireFrame) {
	switch wf.Verb {
	case "rpc-response":
		c.mu.Lock()
		ch, ok := c.pending[wf.ID]
		c.mu.Unlock()
		if ok {
			ch <- wf
		}
	case VerbRPCRequest, VerbRemoteMessage:
		id := wf.ID
		f := Frame{Verb: wf.Verb, Data: wf.Data}
		if wf.Verb == VerbRPCRequest {
			var replied atomic.Bool
			f.Reply = func(data json.RawMessage, err error) error {
				if !replied.CompareAndSwap(false, true) {
					return ErrResponseAlreadySent
				}
				resp := wireFrame{Verb: "rpc-response", ID: id, Data: data}
				if err != nil {
					resp.Error = err.Error()
				}
				select {
				case c.outbound <- resp:
				case <-c.ctx.Done():
				}
				return nil
			}
		}
		select {
		case c.frames <- f:
		case <-c.ctx.Done():
		}
	}
}

func (c *JSONConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case wf, ok := <-c.outbound:
			if !ok {
				return
			}
			if wf.Verb == "close" {
				continue
			}
			data, err := json.Marshal(wf)
			if err != nil {
				continue
			}
			if c.writeTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if _, err := c.conn.Write(append(data, '\n')); err != nil {
				c.Close(0, "write error")
				return
			}
		}
	}
}
