package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Pipe returns two in-process Conns wired to each other, for exercising the
// p2p package's session/pool logic without opening a real socket.
func Pipe(addrA, addrB string) (Conn, Conn) {
	a := &pipeConn{remoteAddr: addrA, in: make(chan wireFrame, outboundQueueSize), frames: make(chan Frame, outboundQueueSize), pending: make(map[string]chan wireFrame)}
	b := &pipeConn{remoteAddr: addrB, in: make(chan wireFrame, outboundQueueSize), frames: make(chan Frame, outboundQueueSize), pending: make(map[string]chan wireFrame)}
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

type pipeConn struct {
	remoteAddr string
	peer       *pipeConn

	in     chan wireFrame
	frames chan Frame

	mu      sync.Mutex
	pending map[string]chan wireFrame
	closed  bool
}

func (p *pipeConn) RemoteAddr() string   { return p.remoteAddr }
func (p *pipeConn) Frames() <-chan Frame { return p.frames }

func (p *pipeConn) pump() {
	for wf := range p.in {
		p.dispatch(wf)
	}
	close(p.frames)
}

func (p *pipeConn) dispatch(wf wireFrame) {
	switch wf.Verb {
	case "rpc-response":
		p.mu.Lock()
		ch, ok := p.pending[wf.ID]
		p.mu.Unlock()
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
				p.peer.deliver(resp)
				return nil
			}
		}
		p.frames <- f
	}
}

func (p *pipeConn) deliver(wf wireFrame) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	select {
	case p.in <- wf:
	default:
	}
}

func (p *pipeConn) Request(ctx context.Context, procedure string, data json.RawMessage) (json.RawMessage, error) {
	env, err := json.Marshal(requestEnvelope{Type: "/RPCRequest", Procedure: procedure, Data: data})
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	reply := make(chan wireFrame, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending[id] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	p.peer.deliver(wireFrame{Verb: VerbRPCRequest, ID: id, Data: env})

	select {
	case resp := <-reply:
		if resp.Error != "" {
			return nil, fmt.Errorf("transport: %s", resp.Error)
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Send(event string, data json.RawMessage) error {
	env, err := json.Marshal(eventEnvelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	p.peer.deliver(wireFrame{Verb: VerbRemoteMessage, Data: env})
	return nil
}

func (p *pipeConn) Close(code int, reason string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.in)
	return nil
}
