package transport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// TestWebSocketLoopbackRequestAndMessage is the one networked test: it opens
// a real WebSocketListener bound to a loopback TCP port and drives a
// WebSocketDialer against it over an actual socket, round-tripping both an
// rpc-request/response and a fire-and-forget message (§8).
func TestWebSocketLoopbackRequestAndMessage(t *testing.T) {
	addr := "127.0.0.1:18372"
	ln, err := NewWebSocketListener(addr, 2*time.Second, 2*time.Second)
	if err != nil {
		t.Fatalf("NewWebSocketListener: %v", err)
	}
	defer ln.Close()

	go ln.ListenAndServe()

	dialer := WebSocketDialer{ReadTimeout: 2 * time.Second, WriteTimeout: 2 * time.Second}

	var clientConn Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		dialCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		c, dialErr := dialer.Dial(dialCtx, "ws://"+addr)
		cancel()
		if dialErr == nil {
			clientConn = c
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, dialErr)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer clientConn.Close(0, "")

	acceptCtx, acceptCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer acceptCancel()
	serverConn, err := ln.Accept(acceptCtx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer serverConn.Close(0, "")

	reqDone := make(chan error, 1)
	go func() {
		select {
		case frame := <-serverConn.Frames():
			if frame.Reply == nil {
				reqDone <- errors.New("request frame missing Reply")
				return
			}
			var env requestEnvelope
			if err := json.Unmarshal(frame.Data, &env); err != nil {
				reqDone <- err
				return
			}
			var payload map[string]string
			if err := json.Unmarshal(env.Data, &payload); err != nil {
				reqDone <- err
				return
			}
			resp, err := json.Marshal(map[string]string{"echo": payload["ping"]})
			if err != nil {
				reqDone <- err
				return
			}
			reqDone <- frame.Reply(resp, nil)
		case <-time.After(2 * time.Second):
			reqDone <- errors.New("timed out waiting for request frame")
		}
	}()

	reqData, err := json.Marshal(map[string]string{"ping": "hello"})
	if err != nil {
		t.Fatalf("marshal request payload: %v", err)
	}
	ctxReq, cancelReq := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelReq()
	resp, err := clientConn.Request(ctxReq, "echo", reqData)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := <-reqDone; err != nil {
		t.Fatalf("server-side reply: %v", err)
	}
	var decoded map[string]string
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if decoded["echo"] != "hello" {
		t.Fatalf("echo = %q, want %q", decoded["echo"], "hello")
	}

	msgDone := make(chan json.RawMessage, 1)
	go func() {
		select {
		case frame := <-serverConn.Frames():
			var env eventEnvelope
			if err := json.Unmarshal(frame.Data, &env); err != nil {
				msgDone <- nil
				return
			}
			msgDone <- env.Data
		case <-time.After(2 * time.Second):
			msgDone <- nil
		}
	}()

	msgData, err := json.Marshal(map[string]int{"seq": 1})
	if err != nil {
		t.Fatalf("marshal message payload: %v", err)
	}
	if err := clientConn.Send("tick", msgData); err != nil {
		t.Fatalf("Send: %v", err)
	}

	received := <-msgDone
	if received == nil {
		t.Fatalf("server side never received message frame")
	}
	var seq map[string]int
	if err := json.Unmarshal(received, &seq); err != nil {
		t.Fatalf("unmarshal message data: %v", err)
	}
	if seq["seq"] != 1 {
		t.Fatalf("seq = %d, want 1", seq["seq"])
	}
}
