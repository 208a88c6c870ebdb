// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

func TestProtocol_WriteMessage(t *testing.T) {
	t.Run("writes Content-Length header and body", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf, testLogger())

		if err := p.writeMessage(Request{JSONRPC: "2.0", ID: 1, Method: "test"}); err != nil {
			t.Fatalf("writeMessage: %v", err)
		}

		output := buf.String()
		header, body, ok := strings.Cut(output, "\r\n\r\n")
		if !ok {
			t.Fatalf("missing header terminator in %q", output)
		}
		if header != fmt.Sprintf("Content-Length: %d", len(body)) {
			t.Errorf("header = %q, body length %d", header, len(body))
		}
		for _, want := range []string{`"jsonrpc":"2.0"`, `"id":1`, `"method":"test"`} {
			if !strings.Contains(body, want) {
				t.Errorf("missing %s in %s", want, body)
			}
		}
	})

	t.Run("omits params when nil", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf, testLogger())

		if err := p.writeMessage(Notification{JSONRPC: "2.0", Method: "exit"}); err != nil {
			t.Fatalf("writeMessage: %v", err)
		}
		if strings.Contains(buf.String(), "params") {
			t.Errorf("unexpected params in %s", buf.String())
		}
	})
}

func TestProtocol_ReadMessage(t *testing.T) {
	msg := `{"jsonrpc":"2.0","id":1,"result":null}`

	t.Run("reads valid message", func(t *testing.T) {
		p := NewProtocol(strings.NewReader(frame(msg)), nil, testLogger())

		body, err := p.readMessage()
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}
		if string(body) != msg {
			t.Errorf("got %s, want %s", body, msg)
		}
	})

	t.Run("handles multiple headers", func(t *testing.T) {
		input := fmt.Sprintf("Content-Length: %d\r\nContent-Type: application/vscode-jsonrpc; charset=utf-8\r\n\r\n%s", len(msg), msg)
		p := NewProtocol(strings.NewReader(input), nil, testLogger())

		body, err := p.readMessage()
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}
		if string(body) != msg {
			t.Errorf("got %s, want %s", body, msg)
		}
	})

	t.Run("skips blank lines between frames", func(t *testing.T) {
		p := NewProtocol(strings.NewReader("\r\n\r\n"+frame(msg)), nil, testLogger())

		body, err := p.readMessage()
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}
		if string(body) != msg {
			t.Errorf("got %s, want %s", body, msg)
		}
	})

	t.Run("rejects missing Content-Length", func(t *testing.T) {
		p := NewProtocol(strings.NewReader("Content-Type: x\r\n\r\n{}"), nil, testLogger())

		_, err := p.readMessage()
		if !errors.Is(err, errMalformedFrame) {
			t.Errorf("got %v, want errMalformedFrame", err)
		}
	})

	t.Run("rejects invalid Content-Length", func(t *testing.T) {
		p := NewProtocol(strings.NewReader("Content-Length: abc\r\n\r\n{}"), nil, testLogger())

		_, err := p.readMessage()
		if !errors.Is(err, errMalformedFrame) {
			t.Errorf("got %v, want errMalformedFrame", err)
		}
	})

	t.Run("returns EOF on empty stream", func(t *testing.T) {
		p := NewProtocol(strings.NewReader(""), nil, testLogger())

		_, err := p.readMessage()
		if !errors.Is(err, io.EOF) {
			t.Errorf("got %v, want io.EOF", err)
		}
	})
}

func TestProtocol_SendRequest(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		client, server := pipeProtocols(t)
		server.OnRequest("echo", func(_ context.Context, params json.RawMessage) (any, error) {
			return params, nil
		})

		resp, err := client.SendRequest(context.Background(), "echo", map[string]int{"n": 7}, time.Second)
		if err != nil {
			t.Fatalf("SendRequest: %v", err)
		}
		if string(resp.Result) != `{"n":7}` {
			t.Errorf("result = %s", resp.Result)
		}
	})

	t.Run("returns LSPError for error responses", func(t *testing.T) {
		client, server := pipeProtocols(t)
		server.OnRequest("fail", func(context.Context, json.RawMessage) (any, error) {
			return nil, &LSPError{Code: CodeContentModified, Message: "content modified"}
		})

		_, err := client.SendRequest(context.Background(), "fail", nil, time.Second)
		var lspErr *LSPError
		if !errors.As(err, &lspErr) {
			t.Fatalf("got %v, want *LSPError", err)
		}
		if !lspErr.IsContentModified() {
			t.Errorf("code = %d", lspErr.Code)
		}
	})

	t.Run("unknown method gets method not found", func(t *testing.T) {
		client, _ := pipeProtocols(t)

		_, err := client.SendRequest(context.Background(), "nope", nil, time.Second)
		var lspErr *LSPError
		if !errors.As(err, &lspErr) || !lspErr.IsMethodNotFound() {
			t.Errorf("got %v, want method not found", err)
		}
	})

	t.Run("timeout is distinguishable", func(t *testing.T) {
		client, server := pipeProtocols(t)
		release := make(chan struct{})
		defer close(release)
		server.OnRequest("slow", func(context.Context, json.RawMessage) (any, error) {
			<-release
			return "late", nil
		})

		start := time.Now()
		_, err := client.SendRequest(context.Background(), "slow", nil, 50*time.Millisecond)
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("got %v, want ErrRequestTimeout", err)
		}
		if IsUnavailable(err) {
			t.Error("timeout must not count as unavailable")
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("timeout took %v", elapsed)
		}
		if n := client.PendingCount(); n != 0 {
			t.Errorf("PendingCount = %d after timeout", n)
		}
	})

	t.Run("context deadline maps to timeout", func(t *testing.T) {
		client, server := pipeProtocols(t)
		server.OnRequest("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := client.SendRequest(ctx, "slow", nil, 0)
		if !errors.Is(err, ErrRequestTimeout) {
			t.Errorf("got %v, want ErrRequestTimeout", err)
		}
	})

	t.Run("context cancel is not a timeout", func(t *testing.T) {
		client, server := pipeProtocols(t)
		server.OnRequest("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		_, err := client.SendRequest(ctx, "slow", nil, 0)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
		if errors.Is(err, ErrRequestTimeout) {
			t.Error("cancel reported as timeout")
		}
	})

	t.Run("late response is discarded", func(t *testing.T) {
		client, server := pipeProtocols(t)
		answered := make(chan struct{})
		server.OnRequest("slow", func(context.Context, json.RawMessage) (any, error) {
			time.Sleep(100 * time.Millisecond)
			defer close(answered)
			return "late", nil
		})
		server.OnRequest("fast", func(context.Context, json.RawMessage) (any, error) {
			return "fast", nil
		})

		_, err := client.SendRequest(context.Background(), "slow", nil, 20*time.Millisecond)
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("got %v, want ErrRequestTimeout", err)
		}
		<-answered

		resp, err := client.SendRequest(context.Background(), "fast", nil, time.Second)
		if err != nil {
			t.Fatalf("follow-up request: %v", err)
		}
		if string(resp.Result) != `"fast"` {
			t.Errorf("follow-up got %s; late response leaked", resp.Result)
		}
	})
}

func TestProtocol_ExactlyOnceCompletion(t *testing.T) {
	client, server := pipeProtocols(t)
	server.OnRequest("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})
	server.OnRequest("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return "late", nil
	})

	const n = 100
	var (
		wg        sync.WaitGroup
		completed atomic.Int32
		timeouts  atomic.Int32
		mismatch  atomic.Int32
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			method := "echo"
			if i%4 == 0 {
				method = "slow"
			}
			resp, err := client.SendRequest(context.Background(), method, map[string]int{"i": i}, 300*time.Millisecond)
			completed.Add(1)
			switch {
			case errors.Is(err, ErrRequestTimeout):
				timeouts.Add(1)
			case err != nil:
				t.Errorf("request %d: %v", i, err)
			case string(resp.Result) != fmt.Sprintf(`{"i":%d}`, i):
				mismatch.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := completed.Load(); got != n {
		t.Errorf("completed = %d, want %d", got, n)
	}
	if got := timeouts.Load(); got != n/4 {
		t.Errorf("timeouts = %d, want %d", got, n/4)
	}
	if got := mismatch.Load(); got != 0 {
		t.Errorf("%d responses delivered to the wrong caller", got)
	}
	if got := client.PendingCount(); got != 0 {
		t.Errorf("PendingCount = %d, want 0", got)
	}
}

func TestProtocol_ReadLoop(t *testing.T) {
	t.Run("drops malformed frames and keeps reading", func(t *testing.T) {
		r, w := io.Pipe()
		p := NewProtocol(r, io.Discard, testLogger())
		done := make(chan error, 1)
		go func() { done <- p.ReadLoop(context.Background()) }()

		result := make(chan error, 1)
		go func() {
			_, err := p.SendRequest(context.Background(), "x", nil, 2*time.Second)
			result <- err
		}()
		if !waitFor(t, time.Second, func() bool { return p.PendingCount() == 1 }) {
			t.Fatal("request never registered")
		}

		// Unparseable body, then a header line without a colon, then the
		// real response for id 1.
		_, _ = io.WriteString(w, frame(`{"jsonrpc":`))
		_, _ = io.WriteString(w, "garbage\r\n")
		_, _ = io.WriteString(w, frame(`{"jsonrpc":"2.0","id":1,"result":true}`))

		select {
		case err := <-result:
			if err != nil {
				t.Errorf("request failed: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("loop stopped after malformed frame")
		}

		_ = w.Close()
		if err := <-done; !errors.Is(err, ErrProcessTerminated) {
			t.Errorf("ReadLoop returned %v, want ErrProcessTerminated", err)
		}
	})

	t.Run("dispatches notifications", func(t *testing.T) {
		input := frame(`{"jsonrpc":"2.0","method":"window/logMessage","params":{"type":3,"message":"hi"}}`)
		p := NewProtocol(strings.NewReader(input), io.Discard, testLogger())

		var got string
		p.OnNotification("window/logMessage", func(params json.RawMessage) {
			got = string(params)
		})
		_ = p.ReadLoop(context.Background())

		if got != `{"type":3,"message":"hi"}` {
			t.Errorf("handler got %q", got)
		}
	})

	t.Run("answers unknown server requests with method not found", func(t *testing.T) {
		in := frame(`{"jsonrpc":"2.0","id":"abc","method":"custom/thing","params":{}}`)
		var out bytes.Buffer
		p := NewProtocol(strings.NewReader(in), &out, testLogger())
		_ = p.ReadLoop(context.Background())

		reply, err := NewProtocol(&out, nil, testLogger()).readMessage()
		if err != nil {
			t.Fatalf("no reply written: %v", err)
		}
		var msg struct {
			ID    string         `json:"id"`
			Error *ResponseError `json:"error"`
		}
		if err := json.Unmarshal(reply, &msg); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		if msg.ID != "abc" {
			t.Errorf("id = %q, want echoed string id", msg.ID)
		}
		if msg.Error == nil || msg.Error.Code != CodeMethodNotFound {
			t.Errorf("error = %+v, want -32601", msg.Error)
		}
	})

	t.Run("answers registered server requests", func(t *testing.T) {
		client, server := pipeProtocols(t)
		client.OnRequest("workspace/configuration", func(context.Context, json.RawMessage) (any, error) {
			return []any{nil, nil}, nil
		})

		resp, err := server.SendRequest(context.Background(), "workspace/configuration",
			map[string]any{"items": []any{map[string]string{}, map[string]string{}}}, time.Second)
		if err != nil {
			t.Fatalf("server request: %v", err)
		}
		if string(resp.Result) != "[null,null]" {
			t.Errorf("result = %s", resp.Result)
		}
	})
}

func TestProtocol_Close(t *testing.T) {
	t.Run("fails pending requests with process terminated", func(t *testing.T) {
		r, _ := io.Pipe()
		p := NewProtocol(r, io.Discard, testLogger())

		const n = 5
		errs := make(chan error, n)
		for range n {
			go func() {
				_, err := p.SendRequest(context.Background(), "x", nil, time.Minute)
				errs <- err
			}()
		}
		if !waitFor(t, time.Second, func() bool { return p.PendingCount() == n }) {
			t.Fatalf("PendingCount = %d, want %d", p.PendingCount(), n)
		}

		p.Close()
		for range n {
			select {
			case err := <-errs:
				if !errors.Is(err, ErrProcessTerminated) {
					t.Errorf("got %v, want ErrProcessTerminated", err)
				}
			case <-time.After(time.Second):
				t.Fatal("pending request not released by Close")
			}
		}
	})

	t.Run("rejects sends after close", func(t *testing.T) {
		p := NewProtocol(nil, io.Discard, testLogger())
		p.Close()
		p.Close()

		if _, err := p.SendRequest(context.Background(), "x", nil, time.Second); !errors.Is(err, ErrServerNotRunning) {
			t.Errorf("SendRequest got %v, want ErrServerNotRunning", err)
		}
		if err := p.SendNotification("x", nil); !errors.Is(err, ErrServerNotRunning) {
			t.Errorf("SendNotification got %v, want ErrServerNotRunning", err)
		}
	})

	t.Run("EOF fails pending requests", func(t *testing.T) {
		r, w := io.Pipe()
		p := NewProtocol(r, io.Discard, testLogger())
		go func() { _ = p.ReadLoop(context.Background()) }()

		errc := make(chan error, 1)
		go func() {
			_, err := p.SendRequest(context.Background(), "x", nil, time.Minute)
			errc <- err
		}()
		waitFor(t, time.Second, func() bool { return p.PendingCount() == 1 })
		_ = w.Close()

		select {
		case err := <-errc:
			if !errors.Is(err, ErrProcessTerminated) {
				t.Errorf("got %v, want ErrProcessTerminated", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending request not released on EOF")
		}
	})
}
