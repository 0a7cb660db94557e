package stream

import (
	"context"
	"encoding/base64"
	"net"
	"sync"
	"testing"
	"time"
)

func TestRelayConnToInboundDispatcher(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	var sent []string
	var mu sync.Mutex
	send := func(payload string) {
		mu.Lock()
		sent = append(sent, payload)
		mu.Unlock()
	}

	inbound := make(chan []byte)
	r := New(serverSide, inbound, send)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	if _, err := clientSide.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for relay to forward bytes")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	got, err := base64.StdEncoding.DecodeString(sent[0])
	mu.Unlock()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	clientSide.Close()
	<-done
}

func TestRelayInboundToConn(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()

	inbound := make(chan []byte, 1)
	r := New(serverSide, inbound, func(string) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := clientSide.Read(buf)
		if err != nil {
			readDone <- nil
			return
		}
		readDone <- buf[:n]
	}()

	go r.Run(ctx)

	inbound <- []byte("world")

	select {
	case got := <-readDone:
		if string(got) != "world" {
			t.Fatalf("got %q, want %q", got, "world")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bytes on the conn side")
	}
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	inbound := make(chan []byte)
	r := New(serverSide, inbound, func(string) {})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after context cancellation")
	}
}

func TestRelayStopsOnInboundClose(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	inbound := make(chan []byte)
	r := New(serverSide, inbound, func(string) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	close(inbound)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after inbound channel closed")
	}
}
