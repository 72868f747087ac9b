package instrument_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/instrumentd/internal/instrument"
)

// fakeDevice answers newline-delimited JSON on a loopback listener.
func fakeDevice(t *testing.T, reply func(op string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					var req struct {
						Op string `json:"op"`
					}
					if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
						return
					}
					if _, err := conn.Write([]byte(reply(req.Op) + "\n")); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestRawTCPRoundTrip(t *testing.T) {
	t.Parallel()

	addr := fakeDevice(t, func(op string) string {
		return `{"status":"ok","result":{"op":"` + op + `"}}`
	})
	c := instrument.NewRawTCP(addr, 2*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	out, err := c.Do(context.Background(), "status", nil)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	result := out.(map[string]any)
	if result["op"] != "status" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRawTCPDeviceError(t *testing.T) {
	t.Parallel()

	addr := fakeDevice(t, func(string) string {
		return `{"status":"error","error":"amplifier off"}`
	})
	c := instrument.NewRawTCP(addr, 2*time.Second)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	_, err := c.Do(context.Background(), "read", nil)
	if err == nil || !strings.Contains(err.Error(), "amplifier off") {
		t.Fatalf("expected device error, got %v", err)
	}
}

func TestRawTCPConnectFailure(t *testing.T) {
	t.Parallel()

	c := instrument.NewRawTCP("127.0.0.1:1", 500*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("expected connect failure on closed port")
	}
}

func TestRawTCPDoBeforeConnect(t *testing.T) {
	t.Parallel()

	c := instrument.NewRawTCP("127.0.0.1:1", time.Second)
	if _, err := c.Do(context.Background(), "status", nil); err == nil {
		t.Fatal("expected ErrNotConnected")
	}
}
