package transport_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/holmgren-iot/smamon/internal/modbustest"
	"github.com/holmgren-iot/smamon/internal/transport"
)

func dialServer(t *testing.T, srv *modbustest.Server) *transport.Conn {
	t.Helper()
	go func() {
		if err := srv.Serve(); err != nil {
			t.Logf("server: %v", err)
		}
	}()

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	c := transport.NewConn(conn, 3)
	go c.Run(context.Background())
	return c
}

func TestReadHoldingRegistersRoundTrip(t *testing.T) {
	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	srv.SetRegisters(30051, 0, 8001)

	c := dialServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := transport.ReadRegisters[uint32](c, ctx, 30051, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got[0] != 8001 {
		t.Fatalf("got %d, want 8001", got[0])
	}
}

func TestWriteMultipleRegisters(t *testing.T) {
	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	c := dialServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.WriteMultipleRegisters(ctx, 43090, []uint16{0, 1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	writes := srv.Writes()
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
	if writes[0].Address != 43090 || writes[0].Values[1] != 1 {
		t.Fatalf("unexpected write recorded: %+v", writes[0])
	}
}

func TestReadQuantityBounds(t *testing.T) {
	srv, err := modbustest.NewServer()
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	c := dialServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := c.ReadHoldingRegistersRaw(ctx, 0, 0); err == nil {
		t.Fatalf("expected error for zero quantity")
	}
}
