// Package modbustest provides an in-memory Modbus/TCP register server
// for exercising internal/transport, internal/identifier, and
// internal/poller without a physical inverter. It speaks the same
// MBAP/ADU wire format those packages use against a real device.
package modbustest

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/holmgren-iot/smamon/internal/transport"
)

// Server is a minimal Modbus/TCP slave backed by an in-memory register
// file. Registers not explicitly set read back as zero.
type Server struct {
	mu        sync.Mutex
	registers map[uint16]uint16
	pinned    map[uint16]bool
	writes    []Write
	reads     []Read
	failReads int

	ln net.Listener
}

// Write records one accepted WriteMultipleRegisters call, so tests can
// assert on what the code under test actually wrote.
type Write struct {
	Address uint16
	Values  []uint16
}

// Read records one served ReadHoldingRegisters call, so tests can
// assert the exact register sequence the code under test requested.
type Read struct {
	Address  uint16
	Quantity uint16
}

// NewServer starts listening on an ephemeral local port.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &Server{
		registers: make(map[uint16]uint16),
		pinned:    make(map[uint16]bool),
		ln:        ln,
	}, nil
}

// PinRegister freezes address at value: writes are still acknowledged
// (to exercise the write path), but the stored value never changes,
// simulating a vendor that rejects a login/mode write.
func (s *Server) PinRegister(address uint16, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[address] = value
	s.pinned[address] = true
}

// Addr returns the host:port the server is listening on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// FailNextReads makes the next n read requests (of any address) come
// back as Modbus exception responses, simulating a flaky transport
// without touching the TCP connection itself.
func (s *Server) FailNextReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = n
}

// SetRegisters seeds register values starting at address.
func (s *Server) SetRegisters(address uint16, values ...uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range values {
		s.registers[address+uint16(i)] = v
	}
}

// Writes returns a copy of every write this server has accepted so
// far.
func (s *Server) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// Reads returns a copy of every read this server has served so far, in
// arrival order.
func (s *Server) Reads() []Read {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Read, len(s.reads))
	copy(out, s.reads)
	return out
}

// Serve accepts a single connection and answers requests on it until
// the connection closes. Tests that need more than one connection
// should call Serve again.
func (s *Server) Serve() error {
	conn, err := s.ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		adu := &transport.ADU{}
		if err := adu.Scan(conn); err != nil {
			return nil // connection closed by client, not a test failure
		}

		resp, err := s.handle(adu)
		if err != nil {
			resp = &transport.ADU{
				MBAPHeader:   adu.MBAPHeader,
				FunctionCode: adu.FunctionCode | 0x80,
				Data:         []byte{0x04},
			}
			resp.Length = uint16(len(resp.Data) + 2)
		}
		resp.TransactionID = adu.TransactionID
		resp.Length = uint16(len(resp.Data) + 2)

		if _, err := conn.Write(resp.Marshal()); err != nil {
			return err
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) handle(adu *transport.ADU) (*transport.ADU, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch adu.FunctionCode {
	case transport.FuncReadHoldingRegisters:
		if len(adu.Data) != 4 {
			return nil, fmt.Errorf("bad read request length")
		}
		if s.failReads > 0 {
			s.failReads--
			return nil, fmt.Errorf("injected read failure")
		}
		address := binary.BigEndian.Uint16(adu.Data[0:2])
		quantity := binary.BigEndian.Uint16(adu.Data[2:4])
		s.reads = append(s.reads, Read{Address: address, Quantity: quantity})

		data := make([]byte, 1+int(quantity)*2)
		data[0] = byte(quantity * 2)
		for i := uint16(0); i < quantity; i++ {
			v := s.registers[address+i]
			binary.BigEndian.PutUint16(data[1+int(i)*2:], v)
		}
		return &transport.ADU{MBAPHeader: adu.MBAPHeader, FunctionCode: adu.FunctionCode, Data: data}, nil

	case transport.FuncWriteMultipleRegisters:
		if len(adu.Data) < 5 {
			return nil, fmt.Errorf("bad write request length")
		}
		address := binary.BigEndian.Uint16(adu.Data[0:2])
		quantity := binary.BigEndian.Uint16(adu.Data[2:4])
		byteCount := adu.Data[4]
		if int(byteCount) != int(quantity)*2 || len(adu.Data) != 5+int(byteCount) {
			return nil, fmt.Errorf("bad write payload size")
		}

		values := make([]uint16, quantity)
		for i := uint16(0); i < quantity; i++ {
			v := binary.BigEndian.Uint16(adu.Data[5+int(i)*2:])
			values[i] = v
			if !s.pinned[address+i] {
				s.registers[address+i] = v
			}
		}
		s.writes = append(s.writes, Write{Address: address, Values: values})

		data := make([]byte, 4)
		binary.BigEndian.PutUint16(data[0:2], address)
		binary.BigEndian.PutUint16(data[2:4], quantity)
		return &transport.ADU{MBAPHeader: adu.MBAPHeader, FunctionCode: adu.FunctionCode, Data: data}, nil

	default:
		return nil, fmt.Errorf("unsupported function code 0x%02x", adu.FunctionCode)
	}
}
