// Package transport implements the Modbus/TCP wire protocol: MBAP
// framing plus the two PDU shapes this daemon needs (read holding
// registers, write multiple holding registers).
package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MBAPHeader is the 7-byte Modbus Application Protocol header that
// precedes every PDU on the wire.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	UnitID        uint8
}

func (h *MBAPHeader) Scan(r io.Reader) error {
	header := make([]byte, 7)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return fmt.Errorf("failed to read header: %v", err)
	}

	headerR := bytes.NewReader(header)

	binary.Read(headerR, binary.BigEndian, &h.TransactionID)
	binary.Read(headerR, binary.BigEndian, &h.ProtocolID)
	binary.Read(headerR, binary.BigEndian, &h.Length)
	binary.Read(headerR, binary.BigEndian, &h.UnitID)

	if h.ProtocolID != 0 {
		return fmt.Errorf("invalid protocol id: %d", h.ProtocolID)
	}
	if h.Length < 2 {
		return fmt.Errorf("invalid length: %d", h.Length)
	}

	return nil
}

func (h *MBAPHeader) Marshal() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.BigEndian, h.TransactionID)
	binary.Write(buf, binary.BigEndian, h.ProtocolID)
	binary.Write(buf, binary.BigEndian, h.Length)
	binary.Write(buf, binary.BigEndian, h.UnitID)

	return buf.Bytes()
}

// ADU is a full Modbus/TCP application data unit: header + function
// code + PDU payload.
type ADU struct {
	MBAPHeader

	FunctionCode uint8
	Data         []byte
}

func (h *ADU) Scan(r io.Reader) error {
	err := h.MBAPHeader.Scan(r)
	if err != nil {
		return err
	}

	err = binary.Read(r, binary.BigEndian, &h.FunctionCode)
	if err != nil {
		return fmt.Errorf("failed to read function code: %v", err)
	}

	h.Data = make([]byte, h.Length-2) // -2 for unit id + fc (already read)
	_, err = io.ReadFull(r, h.Data)

	if err != nil {
		return fmt.Errorf("failed to read data: %v", err)
	}
	return nil
}

func (h *ADU) Unmarshal(b []byte) error {
	return h.Scan(bytes.NewReader(b))
}

func (h *ADU) Marshal() []byte {
	buf := new(bytes.Buffer)

	buf.Write(h.MBAPHeader.Marshal())
	buf.WriteByte(h.FunctionCode)
	buf.Write(h.Data)

	return buf.Bytes()
}

// Function codes this daemon speaks. Only reads and one write shape
// are needed; unsupported codes (coils, discrete inputs, FC 0x2B
// device-info objects) have no caller in this daemon.
const (
	FuncReadHoldingRegisters  uint8 = 0x03
	FuncWriteMultipleRegisters uint8 = 0x10
)

// ExceptionError wraps a Modbus exception response (function code with
// the high bit set, one exception-code data byte).
type ExceptionError struct {
	FunctionCode  uint8
	ExceptionCode uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception: function 0x%02x, code 0x%02x", e.FunctionCode, e.ExceptionCode)
}
