package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/constraints"
	"golang.org/x/sync/errgroup"
)

// requestTimeout bounds how long a single outstanding request may wait
// for its response before failing as a transient transport error. It is
// fixed at connect time for every request on the connection.
const requestTimeout = 5000 * time.Millisecond

// Conn is an asynchronous Modbus/TCP connection. Requests are
// transaction-ID tagged so a single connection can have multiple calls
// in flight; FunctionCall blocks its caller goroutine on a private
// result channel, which is the cooperative-event-loop's suspension
// point per invocation.
type Conn struct {
	conn   net.Conn
	txID   *atomic.Uint32
	unitID uint8

	aduRxCh chan *ADU
	aduTxCh chan *ADU

	waitersMu sync.Mutex
	waiters   map[uint16]chan *ADU
}

// NewConn wraps an already-dialed TCP connection. unitID is the
// Modbus slave/unit identifier carried in the MBAP header.
func NewConn(conn net.Conn, unitID uint8) *Conn {
	txID := atomic.Uint32{} // atomic has no u16; u32 overflow on conversion is fine
	txID.Store(1)

	return &Conn{
		conn:   conn,
		txID:   &txID,
		unitID: unitID,

		aduRxCh: make(chan *ADU),
		aduTxCh: make(chan *ADU),
		waiters: make(map[uint16]chan *ADU),
	}
}

// Run drives the connection's receiver, transmitter, and
// waiter-fanout goroutines until ctx is cancelled or the connection
// fails. It must be run in its own goroutine; FunctionCall calls made
// before Run is running will block until it starts.
func (c *Conn) Run(parentCtx context.Context) error {
	defer c.conn.Close()
	g, ctx := errgroup.WithContext(parentCtx)

	g.Go(func() error {
		return c.receiver(ctx)
	})

	g.Go(func() error {
		return c.transmitter(ctx)
	})

	g.Go(func() error {
		return c.fanout(ctx)
	})

	return g.Wait()
}

func (c *Conn) receiver(ctx context.Context) error {
	for {
		packet := &ADU{}
		err := packet.Scan(c.conn)
		if err != nil {
			return err
		}

		select {
		case c.aduRxCh <- packet:

		case <-ctx.Done():
			slog.Info("transport receiver context finished")
			return ctx.Err()
		}
	}
}

func (c *Conn) transmitter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			slog.Info("transport transmitter context finished")
			return ctx.Err()

		case packet := <-c.aduTxCh:
			b := packet.Marshal()
			slog.Debug("sending packet", "transaction_id", packet.TransactionID, "function_code", packet.FunctionCode)
			_, err := c.conn.Write(b)
			if err != nil {
				return err
			}
		}
	}
}

func (c *Conn) fanout(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			slog.Info("transport fanout context finished")
			return ctx.Err()

		case packet := <-c.aduRxCh:
			c.waitersMu.Lock()
			ch, ok := c.waiters[packet.TransactionID]
			delete(c.waiters, packet.TransactionID)
			c.waitersMu.Unlock()

			if !ok {
				continue
			}

			ch <- packet
		}
	}
}

func (c *Conn) waiter(transactionID uint16) chan *ADU {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()

	c.waiters[transactionID] = make(chan *ADU, 1)
	return c.waiters[transactionID]
}

// dropWaiter discards a waiter whose request gave up (timeout or
// caller cancellation), so a late response for it is ignored by the
// fanout rather than leaking a map entry forever.
func (c *Conn) dropWaiter(transactionID uint16) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	delete(c.waiters, transactionID)
}

// FunctionCall issues one request and blocks until its matching
// response arrives, the per-request timeout elapses, or ctx is done.
// This is the single suspension point a poller's event loop crosses
// when it "issues a request."
func (c *Conn) FunctionCall(parentCtx context.Context, fc uint8, data []byte) (*ADU, error) {
	ctx, cancel := context.WithTimeout(parentCtx, requestTimeout)
	defer cancel()

	transactionID := uint16(c.txID.Add(1))
	req := &ADU{
		MBAPHeader: MBAPHeader{
			TransactionID: transactionID,
			ProtocolID:    0x0000,
			Length:        uint16(len(data) + 2), // unit id + fc
			UnitID:        c.unitID,
		},
		FunctionCode: fc,
		Data:         data,
	}

	slog.Debug("sending modbus function call", "transaction_id", transactionID, "function_code", fc)
	resultCh := c.waiter(transactionID)

	select {
	case c.aduTxCh <- req:

	case <-ctx.Done():
		c.dropWaiter(transactionID)
		return nil, fmt.Errorf("modbus: waiting to send call: %v", ctx.Err())
	}

	select {
	case <-ctx.Done():
		c.dropWaiter(transactionID)
		return nil, fmt.Errorf("modbus: waiting to receive response: %v", ctx.Err())

	case result := <-resultCh:
		if result.FunctionCode&0x80 != 0 {
			excCode := uint8(0)
			if len(result.Data) > 0 {
				excCode = result.Data[0]
			}
			return nil, &ExceptionError{FunctionCode: fc, ExceptionCode: excCode}
		}
		return result, nil
	}
}

// ReadHoldingRegistersRaw issues function code 3 and returns the raw
// big-endian register bytes (2 bytes per register, quantity
// registers).
func (c *Conn) ReadHoldingRegistersRaw(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if quantity < 1 || quantity > 125 {
		return nil, fmt.Errorf("modbus: quantity %d must be between 1 and 125", quantity)
	}

	var buff bytes.Buffer
	binary.Write(&buff, binary.BigEndian, address)
	binary.Write(&buff, binary.BigEndian, quantity)

	resp, err := c.FunctionCall(ctx, FuncReadHoldingRegisters, buff.Bytes())
	if err != nil {
		return nil, fmt.Errorf("modbus: read holding registers: %v", err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("modbus: register read response data is empty")
	}

	count := uint16(resp.Data[0])
	if count != quantity*2 {
		return nil, fmt.Errorf("modbus: response size %d does not match requested %d registers", count, quantity*2)
	}

	values := resp.Data[1:]
	if int(count) != len(values) {
		return nil, fmt.Errorf("modbus: response payload size %d does not match expected %d", len(values), count)
	}

	return values, nil
}

// WriteMultipleRegisters issues function code 16 (write multiple
// holding registers), absent from the register-read-only transport
// this package started from. values are big-endian 16-bit register
// values written starting at address.
func (c *Conn) WriteMultipleRegisters(ctx context.Context, address uint16, values []uint16) error {
	if len(values) < 1 || len(values) > 123 {
		return fmt.Errorf("modbus: write quantity %d must be between 1 and 123", len(values))
	}

	var buff bytes.Buffer
	binary.Write(&buff, binary.BigEndian, address)
	binary.Write(&buff, binary.BigEndian, uint16(len(values)))
	binary.Write(&buff, binary.BigEndian, uint8(len(values)*2))
	for _, v := range values {
		binary.Write(&buff, binary.BigEndian, v)
	}

	resp, err := c.FunctionCall(ctx, FuncWriteMultipleRegisters, buff.Bytes())
	if err != nil {
		return fmt.Errorf("modbus: write multiple registers: %v", err)
	}

	if len(resp.Data) < 4 {
		return fmt.Errorf("modbus: write response too short")
	}
	gotAddr := binary.BigEndian.Uint16(resp.Data[0:2])
	gotCount := binary.BigEndian.Uint16(resp.Data[2:4])
	if gotAddr != address || int(gotCount) != len(values) {
		return fmt.Errorf("modbus: write response echo mismatch (addr %d/%d, count %d/%d)", gotAddr, address, gotCount, len(values))
	}
	return nil
}

// ReadRegisters decodes quantityT values of type T out of the
// holding-register space, starting at address, using however many
// 16-bit registers T requires.
func ReadRegisters[T constraints.Integer | constraints.Float](c *Conn, ctx context.Context, address, quantityT uint16) ([]T, error) {
	tSize := intDataSize(T(0))
	quantityU16 := uint16(math.Ceil(float64(quantityT) * float64(tSize) / 2))

	if quantityU16 > 125 {
		return nil, fmt.Errorf("modbus: reading %d values needs %d u16 registers, more than 125", quantityT, quantityU16)
	}

	valuesAsBytes, err := c.ReadHoldingRegistersRaw(ctx, address, quantityU16)
	if err != nil {
		return nil, err
	}

	results := make([]T, quantityT)
	for i := range results {
		this := i * tSize
		next := (i + 1) * tSize
		binary.Decode(valuesAsBytes[this:next], binary.BigEndian, &results[i])
	}

	return results, nil
}

// ReadRegister reads a single value of type T.
func ReadRegister[T constraints.Integer | constraints.Float](c *Conn, ctx context.Context, address uint16) (T, error) {
	res, err := ReadRegisters[T](c, ctx, address, 1)
	if err != nil {
		return T(0), err
	}
	return res[0], nil
}

// ReadRegisterString reads size registers as a NUL-trimmed ASCII
// string.
func ReadRegisterString(c *Conn, ctx context.Context, address uint16, size uint16) (string, error) {
	res, err := ReadRegisters[byte](c, ctx, address, size*2)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(res), "\x00"), nil
}

// from encoding/binary, trimmed to scalar types and made generic.
func intDataSize[T constraints.Integer | constraints.Float](data T) int {
	switch any(data).(type) {
	case int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	case int64, uint64, float64:
		return 8
	}
	return 0
}
