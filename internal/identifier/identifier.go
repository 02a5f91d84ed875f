// Package identifier performs the one-shot register-read sequence
// that classifies a freshly discovered host as a supported SMA
// inverter.
package identifier

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/holmgren-iot/smamon/internal/inverter"
	"github.com/holmgren-iot/smamon/internal/transport"
)

const (
	regDeviceClass     = 30051
	regModelID         = 30053
	regSerialNumber    = 30057
	regSoftwareVersion = 30059
	regMaxPower        = 30231
	regPowerLimitScale = 30837
	regStatus          = 40029
	regGridVoltageFreq = 40133
	regGridCode        = 43090
	regOperatingMode   = 40210

	expectedDeviceClass = 8001
	gridCodeAcceptedBit = 1
	operatingModeWatt   = uint32(inverter.ModeWatt)

	maxGridCodeRetries = 3
	maxOpModeRetries   = 3
)

// modelEntry names a recognized model and how to decode its firmware
// word. Some SMA firmware generations pack the version as BCD per
// byte, others as a raw 32-bit counter; the table lookup keeps that
// per-model difference out of the read sequence itself.
type modelEntry struct {
	productName    string
	phaseCount     int
	decodeFirmware func(raw uint32) string
}

func decodeFirmwareRaw(raw uint32) string {
	return strconv.FormatUint(uint64(raw), 10)
}

func decodeFirmwareBCD(raw uint32) string {
	b0 := (raw >> 24) & 0xFF
	b1 := (raw >> 16) & 0xFF
	b2 := (raw >> 8) & 0xFF
	b3 := raw & 0xFF
	return fmt.Sprintf("%d.%d.%d.%d", b0, b1, b2, b3)
}

var models = map[uint16]modelEntry{
	9074: {productName: "SMA SB 3000TL-21", phaseCount: 1, decodeFirmware: decodeFirmwareRaw},
	9075: {productName: "SMA SB 4000TL-21", phaseCount: 1, decodeFirmware: decodeFirmwareRaw},
	9076: {productName: "SMA SB 5000TL-21", phaseCount: 1, decodeFirmware: decodeFirmwareRaw},
	9165: {productName: "SMA SB 3600TL-21", phaseCount: 1, decodeFirmware: decodeFirmwareBCD},
}

// Failure is a terminal, non-retryable identification outcome.
type Failure struct {
	Reason string
}

func (f *Failure) Error() string { return f.Reason }

// Identify runs the full register-read/write sequence against conn
// and returns a populated DeviceInfo, a *Failure if the device is
// unsupported, or a wrapped transport error if a read or write of the
// sequence fails.
//
// gridCode is the desired grid-code value from settings (0 means
// read-only mode is intentional and no login is attempted).
func Identify(ctx context.Context, conn *transport.Conn, host string, port uint16, unitID uint8, gridCode uint32) (*inverter.DeviceInfo, error) {
	di := &inverter.DeviceInfo{
		HostName: host,
		Port:     port,
		UnitID:   unitID,
	}

	// Step 1: device class
	deviceClass, err := transport.ReadRegister[uint32](conn, ctx, regDeviceClass)
	if err != nil {
		return nil, fmt.Errorf("identifier: read device class: %w", err)
	}
	if deviceClass != expectedDeviceClass {
		return nil, &Failure{Reason: fmt.Sprintf("unsupported device class %d", deviceClass)}
	}
	di.DeviceClass = deviceClass

	// Step 2: model ID
	modelIDWord, err := transport.ReadRegister[uint32](conn, ctx, regModelID)
	if err != nil {
		return nil, fmt.Errorf("identifier: read model id: %w", err)
	}
	modelID := uint16(modelIDWord)
	model, ok := models[modelID]
	if !ok {
		return nil, &Failure{Reason: fmt.Sprintf("unrecognized model id %d", modelID)}
	}
	di.ModelID = modelID
	di.ProductName = model.productName
	di.PhaseCount = model.phaseCount

	// Step 3: serial number
	serial, err := transport.ReadRegister[uint32](conn, ctx, regSerialNumber)
	if err != nil {
		return nil, fmt.Errorf("identifier: read serial number: %w", err)
	}
	di.SerialNumber = strconv.FormatUint(uint64(serial), 10)

	// Step 4: firmware/software version
	firmware, err := transport.ReadRegister[uint32](conn, ctx, regSoftwareVersion)
	if err != nil {
		return nil, fmt.Errorf("identifier: read software version: %w", err)
	}
	di.FirmwareVersion = model.decodeFirmware(firmware)

	// Step 5: nameplate max power
	maxPower, err := transport.ReadRegister[uint32](conn, ctx, regMaxPower)
	if err != nil {
		return nil, fmt.Errorf("identifier: read max power: %w", err)
	}
	di.MaxPowerWatts = maxPower

	// Step 6: power-limit scale
	scale, err := transport.ReadRegister[uint32](conn, ctx, regPowerLimitScale)
	if err != nil {
		return nil, fmt.Errorf("identifier: read power limit scale: %w", err)
	}
	di.PowerLimitScale = scale

	// Step 7: status (informational)
	if _, err := transport.ReadRegister[uint32](conn, ctx, regStatus); err != nil {
		return nil, fmt.Errorf("identifier: read status: %w", err)
	}

	// Step 8: grid voltage/frequency (informational, 4 registers)
	if _, err := transport.ReadRegisters[uint16](conn, ctx, regGridVoltageFreq, 4); err != nil {
		return nil, fmt.Errorf("identifier: read grid voltage/frequency: %w", err)
	}

	di.RetrievalMode = inverter.ReadOnly

	if gridCode == 0 {
		slog.Info("identifier: grid code is 0, leaving device read-only", "host", host)
		return di, nil
	}

	// Steps 9-10: write + verify grid code, bounded retries.
	loggedIn := false
	for attempt := 0; attempt < maxGridCodeRetries; attempt++ {
		if err := writeGridCode(ctx, conn, gridCode); err != nil {
			return nil, fmt.Errorf("identifier: write grid code: %w", err)
		}
		accepted, err := transport.ReadRegister[uint32](conn, ctx, regGridCode)
		if err != nil {
			return nil, fmt.Errorf("identifier: read grid code status: %w", err)
		}
		if uint16(accepted) == gridCodeAcceptedBit {
			loggedIn = true
			break
		}
	}
	if !loggedIn {
		slog.Info("identifier: grid code not accepted after retries, finalizing read-only", "host", host)
		return di, nil
	}

	// Steps 11-12: write + verify operating mode, bounded retries.
	for attempt := 0; attempt < maxOpModeRetries; attempt++ {
		if err := conn.WriteMultipleRegisters(ctx, regOperatingMode, []uint16{0, uint16(operatingModeWatt)}); err != nil {
			return nil, fmt.Errorf("identifier: write operating mode: %w", err)
		}
		mode, err := transport.ReadRegister[uint32](conn, ctx, regOperatingMode)
		if err != nil {
			return nil, fmt.Errorf("identifier: read operating mode: %w", err)
		}
		if mode == operatingModeWatt {
			di.RetrievalMode = inverter.ReadWrite
			return di, nil
		}
	}

	slog.Info("identifier: operating mode not confirmed as Watt, staying read-only", "host", host)
	return di, nil
}

func writeGridCode(ctx context.Context, conn *transport.Conn, gridCode uint32) error {
	hi := uint16(gridCode >> 16)
	lo := uint16(gridCode & 0xFFFF)
	return conn.WriteMultipleRegisters(ctx, regGridCode, []uint16{hi, lo})
}
