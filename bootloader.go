// Package espboot implements the host side of the ESP serial ROM bootloader
// protocol (https://docs.espressif.com/projects/esptool/en/latest/esp32/advanced-topics/serial-protocol.html).
//
// The package contains three layers. The Receiver polls a serial Port and
// hands new bytes to a ResponseAnalyzer, which recognizes the boot banner and
// binary response frames. The Sequencer drives RTS/DTR to reset the chip into
// download mode or back into its application. Session composes both into the
// Open, SendSync, Query and Close steps and implements the Bootloader interface.
//
// Also included is a command line tool, found in the cmd/espboot directory,
// that reads the MAC address and chip id of a connected chip.
package espboot

import (
	"context"
	"fmt"
	"net"
)

// The Bootloader interface allows interaction with the ROM bootloader
// independently of how the session is set up.
type Bootloader interface {
	Open(ctx context.Context, port string) (string, error)
	SendSync(ctx context.Context) error
	ReadReg(ctx context.Context, address uint32) (uint32, error)
	Query(ctx context.Context) (HardwareInfo, error)
	Close()
}

// Efuse registers holding the factory MAC address.
const (
	EfuseBase       = 0x60007000
	EfuseBlock1Addr = EfuseBase + 0x0044
	EfuseBlock2Addr = EfuseBase + 0x005C
	EfuseMACReg0    = EfuseBase + 0x0044
	EfuseMACReg1    = EfuseBase + 0x0048
)

// HardwareInfo holds the identity read from the efuse registers.
type HardwareInfo struct {
	// EfuseMAC has the first register in bits 0-31 and the low half of the
	// second register in bits 32-47.
	EfuseMAC uint64
	ChipID   uint16
}

// NewHardwareInfo combines the two MAC register reads.
func NewHardwareInfo(reg0, reg1 uint32) HardwareInfo {
	return HardwareInfo{
		EfuseMAC: uint64(reg0) | uint64(reg1&0xFFFF)<<32,
		ChipID:   uint16(reg1),
	}
}

// MAC returns the address bytes: the first register most significant byte
// first, followed by the low half of the second register.
func (h HardwareInfo) MAC() net.HardwareAddr {
	reg0 := uint32(h.EfuseMAC)
	reg1 := uint16(h.EfuseMAC >> 32)
	return net.HardwareAddr{
		byte(reg0 >> 24), byte(reg0 >> 16), byte(reg0 >> 8), byte(reg0),
		byte(reg1 >> 8), byte(reg1),
	}
}

func (h HardwareInfo) String() string {
	return fmt.Sprintf("MAC addr: %012X, CHIP ID: %04X", h.EfuseMAC, h.ChipID)
}
