package espboot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame delimiters and direction bytes.
const (
	frameEnd        = 0xC0
	dirRequest      = 0x00
	dirResponse     = 0x01
	headerLength    = 9
	maxResponseData = 1024
)

// syncMagic is the fixed preamble of the SYNC payload, followed by 32 bytes of 0x55.
var syncMagic = []byte{0x07, 0x07, 0x12, 0x20}

// Request is an outgoing command frame.
type Request struct {
	Command Command
	// Size is the declared payload length. It is sent as given, so it must
	// match len(Data) for the device to accept the frame.
	Size  uint16
	Value uint32
	Data  []byte
}

// Bytes returns the encoded frame:
// C0 00 <cmd> <size:u16 LE> <value:u32 LE> <data> C0.
func (r Request) Bytes() []byte {
	b := make([]byte, headerLength, r.PacketLength())
	b[0] = frameEnd
	b[1] = dirRequest
	b[2] = byte(r.Command)
	binary.LittleEndian.PutUint16(b[3:], r.Size)
	binary.LittleEndian.PutUint32(b[5:], r.Value)
	b = append(b, r.Data...)
	return append(b, frameEnd)
}

// PacketLength returns the number of bytes Bytes produces.
func (r Request) PacketLength() int {
	return headerLength + len(r.Data) + 1
}

// WriteTo writes the encoded frame to w.
func (r Request) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

// NewSyncRequest returns the SYNC handshake frame.
func NewSyncRequest() Request {
	data := append([]byte{}, syncMagic...)
	data = append(data, bytes.Repeat([]byte{0x55}, 32)...)
	return Request{
		Command: CommandSync,
		Size:    uint16(len(data)),
		Data:    data,
	}
}

// NewReadRegRequest returns a READ_REG frame for the given register address.
func NewReadRegRequest(address uint32) Request {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, address)
	return Request{
		Command: CommandReadReg,
		Size:    uint16(len(data)),
		Data:    data,
	}
}

// Response is an incoming frame as assembled by the ResponseAnalyzer.
type Response struct {
	Command Command
	Size    uint16
	Value   uint32
	Data    [maxResponseData]byte
}

// Reset clears the frame before a new receive attempt.
func (r *Response) Reset() {
	r.Command = CommandNone
	r.Size = 0
	r.Value = 0
}

// Payload returns the received data bytes.
func (r *Response) Payload() []byte {
	n := int(r.Size)
	if n > len(r.Data) {
		n = len(r.Data)
	}
	return r.Data[:n]
}

// Status returns the status and error bytes a ROM response carries at the
// start of its data. ok is false when the payload is not a status block.
func (r *Response) Status() (status, code byte, ok bool) {
	if r.Size != 2 && r.Size != 4 {
		return 0, 0, false
	}
	return r.Data[0], r.Data[1], true
}

func (r *Response) String() string {
	return fmt.Sprintf("command=%v size=%d value=0x%08X data=% X", r.Command, r.Size, r.Value, r.Payload())
}
