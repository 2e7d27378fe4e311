// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"encoding/binary"
	"fmt"
)

/*

FrameHeader is 24 bytes, little endian, laid out as:

* bytes  0..7  - wire id assigned to the endpoint by the server
* bytes  8..11 - payload size in bytes
* bytes 12..15 - socket info, reserved for server side routing
* bytes 16..19 - slot index in the sending endpoint's awaiting table
* bytes 20..21 - destination port
* byte  22     - message type
* byte  23     - flags

The payload follows the header immediately. There is no terminator;
frames repeat back to back and framing is purely length driven.

*/
type FrameHeader []byte

// MsgType enumerates the aggregation message types.
type MsgType byte

const (
	// MsgData carries a raw HTTP request or response.
	MsgData = MsgType(0)
	// MsgCreateSocket asks the server to assign a wire id. The reply header carries it.
	MsgCreateSocket = MsgType(1)
	// MsgDestroySocket tells the server the endpoint is going away.
	MsgDestroySocket = MsgType(2)
)

var msgTypeTexts = map[MsgType]string{
	MsgData:          "Data",
	MsgCreateSocket:  "Create",
	MsgDestroySocket: "Destroy",
}

func (mt MsgType) String() string {
	if s, ok := msgTypeTexts[mt]; ok {
		return s
	}
	return fmt.Sprintf("Rsvd%02x", byte(mt))
}

// NewFrameHeader returns a zeroed FrameHeader.
func NewFrameHeader() FrameHeader {
	return make(FrameHeader, FrameHeaderSize)
}

func (fh FrameHeader) String() string {
	return fmt.Sprintf("[FrameHeader %x %s slot=%d size=%d port=%d (%d)]",
		fh.WireID(), fh.MsgType(), fh.Slot(), fh.Size(), fh.Port(), len(fh))
}

// WireID returns the endpoint wire id.
func (fh FrameHeader) WireID() uint64 {
	return binary.LittleEndian.Uint64(fh[0:8])
}

// SetWireID sets the endpoint wire id.
func (fh FrameHeader) SetWireID(id uint64) {
	binary.LittleEndian.PutUint64(fh[0:8], id)
}

// Size returns the payload size.
func (fh FrameHeader) Size() int {
	return int(binary.LittleEndian.Uint32(fh[8:12]))
}

// SetSize sets the payload size.
func (fh FrameHeader) SetSize(n int) {
	if n < 0 || uint64(n) > 0xffffffff {
		panic(fmt.Sprint("FrameHeader.SetSize(): size out of range: ", n))
	}
	binary.LittleEndian.PutUint32(fh[8:12], uint32(n))
}

// SocketInfo returns the socket info field.
func (fh FrameHeader) SocketInfo() uint32 {
	return binary.LittleEndian.Uint32(fh[12:16])
}

// SetSocketInfo sets the socket info field.
func (fh FrameHeader) SetSocketInfo(v uint32) {
	binary.LittleEndian.PutUint32(fh[12:16], v)
}

// Slot returns the slot index.
func (fh FrameHeader) Slot() int {
	return int(binary.LittleEndian.Uint32(fh[16:20]))
}

// SetSlot sets the slot index.
func (fh FrameHeader) SetSlot(slot int) {
	if slot < 0 || slot >= ProtocolMaxSlots {
		panic(fmt.Sprint("FrameHeader.SetSlot(): slot out of range: ", slot))
	}
	binary.LittleEndian.PutUint32(fh[16:20], uint32(slot))
}

// Port returns the destination port.
func (fh FrameHeader) Port() uint16 {
	return binary.LittleEndian.Uint16(fh[20:22])
}

// SetPort sets the destination port.
func (fh FrameHeader) SetPort(port uint16) {
	binary.LittleEndian.PutUint16(fh[20:22], port)
}

// MsgType returns the message type.
func (fh FrameHeader) MsgType() MsgType {
	return MsgType(fh[22])
}

// SetMsgType sets the message type.
func (fh FrameHeader) SetMsgType(mt MsgType) {
	fh[22] = byte(mt)
}

// Flags returns the flags byte.
func (fh FrameHeader) Flags() byte {
	return fh[23]
}

// SetFlags sets the flags byte.
func (fh FrameHeader) SetFlags(flags byte) {
	fh[23] = flags
}

// Clear zeroes out the header bytes.
func (fh FrameHeader) Clear() {
	for i := range fh[:FrameHeaderSize] {
		fh[i] = 0
	}
}

// CopyFrom copies all fields from another header.
func (fh FrameHeader) CopyFrom(src FrameHeader) {
	copy(fh[:FrameHeaderSize], src[:FrameHeaderSize])
}
