// Package ble implements DWARF 3 Bluetooth LE Wi-Fi provisioning: the
// 0xAA-framed packet layer, the getconfig/STA handshake and a GATT
// transport built on tinygo.org/x/bluetooth.
package ble

import (
	"encoding/binary"
	"fmt"
)

// GATT addressing used by DWARF devices. The same characteristic carries
// writes and notifications; the advertised service UUID varies by
// hardware revision.
const (
	CharacteristicUUID = "00009999-0000-1000-8000-00805f9b34fb"

	DeviceNamePrefix   = "DWARF"
	DefaultBlePassword = "DWARF_12345678"
)

// ServiceUUIDs lists the known provisioning service UUIDs.
var ServiceUUIDs = []string{
	"0000daf2-0000-1000-8000-00805f9b34fb",
	"0000daf3-0000-1000-8000-00805f9b34fb",
	"0000daf5-0000-1000-8000-00805f9b34fb",
}

const (
	frameStart byte = 0xAA
	frameEnd   byte = 0x0D
	// start marker, 8 header bytes, 2 CRC bytes, end marker
	minFrameLen = 12
)

// crc16 is the Modbus CRC: poly 0xA001, init 0xFFFF.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// BuildFrame wraps a command payload in the provisioning frame:
// AA 01 <cmd> 00 01 00 00 <len:2 BE> <payload> <crc:2 BE> 0D.
// The CRC covers everything through the payload.
func BuildFrame(cmd byte, payload []byte) []byte {
	frame := make([]byte, 0, minFrameLen+len(payload))
	frame = append(frame, frameStart, 0x01, cmd, 0x00, 0x01, 0x00, 0x00)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint16(frame, crc16(frame))
	frame = append(frame, frameEnd)
	return frame
}

// Frame is a parsed provisioning notification.
type Frame struct {
	Cmd     byte
	Payload []byte
}

// ParseFrame validates markers, length and CRC of a notification.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < minFrameLen {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	if data[0] != frameStart {
		return Frame{}, fmt.Errorf("bad start marker 0x%02X", data[0])
	}
	payloadLen := int(binary.BigEndian.Uint16(data[7:9]))
	payloadEnd := 9 + payloadLen
	if len(data) < payloadEnd+3 {
		return Frame{}, fmt.Errorf("frame truncated: payload length %d", payloadLen)
	}
	want := binary.BigEndian.Uint16(data[payloadEnd : payloadEnd+2])
	if got := crc16(data[:payloadEnd]); got != want {
		return Frame{}, fmt.Errorf("crc mismatch: got 0x%04X want 0x%04X", got, want)
	}
	if data[payloadEnd+2] != frameEnd {
		return Frame{}, fmt.Errorf("bad end marker 0x%02X", data[payloadEnd+2])
	}
	return Frame{Cmd: data[2], Payload: data[9:payloadEnd]}, nil
}
