// Package gattradio implements the radio interfaces on top of the Linux
// GATT stack, with the BlueZ management console covering what the GATT
// layer does not expose (pairing, accept lists, key events).
package gattradio

import (
	"encoding/binary"

	"github.com/cradlelink/cradle/pkg/radio"
)

// Control service and characteristic carried by the charger role.
const (
	ControlServiceUUID = "c0a11e5e-0001-4bd0-b8a7-2b5e0f6a9c01"
	ControlCharUUID    = "c0a11e5e-0002-4bd0-b8a7-2b5e0f6a9c01"
)

// Manufacturer-specific advertising data: two-byte product tag followed by
// the pairing flag byte. The company identifier is from the testing range.
const (
	companyID = 0xFFFF

	flagPairingClosed = 0x10
	flagPairingOpen   = 0x11
)

var productTag = []byte{0x00, 0x01}

func advFlagByte(pairingOpen bool) byte {
	if pairingOpen {
		return flagPairingOpen
	}
	return flagPairingClosed
}

// parsePairingFlag extracts the pairing flag from raw manufacturer data.
// The second return is false when the data is not ours.
func parsePairingFlag(md []byte) (open bool, ours bool) {
	if len(md) < 5 {
		return false, false
	}
	if binary.LittleEndian.Uint16(md[0:2]) != companyID {
		return false, false
	}
	if md[2] != productTag[0] || md[3] != productTag[1] {
		return false, false
	}
	return md[4] == flagPairingOpen, true
}

// advIntervalUnits converts milliseconds to the 0.625 ms units the HCI
// advertising parameters use.
func advIntervalUnits(ms uint16) uint16 {
	return ms * 8 / 5
}

// ppcpBytes encodes the Peripheral Preferred Connection Parameters
// characteristic value: intervals in 1.25 ms units, timeout in 10 ms units.
func ppcpBytes(params radio.ConnParams) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], params.MinIntervalMillis*4/5)
	binary.LittleEndian.PutUint16(buf[2:4], params.MaxIntervalMillis*4/5)
	binary.LittleEndian.PutUint16(buf[4:6], params.Latency)
	binary.LittleEndian.PutUint16(buf[6:8], params.TimeoutMillis/10)
	return buf
}
