// Package desc defines the hardware descriptor layouts shared between the
// engine and the device.
//
// Every descriptor is 16 bytes: two little-endian 64-bit words. The same
// memory is interpreted differently depending on who wrote it last:
//
//   - RX read (written by software): word0 = packet buffer address,
//     word1 = header buffer address (unused, zero).
//   - RX write-back (written by the device): word0 = packet info,
//     word1 = status_error | length<<32 | vlan<<48.
//   - TX read (written by software): word0 = buffer address,
//     word1 = cmd_type_len | olinfo_status<<32.
//   - TX write-back (written by the device): word1 = status<<32.
//
// Overlapping fields are never aliased through memory layout. Each field is
// extracted from its word with the shift and mask constants below.
package desc

import (
	"encoding/binary"
	"errors"
)

// Size is the size of one descriptor in bytes.
const Size = 16

var ErrShortBuffer = errors.New("buffer shorter than descriptor size")

// RX write-back word layout.
const (
	rxStatusShift = 0
	rxStatusMask  = 0xFFFF_FFFF
	rxLengthShift = 32
	rxLengthMask  = 0xFFFF
	rxVLANShift   = 48
	rxVLANMask    = 0xFFFF
)

// RX status bits.
const (
	RXStatDD  RXStatus = 0x01 // Descriptor done.
	RXStatEOP RXStatus = 0x02 // End of packet.
)

// TX command word layout.
const (
	txLenMask      = 0xFFFF
	txOlinfoShift  = 32
	txStatusShift  = 32
	txStatusMask   = 0xFFFF_FFFF
	TXPayLenShift  = 14
	TXDTypData     = 0x0030_0000
	TXDCmdEOP      = 0x0100_0000
	TXDCmdIFCS     = 0x0200_0000
	TXDCmdRS       = 0x0800_0000
	TXDCmdDEXT     = 0x2000_0000
	TXCmd          = TXDCmdEOP | TXDCmdRS
	txCmdFieldMask = 0xFFFF_0000
)

// TX status bits.
const (
	TXStatDD TXStatus = 0x01
)

// RXStatus is the status_error field of an RX write-back.
type RXStatus uint32

func (s RXStatus) Raw() uint32 { return uint32(s) }

// Has reports whether all bits in b are set.
func (s RXStatus) Has(b RXStatus) bool { return s&b == b }

// RXWriteBack is word1 of an RX descriptor after the device wrote it back.
type RXWriteBack uint64

// MakeRXWriteBack assembles an RX write-back word.
func MakeRXWriteBack(status RXStatus, length, vlan uint16) RXWriteBack {
	return RXWriteBack(uint64(status)<<rxStatusShift |
		uint64(length)<<rxLengthShift |
		uint64(vlan)<<rxVLANShift)
}

func (w RXWriteBack) Raw() uint64 { return uint64(w) }

func (w RXWriteBack) Status() RXStatus {
	return RXStatus(uint64(w) >> rxStatusShift & rxStatusMask)
}

// Length is the number of bytes the device wrote into the buffer.
// Zero means the descriptor has not been written back yet.
func (w RXWriteBack) Length() uint16 {
	return uint16(uint64(w) >> rxLengthShift & rxLengthMask)
}

func (w RXWriteBack) VLAN() uint16 {
	return uint16(uint64(w) >> rxVLANShift & rxVLANMask)
}

// WithLength returns w with the length field replaced.
func (w RXWriteBack) WithLength(length uint16) RXWriteBack {
	v := uint64(w) &^ (rxLengthMask << rxLengthShift)
	return RXWriteBack(v | uint64(length)<<rxLengthShift)
}

// TXCmdTypeLen is the low half of word1 of a TX read descriptor.
type TXCmdTypeLen uint32

// MakeTXCmdTypeLen builds the command word for a single-buffer data
// descriptor of the given length that requests a status report.
func MakeTXCmdTypeLen(length uint32) TXCmdTypeLen {
	return TXCmdTypeLen(TXDTypData | TXDCmdDEXT | TXDCmdIFCS | TXCmd |
		length&txLenMask)
}

func (c TXCmdTypeLen) Raw() uint32 { return uint32(c) }

// Len is the buffer length in bytes.
func (c TXCmdTypeLen) Len() uint32 { return uint32(c) & txLenMask }

// Cmd returns the command and type bits without the length.
func (c TXCmdTypeLen) Cmd() uint32 { return uint32(c) & txCmdFieldMask }

func (c TXCmdTypeLen) EOP() bool { return uint32(c)&TXDCmdEOP != 0 }

// ReportStatus reports whether the device must write back a DD status.
func (c TXCmdTypeLen) ReportStatus() bool { return uint32(c)&TXDCmdRS != 0 }

// TXOlinfo is the olinfo_status field of a TX read descriptor.
type TXOlinfo uint32

func MakeTXOlinfo(payLen uint32) TXOlinfo { return TXOlinfo(payLen << TXPayLenShift) }

func (o TXOlinfo) Raw() uint32 { return uint32(o) }

func (o TXOlinfo) PayLen() uint32 { return uint32(o) >> TXPayLenShift }

// TXStatus is the status field of a TX write-back.
type TXStatus uint32

func (s TXStatus) Raw() uint32 { return uint32(s) }

// Done reports whether the device finished with the descriptor.
func (s TXStatus) Done() bool { return s&TXStatDD != 0 }

// TXWord builds word1 of a TX read descriptor.
func TXWord(cmd TXCmdTypeLen, olinfo TXOlinfo) uint64 {
	return uint64(cmd) | uint64(olinfo)<<txOlinfoShift
}

// SplitTXWord splits word1 of a TX read descriptor.
func SplitTXWord(w uint64) (TXCmdTypeLen, TXOlinfo) {
	return TXCmdTypeLen(uint32(w)), TXOlinfo(uint32(w >> txOlinfoShift))
}

// TXWriteBackWord builds word1 of a TX write-back.
func TXWriteBackWord(s TXStatus) uint64 { return uint64(s) << txStatusShift }

// TXWriteBackStatus extracts the write-back status from word1.
func TXWriteBackStatus(w uint64) TXStatus {
	return TXStatus(w >> txStatusShift & txStatusMask)
}

// Encode writes the two descriptor words to b in wire order.
func Encode(b []byte, w0, w1 uint64) error {
	if len(b) < Size {
		return ErrShortBuffer
	}
	binary.LittleEndian.PutUint64(b[0:8], w0)
	binary.LittleEndian.PutUint64(b[8:16], w1)
	return nil
}

// Decode reads the two descriptor words from their wire form.
func Decode(b []byte) (w0, w1 uint64, err error) {
	if len(b) < Size {
		return 0, 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16]), nil
}
