package adam

/*
This file contains the Modbus/TCP frame codec: MBAP header handling, request
encoding for the two register read functions the counter family uses, response
decoding with exception preservation, and word assembly for multi-register
counters.

The ADAM-6051 exposes its pulse counters as pairs of 16-bit registers. Byte
order within each register is big-endian on the wire; the order of the
registers themselves (high word first or last) varies between device families
and is configurable per channel.
*/

import (
	"bufio"
	"io"
)

const (
	fnReadHolding = 0x03
	fnReadInput   = 0x04

	mbapHeaderLen = 7
	// Longest legal ADU: header + function + 253 byte PDU payload.
	maxADULen = 260
)

// RegisterKind selects which Modbus read function a channel uses.
type RegisterKind uint8

const (
	// HoldingRegister reads with function 0x03.
	HoldingRegister RegisterKind = iota
	// InputRegister reads with function 0x04.
	InputRegister
)

func (k RegisterKind) function() byte {
	if k == InputRegister {
		return fnReadInput
	}
	return fnReadHolding
}

func (k RegisterKind) String() string {
	if k == InputRegister {
		return "input"
	}
	return "holding"
}

// encodeReadRequest builds a full ADU for a register read. The transaction id
// is supplied by the transport, which increments it per request.
func encodeReadRequest(txid uint16, unit byte, kind RegisterKind, start, count uint16) []byte {
	b := pduBuilder{}
	b.word(start)
	b.word(count)
	pdu := b.payload()

	adu := make([]byte, mbapHeaderLen+1+len(pdu))
	setWord(adu, 0, txid)
	setWord(adu, 2, 0) // protocol identifier, always 0 for Modbus
	setWord(adu, 4, uint16(2+len(pdu)))
	adu[6] = unit
	adu[7] = kind.function()
	copy(adu[8:], pdu)
	return adu
}

// decodeReadResponse verifies the MBAP header and PDU of a register read
// response and returns the register values. Exception responses surface as
// CategoryProtocol errors carrying the Modbus sub-code.
func decodeReadResponse(frame []byte, txid uint16, unit byte, kind RegisterKind, count int) ([]uint16, error) {
	if len(frame) < mbapHeaderLen+1 {
		return nil, ProtocolErrorF("response truncated: %d bytes", len(frame))
	}
	if got := getWord(frame, 0); got != txid {
		return nil, ProtocolErrorF("transaction id mismatch: sent %d, received %d", txid, got)
	}
	if proto := getWord(frame, 2); proto != 0 {
		return nil, ProtocolErrorF("unexpected protocol identifier 0x%04x", proto)
	}
	if length := int(getWord(frame, 4)); length != len(frame)-6 {
		return nil, ProtocolErrorF("length field %d disagrees with frame size %d", length, len(frame))
	}
	if frame[6] != unit {
		return nil, ProtocolErrorF("unit id mismatch: sent %d, received %d", unit, frame[6])
	}

	want := kind.function()
	function := frame[7]
	if function == want|0x80 {
		code := byte(0)
		if len(frame) > 8 {
			code = frame[8]
		}
		return nil, ExceptionError(want, code)
	}
	if function != want {
		return nil, ProtocolErrorF("function mismatch: sent 0x%02x, received 0x%02x", want, function)
	}

	r := newPDUReader(frame[8:])
	byteCount, err := r.byte()
	if err != nil {
		return nil, err
	}
	if int(byteCount) != count*2 {
		return nil, ProtocolErrorF("expected %d register bytes, response declares %d", count*2, byteCount)
	}
	words, err := r.words(count)
	if err != nil {
		return nil, err
	}
	if err := r.remaining(); err != nil {
		return nil, err
	}
	return words, nil
}

// assembleCounter combines 1 to 4 registers into a single counter value.
// Big-endian word order places the most significant register first; little
// reverses the register sequence (word swap). Byte order inside each register
// is big-endian on the wire either way.
func assembleCounter(words []uint16, order WordOrder) int64 {
	var v uint64
	if order == WordOrderLittle {
		for i := len(words) - 1; i >= 0; i-- {
			v = v<<16 | uint64(words[i])
		}
	} else {
		for _, w := range words {
			v = v<<16 | uint64(w)
		}
	}
	return int64(v)
}

// mbapFramer extracts one complete MBAP frame from the stream. The length
// field counts the unit id and PDU, so a full frame is 6 header bytes plus
// that length.
type mbapFramer struct{}

func (mbapFramer) ReadFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, mbapHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := int(getWord(header, 4))
	total := 6 + length
	if total < mbapHeaderLen+1 || total > maxADULen {
		return nil, ProtocolErrorF("mbap length field %d outside legal frame bounds", length)
	}
	frame := make([]byte, total)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[mbapHeaderLen:]); err != nil {
		return nil, err
	}
	return frame, nil
}
