package adam

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReadRequest(t *testing.T) {
	adu := encodeReadRequest(0x0102, 9, HoldingRegister, 0x0010, 2)
	assert.Equal(t, []byte{
		0x01, 0x02, // transaction
		0x00, 0x00, // protocol
		0x00, 0x06, // length: unit + function + 4 data bytes
		0x09,       // unit
		0x03,       // read holding registers
		0x00, 0x10, // start
		0x00, 0x02, // count
	}, adu)

	adu = encodeReadRequest(7, 1, InputRegister, 0, 1)
	assert.Equal(t, byte(0x04), adu[7])
}

func readResponse(txid uint16, unit byte, fn byte, words ...uint16) []byte {
	b := pduBuilder{}
	b.byte(fn)
	b.byte(byte(len(words) * 2))
	b.words(words...)
	return mbapReply(txid, unit, b.payload())
}

func TestDecodeReadResponse(t *testing.T) {
	frame := readResponse(42, 3, fnReadInput, 0x0001, 0x0064)
	words, err := decodeReadResponse(frame, 42, 3, InputRegister, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 100}, words)
}

func TestDecodeReadResponseRejectsHeaderMismatches(t *testing.T) {
	good := readResponse(42, 3, fnReadInput, 0x0001, 0x0064)

	tests := []struct {
		name   string
		mutate func([]byte)
		want   string
	}{
		{"transaction id", func(f []byte) { setWord(f, 0, 41) }, "transaction id mismatch"},
		{"protocol id", func(f []byte) { setWord(f, 2, 1) }, "protocol identifier"},
		{"length field", func(f []byte) { setWord(f, 4, 5) }, "length field"},
		{"unit id", func(f []byte) { f[6] = 4 }, "unit id mismatch"},
		{"function", func(f []byte) { f[7] = fnReadHolding }, "function mismatch"},
		{"byte count", func(f []byte) { f[8] = 6 }, "register bytes"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame := bytes.Clone(good)
			tc.mutate(frame)
			_, err := decodeReadResponse(frame, 42, 3, InputRegister, 2)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDecodeReadResponseTruncated(t *testing.T) {
	_, err := decodeReadResponse([]byte{0x00, 0x01, 0x00}, 1, 1, InputRegister, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeReadResponseException(t *testing.T) {
	frame := mbapReply(9, 1, []byte{fnReadInput | 0x80, 0x02})
	_, err := decodeReadResponse(frame, 9, 1, InputRegister, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "illegal data address")

	var ce *ClassifiedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CategoryProtocol, ce.Category)
	assert.Equal(t, byte(0x02), ce.Exception)
}

func TestAssembleCounterWordOrders(t *testing.T) {
	tests := []struct {
		name  string
		words []uint16
		order WordOrder
		want  int64
	}{
		{"single register", []uint16{0x00FA}, WordOrderBig, 250},
		{"big endian pair", []uint16{0x0001, 0x0002}, WordOrderBig, 0x00010002},
		{"little endian pair", []uint16{0x0001, 0x0002}, WordOrderLittle, 0x00020001},
		{"32 bit max", []uint16{0xFFFF, 0xFFFF}, WordOrderBig, (1 << 32) - 1},
		{"quad big", []uint16{0, 1, 0, 0}, WordOrderBig, 1 << 32},
		{"quad little", []uint16{0, 0, 1, 0}, WordOrderLittle, 1 << 32},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, assembleCounter(tc.words, tc.order))
		})
	}
}

func TestMBAPFramerReadsWholeFrame(t *testing.T) {
	frame := readResponse(7, 1, fnReadHolding, 0x1234)
	src := bufio.NewReader(bytes.NewReader(append(frame, 0xEE)))

	got, err := mbapFramer{}.ReadFrame(src)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	// The trailing byte stays in the stream for the next frame.
	next, err := src.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xEE), next)
}

func TestMBAPFramerRejectsBadLength(t *testing.T) {
	for _, length := range []uint16{0, 1, 300} {
		header := make([]byte, mbapHeaderLen)
		setWord(header, 4, length)
		_, err := mbapFramer{}.ReadFrame(bufio.NewReader(bytes.NewReader(header)))
		require.Error(t, err, "length %d", length)
		assert.ErrorIs(t, err, ErrProtocol)
	}
}

func TestMBAPFramerShortStream(t *testing.T) {
	frame := readResponse(7, 1, fnReadHolding, 0x1234)
	_, err := mbapFramer{}.ReadFrame(bufio.NewReader(bytes.NewReader(frame[:9])))
	assert.Error(t, err)
}
