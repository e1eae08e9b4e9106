package adam

/*
This file contains the primitives for building and reading Modbus PDU
payloads. Register values travel as big-endian 16-bit words on the wire.
*/

// pduBuilder accumulates an outgoing PDU payload.
type pduBuilder struct {
	data []byte
}

func (p *pduBuilder) byte(b byte) {
	p.data = append(p.data, b)
}

func (p *pduBuilder) word(w uint16) {
	p.data = append(p.data, byte(w>>8), byte(w&0xff))
}

func (p *pduBuilder) words(wds ...uint16) {
	for _, w := range wds {
		p.word(w)
	}
}

func (p *pduBuilder) payload() []byte {
	return p.data
}

// pduReader consumes an incoming PDU payload with bounds checking. Every
// read returns an error instead of panicking: response bytes come off the
// wire and are never trusted.
type pduReader struct {
	cursor int
	data   []byte
}

func newPDUReader(payload []byte) *pduReader {
	return &pduReader{data: payload}
}

func (p *pduReader) canRead(count int) error {
	if over := p.cursor + count - len(p.data); over > 0 {
		return ProtocolErrorF("pdu truncated: need %d more bytes at offset %d of %d", over, p.cursor, len(p.data))
	}
	return nil
}

func (p *pduReader) byte() (byte, error) {
	if err := p.canRead(1); err != nil {
		return 0, err
	}
	b := p.data[p.cursor]
	p.cursor++
	return b, nil
}

func (p *pduReader) word() (uint16, error) {
	if err := p.canRead(2); err != nil {
		return 0, err
	}
	w := uint16(p.data[p.cursor])<<8 | uint16(p.data[p.cursor+1])
	p.cursor += 2
	return w, nil
}

func (p *pduReader) words(count int) ([]uint16, error) {
	if err := p.canRead(count * 2); err != nil {
		return nil, err
	}
	wds := make([]uint16, 0, count)
	for i := 0; i < count; i++ {
		w, _ := p.word()
		wds = append(wds, w)
	}
	return wds, nil
}

func (p *pduReader) remaining() error {
	if left := len(p.data) - p.cursor; left != 0 {
		return ProtocolErrorF("pdu has %d trailing bytes", left)
	}
	return nil
}

// getWord retrieves a 16-bit word in standard Modbus layout (big-endian)
// from a byte slice.
func getWord(data []byte, index int) uint16 {
	return uint16(data[index])<<8 | uint16(data[index+1])
}

// setWord sets a 16-bit word in standard Modbus layout (big-endian) in a
// byte slice.
func setWord(data []byte, index int, value uint16) {
	data[index] = byte(value >> 8)
	data[index+1] = byte(value & 0xff)
}
