package protocol

import "encoding/base64"

// AttysPacket is one line worth of Attys data. In high speed mode ADC holds
// two consecutive readings and only the accelerometer half of Motion is sent.
type AttysPacket struct {
	Timestamp uint8
	ADC       [2][2]int32 // [reading][channel], 24-bit offset binary
	Motion    [6]uint16   // acc x,y,z then mag x,y,z, offset binary
	Status    uint8       // AttysStatus* bits
}

// EncodeAttysLine renders p as the device would send it, CR/LF included.
func EncodeAttysLine(settings AttysSettings, p AttysPacket) []byte {
	var raw []byte
	if settings.HighSpeed() {
		raw = make([]byte, 20)
		for s := 0; s < 2; s++ {
			put24(raw[s*6:], p.ADC[s][0])
			put24(raw[s*6+3:], p.ADC[s][1])
		}
		raw[12] = p.Status
		raw[13] = p.Timestamp
		for i := 0; i < 3; i++ {
			put16(raw[14+2*i:], p.Motion[i])
		}
	} else {
		n := 8
		if settings.FullData {
			n = 20
		}
		raw = make([]byte, n)
		put24(raw[0:], p.ADC[0][0])
		put24(raw[3:], p.ADC[0][1])
		raw[6] = p.Status
		raw[7] = p.Timestamp
		if settings.FullData {
			for i := 0; i < 6; i++ {
				put16(raw[8+2*i:], p.Motion[i])
			}
		}
	}

	line := make([]byte, base64.StdEncoding.EncodedLen(len(raw)), base64.StdEncoding.EncodedLen(len(raw))+2)
	base64.StdEncoding.Encode(line, raw)
	return append(line, '\r', '\n')
}

func put24(b []byte, v int32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func put16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}
