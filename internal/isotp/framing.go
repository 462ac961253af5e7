// Package isotp implements the simplified ISO 15765-2 transport used on the
// simulated network: single, first and consecutive frames only. Senders
// never wait for flow control and receivers never emit it.
package isotp

// Frame types carried in the high nibble of the first byte.
const (
	PCISingle      byte = 0x0
	PCIFirst       byte = 0x1
	PCIConsecutive byte = 0x2
	PCIFlowControl byte = 0x3
)

const (
	frameLen = 8

	SingleFrameMax  = 7    // payload bytes in a single frame
	firstFrameData  = 6    // payload bytes carried by a first frame
	consecutiveData = 7    // payload bytes per consecutive frame
	MaxPayload      = 4095 // 12-bit first frame length
)

// Segment splits payload into the frame data of a single frame, or of a
// first frame followed by consecutive frames. The last frame carries only
// the remaining bytes.
func Segment(payload []byte) ([][]byte, error) {
	n := len(payload)
	if n > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	if n <= SingleFrameMax {
		return [][]byte{singleFrame(payload)}, nil
	}

	frames := make([][]byte, 0, 1+(n-firstFrameData+consecutiveData-1)/consecutiveData)
	frames = append(frames, firstFrame(n, payload[:firstFrameData]))

	seq := byte(1)
	for off := firstFrameData; off < n; off += consecutiveData {
		end := off + consecutiveData
		if end > n {
			end = n
		}
		frames = append(frames, consecutiveFrame(seq, payload[off:end]))
		seq = (seq + 1) & 0x0F
	}
	return frames, nil
}

// Pad extends frame data to a full 8-byte frame with b.
func Pad(data []byte, b byte) []byte {
	if len(data) >= frameLen {
		return data
	}
	out := make([]byte, frameLen)
	copy(out, data)
	for i := len(data); i < frameLen; i++ {
		out[i] = b
	}
	return out
}

func singleFrame(payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = PCISingle<<4 | byte(len(payload))
	copy(out[1:], payload)
	return out
}

func firstFrame(total int, first []byte) []byte {
	out := make([]byte, 2+len(first))
	out[0] = PCIFirst<<4 | byte(total>>8)&0x0F
	out[1] = byte(total)
	copy(out[2:], first)
	return out
}

func consecutiveFrame(seq byte, chunk []byte) []byte {
	out := make([]byte, 1+len(chunk))
	out[0] = PCIConsecutive<<4 | seq&0x0F
	copy(out[1:], chunk)
	return out
}
