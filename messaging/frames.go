package messaging

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

const (
	// NumMessageParts is the number of payload parts in every frame:
	// header, parent header, metadata, content.
	NumMessageParts = 4

	// wireOffsetSize is the width of the offset-count word and of each
	// offset in the frame preamble.
	wireOffsetSize = 8
)

var (
	ErrMalformedFrame = fmt.Errorf("malformed wire frame")
)

// Packer serializes one message part to bytes. The wire layout is independent
// of the chosen structured serialization, so the codec accepts the packer as
// an argument rather than fixing one.
type Packer func(in interface{}) ([]byte, error)

// Unpacker deserializes one message part from bytes.
type Unpacker func(data []byte, out interface{}) error

// JSONPacker is the default Packer. Jupyter Server packs parts as JSON unless
// a kernel negotiates otherwise.
func JSONPacker(in interface{}) ([]byte, error) {
	return json.Marshal(in)
}

// JSONUnpacker is the default Unpacker.
func JSONUnpacker(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}

// SerializeParts encodes the channel tag and the raw message parts into a
// single binary frame per the "v1" Jupyter WebSocket sub-protocol:
//
//	[count][offset_1]...[offset_count][channel bytes][part bytes]...
//
// count and each offset are 8-byte little-endian words. Offsets are
// cumulative: offset_i is the end position of the i-th section, where the
// sections are the channel bytes followed by each part in order. The first
// offset is therefore always the preamble size, 8*(count+1).
//
// Serialization is pure: identical input always yields identical bytes.
func SerializeParts(channel Channel, parts [][]byte) []byte {
	channelBytes := []byte(channel)

	numOffsets := 2 + len(parts)
	preambleLen := wireOffsetSize * (1 + numOffsets)

	total := preambleLen + len(channelBytes)
	for _, part := range parts {
		total += len(part)
	}

	frame := make([]byte, 0, total)
	frame = binary.LittleEndian.AppendUint64(frame, uint64(numOffsets))

	offset := uint64(preambleLen)
	frame = binary.LittleEndian.AppendUint64(frame, offset)

	offset += uint64(len(channelBytes))
	frame = binary.LittleEndian.AppendUint64(frame, offset)

	for _, part := range parts {
		offset += uint64(len(part))
		frame = binary.LittleEndian.AppendUint64(frame, offset)
	}

	frame = append(frame, channelBytes...)
	for _, part := range parts {
		frame = append(frame, part...)
	}

	return frame
}

// DeserializeFrame decodes a binary frame into its channel tag and raw parts.
// It only locates byte ranges; it never deserializes the structured parts
// themselves. Parts are reconstructed solely by slicing with the declared
// offsets, never by scanning for delimiters.
//
// Returns ErrMalformedFrame if the offset table is missing, truncated,
// non-monotonic, inconsistent with the preamble size, or points past the end
// of the buffer.
func DeserializeFrame(frame []byte) (Channel, [][]byte, error) {
	if len(frame) < wireOffsetSize {
		return "", nil, fmt.Errorf("%w: %d-byte buffer is too short for the offset count", ErrMalformedFrame, len(frame))
	}

	numOffsets64 := binary.LittleEndian.Uint64(frame[:wireOffsetSize])
	if numOffsets64 == 0 {
		return "", nil, fmt.Errorf("%w: declared offset count is zero", ErrMalformedFrame)
	}
	if numOffsets64 > uint64(len(frame)/wireOffsetSize) {
		// Also guards the int conversion below on 32-bit platforms.
		return "", nil, fmt.Errorf("%w: declared offset count %d exceeds the buffer", ErrMalformedFrame, numOffsets64)
	}
	numOffsets := int(numOffsets64)

	preambleLen := wireOffsetSize * (1 + numOffsets)
	if len(frame) < preambleLen {
		return "", nil, fmt.Errorf("%w: offset table is truncated", ErrMalformedFrame)
	}

	offsets := make([]int, numOffsets)
	for i := 0; i < numOffsets; i++ {
		word := binary.LittleEndian.Uint64(frame[wireOffsetSize*(i+1) : wireOffsetSize*(i+2)])
		if word > math.MaxInt32 || int(word) > len(frame) {
			return "", nil, fmt.Errorf("%w: offset %d points past the end of the %d-byte buffer", ErrMalformedFrame, word, len(frame))
		}
		offsets[i] = int(word)
	}

	if offsets[0] != preambleLen {
		return "", nil, fmt.Errorf("%w: first offset %d does not match the %d-byte preamble", ErrMalformedFrame, offsets[0], preambleLen)
	}

	for i := 1; i < numOffsets; i++ {
		if offsets[i] < offsets[i-1] {
			return "", nil, fmt.Errorf("%w: offsets are not monotonic (%d precedes %d)", ErrMalformedFrame, offsets[i-1], offsets[i])
		}
	}

	channel := Channel(frame[offsets[0]:offsets[1]])

	parts := make([][]byte, 0, numOffsets-2)
	for i := 1; i < numOffsets-1; i++ {
		parts = append(parts, frame[offsets[i]:offsets[i+1]])
	}

	return channel, parts, nil
}

// EncodeFrame packs the message's parts with the given packer and serializes
// the result, tagged with the message's channel, into one wire frame.
func EncodeFrame(msg *Message, pack Packer) ([]byte, error) {
	parts, err := msg.Parts(pack)
	if err != nil {
		return nil, err
	}

	return SerializeParts(msg.Channel, parts), nil
}

// DecodeFrame deserializes a wire frame and reconstructs the Message,
// unpacking each part with the given unpacker.
func DecodeFrame(frame []byte, unpack Unpacker) (*Message, error) {
	channel, parts, err := DeserializeFrame(frame)
	if err != nil {
		return nil, err
	}

	return MessageFromParts(channel, parts, unpack)
}
