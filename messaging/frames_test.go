package messaging_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/messaging"
)

var _ = Describe("Frame Codec", func() {
	It("Will round-trip a message through the wire format", func() {
		original := messaging.NewMessage(messaging.ShellExecuteRequest, messaging.ShellChannel,
			"f8b1709e-51e5-46e7-9047-99a3636bef14", "jovyan")
		err := original.EncodeContent(&messaging.ExecuteRequestContent{
			Code:         "print('hello')",
			StoreHistory: true,
			AllowStdin:   true,
		})
		Expect(err).To(BeNil())

		frame, err := messaging.EncodeFrame(original, nil)
		Expect(err).To(BeNil())

		decoded, err := messaging.DecodeFrame(frame, nil)
		Expect(err).To(BeNil())
		Expect(decoded.Channel).To(Equal(messaging.ShellChannel))
		Expect(decoded.Header.MsgID).To(Equal(original.Header.MsgID))
		Expect(decoded.Header.MsgType).To(Equal(messaging.KernelMessageType(messaging.ShellExecuteRequest)))
		Expect(decoded.Header.Session).To(Equal(original.Header.Session))
		Expect(decoded.ParentHeader.IsEmpty()).To(BeTrue())

		var content messaging.ExecuteRequestContent
		err = decoded.DecodeContent(&content)
		Expect(err).To(BeNil())
		Expect(content.Code).To(Equal("print('hello')"))
		Expect(content.StoreHistory).To(BeTrue())
		Expect(content.AllowStdin).To(BeTrue())
	})

	It("Will produce identical bytes for identical input", func() {
		parts := [][]byte{
			[]byte(`{"msg_id":"a"}`),
			[]byte(`{}`),
			[]byte(`{}`),
			[]byte(`{"code":"1+1"}`),
		}

		first := messaging.SerializeParts(messaging.ShellChannel, parts)
		second := messaging.SerializeParts(messaging.ShellChannel, parts)
		Expect(first).To(Equal(second))
	})

	It("Will lay out the preamble with cumulative little-endian offsets", func() {
		parts := [][]byte{[]byte("AAAA"), []byte("BB"), []byte(""), []byte("CCC")}

		frame := messaging.SerializeParts(messaging.IOPubChannel, parts)

		// 6 offsets: channel end plus one per part, plus the preamble itself.
		Expect(binary.LittleEndian.Uint64(frame[0:8])).To(Equal(uint64(6)))
		Expect(binary.LittleEndian.Uint64(frame[8:16])).To(Equal(uint64(56)))
		Expect(binary.LittleEndian.Uint64(frame[16:24])).To(Equal(uint64(56 + len("iopub"))))
		Expect(string(frame[56 : 56+len("iopub")])).To(Equal("iopub"))

		channel, decodedParts, err := messaging.DeserializeFrame(frame)
		Expect(err).To(BeNil())
		Expect(channel).To(Equal(messaging.IOPubChannel))
		Expect(decodedParts).To(HaveLen(4))
		Expect(decodedParts[0]).To(Equal([]byte("AAAA")))
		Expect(decodedParts[1]).To(Equal([]byte("BB")))
		Expect(decodedParts[2]).To(BeEmpty())
		Expect(decodedParts[3]).To(Equal([]byte("CCC")))
	})

	It("Will reject a buffer too short to hold the offset count", func() {
		_, _, err := messaging.DeserializeFrame([]byte{0x01, 0x02, 0x03})
		Expect(err).To(MatchError(messaging.ErrMalformedFrame))
	})

	It("Will reject a zero offset count", func() {
		frame := make([]byte, 16)
		_, _, err := messaging.DeserializeFrame(frame)
		Expect(err).To(MatchError(messaging.ErrMalformedFrame))
	})

	It("Will reject a truncated offset table", func() {
		frame := make([]byte, 24)
		binary.LittleEndian.PutUint64(frame[0:8], 6) // Declares 6 offsets but only room for 2.
		_, _, err := messaging.DeserializeFrame(frame)
		Expect(err).To(MatchError(messaging.ErrMalformedFrame))
	})

	It("Will reject an absurd declared offset count", func() {
		frame := make([]byte, 64)
		binary.LittleEndian.PutUint64(frame[0:8], ^uint64(0))
		_, _, err := messaging.DeserializeFrame(frame)
		Expect(err).To(MatchError(messaging.ErrMalformedFrame))
	})

	It("Will reject non-monotonic offsets", func() {
		frame := messaging.SerializeParts(messaging.ShellChannel, [][]byte{
			[]byte("aa"), []byte("bb"), []byte("cc"), []byte("dd"),
		})

		// Swap two interior offsets so they decrease.
		second := binary.LittleEndian.Uint64(frame[24:32])
		third := binary.LittleEndian.Uint64(frame[32:40])
		binary.LittleEndian.PutUint64(frame[24:32], third)
		binary.LittleEndian.PutUint64(frame[32:40], second)

		_, _, err := messaging.DeserializeFrame(frame)
		Expect(err).To(MatchError(messaging.ErrMalformedFrame))
	})

	It("Will reject a first offset that disagrees with the preamble size", func() {
		frame := messaging.SerializeParts(messaging.ShellChannel, [][]byte{
			[]byte("aa"), []byte("bb"), []byte("cc"), []byte("dd"),
		})

		binary.LittleEndian.PutUint64(frame[8:16], 48)

		_, _, err := messaging.DeserializeFrame(frame)
		Expect(err).To(MatchError(messaging.ErrMalformedFrame))
	})

	It("Will reject an offset pointing past the end of the buffer", func() {
		frame := messaging.SerializeParts(messaging.ShellChannel, [][]byte{
			[]byte("aa"), []byte("bb"), []byte("cc"), []byte("dd"),
		})

		binary.LittleEndian.PutUint64(frame[48:56], uint64(len(frame)+100))

		_, _, err := messaging.DeserializeFrame(frame)
		Expect(err).To(MatchError(messaging.ErrMalformedFrame))
	})

	It("Will reject a frame whose parts are not valid JSON as an invalid message rather than a malformed frame", func() {
		frame := messaging.SerializeParts(messaging.ShellChannel, [][]byte{
			[]byte("not json"), []byte("{}"), []byte("{}"), []byte("{}"),
		})

		_, err := messaging.DecodeFrame(frame, nil)
		Expect(err).To(MatchError(messaging.ErrInvalidMessage))
	})
})
