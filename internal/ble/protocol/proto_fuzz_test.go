package protocol

import (
	"bytes"
	"testing"
)

func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{byte(TypeIdentity), 'u'})
	f.Add([]byte{byte(TypeTextMessage), 'h', 'i'})
	f.Add([]byte{byte(TypeAck)})
	f.Add([]byte{0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		pkt, ok := Decode(data)
		if !ok {
			return
		}
		// Anything that decodes must re-encode to the same bytes.
		enc, err := EncodeLimit(pkt.Type, pkt.Payload, len(data))
		if err != nil {
			t.Fatalf("re-encode error = %v", err)
		}
		if !bytes.Equal(enc, data) {
			t.Fatalf("re-encode = %x, want %x", enc, data)
		}
	})
}
