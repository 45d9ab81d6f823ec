package wire

import "sync"

// Frame is a fully decoded header plus its opaque payload. The payload
// is never interpreted by the codec (spec.md §4.1 "Payload is opaque to
// the codec").
type Frame struct {
	Header  Header
	Payload []byte
}

// framePool is a freelist for Frame payload buffers, mirroring the
// packet-buffer pool idiom the teacher's neonet package uses
// (pktBufPool) to avoid an allocation per frame on the hot path.
var framePool = sync.Pool{
	New: func() interface{} {
		return &Frame{Payload: make([]byte, 0, 4096)}
	},
}

// Alloc returns a Frame from the pool sized to hold n bytes of payload.
func Alloc(n int) *Frame {
	f := framePool.Get().(*Frame)
	if cap(f.Payload) < n {
		f.Payload = make([]byte, n)
	} else {
		f.Payload = f.Payload[:n]
	}
	f.Header = Header{}
	return f
}

// Release returns f to the pool. The caller must not use f afterwards.
func Release(f *Frame) {
	f.Payload = f.Payload[:0]
	framePool.Put(f)
}

// Encode serializes the frame (header + payload) into a newly allocated
// byte slice ready to be written to a socket.
func (f *Frame) Encode() []byte {
	f.Header.Size = uint64(len(f.Payload))
	buf := make([]byte, HeaderSize+len(f.Payload))
	EncodeHeader(buf, f.Header)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}
