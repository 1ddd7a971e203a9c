package rpc

import (
	"bytes"
	"io"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/portmux/portmux/lib/bufpool"
)

// MsgpackHandle is the payload codec shared by clients and servers.
var MsgpackHandle = &codec.MsgpackHandle{
	BasicHandle: codec.BasicHandle{
		DecodeOptions: codec.DecodeOptions{
			MapType:     reflect.TypeOf(map[string]interface{}{}),
			RawToString: true,
		},
	},
}

// RawPayload is a result or chunk that is already msgpack encoded. It is
// sent with the "already encoded" marker and never re-encoded.
type RawPayload []byte

type bufWriter struct{ b *bufpool.Buf }

func (w bufWriter) Write(p []byte) (int, error) {
	w.b.Append(p...)
	return len(p), nil
}

// encodeValues writes each value as one msgpack object, in order.
func encodeValues(values ...any) (*bufpool.Buf, error) {
	b := bufpool.Get(0)
	enc := codec.NewEncoder(bufWriter{b}, MsgpackHandle)
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			b.Release()
			return nil, err
		}
	}
	return b, nil
}

// encodeResult encodes a single result, passing RawPayload through.
func encodeResult(v any) (payload *bufpool.Buf, encoded bool, err error) {
	if raw, ok := v.(RawPayload); ok {
		return bufpool.Copy(raw), true, nil
	}
	if v == nil {
		return nil, false, nil
	}
	b, err := encodeValues(v)
	return b, false, err
}

// payloadDecoder reads consecutive msgpack objects from a payload.
type payloadDecoder struct {
	dec *codec.Decoder
}

func newPayloadDecoder(p []byte) *payloadDecoder {
	return &payloadDecoder{dec: codec.NewDecoder(bytes.NewReader(p), MsgpackHandle)}
}

func (d *payloadDecoder) decode(out any) error {
	err := d.dec.Decode(out)
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Decode decodes a msgpack encoded value into out.
func Decode(p []byte, out any) error {
	return newPayloadDecoder(p).decode(out)
}
