package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amarcoder01/customsp/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

var ErrNotControlFrame = errors.New("protocol: binary frame is not a control message")

// Codec encodes control messages for one socket format. Binary codecs
// produce frames prefixed with types.FrameControl so they can share the
// socket with data chunks.
type Codec interface {
	Name() string
	Binary() bool
	Marshal(env Envelope) ([]byte, error)
	Unmarshal(data []byte, env *Envelope) error
}

// ForFormat returns the codec for a ?format= value; empty means JSON.
func ForFormat(format string) (Codec, error) {
	switch format {
	case "", FormatJSON:
		return JSONCodec{}, nil
	case FormatMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("invalid format %q: must be json or msgpack", format)
	}
}

type JSONCodec struct{}

func (JSONCodec) Name() string { return FormatJSON }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Marshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Unmarshal(data []byte, env *Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return err
	}
	normalize(env)
	return nil
}

type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return FormatMsgpack }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Marshal(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(types.FrameControl)
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	if err := enc.Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, env *Envelope) error {
	if len(data) == 0 || data[0] != types.FrameControl {
		return ErrNotControlFrame
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data[1:]))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(env); err != nil {
		return err
	}
	normalize(env)
	return nil
}

// DecodeText parses a text frame, which is always JSON regardless of the
// socket format.
func DecodeText(data []byte) (Envelope, error) {
	var env Envelope
	err := JSONCodec{}.Unmarshal(data, &env)
	return env, err
}

func normalize(env *Envelope) {
	if env.Type == "" && env.Command != "" {
		env.Type = TypeCommand
	}
}
