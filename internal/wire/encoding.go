package wire

import (
	"math"
	"sync/atomic"

	"github.com/babelcloud/micstream/internal/audio"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Encoding selects what goes inside each frame. It is fixed for the
// lifetime of a session.
type Encoding string

const (
	// EncodingRaw frames carry only PCM bytes; the format is agreed out of band
	EncodingRaw Encoding = "raw"
	// EncodingProto frames carry an AudioPacketMessage with per-frame format metadata
	EncodingProto Encoding = "proto"
)

func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingRaw, "":
		return EncodingRaw, nil
	case EncodingProto:
		return EncodingProto, nil
	}
	return "", errors.Errorf("unknown frame encoding %q", s)
}

// AudioPacketMessage fields
const (
	fieldBuffer       protowire.Number = 1
	fieldSampleRate   protowire.Number = 2
	fieldChannelCount protowire.Number = 3
	fieldAudioFormat  protowire.Number = 4
)

// AudioPacketMessageOrdered fields
const (
	fieldSequenceNumber protowire.Number = 1
	fieldAudioPacket    protowire.Number = 2
)

// Encoder turns a captured packet into a frame payload
type Encoder interface {
	Encode(p audio.Packet) []byte
}

type RawEncoder struct{}

func (RawEncoder) Encode(p audio.Packet) []byte { return p.Data }

type ProtoEncoder struct{}

func (ProtoEncoder) Encode(p audio.Packet) []byte {
	return appendAudioPacket(nil, p)
}

func appendAudioPacket(b []byte, p audio.Packet) []byte {
	b = protowire.AppendTag(b, fieldBuffer, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Data)
	b = protowire.AppendTag(b, fieldSampleRate, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.SampleRate))
	b = protowire.AppendTag(b, fieldChannelCount, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Channels))
	b = protowire.AppendTag(b, fieldAudioFormat, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Format.AndroidEncoding()))
	return b
}

// OrderedEncoder prefixes every packet with a sequence number so datagram
// receivers can detect loss and reordering
type OrderedEncoder struct {
	seq atomic.Uint32
}

func (e *OrderedEncoder) Encode(p audio.Packet) []byte {
	seq := e.seq.Add(1) - 1
	inner := appendAudioPacket(nil, p)

	b := protowire.AppendTag(nil, fieldSequenceNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(seq))
	b = protowire.AppendTag(b, fieldAudioPacket, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// CheckDatagramFit fails when one frame of spec, encoded for a datagram
// session, does not fit in a single UDP packet
func CheckDatagramFit(spec audio.Spec) error {
	enc := &OrderedEncoder{}
	enc.seq.Store(math.MaxUint32)
	payload := enc.Encode(audio.Packet{
		Data:       make([]byte, spec.FrameBytes()),
		SampleRate: spec.SampleRate,
		Format:     spec.Format,
		Channels:   spec.Channels,
	})
	if size := frameHeaderSize + len(payload); size > MaxDatagramSize {
		return errors.Wrapf(ErrFrameTooLarge, "%s needs %d byte datagrams, limit is %d; lower the frame duration", spec, size, MaxDatagramSize)
	}
	return nil
}

// NewEncoder returns the encoder for a session. Datagram sessions always
// use OrderedEncoder.
func NewEncoder(enc Encoding, datagram bool) Encoder {
	if datagram {
		return &OrderedEncoder{}
	}
	if enc == EncodingProto {
		return ProtoEncoder{}
	}
	return RawEncoder{}
}

// DecodeAudioPacket parses an AudioPacketMessage. Unknown fields are skipped.
func DecodeAudioPacket(b []byte) (audio.Packet, error) {
	var p audio.Packet
	var encoding int32
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, errors.Wrap(protowire.ParseError(n), "bad tag")
		}
		b = b[n:]

		switch {
		case num == fieldBuffer && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, errors.Wrap(protowire.ParseError(n), "bad buffer")
			}
			p.Data = append([]byte(nil), v...)
			b = b[n:]
		case (num == fieldSampleRate || num == fieldChannelCount || num == fieldAudioFormat) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, errors.Wrap(protowire.ParseError(n), "bad varint")
			}
			switch num {
			case fieldSampleRate:
				p.SampleRate = int(v)
			case fieldChannelCount:
				p.Channels = int(v)
			case fieldAudioFormat:
				encoding = int32(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, errors.Wrap(protowire.ParseError(n), "bad field")
			}
			b = b[n:]
		}
	}

	format, err := audio.FormatFromAndroidEncoding(encoding)
	if err != nil {
		return p, err
	}
	p.Format = format
	return p, nil
}

// DecodeOrdered parses an AudioPacketMessageOrdered
func DecodeOrdered(b []byte) (uint32, audio.Packet, error) {
	var seq uint32
	var inner []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, audio.Packet{}, errors.Wrap(protowire.ParseError(n), "bad tag")
		}
		b = b[n:]

		switch {
		case num == fieldSequenceNumber && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, audio.Packet{}, errors.Wrap(protowire.ParseError(n), "bad sequence number")
			}
			seq = uint32(v)
			b = b[n:]
		case num == fieldAudioPacket && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, audio.Packet{}, errors.Wrap(protowire.ParseError(n), "bad audio packet")
			}
			inner = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, audio.Packet{}, errors.Wrap(protowire.ParseError(n), "bad field")
			}
			b = b[n:]
		}
	}
	if inner == nil {
		return seq, audio.Packet{}, errors.New("ordered message without audio packet")
	}
	p, err := DecodeAudioPacket(inner)
	return seq, p, err
}
