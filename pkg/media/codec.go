package media

import (
	"fmt"
	"strings"

	"softswitch/pkg/errors"
)

// CodecID identifies a registered codec in the dispatch table
type CodecID string

const (
	CodecPCMU    CodecID = "PCMU"
	CodecPCMA    CodecID = "PCMA"
	CodecG722    CodecID = "G722"
	CodecL16     CodecID = "L16"
	CodecL16Wide CodecID = "L16/16000"
	// CodecTelephoneEvent is the RFC 4733 digit-event encoding. It is never
	// transcoded; the relay intercepts it for digit extraction.
	CodecTelephoneEvent CodecID = "telephone-event"
)

// EncodeFunc converts linear PCM samples into the codec's wire representation
type EncodeFunc func(pcm []int16) []byte

// DecodeFunc converts wire bytes back into linear PCM samples
type DecodeFunc func(payload []byte) []int16

// Codec describes one entry in the static payload-type mapping table.
// Encode/Decode are pure and stateless; a nil pair marks a passthrough-only
// codec that can be negotiated and relayed but not transcoded.
type Codec struct {
	ID          CodecID
	Name        string // SDP rtpmap name
	PayloadType uint8
	ClockRate   int // RTP timestamp rate
	SampleRate  int // audio sampling rate (differs from ClockRate for G.722)
	Encode      EncodeFunc
	Decode      DecodeFunc
}

// Transcodable reports whether the codec can participate in transcoding
func (c *Codec) Transcodable() bool {
	return c != nil && c.Encode != nil && c.Decode != nil
}

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16

	codecTable []*Codec
	byID       map[CodecID]*Codec
	byPayload  map[uint8]*Codec
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
		aLawDecodeTable[i] = decodeALawSample(byte(i))
	}

	codecTable = []*Codec{
		{ID: CodecPCMU, Name: "PCMU", PayloadType: 0, ClockRate: 8000, SampleRate: 8000, Encode: muLawFromPCM, Decode: muLawToPCM},
		{ID: CodecPCMA, Name: "PCMA", PayloadType: 8, ClockRate: 8000, SampleRate: 8000, Encode: aLawFromPCM, Decode: aLawToPCM},
		// G.722 advertises an 8 kHz RTP clock over 16 kHz audio (RFC 3551
		// quirk). Passthrough only: both legs must agree on it.
		{ID: CodecG722, Name: "G722", PayloadType: 9, ClockRate: 8000, SampleRate: 16000},
		{ID: CodecL16, Name: "L16", PayloadType: 118, ClockRate: 8000, SampleRate: 8000, Encode: l16FromPCM, Decode: l16ToPCM},
		{ID: CodecL16Wide, Name: "L16", PayloadType: 119, ClockRate: 16000, SampleRate: 16000, Encode: l16FromPCM, Decode: l16ToPCM},
		{ID: CodecTelephoneEvent, Name: "telephone-event", PayloadType: 101, ClockRate: 8000, SampleRate: 8000},
	}

	byID = make(map[CodecID]*Codec, len(codecTable))
	byPayload = make(map[uint8]*Codec, len(codecTable))
	for _, c := range codecTable {
		byID[c.ID] = c
		byPayload[c.PayloadType] = c
	}
}

// Lookup returns the codec registered under the given id
func Lookup(id CodecID) (*Codec, bool) {
	c, ok := byID[id]
	return c, ok
}

// LookupByPayloadType resolves a codec from an RTP payload type
func LookupByPayloadType(pt uint8) (*Codec, bool) {
	c, ok := byPayload[pt]
	return c, ok
}

// LookupByName resolves a codec from an SDP rtpmap name and clock rate
func LookupByName(name string, clockRate int) (*Codec, bool) {
	for _, c := range codecTable {
		if !strings.EqualFold(c.Name, name) {
			continue
		}
		if clockRate == 0 || c.ClockRate == clockRate {
			return c, true
		}
	}
	return nil, false
}

// Codecs returns the full registry, in table order
func Codecs() []*Codec {
	return codecTable
}

// Encode converts PCM at the given sampling rate into the target codec's
// wire format. Feeding a mismatched rate into an encoder is a correctness
// bug class; the rate is asserted here rather than silently accepted.
func Encode(pcm []int16, rate int, target *Codec) ([]byte, error) {
	if target == nil || target.Encode == nil {
		return nil, errors.Wrap(errors.ErrCodecMismatch, "codec is not a transcode target")
	}
	if rate != target.SampleRate {
		return nil, errors.Wrap(errors.ErrCodecMismatch,
			fmt.Sprintf("cannot encode %d Hz PCM as %s/%d without resampling", rate, target.Name, target.SampleRate))
	}
	return target.Encode(pcm), nil
}

// Decode converts codec wire bytes into PCM at the codec's sampling rate
func Decode(payload []byte, source *Codec) ([]int16, error) {
	if source == nil || source.Decode == nil {
		return nil, errors.Wrap(errors.ErrCodecMismatch, "codec is not a transcode source")
	}
	return source.Decode(payload), nil
}

// Transcode converts a payload from one codec to another, resampling when
// the two operate at different rates.
func Transcode(payload []byte, from, to *Codec) ([]byte, error) {
	if from == nil || to == nil {
		return nil, errors.ErrCodecMismatch
	}
	if from.ID == to.ID {
		return payload, nil
	}

	pcm, err := Decode(payload, from)
	if err != nil {
		return nil, err
	}

	if from.SampleRate != to.SampleRate {
		pcm, err = Resample(pcm, from.SampleRate, to.SampleRate)
		if err != nil {
			return nil, err
		}
	}

	return Encode(pcm, to.SampleRate, to)
}

func muLawToPCM(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = muLawDecodeTable[b]
	}
	return out
}

func muLawFromPCM(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = encodeMuLawSample(s)
	}
	return out
}

func aLawToPCM(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = aLawDecodeTable[b]
	}
	return out
}

func aLawFromPCM(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = encodeALawSample(s)
	}
	return out
}

// l16FromPCM serializes network byte order per RFC 3551
func l16FromPCM(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = byte(uint16(s) >> 8)
		out[2*i+1] = byte(uint16(s))
	}
	return out
}

func l16ToPCM(payload []byte) []int16 {
	out := make([]int16, len(payload)/2)
	for i := range out {
		out[i] = int16(uint16(payload[2*i])<<8 | uint16(payload[2*i+1]))
	}
	return out
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := int16(uval & 0x80)
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + 0x84) << exponent
	magnitude -= 0x84
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

func encodeMuLawSample(sample int16) byte {
	sign := byte(0)
	value := int(sample)
	if value < 0 {
		value = -value
		sign = 0x80
	}
	if value > muLawClip {
		value = muLawClip
	}
	value += muLawBias

	exponent := 7
	for mask := 0x4000; exponent > 0 && value&mask == 0; exponent-- {
		mask >>= 1
	}
	mantissa := (value >> uint(exponent+3)) & 0x0F

	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	sign := aval & 0x80
	exponent := (aval >> 4) & 0x07
	mantissa := int(aval & 0x0F)

	magnitude := mantissa << 4
	switch exponent {
	case 0:
		magnitude += 8
	case 1:
		magnitude += 0x108
	default:
		magnitude = (magnitude + 0x108) << (exponent - 1)
	}

	// Sign bit set (after the 0x55 toggle) marks a positive sample
	if sign != 0 {
		return int16(magnitude)
	}
	return int16(-magnitude)
}

var aLawSegmentEnds = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func encodeALawSample(sample int16) byte {
	mask := byte(0xD5)
	value := int(sample) >> 3
	if value < 0 {
		mask = 0x55
		value = -value - 1
	}

	segment := 8
	for i, end := range aLawSegmentEnds {
		if value <= end {
			segment = i
			break
		}
	}
	if segment >= 8 {
		return 0x7F ^ mask
	}

	aval := byte(segment) << 4
	if segment < 2 {
		aval |= byte(value>>1) & 0x0F
	} else {
		aval |= byte(value>>uint(segment)) & 0x0F
	}
	return aval ^ mask
}
