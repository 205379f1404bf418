package sip

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"softswitch/pkg/errors"
	"softswitch/pkg/media"
)

// CodecOffer is one payload the remote party advertised
type CodecOffer struct {
	PayloadType uint8
	Name        string
	ClockRate   int
}

// Description is the negotiation view of one session description: the
// declared media address and the audio payloads on offer. The raw parsed
// form is retained for diagnostics.
type Description struct {
	Addr    string
	Port    int
	Offers  []CodecOffer
	EventPT uint8 // telephone-event payload type, 0 when not offered

	raw *sdp.SessionDescription
}

// staticPayloads covers the RFC 3551 static audio assignments peers may
// list without an rtpmap line
var staticPayloads = map[uint8]CodecOffer{
	0:  {PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	8:  {PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	9:  {PayloadType: 9, Name: "G722", ClockRate: 8000},
	18: {PayloadType: 18, Name: "G729", ClockRate: 8000},
}

// ParseDescription extracts the first audio section of an SDP body. The
// declared address is carried through as text; whether it looks reachable
// is never a reason to reject the session, the relay learns the real
// address from packets.
func ParseDescription(body []byte) (*Description, error) {
	var session sdp.SessionDescription
	if err := session.Unmarshal(body); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, err.Error())
	}

	var audio *sdp.MediaDescription
	for _, md := range session.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value > 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "no active audio section")
	}

	addr := ""
	if session.ConnectionInformation != nil && session.ConnectionInformation.Address != nil {
		addr = session.ConnectionInformation.Address.Address
	}
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		addr = audio.ConnectionInformation.Address.Address
	}
	if addr == "" {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "no connection address")
	}

	desc := &Description{
		Addr: addr,
		Port: audio.MediaName.Port.Value,
		raw:  &session,
	}

	// rtpmap lines override the static table
	rtpmaps := make(map[uint8]CodecOffer)
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		ptText, spec, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		pt, err := strconv.Atoi(ptText)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		parts := strings.Split(spec, "/")
		if len(parts) < 2 {
			continue
		}
		rate, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		rtpmaps[uint8(pt)] = CodecOffer{PayloadType: uint8(pt), Name: parts[0], ClockRate: rate}
	}

	for _, format := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(format)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}

		offer, ok := rtpmaps[uint8(pt)]
		if !ok {
			offer, ok = staticPayloads[uint8(pt)]
			if !ok {
				continue
			}
		}

		if strings.EqualFold(offer.Name, "telephone-event") {
			desc.EventPT = offer.PayloadType
			continue
		}
		desc.Offers = append(desc.Offers, offer)
	}

	return desc, nil
}

// RemoteAddr resolves the declared media address. Failure here never
// rejects a call; the caller falls back to pure address learning.
func (d *Description) RemoteAddr() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(d.Addr, strconv.Itoa(d.Port)))
}

// Negotiate picks the codec for one leg: the first entry of the local
// priority list that the remote party offered wins. The remote's own
// payload-type numbering is returned alongside so outbound packets use the
// peer's numbering.
func Negotiate(localPriority []string, remote *Description) (*media.Codec, CodecOffer, error) {
	for _, name := range localPriority {
		wantName := name
		wantRate := 0
		if base, rate, ok := strings.Cut(name, "/"); ok {
			wantName = base
			if n, err := strconv.Atoi(rate); err == nil {
				wantRate = n
			}
		}

		for _, offer := range remote.Offers {
			if !strings.EqualFold(offer.Name, wantName) {
				continue
			}
			if wantRate != 0 && offer.ClockRate != wantRate {
				continue
			}
			codec, ok := media.LookupByName(offer.Name, offer.ClockRate)
			if !ok {
				continue
			}
			return codec, offer, nil
		}
	}

	return nil, CodecOffer{}, errors.Wrap(errors.ErrNoCodecOverlap,
		fmt.Sprintf("no overlap between local %v and %d remote offers", localPriority, len(remote.Offers)))
}

// BuildOffer produces the local session description advertising every
// listed codec, in preference order
func BuildOffer(addr string, port int, codecs []*media.Codec, eventPT uint8) ([]byte, error) {
	var formats []string
	var attributes []sdp.Attribute
	for _, codec := range codecs {
		formats = append(formats, strconv.Itoa(int(codec.PayloadType)))
		attributes = append(attributes, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s/%d", codec.PayloadType, codec.Name, codec.ClockRate),
		})
	}
	if eventPT != 0 {
		formats = append(formats, strconv.Itoa(int(eventPT)))
		attributes = append(attributes,
			sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", eventPT)},
			sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-16", eventPT)},
		)
	}
	attributes = append(attributes,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	now := uint64(time.Now().Unix())
	session := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "softswitch",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attributes,
			},
		},
	}

	out, err := session.Marshal()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, err.Error())
	}
	return out, nil
}

// BuildAnswer produces the local session description for one leg after
// negotiation settled on a single codec
func BuildAnswer(addr string, port int, codec *media.Codec, eventPT uint8) ([]byte, error) {
	return BuildOffer(addr, port, []*media.Codec{codec}, eventPT)
}
