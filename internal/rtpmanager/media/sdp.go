package media

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// Endpoint is the remote media address announced in an SDP body.
type Endpoint struct {
	Addr    string
	Port    int
	Formats []string // payload types in offer order
}

// ParseSDP extracts the first audio stream's endpoint from an SDP body.
func ParseSDP(body []byte) (*Endpoint, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty SDP body")
	}

	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		ep := &Endpoint{
			Port:    md.MediaName.Port.Value,
			Formats: md.MediaName.Formats,
		}
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			ep.Addr = md.ConnectionInformation.Address.Address
		} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			ep.Addr = desc.ConnectionInformation.Address.Address
		}
		if ep.Addr == "" {
			return nil, fmt.Errorf("no connection address in SDP")
		}
		return ep, nil
	}
	return nil, fmt.Errorf("no audio media in SDP")
}

var rtpmaps = map[uint8]string{
	CodecPCMU.PayloadType:           "PCMU/8000",
	CodecPCMA.PayloadType:           "PCMA/8000",
	CodecTelephoneEvent.PayloadType: "telephone-event/8000",
}

// BuildSDP creates an offer or answer advertising addr:port with the given
// audio codecs plus telephone-event.
func BuildSDP(addr string, port int, codecs ...Codec) ([]byte, error) {
	if len(codecs) == 0 {
		codecs = supportedCodecs
	}

	formats := make([]string, 0, len(codecs)+1)
	var attrs []sdp.Attribute
	all := append(append([]Codec{}, codecs...), CodecTelephoneEvent)
	for _, c := range all {
		pt := strconv.Itoa(int(c.PayloadType))
		formats = append(formats, pt)
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: pt + " " + rtpmaps[c.PayloadType]})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "fmtp", Value: strconv.Itoa(int(DTMFPayloadType)) + " 0-15"},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
		sdp.Attribute{Key: "rtcp-mux"},
	)

	sessionID := uint64(time.Now().UnixNano())
	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "callpilot",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "callpilot",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal SDP: %w", err)
	}
	return body, nil
}
