package core

import "errors"

// The encoder could not fit the packet in max_packet_size octets
var ErrBufferTooSmall = errors.New("packet does not fit: increase max_packet_size")

// Attribute as seen by the transport. The dictionary lives in the codec
// implementation and values are kept opaque here
type AVP struct {
	Name  string `yaml:"name" json:"name"`
	Value any    `yaml:"value" json:"value"`
}

type EncodeOptions struct {

	// Append a Proxy-State attribute with this value after the caller and
	// extra attributes. It is written directly into the encoded packet and
	// neither attribute list is modified, so that the caller attributes can
	// be encoded concurrently by several trunks
	ProxyState []byte

	// Append and sign a Message-Authenticator attribute
	AddMessageAuthenticator bool

	// Hard limit for the encoded datagram
	MaxPacketSize int
}

// A decoded response
type DecodedPacket struct {
	Code byte
	AVPs []AVP

	// A valid Message-Authenticator was present in the packet
	MessageAuthenticatorValid bool
}

// Contract with the external wire codec. Encode produces the signed
// datagram and the request authenticator, which the caller must keep in
// order to decode the matching response
type Codec interface {
	Encode(code byte, id byte, avps []AVP, extra []AVP, opts EncodeOptions) ([]byte, [16]byte, error)
	Decode(packetBytes []byte, reqAuthenticator [16]byte, requireMessageAuthenticator bool) (*DecodedPacket, error)
}
