package radiuscodec

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/francistor/radtrunk/core"
)

// Implements the core.Codec contract with the built-in dictionary and a
// shared secret
type RadiusCodec struct {
	secret string
}

func NewRadiusCodec(secret string) *RadiusCodec {
	return &RadiusCodec{secret: secret}
}

// Codes whose request authenticator is a random value instead of a hash of
// the packet
func randomAuthenticatorCode(code byte) bool {
	return code == core.ACCESS_REQUEST || code == core.STATUS_SERVER
}

// Produces the signed datagram for a request and returns the request
// authenticator to be used later for validating the response.
//
// ACCESS_REQUEST and STATUS_SERVER
//
//	Authenticator is random
//
// OTHER REQUESTS
//
//	Authenticator is md5(code+identifier+length+zeroed_authenticator+attributes+secret)
//
// Message-Authenticator, when requested, is hmac-md5 over the packet with
// its own value zeroed, calculated before the hashed authenticator
func (c *RadiusCodec) Encode(code byte, id byte, avps []core.AVP, extra []core.AVP, opts core.EncodeOptions) ([]byte, [16]byte, error) {

	var auth [16]byte

	// Encode all the attributes first, to know the final size
	var attrBuffer bytes.Buffer
	for i := range avps {
		if err := encodeAVP(&attrBuffer, &avps[i]); err != nil {
			return nil, auth, err
		}
	}
	for i := range extra {
		if err := encodeAVP(&attrBuffer, &extra[i]); err != nil {
			return nil, auth, err
		}
	}
	if len(opts.ProxyState) > 0 {
		writeRawAVP(&attrBuffer, core.PROXY_STATE_TYPE, opts.ProxyState)
	}

	// Placeholder, filled below
	maOffset := -1
	if opts.AddMessageAuthenticator {
		maOffset = core.RADIUS_HEADER_LEN + attrBuffer.Len() + 2
		writeRawAVP(&attrBuffer, core.MESSAGE_AUTHENTICATOR_TYPE, make([]byte, 16))
	}

	packetLen := core.RADIUS_HEADER_LEN + attrBuffer.Len()
	if packetLen > core.MAX_PACKET_LEN {
		return nil, auth, core.ErrBufferTooSmall
	}
	if opts.MaxPacketSize > 0 && packetLen > opts.MaxPacketSize {
		return nil, auth, core.ErrBufferTooSmall
	}

	if randomAuthenticatorCode(code) {
		auth = core.BuildRandomAuthenticator()
	}

	packetBytes := make([]byte, 0, packetLen)
	packetBytes = append(packetBytes, code, id)
	packetBytes = binary.BigEndian.AppendUint16(packetBytes, uint16(packetLen))
	packetBytes = append(packetBytes, auth[:]...)
	packetBytes = append(packetBytes, attrBuffer.Bytes()...)

	if maOffset > 0 {
		hasher := hmac.New(md5.New, []byte(c.secret))
		hasher.Write(packetBytes)
		copy(packetBytes[maOffset:maOffset+16], hasher.Sum(nil))
	}

	if !randomAuthenticatorCode(code) {
		hasher := md5.New()
		hasher.Write(packetBytes)
		hasher.Write([]byte(c.secret))
		copy(auth[:], hasher.Sum(nil))
		copy(packetBytes[core.AUTHENTICATOR_OFFSET:core.RADIUS_HEADER_LEN], auth[:])
	}

	return packetBytes, auth, nil
}

// Validates and parses a response. The response authenticator must be
// md5(code+id+length+request_authenticator+attributes+secret). The value of
// a Message-Authenticator, if present, is verified and then zeroed in the
// returned attribute list
func (c *RadiusCodec) Decode(packetBytes []byte, reqAuthenticator [16]byte, requireMessageAuthenticator bool) (*core.DecodedPacket, error) {

	if len(packetBytes) < core.RADIUS_HEADER_LEN {
		return nil, fmt.Errorf("packet too short: %d bytes", len(packetBytes))
	}
	declaredLen := int(binary.BigEndian.Uint16(packetBytes[core.LENGTH_OFFSET : core.LENGTH_OFFSET+2]))
	if declaredLen < core.RADIUS_HEADER_LEN || declaredLen > len(packetBytes) {
		return nil, fmt.Errorf("bad declared length %d in %d byte packet", declaredLen, len(packetBytes))
	}
	packetBytes = packetBytes[:declaredLen]

	if !validResponseAuthenticator(packetBytes, reqAuthenticator, c.secret) {
		return nil, fmt.Errorf("bad response authenticator")
	}

	decoded := core.DecodedPacket{Code: packetBytes[0]}

	maFound := false
	pos := core.RADIUS_HEADER_LEN
	for pos < declaredLen {
		if pos+2 > declaredLen {
			return nil, fmt.Errorf("truncated attribute header at offset %d", pos)
		}
		avpCode := packetBytes[pos]
		avpLen := int(packetBytes[pos+1])
		if avpLen < 2 || pos+avpLen > declaredLen {
			return nil, fmt.Errorf("bad attribute length %d at offset %d", avpLen, pos)
		}
		value := packetBytes[pos+2 : pos+avpLen]

		if avpCode == core.MESSAGE_AUTHENTICATOR_TYPE {
			if avpLen != 18 {
				return nil, fmt.Errorf("bad Message-Authenticator length %d", avpLen)
			}
			if !c.validMessageAuthenticator(packetBytes, pos+2, value, reqAuthenticator) {
				return nil, fmt.Errorf("failed Message-Authenticator validation")
			}
			maFound = true
			// Scrubbed in the decoded attributes, it carries no information
			// once verified
			decoded.AVPs = append(decoded.AVPs, core.AVP{Name: "Message-Authenticator", Value: make([]byte, 16)})
		} else {
			avp, err := decodeAVP(avpCode, value)
			if err != nil {
				return nil, err
			}
			decoded.AVPs = append(decoded.AVPs, avp)
		}

		pos += avpLen
	}

	if requireMessageAuthenticator && !maFound {
		return nil, fmt.Errorf("Message-Authenticator required but not present")
	}
	decoded.MessageAuthenticatorValid = maFound

	return &decoded, nil
}

// Builds a signed response datagram. Used by the in-process servers that
// the tests exchange packets with
func (c *RadiusCodec) EncodeResponse(code byte, id byte, reqAuthenticator [16]byte, avps []core.AVP, addMessageAuthenticator bool) ([]byte, error) {

	var attrBuffer bytes.Buffer
	for i := range avps {
		if err := encodeAVP(&attrBuffer, &avps[i]); err != nil {
			return nil, err
		}
	}

	maOffset := -1
	if addMessageAuthenticator {
		maOffset = core.RADIUS_HEADER_LEN + attrBuffer.Len() + 2
		writeRawAVP(&attrBuffer, core.MESSAGE_AUTHENTICATOR_TYPE, make([]byte, 16))
	}

	packetLen := core.RADIUS_HEADER_LEN + attrBuffer.Len()
	if packetLen > core.MAX_PACKET_LEN {
		return nil, core.ErrBufferTooSmall
	}

	packetBytes := make([]byte, 0, packetLen)
	packetBytes = append(packetBytes, code, id)
	packetBytes = binary.BigEndian.AppendUint16(packetBytes, uint16(packetLen))
	packetBytes = append(packetBytes, reqAuthenticator[:]...)
	packetBytes = append(packetBytes, attrBuffer.Bytes()...)

	if maOffset > 0 {
		hasher := hmac.New(md5.New, []byte(c.secret))
		hasher.Write(packetBytes)
		copy(packetBytes[maOffset:maOffset+16], hasher.Sum(nil))
	}

	// Response authenticator over the packet with the request authenticator
	// already in place
	hasher := md5.New()
	hasher.Write(packetBytes)
	hasher.Write([]byte(c.secret))
	copy(packetBytes[core.AUTHENTICATOR_OFFSET:core.RADIUS_HEADER_LEN], hasher.Sum(nil))

	return packetBytes, nil
}

// Parses a request datagram without response validation. Used by the
// in-process servers that the tests exchange packets with
func (c *RadiusCodec) DecodeRequest(packetBytes []byte) (code byte, id byte, authenticator [16]byte, avps []core.AVP, err error) {

	if len(packetBytes) < core.RADIUS_HEADER_LEN {
		return 0, 0, authenticator, nil, fmt.Errorf("packet too short: %d bytes", len(packetBytes))
	}
	declaredLen := int(binary.BigEndian.Uint16(packetBytes[core.LENGTH_OFFSET : core.LENGTH_OFFSET+2]))
	if declaredLen < core.RADIUS_HEADER_LEN || declaredLen > len(packetBytes) {
		return 0, 0, authenticator, nil, fmt.Errorf("bad declared length %d in %d byte packet", declaredLen, len(packetBytes))
	}

	code = packetBytes[0]
	id = packetBytes[core.ID_OFFSET]
	copy(authenticator[:], packetBytes[core.AUTHENTICATOR_OFFSET:core.RADIUS_HEADER_LEN])

	pos := core.RADIUS_HEADER_LEN
	for pos < declaredLen {
		if pos+2 > declaredLen {
			return 0, 0, authenticator, nil, fmt.Errorf("truncated attribute header at offset %d", pos)
		}
		avpCode := packetBytes[pos]
		avpLen := int(packetBytes[pos+1])
		if avpLen < 2 || pos+avpLen > declaredLen {
			return 0, 0, authenticator, nil, fmt.Errorf("bad attribute length %d at offset %d", avpLen, pos)
		}
		avp, err := decodeAVP(avpCode, packetBytes[pos+2:pos+avpLen])
		if err != nil {
			return 0, 0, authenticator, nil, err
		}
		avps = append(avps, avp)
		pos += avpLen
	}

	return code, id, authenticator, avps, nil
}

// Checks the hmac-md5 of the packet with the Message-Authenticator value
// zeroed and the authenticator field replaced by the request one
func (c *RadiusCodec) validMessageAuthenticator(packetBytes []byte, valueOffset int, value []byte, reqAuthenticator [16]byte) bool {

	scratch := make([]byte, len(packetBytes))
	copy(scratch, packetBytes)
	copy(scratch[core.AUTHENTICATOR_OFFSET:core.RADIUS_HEADER_LEN], reqAuthenticator[:])
	for i := 0; i < 16; i++ {
		scratch[valueOffset+i] = 0
	}

	hasher := hmac.New(md5.New, []byte(c.secret))
	hasher.Write(scratch)
	return hmac.Equal(hasher.Sum(nil), value)
}

// Response authenticator must be the md5 hash of the response bytes with
// the authenticator replaced by the request authenticator, followed by the
// secret
func validResponseAuthenticator(packetBytes []byte, reqAuthenticator [16]byte, secret string) bool {

	hasher := md5.New()
	hasher.Write(packetBytes[0:core.AUTHENTICATOR_OFFSET])
	hasher.Write(reqAuthenticator[:])
	hasher.Write(packetBytes[core.RADIUS_HEADER_LEN:])
	hasher.Write([]byte(secret))
	auth := hasher.Sum(nil)

	for i, b := range packetBytes[core.AUTHENTICATOR_OFFSET:core.RADIUS_HEADER_LEN] {
		if auth[i] != b {
			return false
		}
	}

	return true
}

func encodeAVP(buffer *bytes.Buffer, avp *core.AVP) error {

	item, err := GetFromName(avp.Name)
	if err != nil {
		return err
	}

	var valueBytes []byte
	switch item.Type {

	case TypeString:
		switch v := avp.Value.(type) {
		case string:
			valueBytes = []byte(v)
		default:
			return fmt.Errorf("%s: cannot encode %T as string", avp.Name, avp.Value)
		}

	case TypeOctets:
		switch v := avp.Value.(type) {
		case []byte:
			valueBytes = v
		case string:
			valueBytes = []byte(v)
		default:
			return fmt.Errorf("%s: cannot encode %T as octets", avp.Name, avp.Value)
		}

	case TypeInteger:
		var intValue uint32
		switch v := avp.Value.(type) {
		case int:
			intValue = uint32(v)
		case int64:
			intValue = uint32(v)
		case uint32:
			intValue = v
		case byte:
			intValue = uint32(v)
		default:
			return fmt.Errorf("%s: cannot encode %T as integer", avp.Name, avp.Value)
		}
		valueBytes = binary.BigEndian.AppendUint32(nil, intValue)

	case TypeAddress:
		var address net.IP
		switch v := avp.Value.(type) {
		case net.IP:
			address = v
		case string:
			address = net.ParseIP(v)
		}
		if address == nil || address.To4() == nil {
			return fmt.Errorf("%s: cannot encode %v as ipv4 address", avp.Name, avp.Value)
		}
		valueBytes = address.To4()

	case TypeTime:
		switch v := avp.Value.(type) {
		case time.Time:
			valueBytes = binary.BigEndian.AppendUint32(nil, uint32(v.Unix()))
		case int64:
			valueBytes = binary.BigEndian.AppendUint32(nil, uint32(v))
		default:
			return fmt.Errorf("%s: cannot encode %T as time", avp.Name, avp.Value)
		}
	}

	if len(valueBytes) > core.MAX_ATTRIBUTE_LEN-2 {
		return fmt.Errorf("%s: value of %d bytes does not fit in one attribute", avp.Name, len(valueBytes))
	}

	writeRawAVP(buffer, item.Code, valueBytes)
	return nil
}

func writeRawAVP(buffer *bytes.Buffer, code byte, value []byte) {
	buffer.WriteByte(code)
	buffer.WriteByte(byte(2 + len(value)))
	buffer.Write(value)
}

func decodeAVP(code byte, value []byte) (core.AVP, error) {

	item := GetFromCode(code)

	switch item.Type {

	case TypeString:
		return core.AVP{Name: item.Name, Value: string(value)}, nil

	case TypeInteger:
		if len(value) != 4 {
			return core.AVP{}, fmt.Errorf("%s: bad integer length %d", item.Name, len(value))
		}
		return core.AVP{Name: item.Name, Value: int64(binary.BigEndian.Uint32(value))}, nil

	case TypeAddress:
		if len(value) != 4 {
			return core.AVP{}, fmt.Errorf("%s: bad address length %d", item.Name, len(value))
		}
		return core.AVP{Name: item.Name, Value: net.IPv4(value[0], value[1], value[2], value[3])}, nil

	case TypeTime:
		if len(value) != 4 {
			return core.AVP{}, fmt.Errorf("%s: bad time length %d", item.Name, len(value))
		}
		return core.AVP{Name: item.Name, Value: time.Unix(int64(binary.BigEndian.Uint32(value)), 0)}, nil

	default:
		valueCopy := make([]byte, len(value))
		copy(valueCopy, value)
		return core.AVP{Name: item.Name, Value: valueCopy}, nil
	}
}
