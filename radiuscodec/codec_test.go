package radiuscodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/francistor/radtrunk/core"
)

const testSecret = "mysecret"

func TestEncodeDecodeRoundtrip(t *testing.T) {
	codec := NewRadiusCodec(testSecret)

	avps := []core.AVP{
		{Name: "User-Name", Value: "myUserName"},
		{Name: "NAS-IP-Address", Value: "1.2.3.4"},
		{Name: "Session-Timeout", Value: 3600},
	}

	packetBytes, reqAuth, err := codec.Encode(core.ACCESS_REQUEST, 57, avps, nil, core.EncodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, byte(core.ACCESS_REQUEST), packetBytes[0])
	assert.Equal(t, byte(57), packetBytes[core.ID_OFFSET])

	// The server side sees the same attributes
	code, id, serverAuth, serverAVPs, err := codec.DecodeRequest(packetBytes)
	require.NoError(t, err)
	assert.Equal(t, byte(core.ACCESS_REQUEST), code)
	assert.Equal(t, byte(57), id)
	assert.Equal(t, reqAuth, serverAuth)
	require.Len(t, serverAVPs, 3)
	assert.Equal(t, "myUserName", serverAVPs[0].Value)
	assert.Equal(t, int64(3600), serverAVPs[2].Value)

	// And its answer decodes and validates against the saved authenticator
	responseBytes, err := codec.EncodeResponse(core.ACCESS_ACCEPT, id, serverAuth, []core.AVP{
		{Name: "Reply-Message", Value: "welcome"},
	}, false)
	require.NoError(t, err)

	decoded, err := codec.Decode(responseBytes, reqAuth, false)
	require.NoError(t, err)
	assert.Equal(t, byte(core.ACCESS_ACCEPT), decoded.Code)
	require.Len(t, decoded.AVPs, 1)
	assert.Equal(t, "welcome", decoded.AVPs[0].Value)
	assert.False(t, decoded.MessageAuthenticatorValid)
}

func TestHashedRequestAuthenticator(t *testing.T) {
	codec := NewRadiusCodec(testSecret)

	// Accounting requests carry a deterministic authenticator
	first, auth1, err := codec.Encode(core.ACCOUNTING_REQUEST, 1, []core.AVP{
		{Name: "Acct-Session-Id", Value: "session-1"},
		{Name: "Acct-Status-Type", Value: 1},
	}, nil, core.EncodeOptions{})
	require.NoError(t, err)
	second, auth2, err := codec.Encode(core.ACCOUNTING_REQUEST, 1, []core.AVP{
		{Name: "Acct-Session-Id", Value: "session-1"},
		{Name: "Acct-Status-Type", Value: 1},
	}, nil, core.EncodeOptions{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, auth1, auth2)
	assert.Equal(t, auth1[:], first[core.AUTHENTICATOR_OFFSET:core.RADIUS_HEADER_LEN])
}

func TestResponseAuthenticatorValidation(t *testing.T) {
	codec := NewRadiusCodec(testSecret)

	packetBytes, reqAuth, err := codec.Encode(core.ACCESS_REQUEST, 3, []core.AVP{
		{Name: "User-Name", Value: "someone"},
	}, nil, core.EncodeOptions{})
	require.NoError(t, err)

	_, id, serverAuth, _, err := codec.DecodeRequest(packetBytes)
	require.NoError(t, err)

	responseBytes, err := codec.EncodeResponse(core.ACCESS_REJECT, id, serverAuth, nil, false)
	require.NoError(t, err)

	// Fine as produced
	_, err = codec.Decode(responseBytes, reqAuth, false)
	require.NoError(t, err)

	// Tampering one byte of the payload breaks the authenticator
	responseBytes[0] = core.ACCESS_ACCEPT
	_, err = codec.Decode(responseBytes, reqAuth, false)
	assert.Error(t, err)

	// A response signed with another secret is rejected too
	otherCodec := NewRadiusCodec("othersecret")
	responseBytes, err = otherCodec.EncodeResponse(core.ACCESS_REJECT, id, serverAuth, nil, false)
	require.NoError(t, err)
	_, err = codec.Decode(responseBytes, reqAuth, false)
	assert.Error(t, err)
}

func TestMessageAuthenticator(t *testing.T) {
	codec := NewRadiusCodec(testSecret)

	packetBytes, reqAuth, err := codec.Encode(core.ACCESS_REQUEST, 9, []core.AVP{
		{Name: "User-Name", Value: "someone"},
	}, nil, core.EncodeOptions{AddMessageAuthenticator: true})
	require.NoError(t, err)

	_, id, serverAuth, serverAVPs, err := codec.DecodeRequest(packetBytes)
	require.NoError(t, err)

	// The request carries the attribute
	maFound := false
	for _, avp := range serverAVPs {
		if avp.Name == "Message-Authenticator" {
			maFound = true
		}
	}
	assert.True(t, maFound)

	responseBytes, err := codec.EncodeResponse(core.ACCESS_ACCEPT, id, serverAuth, nil, true)
	require.NoError(t, err)

	decoded, err := codec.Decode(responseBytes, reqAuth, true)
	require.NoError(t, err)
	assert.True(t, decoded.MessageAuthenticatorValid)

	// The verified value is scrubbed from the decoded attributes
	for _, avp := range decoded.AVPs {
		if avp.Name == "Message-Authenticator" {
			assert.Equal(t, make([]byte, 16), avp.Value)
		}
	}

	// Corrupting the hmac is detected
	responseBytes[len(responseBytes)-1] ^= 0xff
	_, err = codec.Decode(responseBytes, reqAuth, true)
	assert.Error(t, err)

	// A response without the attribute fails when it is required
	responseBytes, err = codec.EncodeResponse(core.ACCESS_ACCEPT, id, serverAuth, nil, false)
	require.NoError(t, err)
	_, err = codec.Decode(responseBytes, reqAuth, true)
	assert.Error(t, err)
	decoded, err = codec.Decode(responseBytes, reqAuth, false)
	require.NoError(t, err)
	assert.False(t, decoded.MessageAuthenticatorValid)
}

func TestProxyStateAppended(t *testing.T) {
	codec := NewRadiusCodec(testSecret)

	packetBytes, _, err := codec.Encode(core.ACCOUNTING_REQUEST, 1, []core.AVP{
		{Name: "Acct-Session-Id", Value: "session-1"},
		{Name: "Acct-Status-Type", Value: 2},
	}, nil, core.EncodeOptions{ProxyState: []byte{0, 0, 0, 7}})
	require.NoError(t, err)

	_, _, _, serverAVPs, err := codec.DecodeRequest(packetBytes)
	require.NoError(t, err)

	var proxyState []byte
	for _, avp := range serverAVPs {
		if avp.Name == "Proxy-State" {
			proxyState = avp.Value.([]byte)
		}
	}
	assert.Equal(t, []byte{0, 0, 0, 7}, proxyState)
}

func TestEncodeSizeLimits(t *testing.T) {
	codec := NewRadiusCodec(testSecret)

	// Does not fit in max_packet_size
	bigAVPs := []core.AVP{}
	for i := 0; i < 30; i++ {
		bigAVPs = append(bigAVPs, core.AVP{Name: "Class", Value: make([]byte, 250)})
	}
	_, _, err := codec.Encode(core.ACCESS_REQUEST, 1, bigAVPs, nil, core.EncodeOptions{MaxPacketSize: 4096})
	assert.ErrorIs(t, err, core.ErrBufferTooSmall)

	// A single attribute over 253 octets of value cannot be encoded
	_, _, err = codec.Encode(core.ACCESS_REQUEST, 1, []core.AVP{
		{Name: "Class", Value: make([]byte, 300)},
	}, nil, core.EncodeOptions{})
	assert.Error(t, err)

	// Unknown attribute name
	_, _, err = codec.Encode(core.ACCESS_REQUEST, 1, []core.AVP{
		{Name: "No-Such-Attribute", Value: "x"},
	}, nil, core.EncodeOptions{})
	assert.Error(t, err)
}

func TestDecodeMalformed(t *testing.T) {
	codec := NewRadiusCodec(testSecret)
	var reqAuth [16]byte

	_, err := codec.Decode(make([]byte, 10), reqAuth, false)
	assert.Error(t, err)

	// Declared length over the buffer
	packetBytes := make([]byte, core.RADIUS_HEADER_LEN)
	packetBytes[core.LENGTH_OFFSET] = 0xff
	packetBytes[core.LENGTH_OFFSET+1] = 0xff
	_, err = codec.Decode(packetBytes, reqAuth, false)
	assert.Error(t, err)
}
