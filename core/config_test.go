package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTrunkConfig(t *testing.T) {
	config, err := LoadTrunkConfig("testdata/trunk.yaml")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:1812", config.Endpoint)
	assert.Equal(t, "udp", config.Transport)
	assert.Equal(t, MODE_CLIENT, config.Mode)
	assert.Equal(t, 4, config.Connections)
	assert.Equal(t, 128, config.MaxPendingPerConnection)
	assert.Equal(t, 500, config.MaxBacklog)
	assert.Equal(t, byte(STATUS_SERVER), config.StatusCheckCode)
	require.Len(t, config.StatusCheckAVPs, 1)
	assert.Equal(t, "NAS-Identifier", config.StatusCheckAVPs[0].Name)
	assert.Equal(t, 2, config.NumAnswersToAlive)
	assert.Equal(t, 30*time.Second, config.ZombiePeriod)
	assert.Equal(t, 2*time.Minute, config.ReviveInterval)
	assert.Equal(t, 10*time.Second, config.ResponseWindow)
	assert.Equal(t, 8192, config.MaxPacketSize)
	assert.Equal(t, REQUIRE_MA_AUTO, config.RequireMessageAuthenticator)

	// Durations parsed inside the retry map
	accessRetry := config.Retry[ACCESS_REQUEST]
	assert.Equal(t, 2*time.Second, accessRetry.InitialRT)
	assert.Equal(t, 8*time.Second, accessRetry.MaxRT)
	assert.Equal(t, uint32(4), accessRetry.MRC)
	assert.Equal(t, 20*time.Second, accessRetry.MRD)

	assert.Equal(t, 10*time.Second, config.TimeoutRetry.InitialRT)
	assert.Equal(t, uint32(1), config.TimeoutRetry.MRC)

	assert.True(t, config.CodeAllowed(ACCESS_REQUEST))
	assert.True(t, config.CodeAllowed(COA_REQUEST))
	assert.False(t, config.CodeAllowed(DISCONNECT_REQUEST))
}

func TestTrunkConfigDefaults(t *testing.T) {
	config := TrunkConfig{Endpoint: "1.2.3.4:1812"}
	require.NoError(t, config.Validate())

	assert.Equal(t, "udp", config.Transport)
	assert.Equal(t, MODE_CLIENT, config.Mode)
	assert.Equal(t, 2, config.Connections)
	assert.Equal(t, 256, config.MaxPendingPerConnection)
	assert.Equal(t, 1000, config.MaxBacklog)
	assert.Equal(t, 3, config.NumAnswersToAlive)
	assert.Equal(t, 40*time.Second, config.ZombiePeriod)
	assert.Equal(t, 5*time.Minute, config.ReviveInterval)
	assert.Equal(t, 20*time.Second, config.ResponseWindow)
	assert.Equal(t, MIN_RECEIVE_BUFFER_LEN, config.MaxPacketSize)
	assert.Equal(t, REQUIRE_MA_NO, config.RequireMessageAuthenticator)
	assert.False(t, config.StatusCheckEnabled())

	// Without a specific entry the rfc 5080 defaults apply
	retry := config.RetryConfigFor(ACCESS_REQUEST)
	assert.Equal(t, 2*time.Second, retry.InitialRT)
	assert.Equal(t, 16*time.Second, retry.MaxRT)
	assert.Equal(t, uint32(5), retry.MRC)
	assert.Equal(t, 30*time.Second, retry.MRD)

	// The default timeout_retry is a single shot at the response window
	assert.Equal(t, config.ResponseWindow, config.TimeoutRetry.InitialRT)
	assert.Equal(t, uint32(1), config.TimeoutRetry.MRC)

	// All codes allowed when the list is empty
	assert.True(t, config.CodeAllowed(DISCONNECT_REQUEST))
}

func TestTrunkConfigRejections(t *testing.T) {
	config := TrunkConfig{}
	assert.Error(t, config.Validate())

	config = TrunkConfig{Endpoint: "1.2.3.4:1812", Transport: "sctp"}
	assert.Error(t, config.Validate())

	config = TrunkConfig{Endpoint: "1.2.3.4:1812", Mode: "mirror"}
	assert.Error(t, config.Validate())

	config = TrunkConfig{Endpoint: "1.2.3.4:1812", Mode: MODE_REPLICATE, StatusCheckCode: STATUS_SERVER}
	assert.Error(t, config.Validate())

	config = TrunkConfig{Endpoint: "1.2.3.4:1812", MaxPacketSize: 100000}
	assert.Error(t, config.Validate())

	config = TrunkConfig{Endpoint: "1.2.3.4:1812", ProxyState: []byte{1, 2, 3}}
	assert.Error(t, config.Validate())

	config = TrunkConfig{Endpoint: "1.2.3.4:1812", RequireMessageAuthenticator: "maybe"}
	assert.Error(t, config.Validate())

	config = TrunkConfig{
		Endpoint: "1.2.3.4:1812",
		Retry:    map[byte]RetryConfig{ACCESS_REQUEST: {InitialRT: 4 * time.Second, MaxRT: 2 * time.Second}},
	}
	assert.Error(t, config.Validate())
}
