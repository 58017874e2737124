package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Retransmission schedule for one packet code
type RetryConfig struct {

	// First retransmission interval
	InitialRT time.Duration

	// Cap for the doubling interval
	MaxRT time.Duration

	// Maximum retransmission count. 0 means no count limit
	MRC uint32

	// Maximum retransmission duration. 0 means no duration limit
	MRD time.Duration
}

// Shadow type with string durations for the yaml files
type retryConfigYAML struct {
	InitialRT string `yaml:"initial_rt"`
	MaxRT     string `yaml:"max_rt"`
	MRC       uint32 `yaml:"mrc"`
	MRD       string `yaml:"mrd"`
}

func (c *RetryConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux retryConfigYAML
	if err := node.Decode(&aux); err != nil {
		return err
	}

	var err error
	if c.InitialRT, err = parseDuration(aux.InitialRT); err != nil {
		return fmt.Errorf("initial_rt: %w", err)
	}
	if c.MaxRT, err = parseDuration(aux.MaxRT); err != nil {
		return fmt.Errorf("max_rt: %w", err)
	}
	if c.MRD, err = parseDuration(aux.MRD); err != nil {
		return fmt.Errorf("mrd: %w", err)
	}
	c.MRC = aux.MRC

	return nil
}

// Applies the rfc 5080 style defaults
func (c *RetryConfig) Validate() error {
	if c.InitialRT == 0 {
		c.InitialRT = 2 * time.Second
	}
	if c.MaxRT == 0 {
		c.MaxRT = 16 * time.Second
	}
	if c.MRC == 0 && c.MRD == 0 {
		c.MRC = 5
		c.MRD = 30 * time.Second
	}
	if c.MaxRT < c.InitialRT {
		return fmt.Errorf("max_rt %v is smaller than initial_rt %v", c.MaxRT, c.InitialRT)
	}
	return nil
}

type TrunkMode string

const (
	MODE_CLIENT    TrunkMode = "client"
	MODE_PROXY     TrunkMode = "proxy"
	MODE_REPLICATE TrunkMode = "replicate"
)

type RequireMAMode string

const (
	REQUIRE_MA_YES  RequireMAMode = "yes"
	REQUIRE_MA_NO   RequireMAMode = "no"
	REQUIRE_MA_AUTO RequireMAMode = "auto"
)

// Static configuration of a trunk towards a single radius server.
// Immutable once the trunk is created
type TrunkConfig struct {

	// <host>:<port> of the remote server
	Endpoint string

	// udp or tcp
	Transport string

	// Shared secret with the remote server
	Secret string

	Mode TrunkMode

	// Number of connections in the pool
	Connections int

	// Requests assigned to a connection but not yet written
	MaxPendingPerConnection int

	// Requests accepted while waiting for capacity
	MaxBacklog int

	// Code for the liveness probes. 0 disables status checks
	StatusCheckCode byte

	// Attribute template for the probes
	StatusCheckAVPs []AVP

	// Contiguous probe replies needed after a failure
	NumAnswersToAlive int

	ZombiePeriod   time.Duration
	ReviveInterval time.Duration

	// Per packet reply deadline
	ResponseWindow time.Duration

	// Per code retransmission schedule
	Retry map[byte]RetryConfig

	// Schedule used for proxied requests, stream transports and replicate mode
	TimeoutRetry RetryConfig

	// Initial receive buffer size, also the encoder hard limit
	MaxPacketSize int

	RequireMessageAuthenticator RequireMAMode

	// Outgoing codes permitted. Empty means all request codes
	AllowedCodes []byte

	// Value for the Proxy-State attribute appended in proxy mode
	ProxyState []byte
}

type trunkConfigYAML struct {
	Endpoint                    string                `yaml:"endpoint"`
	Transport                   string                `yaml:"transport"`
	Secret                      string                `yaml:"secret"`
	Mode                        TrunkMode             `yaml:"mode"`
	Connections                 int                   `yaml:"connections"`
	MaxPendingPerConnection     int                   `yaml:"max_pending_per_connection"`
	MaxBacklog                  int                   `yaml:"max_backlog"`
	StatusCheckCode             byte                  `yaml:"status_check"`
	StatusCheckAVPs             []AVP                 `yaml:"status_check_avps"`
	NumAnswersToAlive           int                   `yaml:"num_answers_to_alive"`
	ZombiePeriod                string                `yaml:"zombie_period"`
	ReviveInterval              string                `yaml:"revive_interval"`
	ResponseWindow              string                `yaml:"response_window"`
	Retry                       map[byte]RetryConfig  `yaml:"retry"`
	TimeoutRetry                *RetryConfig          `yaml:"timeout_retry"`
	MaxPacketSize               int                   `yaml:"max_packet_size"`
	RequireMessageAuthenticator RequireMAMode         `yaml:"require_message_authenticator"`
	AllowedCodes                []byte                `yaml:"allowed"`
	ProxyState                  string                `yaml:"proxy_state"`
}

func (c *TrunkConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux trunkConfigYAML
	if err := node.Decode(&aux); err != nil {
		return err
	}

	c.Endpoint = aux.Endpoint
	c.Transport = aux.Transport
	c.Secret = aux.Secret
	c.Mode = aux.Mode
	c.Connections = aux.Connections
	c.MaxPendingPerConnection = aux.MaxPendingPerConnection
	c.MaxBacklog = aux.MaxBacklog
	c.StatusCheckCode = aux.StatusCheckCode
	c.StatusCheckAVPs = aux.StatusCheckAVPs
	c.NumAnswersToAlive = aux.NumAnswersToAlive
	c.Retry = aux.Retry
	if aux.TimeoutRetry != nil {
		c.TimeoutRetry = *aux.TimeoutRetry
	}
	c.MaxPacketSize = aux.MaxPacketSize
	c.RequireMessageAuthenticator = aux.RequireMessageAuthenticator
	c.AllowedCodes = aux.AllowedCodes
	if aux.ProxyState != "" {
		c.ProxyState = []byte(aux.ProxyState)
	}

	var err error
	if c.ZombiePeriod, err = parseDuration(aux.ZombiePeriod); err != nil {
		return fmt.Errorf("zombie_period: %w", err)
	}
	if c.ReviveInterval, err = parseDuration(aux.ReviveInterval); err != nil {
		return fmt.Errorf("revive_interval: %w", err)
	}
	if c.ResponseWindow, err = parseDuration(aux.ResponseWindow); err != nil {
		return fmt.Errorf("response_window: %w", err)
	}

	return nil
}

// Fills in defaults and rejects inconsistent combinations
func (c *TrunkConfig) Validate() error {

	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is mandatory")
	}
	if c.Transport == "" {
		c.Transport = "udp"
	}
	if c.Transport != "udp" && c.Transport != "tcp" {
		return fmt.Errorf("bad transport %s", c.Transport)
	}
	if c.Mode == "" {
		c.Mode = MODE_CLIENT
	}
	switch c.Mode {
	case MODE_CLIENT, MODE_PROXY, MODE_REPLICATE:
	default:
		return fmt.Errorf("bad mode %s", c.Mode)
	}
	if c.Mode == MODE_REPLICATE && c.StatusCheckCode != 0 {
		return fmt.Errorf("status checks cannot be used in replicate mode")
	}
	if c.Connections == 0 {
		c.Connections = 2
	}
	if c.MaxPendingPerConnection == 0 {
		c.MaxPendingPerConnection = 256
	}
	if c.MaxBacklog == 0 {
		c.MaxBacklog = 1000
	}
	if c.NumAnswersToAlive == 0 {
		c.NumAnswersToAlive = 3
	}
	if c.ZombiePeriod == 0 {
		c.ZombiePeriod = 40 * time.Second
	}
	if c.ReviveInterval == 0 {
		c.ReviveInterval = 5 * time.Minute
	}
	if c.ResponseWindow == 0 {
		c.ResponseWindow = 20 * time.Second
	}
	for code, retry := range c.Retry {
		if err := retry.Validate(); err != nil {
			return fmt.Errorf("retry[%d]: %w", code, err)
		}
		c.Retry[code] = retry
	}
	if c.TimeoutRetry.InitialRT == 0 {
		// Single shot deadline at the response window
		c.TimeoutRetry = RetryConfig{
			InitialRT: c.ResponseWindow,
			MaxRT:     c.ResponseWindow,
			MRC:       1,
			MRD:       c.ResponseWindow,
		}
	} else if err := c.TimeoutRetry.Validate(); err != nil {
		return fmt.Errorf("timeout_retry: %w", err)
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = MIN_RECEIVE_BUFFER_LEN
	}
	if c.MaxPacketSize > MAX_PACKET_LEN {
		return fmt.Errorf("max_packet_size %d is over the radius limit", c.MaxPacketSize)
	}
	if c.RequireMessageAuthenticator == "" {
		c.RequireMessageAuthenticator = REQUIRE_MA_NO
	}
	switch c.RequireMessageAuthenticator {
	case REQUIRE_MA_YES, REQUIRE_MA_NO, REQUIRE_MA_AUTO:
	default:
		return fmt.Errorf("bad require_message_authenticator %s", c.RequireMessageAuthenticator)
	}
	if len(c.ProxyState) > 0 && len(c.ProxyState) != 4 {
		return fmt.Errorf("proxy_state must be 4 octets")
	}

	return nil
}

// Retransmission schedule for the passed code, falling back to defaults
// when the code has no specific entry
func (c *TrunkConfig) RetryConfigFor(code byte) RetryConfig {
	if retry, found := c.Retry[code]; found {
		return retry
	}
	retry := RetryConfig{}
	retry.Validate()
	return retry
}

func (c *TrunkConfig) CodeAllowed(code byte) bool {
	if len(c.AllowedCodes) == 0 {
		return true
	}
	for _, allowed := range c.AllowedCodes {
		if allowed == code {
			return true
		}
	}
	return false
}

func (c *TrunkConfig) StatusCheckEnabled() bool {
	return c.StatusCheckCode != 0
}

// Reads and validates a trunk configuration file
func LoadTrunkConfig(path string) (*TrunkConfig, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}

	var config TrunkConfig
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func parseDuration(text string) (time.Duration, error) {
	if text == "" {
		return 0, nil
	}
	return time.ParseDuration(text)
}
