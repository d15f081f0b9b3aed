package cqs

import "time"

// ClusterConfig represents the configuration values.
type ClusterConfig struct {
	ContactPoints     []string           `json:"ContactPoints" yaml:"ContactPoints"`
	PoolConfig        *PoolConfig        `json:"PoolConfig" yaml:"PoolConfig"`
	RequestConfig     *RequestConfig     `json:"RequestConfig" yaml:"RequestConfig"`
	TLSConfig         *TLSConfig         `json:"TLSConfig" yaml:"TLSConfig"`
	CompressionConfig *CompressionConfig `json:"CompressionConfig" yaml:"CompressionConfig"`
	EncryptionConfig  *EncryptionConfig  `json:"EncryptionConfig" yaml:"EncryptionConfig"`
}

// PoolConfig represents settings for creating/configuring per-host pools.
type PoolConfig struct {
	ApplicationName       string `json:"ApplicationName" yaml:"ApplicationName"`
	LocalConnectionCount  int    `json:"LocalConnectionCount" yaml:"LocalConnectionCount"`   // connections kept per local host
	RemoteConnectionCount int    `json:"RemoteConnectionCount" yaml:"RemoteConnectionCount"` // connections kept per remote host
	StreamsPerConnection  int    `json:"StreamsPerConnection" yaml:"StreamsPerConnection"`   // stream ids multiplexed per connection
	ConnectTimeout        uint32 `json:"ConnectTimeout" yaml:"ConnectTimeout"`               // seconds
	Heartbeat             uint32 `json:"Heartbeat" yaml:"Heartbeat"`                         // seconds between pings, 0 disables
	TrashcanGracePeriod   uint32 `json:"TrashcanGracePeriod" yaml:"TrashcanGracePeriod"`     // seconds a trashed connection stays recyclable
	MaxConnectionFailures int    `json:"MaxConnectionFailures" yaml:"MaxConnectionFailures"` // failure count before a connection self-reports defunct
	ReplenishInterval     uint32 `json:"ReplenishInterval" yaml:"ReplenishInterval"`         // seconds between pool refill sweeps, 0 disables
}

// RequestConfig represents settings applied to every request unless the
// request overrides them.
type RequestConfig struct {
	RequestTimeout uint32 `json:"RequestTimeout" yaml:"RequestTimeout"` // milliseconds
	RetryCeiling   int    `json:"RetryCeiling" yaml:"RetryCeiling"`     // hard attempt bound, independent of the retry policy
}

// TLSConfig represents settings for configuring TLS.
type TLSConfig struct {
	EnableTLS         bool   `json:"EnableTLS" yaml:"EnableTLS"`
	PEMCertLocation   string `json:"PEMCertLocation" yaml:"PEMCertLocation"`
	LocalCertLocation string `json:"LocalCertLocation" yaml:"LocalCertLocation"`
	CertServerName    string `json:"CertServerName" yaml:"CertServerName"`
}

// CompressionConfig selects frame-body/value compression.
type CompressionConfig struct {
	Enabled bool   `json:"Enabled" yaml:"Enabled"`
	Type    string `json:"Type,omitempty" yaml:"Type,omitempty"`
}

// EncryptionConfig configures client-side value encryption based on a
// passphrase-derived symmetric key.
type EncryptionConfig struct {
	Enabled           bool   `json:"Enabled" yaml:"Enabled"`
	Type              string `json:"Type,omitempty" yaml:"Type,omitempty"`
	Hashkey           []byte `json:"-" yaml:"-"`
	TimeConsideration uint32 `json:"TimeConsideration,omitempty" yaml:"TimeConsideration,omitempty"`
	MemoryMultiplier  uint32 `json:"MemoryMultiplier,omitempty" yaml:"MemoryMultiplier,omitempty"`
	Threads           uint8  `json:"Threads,omitempty" yaml:"Threads,omitempty"`
}

const (
	defaultLocalConnectionCount  = 2
	defaultRemoteConnectionCount = 1
	defaultStreamsPerConnection  = 128
	defaultConnectTimeout        = 5
	defaultTrashcanGracePeriod   = 30
	defaultMaxConnectionFailures = 8
	defaultRequestTimeout        = 10000
	defaultRetryCeiling          = 5
)

// fillDefaults resolves zero values on a config so the rest of the code
// never has to. The trashcan grace period and the connection failure
// threshold are deliberately configuration, not constants.
func (config *ClusterConfig) fillDefaults() {
	if config.PoolConfig == nil {
		config.PoolConfig = &PoolConfig{}
	}
	if config.RequestConfig == nil {
		config.RequestConfig = &RequestConfig{}
	}
	if config.CompressionConfig == nil {
		config.CompressionConfig = &CompressionConfig{}
	}
	if config.EncryptionConfig == nil {
		config.EncryptionConfig = &EncryptionConfig{}
	}

	pc := config.PoolConfig
	if pc.LocalConnectionCount == 0 {
		pc.LocalConnectionCount = defaultLocalConnectionCount
	}
	if pc.RemoteConnectionCount == 0 {
		pc.RemoteConnectionCount = defaultRemoteConnectionCount
	}
	if pc.StreamsPerConnection == 0 {
		pc.StreamsPerConnection = defaultStreamsPerConnection
	}
	if pc.ConnectTimeout == 0 {
		pc.ConnectTimeout = defaultConnectTimeout
	}
	if pc.TrashcanGracePeriod == 0 {
		pc.TrashcanGracePeriod = defaultTrashcanGracePeriod
	}
	if pc.MaxConnectionFailures == 0 {
		pc.MaxConnectionFailures = defaultMaxConnectionFailures
	}

	rc := config.RequestConfig
	if rc.RequestTimeout == 0 {
		rc.RequestTimeout = defaultRequestTimeout
	}
	if rc.RetryCeiling == 0 {
		rc.RetryCeiling = defaultRetryCeiling
	}
}

func secondsDuration(s uint32) time.Duration {
	return time.Duration(s) * time.Second
}

// connectionCount maps a host distance to its configured pool size.
func (pc *PoolConfig) connectionCount(distance HostDistance) int {
	switch distance {
	case HostLocal:
		return pc.LocalConnectionCount
	case HostRemote:
		return pc.RemoteConnectionCount
	default:
		return 0
	}
}
