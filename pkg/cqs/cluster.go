package cqs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Cluster is the top-level entry point: it holds the configuration,
// derives the value-encryption key, creates sessions and funnels their
// errors into one central channel.
type Cluster struct {
	config    *ClusterConfig
	transport Transport
	codec     FrameCodec
	logger    zerolog.Logger
	metrics   *Metrics

	sessions []*Session
	lock     sync.Mutex

	centralErr     chan error
	shutdownSignal chan struct{}
	shutdownOnce   sync.Once

	encryptionConfigured bool
}

// NewCluster creates the hosting structure for sessions against one
// cluster. passphrase and salt, when provided together with an enabled
// EncryptionConfig, derive the hash key for client-side value encryption.
func NewCluster(config *ClusterConfig, passphrase, salt string) (*Cluster, error) {
	return NewClusterWithLogger(config, passphrase, salt, zerolog.Nop(), nil)
}

// NewClusterWithLogger creates a cluster with a structured logger and an
// optional metrics registerer.
func NewClusterWithLogger(
	config *ClusterConfig,
	passphrase, salt string,
	logger zerolog.Logger,
	registerer prometheus.Registerer) (*Cluster, error) {

	if config == nil {
		return nil, errors.New("cluster config can't be nil")
	}
	config.fillDefaults()

	if len(config.ContactPoints) == 0 {
		return nil, errors.New("cluster config carries no contact points")
	}

	cluster := &Cluster{
		config:         config,
		logger:         logger,
		centralErr:     make(chan error, 1000),
		shutdownSignal: make(chan struct{}),
	}

	if registerer != nil {
		cluster.metrics = NewMetrics(registerer)
	}

	cluster.transport = NewNetTransport(
		secondsDuration(config.PoolConfig.ConnectTimeout),
		config.TLSConfig)
	cluster.codec = NewFrameCodec(config.CompressionConfig)

	if config.EncryptionConfig.Enabled && len(passphrase) > 0 && len(salt) > 0 {
		config.EncryptionConfig.Hashkey = GetHashWithArgon(
			passphrase,
			salt,
			config.EncryptionConfig.TimeConsideration,
			config.EncryptionConfig.MemoryMultiplier,
			config.EncryptionConfig.Threads,
			32)

		cluster.encryptionConfigured = true
	}

	return cluster, nil
}

// CreateSession connects a new session with the cluster's stack and the
// given policies. Nil policies fall back to defaults.
func (c *Cluster) CreateSession(lb LoadBalancingPolicy, retry RetryPolicy) (*Session, error) {

	if c.isShutdown() {
		return nil, fmt.Errorf("unable to create session: %w", ErrSessionClosing)
	}

	if lb == nil {
		lb = NewRoundRobinPolicy()
	}
	if retry == nil {
		retry = DefaultRetryPolicy{}
	}

	session, err := NewSessionCustom(c.config, c.transport, c.codec, lb, retry, c.logger, c.metrics)
	if err != nil {
		c.reportError(err)
		return nil, err
	}

	c.lock.Lock()
	c.sessions = append(c.sessions, session)
	c.lock.Unlock()

	return session, nil
}

// EncodeValue prepares a bound value using the cluster's compression and
// encryption settings.
func (c *Cluster) EncodeValue(input interface{}) ([]byte, error) {
	return CreateValuePayload(input, c.config.CompressionConfig, c.config.EncryptionConfig)
}

// DecodeValue reverses EncodeValue into target.
func (c *Cluster) DecodeValue(data []byte, target interface{}) error {
	return ReadValuePayload(data, target, c.config.CompressionConfig, c.config.EncryptionConfig)
}

// EncryptionConfigured reports whether a value-encryption key was derived.
func (c *Cluster) EncryptionConfigured() bool {
	return c.encryptionConfigured
}

// CentralErr yields the internal errors of every session.
func (c *Cluster) CentralErr() <-chan error {
	return c.centralErr
}

// Shutdown closes every session created by this cluster.
func (c *Cluster) Shutdown() {

	c.shutdownOnce.Do(func() {
		close(c.shutdownSignal)

		c.lock.Lock()
		sessions := c.sessions
		c.sessions = nil
		c.lock.Unlock()

		for _, session := range sessions {
			session.Close()
		}
	})
}

func (c *Cluster) reportError(err error) {
	select {
	case c.centralErr <- err:
	default:
		// central channel full, drop rather than block a hot path
	}
}

func (c *Cluster) isShutdown() bool {
	select {
	case <-c.shutdownSignal:
		return true
	default:
		return false
	}
}
