package cqs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"time"
)

// Transport opens physical links to nodes. The default implementation
// dials TCP (optionally TLS); tests substitute their own.
type Transport interface {
	Open(ctx context.Context, address string) (TransportConn, error)
}

// TransportConn is one open link. Incoming delivers whole frames (header
// plus body); Closed fires once with the reason the link died. Both
// channels are closed when the link is gone.
type TransportConn interface {
	Write(data []byte) error
	Incoming() <-chan []byte
	Closed() <-chan error
	Close() error
}

// NetTransport dials real sockets and performs wire-level framing so that
// connections only ever see complete frames.
type NetTransport struct {
	ConnectTimeout time.Duration
	TLSConfig      *TLSConfig
}

// NewNetTransport creates the default TCP/TLS transport.
func NewNetTransport(connectTimeout time.Duration, tlsConfig *TLSConfig) *NetTransport {
	return &NetTransport{ConnectTimeout: connectTimeout, TLSConfig: tlsConfig}
}

// Open dials the address and starts the read loop.
func (nt *NetTransport) Open(ctx context.Context, address string) (TransportConn, error) {

	dialer := &net.Dialer{Timeout: nt.ConnectTimeout}

	var raw net.Conn
	var err error
	if nt.TLSConfig != nil && nt.TLSConfig.EnableTLS {
		actualTLSConfig, tlsErr := CreateTLSConfig(
			nt.TLSConfig.PEMCertLocation,
			nt.TLSConfig.LocalCertLocation,
			nt.TLSConfig.CertServerName)
		if tlsErr != nil {
			return nil, tlsErr
		}

		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: actualTLSConfig}
		raw, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		raw, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}

	nc := &netConn{
		raw:      raw,
		incoming: make(chan []byte, 32),
		closed:   make(chan error, 1),
		done:     make(chan struct{}),
	}

	go nc.readLoop()

	return nc, nil
}

// CreateTLSConfig loads a CA PEM and an optional client certificate into a
// tls.Config for node connections.
func CreateTLSConfig(pemLocation, localLocation, serverName string) (*tls.Config, error) {

	caCert, err := ioutil.ReadFile(pemLocation)
	if err != nil {
		return nil, err
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("unable to parse CA certificate at %s", pemLocation)
	}

	tlsConfig := &tls.Config{
		RootCAs:    caCertPool,
		ServerName: serverName,
	}

	if localLocation != "" {
		cert, err := tls.LoadX509KeyPair(localLocation, localLocation)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

type netConn struct {
	raw      net.Conn
	incoming chan []byte
	closed   chan error
	done     chan struct{}
}

func (nc *netConn) Write(data []byte) error {
	_, err := nc.raw.Write(data)
	return err
}

func (nc *netConn) Incoming() <-chan []byte {
	return nc.incoming
}

func (nc *netConn) Closed() <-chan error {
	return nc.closed
}

func (nc *netConn) Close() error {
	select {
	case <-nc.done:
		return nil
	default:
	}
	close(nc.done)
	return nc.raw.Close()
}

// readLoop assembles whole frames from the socket. A read error of any
// kind ends the link and reports through Closed exactly once.
func (nc *netConn) readLoop() {

	defer close(nc.incoming)
	defer close(nc.closed)

	header := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(nc.raw, header); err != nil {
			nc.reportClosed(err)
			return
		}

		bodyLen := binary.BigEndian.Uint32(header[5:9])
		framed := make([]byte, frameHeaderLen+int(bodyLen))
		copy(framed, header)

		if bodyLen > 0 {
			if _, err := io.ReadFull(nc.raw, framed[frameHeaderLen:]); err != nil {
				nc.reportClosed(err)
				return
			}
		}

		select {
		case nc.incoming <- framed:
		case <-nc.done:
			nc.reportClosed(errors.New("transport closed"))
			return
		}
	}
}

func (nc *netConn) reportClosed(err error) {
	select {
	case <-nc.done:
		// deliberate close, not a failure
	default:
		nc.closed <- err
	}
	_ = nc.raw.Close()
}
