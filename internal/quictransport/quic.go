// Package quictransport sets up QUIC endpoints for the transfer service:
// TLS material, quic-go configuration and the UDP socket underneath.
package quictransport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol identifies the chunked transfer protocol on QUIC.
	ALPNProtocol = "chunkftp-v1"

	// udpBuffer is requested for the listener socket. Ground links are
	// slow, so this only needs to absorb a burst of chunk datagrams.
	udpBuffer = 1024 * 1024
)

// ServerConfig returns a TLS configuration with a fresh self-signed
// certificate.
func ServerConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate self-signed certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientConfig returns a TLS configuration for dialing the server. The
// server certificate is self-signed, so it is not verified.
func ClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultServerQUICConfig returns the QUIC config used by the server. One
// session uses one stream, so a handful of streams is plenty.
func DefaultServerQUICConfig() *quic.Config {
	cfg, _ := BuildQuicConfig(&quic.Config{
		KeepAlivePeriod:         10 * time.Second,
		MaxIdleTimeout:          30 * time.Second,
		DisablePathMTUDiscovery: true,
	}, 4*1024*1024, 1024*1024, 16)
	return cfg
}

// DefaultClientQUICConfig returns the QUIC config used by the client.
func DefaultClientQUICConfig() *quic.Config {
	cfg, _ := BuildQuicConfig(&quic.Config{
		KeepAlivePeriod:         10 * time.Second,
		MaxIdleTimeout:          30 * time.Second,
		DisablePathMTUDiscovery: true,
	}, 4*1024*1024, 1024*1024, 1)
	return cfg
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"chunkftp"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// Listen opens a UDP socket on addr and starts a QUIC listener on it. A nil
// config selects DefaultServerQUICConfig.
func Listen(addr string, logger *slog.Logger, config *quic.Config) (*quic.Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	tune := ApplyUDPBuffers(udpConn, udpBuffer, udpBuffer)
	if tune.Status != StatusOK {
		logger.Debug("udp buffer tuning", "status", tune.Status, "error", tune.Err)
	}

	tlsConfig, err := ServerConfig()
	if err != nil {
		udpConn.Close()
		return nil, err
	}
	if config == nil {
		config = DefaultServerQUICConfig()
	}

	listener, err := quic.Listen(udpConn, tlsConfig, config)
	if err != nil {
		udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "local_addr", udpConn.LocalAddr())
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", udpConn.LocalAddr())
	return listener, nil
}

// Dial opens a QUIC connection to addr. A nil config selects
// DefaultClientQUICConfig.
func Dial(ctx context.Context, addr string, logger *slog.Logger, config *quic.Config) (*quic.Conn, error) {
	if config == nil {
		config = DefaultClientQUICConfig()
	}
	logger.Debug("QUIC dial starting", "remote_addr", addr)

	conn, err := quic.DialAddr(ctx, addr, ClientConfig(), config)
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, err
	}
	logger.Debug("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return conn, nil
}
