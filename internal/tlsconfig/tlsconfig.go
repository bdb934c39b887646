// Package tlsconfig builds the TLS and QUIC endpoint configuration the
// client and server share: a self-signed certificate generated per
// process start (grounded on the teacher's utils.GenerateSelfSignedCert)
// or an operator-supplied PEM cert/key pair, the fixed ALPN and timeout
// parameters, and the optional Linux-only bind-to-interface path
// (grounded on the teacher's connections.listenPacketOnInterface).
package tlsconfig

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"runtime"
	"syscall"
	"time"

	quic "github.com/quic-go/quic-go"
)

// ALPN is the single protocol this tunnel negotiates.
const ALPN = "hq-29"

// QUICConfig is shared between client and server endpoints: a keepalive
// short enough to survive typical NATs. MaxIdleTimeout is left at zero,
// which quic-go replaces with its 30-second default idle timeout; the
// 5-second keepalive keeps a connection whose peer is still reachable
// from ever idling that long, so flows can sit silent between bursts.
func QUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 5 * time.Second,
		MaxIdleTimeout:  0,
	}
}

// ServerTLSConfig builds the server-side tls.Config. If certFile/keyFile
// are both non-empty they are loaded as a PEM cert/PKCS8-or-PKCS1 key
// pair; otherwise a self-signed certificate is generated for this
// process.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := loadOrGenerateCert(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
	}, nil
}

// ClientTLSConfig builds the client-side tls.Config. The tunnel does not
// validate the server certificate against a trust root: authentication
// beyond the QUIC/TLS handshake itself is out of scope (see Non-goals).
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
}

func loadOrGenerateCert(certFile, keyFile string) (tls.Certificate, error) {
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("tlsconfig: load cert/key pair: %w", err)
		}
		return cert, nil
	}
	return generateSelfSignedCert()
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconfig: generate key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"quictun"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsconfig: create certificate: %w", err)
	}
	certPEM := pemEncode("CERTIFICATE", der)
	keyPEM := pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
	return tls.X509KeyPair(certPEM, keyPEM)
}

func pemEncode(typ string, der []byte) []byte {
	var buf bytes.Buffer
	pem.Encode(&buf, &pem.Block{Type: typ, Bytes: der})
	return buf.Bytes()
}

// ListenPacketOnInterface binds a UDP socket to the named network
// interface via SO_BINDTODEVICE. Linux only: on any other platform, or
// if the bind fails, it returns an error rather than silently listening
// on all interfaces.
func ListenPacketOnInterface(ifname string, port int) (net.PacketConn, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("tlsconfig: bind-to-interface requires linux, running on %s", runtime.GOOS)
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = syscall.SetsockoptString(int(fd), syscall.SOL_SOCKET, syscall.SO_BINDTODEVICE, ifname)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	addr := fmt.Sprintf(":%d", port)
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: bind to interface %q: %w", ifname, err)
	}
	return pc, nil
}
