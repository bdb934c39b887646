package tlsconfig

import (
	"crypto/rsa"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestServerTLSConfigGeneratesSelfSignedCert(t *testing.T) {
	cfg, err := ServerTLSConfig("", "")
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if leaf.Subject.Organization[0] != "quictun" {
		t.Errorf("got organization %q, want quictun", leaf.Subject.Organization[0])
	}
	if cfg.NextProtos[0] != ALPN {
		t.Errorf("got ALPN %q, want %q", cfg.NextProtos[0], ALPN)
	}
}

func TestServerTLSConfigLoadsPEMPair(t *testing.T) {
	generated, err := generateSelfSignedCert()
	if err != nil {
		t.Fatalf("generateSelfSignedCert: %v", err)
	}
	priv, ok := generated.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		t.Fatalf("expected rsa private key, got %T", generated.PrivateKey)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if err := os.WriteFile(certPath, pemEncode("CERTIFICATE", generated.Certificate[0]), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv)), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfg, err := ServerTLSConfig(certPath, keyPath)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate loaded from PEM, got %d", len(cfg.Certificates))
	}
}

func TestClientTLSConfigSkipsVerification(t *testing.T) {
	cfg := ClientTLSConfig()
	if !cfg.InsecureSkipVerify {
		t.Errorf("expected client to skip server certificate verification")
	}
	if cfg.NextProtos[0] != ALPN {
		t.Errorf("got ALPN %q, want %q", cfg.NextProtos[0], ALPN)
	}
}
