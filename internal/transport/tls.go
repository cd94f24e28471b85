package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

const (
	alpnProtocol = "craftlink-tunnel-v1"
	certLifetime = 24 * time.Hour
)

// GenerateSelfSignedCert returns an in-memory certificate for a relay
// listener. Nothing verifies its chain: tunnels are authenticated by the
// passkey handshake bound to the TLS exporter.
func GenerateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "craftlink relay"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: tmpl}, nil
}

// tunnelTLS builds the TLS config for either end of a tunnel. A nil cert
// means the dialing side.
func tunnelTLS(cert *tls.Certificate) *tls.Config {
	cfg := &tls.Config{
		NextProtos: []string{alpnProtocol},
		MinVersion: tls.VersionTLS13,
	}
	if cert == nil {
		cfg.InsecureSkipVerify = true
		return cfg
	}
	cfg.Certificates = []tls.Certificate{*cert}
	return cfg
}
