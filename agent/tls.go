package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// agentHost is the server name in agent certs. Clients always use it as the host, regardless of the address they dial.
const agentHost = "sandboxagent"

// certValidity is how long generated certs are valid. Sandboxes are short-lived.
const certValidity = 7 * 24 * time.Hour

// Certs contains the TLS client and server certs and keys for configuring mTLS on the client and server.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		ServerName:   agentHost,
	}, nil
}

func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *ecdsa.PrivateKey
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serial, nil
}

func encodePEM(blockType string, b []byte) ([]byte, error) {
	encoded := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: b})
	if encoded == nil {
		return nil, fmt.Errorf("unable to encode %s to PEM", blockType)
	}
	return encoded, nil
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	return encodePEM("PRIVATE KEY", der)
}

func buildCACert(subject pkix.Name) (CACert, error) {
	serial, err := randomSerial()
	if err != nil {
		return CACert{}, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return CACert{}, fmt.Errorf("creating CA cert: %w", err)
	}
	// parse it back so that signing uses the exact cert that was encoded
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return CACert{}, fmt.Errorf("parsing CA cert: %w", err)
	}

	certPEM, err := encodePEM("CERTIFICATE", der)
	if err != nil {
		return CACert{}, err
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return CACert{}, err
	}

	return CACert{
		CertPEMBytes: certPEM,
		KeyPEMBytes:  keyPEM,
		x509Cert:     cert,
		privKey:      key,
	}, nil
}

func buildCert(ca CACert, subject pkix.Name, usage x509.ExtKeyUsage) (*Cert, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		DNSNames:     []string{agentHost},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.x509Cert, &key.PublicKey, ca.privKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEM, err := encodePEM("CERTIFICATE", der)
	if err != nil {
		return nil, err
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return nil, err
	}

	return &Cert{
		X509Cert:     tmpl,
		CertDER:      der,
		CertPEMBytes: certPEM,
		KeyPEMBytes:  keyPEM,
	}, nil
}

// GenerateCerts generates a CA plus server and client certs signed by it, for mTLS between clients and an agent.
func GenerateCerts() (*Certs, error) {
	ca, err := buildCACert(pkix.Name{CommonName: "SandboxAgentCA"})
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverCert, err := buildCert(ca, pkix.Name{CommonName: agentHost}, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientCert, err := buildCert(ca, pkix.Name{CommonName: "sandboxclient"}, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server: *serverCert,
		Client: *clientCert,
		CA:     ca,
	}, nil
}
