package pki

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc/credentials"
)

// File names inside a PKI directory.
const (
	CACertFile     = "ca.crt"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
)

// ErrNotInitialized is returned when a PKI directory has no CA.
var ErrNotInitialized = errors.New("pki not initialized")

// Dir is an on-disk PKI layout.
type Dir string

func (d Dir) path(name string) string { return filepath.Join(string(d), name) }

// Init writes a new CA and server certificate. It refuses to overwrite an
// existing CA.
func (d Dir) Init(org string, hosts []string, caValidity, serverValidity time.Duration) error {
	if err := os.MkdirAll(string(d), 0700); err != nil {
		return fmt.Errorf("creating PKI directory: %w", err)
	}
	if _, err := os.Stat(d.path(CACertFile)); err == nil {
		return fmt.Errorf("PKI already initialized in %s", d)
	}

	ca, err := GenerateCA(org, caValidity)
	if err != nil {
		return err
	}
	server, err := GenerateServerCert(ca, hosts, serverValidity)
	if err != nil {
		return err
	}
	if err := d.write(CACertFile, CAKeyFile, ca); err != nil {
		return err
	}
	return d.write(ServerCertFile, ServerKeyFile, server)
}

// IssueClient writes name.crt and name.key into outDir, defaulting to d.
func (d Dir) IssueClient(name, outDir string, validity time.Duration) (certPath string, err error) {
	ca, err := d.load(CACertFile, CAKeyFile)
	if err != nil {
		return "", err
	}
	bundle, err := GenerateClientCert(ca, name, validity)
	if err != nil {
		return "", err
	}
	out := d
	if outDir != "" {
		out = Dir(outDir)
		if err := os.MkdirAll(outDir, 0700); err != nil {
			return "", fmt.Errorf("creating output directory: %w", err)
		}
		if outDir != string(d) {
			if err := os.WriteFile(out.path(CACertFile), ca.CertPEM, 0644); err != nil {
				return "", err
			}
		}
	}
	if err := out.write(name+".crt", name+".key", bundle); err != nil {
		return "", err
	}
	return out.path(name + ".crt"), nil
}

// ServerCredentials returns mTLS transport credentials requiring client
// certificates signed by the directory's CA.
func (d Dir) ServerCredentials() (credentials.TransportCredentials, error) {
	server, err := d.load(ServerCertFile, ServerKeyFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(d.path(CACertFile))
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	cfg, err := ServerTLSConfig(server, caPEM)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// ClientCredentials returns mTLS transport credentials for the client called name.
func (d Dir) ClientCredentials(name, serverName string) (credentials.TransportCredentials, error) {
	client, err := d.load(name+".crt", name+".key")
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(d.path(CACertFile))
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	cfg, err := ClientTLSConfig(client, caPEM)
	if err != nil {
		return nil, err
	}
	cfg.ServerName = serverName
	return credentials.NewTLS(cfg), nil
}

func (d Dir) write(certName, keyName string, b *CertBundle) error {
	if err := os.WriteFile(d.path(certName), b.CertPEM, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", certName, err)
	}
	if err := os.WriteFile(d.path(keyName), b.KeyPEM, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", keyName, err)
	}
	return nil
}

func (d Dir) load(certName, keyName string) (*CertBundle, error) {
	certPEM, err := os.ReadFile(d.path(certName))
	if errors.Is(err, fs.ErrNotExist) && certName == CACertFile {
		return nil, fmt.Errorf("%w in %s", ErrNotInitialized, d)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", certName, err)
	}
	keyPEM, err := os.ReadFile(d.path(keyName))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", keyName, err)
	}
	return &CertBundle{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// ServerTLSConfig requires and verifies client certificates against caCertPEM.
func ServerTLSConfig(server *CertBundle, caCertPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(server.CertPEM, server.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	pool, err := caPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig presents the client certificate and trusts only caCertPEM.
func ClientTLSConfig(client *CertBundle, caCertPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(client.CertPEM, client.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	pool, err := caPool(caCertPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func caPool(caCertPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}
	return pool, nil
}
