package pki

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

const (
	year = 365 * 24 * time.Hour
	day  = 24 * time.Hour
)

func TestGenerateCA(t *testing.T) {
	ca, err := GenerateCA("Acme", year)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	cert, err := ParseCertificate(ca.CertPEM)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if !cert.IsCA {
		t.Error("expected CA certificate")
	}
	if cert.Subject.CommonName != "scopebroker CA" {
		t.Errorf("unexpected CN: %s", cert.Subject.CommonName)
	}
	if cert.Subject.Organization[0] != "Acme" {
		t.Errorf("unexpected org: %s", cert.Subject.Organization[0])
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("expected CertSign key usage")
	}
}

func TestGenerateServerCert(t *testing.T) {
	ca, _ := GenerateCA("Acme", year)
	hosts := []string{"broker.internal", "10.0.0.1", "localhost"}
	bundle, err := GenerateServerCert(ca, hosts, 90*day)
	if err != nil {
		t.Fatalf("GenerateServerCert: %v", err)
	}
	cert, _ := ParseCertificate(bundle.CertPEM)

	if cert.IsCA {
		t.Error("server cert should not be CA")
	}
	if !slices.Contains(cert.DNSNames, "broker.internal") || !slices.Contains(cert.DNSNames, "localhost") {
		t.Errorf("DNS SANs = %v", cert.DNSNames)
	}
	if n := len(cert.DNSNames); n != 2 {
		t.Errorf("duplicate SANs: %v", cert.DNSNames)
	}
	if !slices.ContainsFunc(cert.IPAddresses, net.ParseIP("10.0.0.1").Equal) ||
		!slices.ContainsFunc(cert.IPAddresses, net.ParseIP("127.0.0.1").Equal) {
		t.Errorf("IP SANs = %v", cert.IPAddresses)
	}
	if len(hosts) != 3 {
		t.Error("caller's host list must not be modified")
	}

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(ca.CertPEM)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}); err != nil {
		t.Errorf("server cert failed CA verification: %v", err)
	}
}

func TestGenerateClientCert(t *testing.T) {
	ca, _ := GenerateCA("Acme", year)
	bundle, err := GenerateClientCert(ca, "agent-runtime", 30*day)
	if err != nil {
		t.Fatalf("GenerateClientCert: %v", err)
	}
	cert, _ := ParseCertificate(bundle.CertPEM)
	if cert.Subject.CommonName != "agent-runtime" {
		t.Errorf("unexpected CN: %s", cert.Subject.CommonName)
	}
	if cert.Subject.Organization[0] != "scopebroker clients" {
		t.Errorf("unexpected org: %s", cert.Subject.Organization[0])
	}

	if _, err := GenerateClientCert(ca, "", day); err == nil {
		t.Error("expected error for empty client name")
	}
	if _, err := GenerateClientCert(bundle, "x", day); err == nil {
		t.Error("expected error when signing with a non-CA certificate")
	}
}

func TestCrossSignedCertsRejected(t *testing.T) {
	ca1, _ := GenerateCA("CA1", year)
	ca2, _ := GenerateCA("CA2", year)
	bundle, _ := GenerateClientCert(ca1, "rogue", 30*day)
	cert, _ := ParseCertificate(bundle.CertPEM)

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(ca2.CertPEM)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err == nil {
		t.Error("expected verification to fail with wrong CA")
	}
}

func TestDirInitAndIssue(t *testing.T) {
	d := Dir(filepath.Join(t.TempDir(), "pki"))

	if _, err := d.IssueClient("agent", "", day); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if err := d.Init("Acme", nil, year, 90*day); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := d.Init("Acme", nil, year, 90*day); err == nil {
		t.Error("second Init must refuse to overwrite the CA")
	}

	info, err := os.Stat(filepath.Join(string(d), CAKeyFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("ca.key mode = %v", info.Mode().Perm())
	}

	out := filepath.Join(t.TempDir(), "agent")
	certPath, err := d.IssueClient("agent", out, 30*day)
	if err != nil {
		t.Fatalf("IssueClient: %v", err)
	}
	if certPath != filepath.Join(out, "agent.crt") {
		t.Errorf("certPath = %s", certPath)
	}
	if _, err := os.Stat(filepath.Join(out, CACertFile)); err != nil {
		t.Error("CA certificate should be copied next to the client bundle")
	}

	if _, err := d.ServerCredentials(); err != nil {
		t.Errorf("ServerCredentials: %v", err)
	}
	if _, err := Dir(out).ClientCredentials("agent", "localhost"); err != nil {
		t.Errorf("ClientCredentials: %v", err)
	}
}

func TestMTLSHandshake(t *testing.T) {
	ca, _ := GenerateCA("Acme", year)
	server, _ := GenerateServerCert(ca, []string{"127.0.0.1"}, 90*day)
	client, _ := GenerateClientCert(ca, "agent-runtime", 30*day)

	serverTLS, err := ServerTLSConfig(server, ca.CertPEM)
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	if serverTLS.ClientAuth != tls.RequireAndVerifyClientCert || serverTLS.MinVersion != tls.VersionTLS13 {
		t.Error("server config must require client certs over TLS 1.3")
	}
	clientTLS, err := ClientTLSConfig(client, ca.CertPEM)
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}

	lis, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer lis.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		tlsConn := conn.(*tls.Conn)
		if err := tlsConn.Handshake(); err != nil {
			done <- err
			return
		}
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			done <- fmt.Errorf("no client certificate presented")
			return
		}
		if cn := state.PeerCertificates[0].Subject.CommonName; cn != "agent-runtime" {
			done <- fmt.Errorf("unexpected client CN: %s", cn)
			return
		}
		conn.Write([]byte("OK"))
		done <- nil
	}()

	clientTLS.ServerName = "127.0.0.1"
	conn, err := tls.Dial("tcp", lis.Addr().String(), clientTLS)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 2)
	conn.Read(buf)
	if string(buf) != "OK" {
		t.Errorf("unexpected response: %s", buf)
	}
	if err := <-done; err != nil {
		t.Errorf("server error: %v", err)
	}
}

func TestMTLSRejectsUntrustedClient(t *testing.T) {
	ca1, _ := GenerateCA("Legit", year)
	ca2, _ := GenerateCA("Rogue", year)
	server, _ := GenerateServerCert(ca1, []string{"127.0.0.1"}, 90*day)
	rogue, _ := GenerateClientCert(ca2, "rogue", 30*day)
	serverTLS, _ := ServerTLSConfig(server, ca1.CertPEM)

	lis, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer lis.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		serverErr <- conn.(*tls.Conn).Handshake()
	}()

	clientTLS, _ := ClientTLSConfig(rogue, ca1.CertPEM)
	clientTLS.ServerName = "127.0.0.1"
	conn, dialErr := tls.Dial("tcp", lis.Addr().String(), clientTLS)
	if dialErr == nil {
		// TLS 1.3 reports the server's rejection on first read.
		buf := make([]byte, 1)
		_, readErr := conn.Read(buf)
		conn.Close()
		if readErr == nil {
			t.Error("expected read to fail after server rejected untrusted client cert")
		}
	}
	if err := <-serverErr; err == nil {
		t.Error("expected server to reject untrusted client certificate")
	}
}
