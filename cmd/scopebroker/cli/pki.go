package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratus-framework/scopebroker/internal/config"
	"github.com/stratus-framework/scopebroker/internal/pki"
)

// RegisterPKICommands adds certificate management for the mTLS listener.
func RegisterPKICommands(root *cobra.Command) {
	pkiCmd := &cobra.Command{
		Use:   "pki",
		Short: "Manage the CA and certificates for the broker API",
	}
	pkiCmd.AddCommand(newPKIInitCmd())
	pkiCmd.AddCommand(newPKIGenClientCmd())
	root.AddCommand(pkiCmd)
}

func pkiDirFlag(cmd *cobra.Command) pki.Dir {
	dir, _ := cmd.Flags().GetString("pki-dir")
	if dir == "" {
		dir = config.Defaults().Server.PKIDir
	}
	return pki.Dir(dir)
}

func newPKIInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate the CA and server certificate",
		Long: `Generate a self-signed CA and the broker's server certificate.

The PKI directory will contain:
  ca.crt      CA certificate (give to API clients)
  ca.key      CA private key (keep on the broker host)
  server.crt  Server certificate
  server.key  Server private key`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := pkiDirFlag(cmd)
			org, _ := cmd.Flags().GetString("org")
			hosts, _ := cmd.Flags().GetStringSlice("hosts")
			caValidity, _ := cmd.Flags().GetDuration("ca-validity")
			serverValidity, _ := cmd.Flags().GetDuration("server-validity")

			if err := dir.Init(org, hosts, caValidity, serverValidity); err != nil {
				return err
			}
			fmt.Printf("PKI initialized in %s\n", dir)
			fmt.Printf("Issue client certificates with: scopebroker pki gen-client --pki-dir %s --name <client>\n", dir)
			return nil
		},
	}
	cmd.Flags().String("pki-dir", "", "PKI directory (default ~/.scopebroker/pki)")
	cmd.Flags().String("org", "scopebroker", "Organization name for the CA")
	cmd.Flags().StringSlice("hosts", nil, "Server hostnames/IPs for SANs (localhost and 127.0.0.1 are always added)")
	cmd.Flags().Duration("ca-validity", 5*365*24*time.Hour, "CA certificate validity")
	cmd.Flags().Duration("server-validity", 365*24*time.Hour, "Server certificate validity")
	return cmd
}

func newPKIGenClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-client",
		Short: "Issue a client certificate for an API caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := pkiDirFlag(cmd)
			name, _ := cmd.Flags().GetString("name")
			out, _ := cmd.Flags().GetString("output")
			validity, _ := cmd.Flags().GetDuration("validity")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			certPath, err := dir.IssueClient(name, out, validity)
			if err != nil {
				return err
			}
			fmt.Printf("Client certificate written to %s\n", certPath)
			return nil
		},
	}
	cmd.Flags().String("pki-dir", "", "PKI directory (default ~/.scopebroker/pki)")
	cmd.Flags().String("name", "", "Client name, embedded as the certificate CN (required)")
	cmd.Flags().String("output", "", "Output directory (default: the PKI directory)")
	cmd.Flags().Duration("validity", 90*24*time.Hour, "Certificate validity")
	return cmd
}
