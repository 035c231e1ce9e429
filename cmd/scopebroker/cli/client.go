package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/credentials"

	"github.com/stratus-framework/scopebroker/internal/config"
	"github.com/stratus-framework/scopebroker/internal/grpcapi"
	"github.com/stratus-framework/scopebroker/internal/pki"
)

// RegisterClientCommands adds commands that call a running broker over gRPC.
func RegisterClientCommands(root *cobra.Command) {
	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Call a running broker API",
	}
	defaults := config.Defaults().Server
	clientCmd.PersistentFlags().String("addr", defaults.Addr, "Broker API address (unix:/path for a socket)")
	clientCmd.PersistentFlags().String("pki-dir", defaults.PKIDir, "Directory holding ca.crt and the client certificate")
	clientCmd.PersistentFlags().String("name", "", "Client certificate name (required unless --insecure)")
	clientCmd.PersistentFlags().String("server-name", "localhost", "Expected server certificate name")
	clientCmd.PersistentFlags().Bool("insecure", false, "Connect without mTLS")
	clientCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Call timeout")
	clientCmd.PersistentFlags().Bool("json", false, "Print results as JSON")

	clientCmd.AddCommand(newClientActivateCmd())
	clientCmd.AddCommand(newClientCurrentCmd())
	clientCmd.AddCommand(newClientVerifyCmd())
	root.AddCommand(clientCmd)
}

// withClient dials the broker and runs fn under the call timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *grpcapi.Client) error) error {
	addr, _ := cmd.Flags().GetString("addr")
	insecure, _ := cmd.Flags().GetBool("insecure")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var creds credentials.TransportCredentials
	if !insecure && !strings.HasPrefix(addr, "unix:") {
		name, _ := cmd.Flags().GetString("name")
		dir, _ := cmd.Flags().GetString("pki-dir")
		serverName, _ := cmd.Flags().GetString("server-name")
		if name == "" {
			return fmt.Errorf("--name is required for mTLS (or pass --insecure)")
		}
		var err error
		creds, err = pki.Dir(dir).ClientCredentials(name, serverName)
		if err != nil {
			return err
		}
	}

	c, err := grpcapi.Dial(addr, creds)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func newClientActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <user-id> <client-id>",
		Short: "Activate a user for a client on the broker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			verify, _ := cmd.Flags().GetBool("verify")
			asJSON, _ := cmd.Flags().GetBool("json")
			return withClient(cmd, func(ctx context.Context, c *grpcapi.Client) error {
				info, err := c.Activate(ctx, args[0], args[1], verify)
				if err != nil {
					return err
				}
				printHandle(info, asJSON)
				return nil
			})
		},
	}
	cmd.Flags().Bool("verify", false, "Have the broker verify the new credential")
	return cmd
}

func newClientCurrentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current <user-id>",
		Short: "Show the broker's cached handle for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withClient(cmd, func(ctx context.Context, c *grpcapi.Client) error {
				info, err := c.Current(ctx, args[0])
				if err != nil {
					return err
				}
				printHandle(info, asJSON)
				return nil
			})
		},
	}
}

func newClientVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <user-id>",
		Short: "Have the broker verify a user's cached handle against STS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withClient(cmd, func(ctx context.Context, c *grpcapi.Client) error {
				info, err := c.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				printHandle(info, asJSON)
				if info.VerifyError != "" {
					return fmt.Errorf("credential verification failed")
				}
				return nil
			})
		},
	}
}
