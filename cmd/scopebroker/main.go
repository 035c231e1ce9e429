// scopebroker issues per-user AWS credentials scoped to one client at a time.
// Each external user gets a dedicated IAM user whose client binding drives
// the row filters on the shared data table.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratus-framework/scopebroker/cmd/scopebroker/cli"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "scopebroker",
		Short: "Per-user, per-client dynamic credential broker",
		Long: `scopebroker gives every external user a dedicated service identity, binds it
to the client the user is currently acting for, applies the fixed grant set and
issues a fresh credential. Backend row filters key off the binding.`,
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.scopebroker/config.yaml)")

	cli.RegisterServeCommand(rootCmd)
	cli.RegisterActivateCommand(rootCmd)
	cli.RegisterMappingCommands(rootCmd)
	cli.RegisterAuditCommands(rootCmd)
	cli.RegisterPKICommands(rootCmd)
	cli.RegisterClientCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
