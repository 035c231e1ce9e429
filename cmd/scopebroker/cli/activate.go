package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratus-framework/scopebroker/internal/mapping"
)

// RegisterActivateCommand adds the one-shot activation command.
func RegisterActivateCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "activate <user-id> <client-id>",
		Short: "Activate a user for a client once, without a server",
		Long: `Provision (if needed) the user's service identity, bind it to the client,
apply grants and issue a fresh credential. The secret is not printed; use
--verify to prove the new credential works.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			verify, _ := cmd.Flags().GetBool("verify")
			asJSON, _ := cmd.Flags().GetBool("json")

			rt, err := openRuntime(cmd.Context(), cfg, "cli")
			if err != nil {
				return err
			}
			defer rt.Close()

			info, err := rt.service.Activate(cmd.Context(), args[0], args[1], verify)
			if err != nil {
				return err
			}
			printHandle(info, asJSON)
			if info.VerifyError != "" {
				return fmt.Errorf("credential verification failed")
			}
			return nil
		},
	}
	cmd.Flags().Bool("verify", false, "Check the new credential with sts:GetCallerIdentity")
	cmd.Flags().Bool("json", false, "Print the result as JSON")
	root.AddCommand(cmd)
}

// RegisterMappingCommands adds read-only mapping store commands.
func RegisterMappingCommands(root *cobra.Command) {
	mapCmd := &cobra.Command{
		Use:   "mapping",
		Short: "Inspect the identity and client mapping tables",
	}
	mapCmd.AddCommand(newMappingShowCmd())
	mapCmd.AddCommand(newMappingListCmd())
	root.AddCommand(mapCmd)
}

func newMappingShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user's service identity and current client binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStores(cmd.Context(), cfg, "cli")
			if err != nil {
				return err
			}
			defer st.Close()

			m, err := st.mappings.Lookup(cmd.Context(), args[0])
			if errors.Is(err, mapping.ErrNotFound) {
				fmt.Printf("No mapping for user %s.\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Printf("User:        %s\n", m.Identity.ExternalUserID)
			fmt.Printf("Identity:    %s\n", m.Identity.IdentityHandle)
			fmt.Printf("App ID:      %s\n", m.Identity.ApplicationID)
			if m.Binding == nil {
				fmt.Println("Client:      (unbound)")
				return nil
			}
			fmt.Printf("Client:      %s (since %s)\n", m.Binding.ClientID, m.Binding.UpdatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func newMappingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every recorded service identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStores(cmd.Context(), cfg, "cli")
			if err != nil {
				return err
			}
			defer st.Close()

			ids, err := st.mappings.ListIdentities(cmd.Context())
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No identities recorded.")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "USER\tIDENTITY\tAPP_ID\tCLIENT")
			for _, id := range ids {
				client := "-"
				if b, err := st.mappings.GetBinding(cmd.Context(), id.ApplicationID); err == nil {
					client = b.ClientID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id.ExternalUserID, id.IdentityHandle, id.ApplicationID, client)
			}
			return w.Flush()
		},
	}
}
