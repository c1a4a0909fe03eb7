package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/types"
)

var capCmd = &cobra.Command{
	Use:   "cap",
	Short: "Manage capability tokens",
}

var capGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Mint a capability token",
	Long: `Mint a capability token scoped to a tenant, a resource and a
permission set. The token is printed once and never stored; the kernel
keeps only its hash.

Examples:
  # Let acme call its billing service for an hour
  hutch cap grant --tenant acme --resource service:billing --perm call --ttl 1h

  # A wildcard admin token for ops tooling
  hutch cap grant --tenant ops --resource '*' --perm '*' --ttl 24h`,
	RunE: runCapGrant,
}

var capVerifyCmd = &cobra.Command{
	Use:   "verify TOKEN",
	Short: "Check a token against a tenant, resource and permission",
	Args:  cobra.ExactArgs(1),
	RunE:  runCapVerify,
}

var capRevokeCmd = &cobra.Command{
	Use:   "revoke TOKEN_HASH",
	Short: "Withdraw the grant behind a token hash",
	Long: `Withdraw a grant. Revocation takes the token hash printed at
grant time, not the token itself, so grants stay revocable after the
plaintext is gone. Revoking an unknown hash succeeds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		if err := c.Revoke(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Capability revoked")
		return nil
	},
}

var capListCmd = &cobra.Command{
	Use:   "list TENANT",
	Short: "List a tenant's live grants",
	Long: `List a tenant's unexpired grants, newest first. The HASH column
is the handle 'cap revoke' takes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		caps, err := c.Capabilities(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(caps) == 0 {
			fmt.Printf("No grants for tenant %s\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HASH\tRESOURCE\tPERMISSIONS\tEXPIRES")
		for _, g := range caps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", g.TokenHash, g.Resource,
				strings.Join(g.Permissions, ","),
				g.ExpiresAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	capGrantCmd.Flags().String("tenant", "", "Tenant the grant belongs to (required)")
	capGrantCmd.Flags().String("resource", "", "Resource the grant covers, '*' for all (required)")
	capGrantCmd.Flags().StringSlice("perm", nil, "Granted permission, '*' for all (repeatable, required)")
	capGrantCmd.Flags().Duration("ttl", 0, "Grant lifetime (required, must be positive)")
	capGrantCmd.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	_ = capGrantCmd.MarkFlagRequired("tenant")
	_ = capGrantCmd.MarkFlagRequired("resource")
	_ = capGrantCmd.MarkFlagRequired("perm")
	_ = capGrantCmd.MarkFlagRequired("ttl")

	capVerifyCmd.Flags().String("tenant", "", "Tenant to check against (required)")
	capVerifyCmd.Flags().String("resource", "", "Resource to check against (required)")
	capVerifyCmd.Flags().String("perm", "", "Permission to check (required)")
	_ = capVerifyCmd.MarkFlagRequired("tenant")
	_ = capVerifyCmd.MarkFlagRequired("resource")
	_ = capVerifyCmd.MarkFlagRequired("perm")

	capCmd.AddCommand(capGrantCmd)
	capCmd.AddCommand(capVerifyCmd)
	capCmd.AddCommand(capRevokeCmd)
	capCmd.AddCommand(capListCmd)
	rootCmd.AddCommand(capCmd)
}

func runCapGrant(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	resource, _ := cmd.Flags().GetString("resource")
	perms, _ := cmd.Flags().GetStringSlice("perm")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	meta, _ := cmd.Flags().GetStringToString("meta")

	c := apiClient(cmd)
	token, capability, err := c.Grant(cmd.Context(), tenant, resource, perms, ttl, meta)
	if err != nil {
		return err
	}

	fmt.Println("✓ Capability granted")
	fmt.Printf("  Token: %s\n", token)
	fmt.Printf("  Hash: %s\n", capability.TokenHash)
	fmt.Printf("  Expires: %s\n", capability.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Println()
	fmt.Println("Save the token now; it is not shown again.")
	return nil
}

func runCapVerify(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	resource, _ := cmd.Flags().GetString("resource")
	perm, _ := cmd.Flags().GetString("perm")

	c := apiClient(cmd)
	err := c.Verify(cmd.Context(), tenant, args[0], resource, perm)
	if err == nil {
		fmt.Println("✓ Token is valid")
		return nil
	}

	var denied *types.DeniedError
	if errors.As(err, &denied) {
		return fmt.Errorf("denied: %s", denied.Reason)
	}
	return err
}
