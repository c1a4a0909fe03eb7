package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage tenant secrets",
	Long: `Manage a tenant's encrypted secrets.

Secrets are stored encrypted at rest and scoped to one tenant. The
kernel must be running with a vault key for these commands to work.`,
}

var secretPutCmd = &cobra.Command{
	Use:   "put TENANT NAME [VALUE]",
	Short: "Store or overwrite a secret",
	Long: `Store a secret. VALUE is taken from the argument, or from
stdin when omitted or given as '-', so values stay out of shell
history:

  echo -n "$DB_PASSWORD" | hutch secret put acme db-password`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSecretPut,
}

var secretGetCmd = &cobra.Command{
	Use:   "get TENANT NAME",
	Short: "Decrypt and print a secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		value, err := c.SecretGet(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var secretRmCmd = &cobra.Command{
	Use:   "rm TENANT NAME",
	Short: "Delete a secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		if err := c.SecretDelete(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Secret deleted: %s\n", args[1])
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list TENANT",
	Short: "List a tenant's secrets (names only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient(cmd)
		secrets, err := c.SecretList(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(secrets) == 0 {
			fmt.Printf("No secrets for tenant %s\n", args[0])
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCREATED\tUPDATED")
		for _, s := range secrets {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
				s.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	secretCmd.AddCommand(secretPutCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretRmCmd)
	secretCmd.AddCommand(secretListCmd)
	rootCmd.AddCommand(secretCmd)
}

func runSecretPut(cmd *cobra.Command, args []string) error {
	var value string
	if len(args) == 3 && args[2] != "-" {
		value = args[2]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		value = string(data)
	}

	c := apiClient(cmd)
	if err := c.SecretPut(cmd.Context(), args[0], args[1], value); err != nil {
		return err
	}
	fmt.Printf("✓ Secret stored: %s\n", args[1])
	return nil
}
