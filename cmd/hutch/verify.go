package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/types"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Cross-check the live registry against the event log",
	Long: `Ask the kernel to verify that its live service table matches
what the event log says should be running.

Services alive despite a recorded kill are stopped on the spot; the
other mismatch classes are reported for inspection. Exits non-zero
when the two views disagree.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	c := apiClient(cmd)
	report, err := c.RecoveryVerify(cmd.Context())
	if err != nil {
		return err
	}

	if report.Consistent {
		fmt.Println("✓ Registry and event log agree")
		return nil
	}

	printIdentities := func(label string, ids []types.Identity) {
		if len(ids) == 0 {
			return
		}
		fmt.Printf("%s (%d):\n", label, len(ids))
		for _, id := range ids {
			fmt.Printf("  - %s/%s\n", id.Tenant, id.Service)
		}
	}

	fmt.Println("Registry and event log disagree")
	printIdentities("Running with no deployment on record", report.OrphanedServices)
	printIdentities("On record but not running", report.OrphanedEvents)
	printIdentities("Killed on record but still alive (stopped now)", report.AliveKilled)
	return fmt.Errorf("inconsistencies found")
}
