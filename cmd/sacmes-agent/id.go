// ABOUTME: id and reset-id commands for the agent's tenant identity
// ABOUTME: reset-id requires --force because viewers lose access to the old ID

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/sacmes-gateway/internal/identity"
)

var resetForce bool

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this agent's tenant ID",
	Long: `Print the tenant ID viewers use to subscribe to this agent.
The ID is generated and saved on first use.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, created, err := identity.LoadOrCreate(identityPath)
		if err != nil {
			return err
		}
		if created {
			color.New(color.FgHiBlack).Fprintf(cmd.ErrOrStderr(), "generated new identity at %s\n", identityPath)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id.TenantID)
		return nil
	},
}

var resetIDCmd = &cobra.Command{
	Use:   "reset-id",
	Short: "Replace this agent's tenant ID",
	Long: `Generate a new tenant ID. Viewers holding the old ID lose access.

Requires --force.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetForce {
			return fmt.Errorf("refusing to replace the tenant ID without --force")
		}
		id, err := identity.Reset(identityPath)
		if err != nil {
			return err
		}
		color.New(color.FgYellow).Fprintln(cmd.ErrOrStderr(), "tenant ID replaced; share the new ID with your viewers")
		fmt.Fprintln(cmd.OutOrStdout(), id.TenantID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(resetIDCmd)

	resetIDCmd.Flags().BoolVar(&resetForce, "force", false, "confirm replacing the tenant ID")
}
