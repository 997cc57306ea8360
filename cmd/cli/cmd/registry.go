// Package cmd - registry commands
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gpu-index/core/registry"
	"gpu-index/internal/config"
)

var registryOut string

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and validate the provider registry",
}

var registryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the active registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(config.Get())
		if err != nil {
			return err
		}
		fmt.Print(registry.Describe(reg))
		return nil
	},
}

var registryValidateCmd = &cobra.Command{
	Use:   "validate <file.hcl>",
	Short: "Validate a registry file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := registry.LoadHCL(args[0])
		if err != nil {
			fmt.Printf("✗ %s is invalid\n", args[0])
			return err
		}
		fmt.Printf("✓ %s is valid: %s\n", args[0], reg)
		return nil
	},
}

var registryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the active registry as HCL",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(config.Get())
		if err != nil {
			return err
		}
		data := registry.EncodeHCL(reg)
		if registryOut == "" {
			_, err = os.Stdout.Write(data)
			return err
		}
		if err := os.WriteFile(registryOut, data, 0644); err != nil {
			return fmt.Errorf("failed to write registry: %w", err)
		}
		fmt.Printf("Wrote %s\n", registryOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryShowCmd)
	registryCmd.AddCommand(registryValidateCmd)
	registryCmd.AddCommand(registryExportCmd)

	registryExportCmd.Flags().StringVarP(&registryOut, "out", "o", "", "output file (default stdout)")
}
