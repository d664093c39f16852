package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after defaults, the config file and SYNCQ_*
environment variables are applied. Secrets are masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		data, err := cfg.Render(format)
		if err != nil {
			return err
		}
		if cfg.File() != "" {
			out.Printf("# %s\n", cfg.File())
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "yaml", "Output format (yaml or toml)")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
