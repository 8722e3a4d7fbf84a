package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/billm/tutornet/pkg/network"
)

var (
	archFormat   string
	archRedirect bool
)

var architectureCmd = &cobra.Command{
	Use:   "architecture",
	Short: "Print the message routing and discovery tables",
	Long: `Architecture prints which module types receive each message type and which
discovery topics each module type listens on.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table := network.NewArchitecture(network.ArchitectureOptions{
			RedirectTutorToGateway: archRedirect,
		}).Table()

		out := cmd.OutOrStdout()
		switch archFormat {
		case "yaml":
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(table); err != nil {
				return err
			}
			return enc.Close()
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(table)
		default:
			return fmt.Errorf("unsupported format %q: use yaml or json", archFormat)
		}
	},
}

func init() {
	architectureCmd.Flags().StringVar(&archFormat, "format", "yaml", "Output format: yaml, json")
	architectureCmd.Flags().BoolVar(&archRedirect, "redirect", false,
		"Show the variant that routes tutor traffic to the gateway")
}
