// cmd/version.go
package cmd

import "github.com/spf13/cobra"

// Version is the application version.
// Set at build time: go build -ldflags "-X github.com/xkilldash9x/rubium/cmd.Version=1.0.0"
var Version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the rubium version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(Version)
		},
	}
}
