package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available backend families",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range canif.ListBackendNames() {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
