package cmd

import (
	"context"
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "canifctl",
	Short:        "multi-backend CAN workbench",
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) {
	rootCmd.ExecuteContext(ctx)
}

const (
	flagBackend  = "backend"
	flagPort     = "port"
	flagBaudrate = "baudrate"
	flagBus      = "bus"
	flagDev      = "dev"
	flagSpeed    = "speed"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagBackend, "a", "sim", "backend family to use")
	pf.StringP(flagPort, "p", "", "com-port for serial backends")
	pf.IntP(flagBaudrate, "b", 115200, "serial baudrate")
	pf.Uint8(flagBus, 0, "bus identifier")
	pf.Uint8(flagDev, 0, "device identifier")
	pf.Uint32P(flagSpeed, "s", 500, "CAN speed in kbit/s")
}
