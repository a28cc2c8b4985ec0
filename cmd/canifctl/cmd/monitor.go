package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print every frame received on the configured device",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, dev, err := buildRegistry(cmd)
		if err != nil {
			return err
		}
		defer reg.Clear()

		client := canif.NewClient(reg)
		if err := client.Open(cmd.Context(), dev); err != nil {
			return err
		}
		defer client.Close(dev)

		pump := canif.NewPump(client, []canif.DeviceHandle{dev}, func(rx canif.RxFrame) {
			fmt.Printf("%02X:%02X %s\n", rx.From.BusID(), rx.From.DevID(), rx.Frame.ColorString())
		}, canif.PumpConfig{})

		log.Println("monitoring, ctrl-c to stop")
		if err := pump.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		if n := pump.Dropped(); n > 0 {
			log.Printf("dropped %d frames", n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}
