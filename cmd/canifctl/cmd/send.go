package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

var sendCmd = &cobra.Command{
	Use:   "send <id> [hexdata]",
	Short: "Send one frame on the configured device",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 0, 32)
		if err != nil {
			return fmt.Errorf("bad identifier %q: %w", args[0], err)
		}
		var data []byte
		if len(args) == 2 {
			data, err = hex.DecodeString(args[1])
			if err != nil {
				return fmt.Errorf("bad data %q: %w", args[1], err)
			}
		}
		if len(data) > canif.MaxDataLen {
			return canif.ErrTooLong
		}

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

		f := canif.NewFrame(uint32(id), data)
		if id > canif.MaxStandardID {
			f.Extended = true
		}
		if err := f.Validate(); err != nil {
			return err
		}
		if err := client.Send(dev, f); err != nil {
			return err
		}
		fmt.Println(f.ColorString())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
}
