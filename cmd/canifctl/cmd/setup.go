package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
	"github.com/idf-can-bus/esp32-can-multibackend/backend/sim"
	"github.com/idf-can-bus/esp32-can-multibackend/backend/slcan"
)

func speedFromKbit(kbit uint32) (canif.Speed, error) {
	switch kbit {
	case 5:
		return canif.Speed5K, nil
	case 10:
		return canif.Speed10K, nil
	case 20:
		return canif.Speed20K, nil
	case 33:
		return canif.Speed33K, nil
	case 50:
		return canif.Speed50K, nil
	case 100:
		return canif.Speed100K, nil
	case 125:
		return canif.Speed125K, nil
	case 250:
		return canif.Speed250K, nil
	case 500:
		return canif.Speed500K, nil
	case 1000:
		return canif.Speed1000K, nil
	default:
		return 0, fmt.Errorf("unsupported CAN speed %dk", kbit)
	}
}

// buildRegistry registers one bundle built from the persistent flags and
// returns the registry together with the single device's handle.
func buildRegistry(cmd *cobra.Command) (*canif.Registry, canif.DeviceHandle, error) {
	backend, _ := cmd.Flags().GetString(flagBackend)
	busID, _ := cmd.Flags().GetUint8(flagBus)
	devID, _ := cmd.Flags().GetUint8(flagDev)
	kbit, _ := cmd.Flags().GetUint32(flagSpeed)

	speed, err := speedFromKbit(kbit)
	if err != nil {
		return nil, canif.DeviceHandle{}, err
	}

	var wiring any
	switch backend {
	case "sim":
		wiring = sim.NewFabric()
	case "slcan":
		port, _ := cmd.Flags().GetString(flagPort)
		baud, _ := cmd.Flags().GetInt(flagBaudrate)
		if port == "" {
			return nil, canif.DeviceHandle{}, fmt.Errorf("slcan backend needs --port")
		}
		wiring = slcan.Wiring{Port: port, Baudrate: baud}
	default:
		return nil, canif.DeviceHandle{}, fmt.Errorf("backend %q has no command-line wiring", backend)
	}

	reg := canif.NewRegistry()
	if err := reg.RegisterBundle(canif.Bundle{
		Bus: canif.BusConfig{ID: canif.BusID(busID), Backend: backend},
		Devices: []canif.DeviceConfig{{
			ID:     canif.DevID(devID),
			Speed:  speed,
			Wiring: wiring,
		}},
	}); err != nil {
		return nil, canif.DeviceHandle{}, err
	}
	dev := reg.DeviceByID(canif.BusID(busID), canif.DevID(devID))
	if !reg.IsValidDevice(dev) {
		return nil, canif.DeviceHandle{}, canif.ErrNotFound
	}
	return reg, dev, nil
}
