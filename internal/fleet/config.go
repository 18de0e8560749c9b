package fleet

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// DeviceConfig selects devices by SoC and required SoC properties:
//
//	[soc_udt]
//	soc_udt_name = "verdin-imx8mp"
//	soc_properties = ["soc_npu", "soc_gpu"]
type DeviceConfig struct {
	SoC struct {
		Name       string   `toml:"soc_udt_name"`
		Properties []string `toml:"soc_properties"`
	} `toml:"soc_udt"`
}

// ParseDeviceConfig decodes a device config document.
func ParseDeviceConfig(data []byte) (*DeviceConfig, error) {
	var cfg DeviceConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("device config: %w", err)
	}
	if cfg.SoC.Name == "" {
		return nil, errors.New("device config: soc_udt.soc_udt_name is required")
	}
	return &cfg, nil
}

// LoadDeviceConfig reads and decodes the device config at path.
func LoadDeviceConfig(path string) (*DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("device config: %w", err)
	}
	return ParseDeviceConfig(data)
}
