// Package fleet picks the devices a run may use: it derives hardware
// identity from device ids, loads the PID4 map and device config files and
// asks the eligibility policy about every provisioned device.
package fleet

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"aval/internal/cloud"
)

// ParseHardwareID returns the hardware id encoded in a device id:
// "verdin-imx8mp-15247251-0bd6e5" -> "verdin-imx8mp",
// "colibri-imx7-emmc-15149329-6f39ce" -> "colibri-imx7-emmc".
func ParseHardwareID(deviceID string) string {
	parts := strings.Split(deviceID, "-")
	n := 2
	if strings.Contains(deviceID, "emmc") {
		n = 3
	}
	if len(parts) < n {
		return deviceID
	}
	return strings.Join(parts[:n], "-")
}

// ParseSoC returns the SoC part of a device id, or "" if there is none.
func ParseSoC(deviceID string) string {
	parts := strings.Split(deviceID, "-")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// WriteTable prints devices as an aligned table.
func WriteTable(w io.Writer, devices []cloud.Device) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE UUID\tDEVICE NAME\tDEVICE ID\tPID4")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.UUID, d.Name, d.ID, d.Notes)
	}
	return tw.Flush()
}

// Table returns WriteTable's output as a string, for logging.
func Table(devices []cloud.Device) string {
	var b strings.Builder
	_ = WriteTable(&b, devices)
	return b.String()
}
