package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"banken/internal/camera"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "接続されているカメラデバイスを一覧表示する",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listDevices(cmd, camera.NewLinuxDiscovery())
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func listDevices(cmd *cobra.Command, disc camera.Discovery) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	devices, err := disc.ScanDevices(ctx)
	if err != nil {
		return fmt.Errorf("カメラデバイスのスキャンに失敗: %w", err)
	}

	infos := make([]*camera.DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		info, err := disc.GetDeviceInfo(ctx, dev)
		if err != nil {
			info = &camera.DeviceInfo{Device: dev}
		}
		infos = append(infos, info)
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return writeJSON(out, infos)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "カメラデバイスが見つかりません")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tDRIVER")
	fmt.Fprintln(w, "------\t----\t------")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\n", info.Device, info.Name, info.Driver)
	}
	return w.Flush()
}
