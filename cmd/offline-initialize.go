/*
Copyright © 2022 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rancher-sandbox/hostagent/pkg/action"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

var offlineInitializeCmd = &cobra.Command{
	Use:   "offline-initialize HOST_CONFIG",
	Short: "Record a host configuration as already provisioned, for disks imaged by an external process before the agent ever ran",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		ab, _ := cmd.Flags().GetString("ab-active-volume")
		abVolume, err := parseAbVolume(ab)
		if err != nil {
			return err
		}
		return action.OfflineInitialize(cfg, args[0], abVolume)
	},
}

func parseAbVolume(v string) (types.AbVolume, error) {
	switch types.AbVolume(v) {
	case types.AbVolumeA, types.AbVolumeB, types.AbVolumeNone:
		return types.AbVolume(v), nil
	default:
		return "", fmt.Errorf("invalid --ab-active-volume %q, expected A, B or None", v)
	}
}

func init() {
	offlineInitializeCmd.Flags().String("ab-active-volume", string(types.AbVolumeNone), "Which A/B volume is currently active, if the host configuration declares an A/B pair")
	rootCmd.AddCommand(offlineInitializeCmd)
}
