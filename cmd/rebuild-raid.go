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
	"github.com/spf13/cobra"

	"github.com/rancher-sandbox/hostagent/pkg/action"
)

var rebuildRaidCmd = &cobra.Command{
	Use:   "rebuild-raid NAME",
	Short: "Re-assemble a named RAID array from its recorded member device paths, without running a full servicing cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		return action.RebuildRaid(cfg, args[0])
	},
}

func init() {
	rootCmd.AddCommand(rebuildRaidCmd)
}
