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

var runCmd = &cobra.Command{
	Use:   "run HOST_CONFIG",
	Short: "Apply a host configuration: clean-install, A/B update or runtime update, whichever its current state requires",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		return action.Run(cfg, args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
