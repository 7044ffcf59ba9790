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

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Manually roll back to the previous A/B slot or runtime update layer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildConfig(cmd)
		if err != nil {
			return err
		}
		onlyIfRuntime, _ := cmd.Flags().GetBool("only-if-runtime")
		availableAb, _ := cmd.Flags().GetBool("ab")
		return action.Rollback(cfg, onlyIfRuntime, availableAb)
	},
}

func init() {
	rollbackCmd.Flags().Bool("only-if-runtime", false, "Only roll back a runtime update layer; fail if an A/B rollback would otherwise be chosen")
	rollbackCmd.Flags().Bool("ab", false, "Prefer an A/B slot rollback when one is available")
	rootCmd.AddCommand(rollbackCmd)
}
