/*
Copyright © 2021 SUSE LLC

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

package utils_test

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher-sandbox/hostagent/pkg/utils"
)

func TestUtilsSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Utils test suite")
}

var _ = Describe("CleanStack", func() {
	It("runs pushed jobs in reverse order", func() {
		var order []int
		stack := utils.NewCleanStack()
		stack.Push(func() error { order = append(order, 1); return nil })
		stack.Push(func() error { order = append(order, 2); return nil })
		stack.Push(func() error { order = append(order, 3); return nil })

		Expect(stack.Cleanup(nil)).To(Succeed())
		Expect(order).To(Equal([]int{3, 2, 1}))
	})

	It("runs every job even when some fail, and combines their errors with the input error", func() {
		jobErr := errors.New("job failed")
		stack := utils.NewCleanStack()
		ran := false
		stack.Push(func() error { ran = true; return nil })
		stack.Push(func() error { return jobErr })

		err := stack.Cleanup(errors.New("original failure"))
		Expect(err).To(HaveOccurred())
		Expect(ran).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("original failure"))
		Expect(err.Error()).To(ContainSubstring("job failed"))
	})

	It("returns nil when there is nothing to clean up and no input error", func() {
		stack := utils.NewCleanStack()
		Expect(stack.Cleanup(nil)).To(Succeed())
	})

	It("pops nil once the stack is empty", func() {
		stack := utils.NewCleanStack()
		Expect(stack.Pop()).To(BeNil())
	})
})
