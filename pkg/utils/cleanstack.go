package utils

import (
	"github.com/hashicorp/go-multierror"
)

// CleanStack is a LIFO stack of cleanup callbacks. A phase driver pushes one
// callback per resource it acquires (a mount, a staged directory, an opened
// device) and defers a single Cleanup(err) call; every callback always runs,
// in reverse acquisition order, regardless of whether err is already set.
type CleanStack struct {
	jobs []func() error
}

func NewCleanStack() *CleanStack {
	return &CleanStack{}
}

// Push adds a callback to the top of the stack.
func (c *CleanStack) Push(job func() error) {
	c.jobs = append(c.jobs, job)
}

// Pop removes and returns the top callback, or nil if the stack is empty.
func (c *CleanStack) Pop() func() error {
	if len(c.jobs) == 0 {
		return nil
	}
	job := c.jobs[len(c.jobs)-1]
	c.jobs = c.jobs[:len(c.jobs)-1]
	return job
}

// Cleanup runs every pushed callback in reverse order, regardless of
// failures, and returns err combined with any callback errors.
func (c *CleanStack) Cleanup(err error) error {
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	for job := c.Pop(); job != nil; job = c.Pop() {
		if jobErr := job(); jobErr != nil {
			result = multierror.Append(result, jobErr)
		}
	}
	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}
