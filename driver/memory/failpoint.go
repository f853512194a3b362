package memory

import (
	"github.com/cockroachdb/errors"

	"github.com/jacentio/doccontext/driver"
)

// Command names a failpoint can target.
const (
	CmdStartSession = "startSession"
	CmdPing         = "ping"
	CmdFind         = "find"
	CmdInsert       = "insert"
	CmdUpdate       = "update"
	CmdDelete       = "delete"
	CmdCount        = "count"
	CmdAggregate    = "aggregate"
	CmdCreateIndex  = "createIndexes"
	CmdCommit       = "commitTransaction"
	CmdAbort        = "abortTransaction"
)

// FailPoint makes the next Times calls of Command fail. The returned error is
// Err, or a generic failure when Err is nil, carrying Labels.
type FailPoint struct {
	Command string
	Times   int
	Labels  []string
	Err     error

	// Hits counts how many calls the failpoint failed.
	Hits int
}

// FailCommand installs fp. Failpoints are consulted in installation order.
func (c *Client) FailCommand(fp *FailPoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPoints = append(c.failPoints, fp)
}

// ClearFailPoints removes every installed failpoint.
func (c *Client) ClearFailPoints() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPoints = nil
}

func (c *Client) failLocked(cmd string) error {
	for _, fp := range c.failPoints {
		if fp.Command != cmd || fp.Hits >= fp.Times {
			continue
		}
		fp.Hits++
		err := fp.Err
		if err == nil {
			err = errors.Newf("doccontext: failpoint on %s", cmd)
		}
		if len(fp.Labels) == 0 {
			return err
		}
		return driver.WithLabels(err, fp.Labels...)
	}
	return nil
}
