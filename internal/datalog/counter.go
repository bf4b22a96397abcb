package datalog

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// Counter is a run counter persisted in a one-line text file.
// Persistence is best effort: a missing or corrupt file counts from zero, and
// a failed write only means the next run may reuse a number (Open refuses to
// overwrite, so the collision is detected there).
type Counter struct {
	path string
	next int
	read bool
}

// NewCounter creates a Counter backed by path.
func NewCounter(path string) *Counter {
	return &Counter{path: path}
}

// Next returns the next run number and persists the one after it.
func (c *Counter) Next() int {
	if !c.read {
		c.next = c.load()
		c.read = true
	}
	n := c.next
	c.next++
	c.store(c.next)
	return n
}

func (c *Counter) load() int {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("datalog: read counter %s: %v", c.path, err)
		}
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		log.Printf("datalog: ignoring corrupt counter %s: %q", c.path, strings.TrimSpace(string(data)))
		return 0
	}
	return n
}

func (c *Counter) store(n int) {
	if err := os.WriteFile(c.path, []byte(fmt.Sprintf("%d\n", n)), 0o644); err != nil {
		log.Printf("datalog: write counter %s: %v", c.path, err)
	}
}
