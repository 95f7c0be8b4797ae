package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Togather-Foundation/harvester/internal/oaipmh"
)

// Console prints the raw XML of each record, one per line.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	total int
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Emit(ctx context.Context, records []oaipmh.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(c.w, rec.Raw); err != nil {
			return fmt.Errorf("write record %s: %w", rec.Identifier, err)
		}
		c.total++
	}
	return nil
}

// Total returns the number of records printed so far.
func (c *Console) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}
