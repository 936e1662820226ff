// Package checkpoint holds the durable ingestion progress snapshot and the
// stores that persist it between runs.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// FormatVersion is written into every snapshot.
const FormatVersion = 1

// Validation errors.
var (
	ErrOverlap         = errors.New("page is both completed and failed")
	ErrPageOutOfRange  = errors.New("page index out of range")
	ErrNegativeCounter = errors.New("negative counter")
)

// PageSet is a set of page indices, serialized as a sorted JSON array.
type PageSet map[int]struct{}

// Has reports whether page is in the set.
func (s PageSet) Has(page int) bool {
	_, ok := s[page]
	return ok
}

// Sorted returns the pages in ascending order.
func (s PageSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// MarshalJSON implements json.Marshaler.
func (s PageSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *PageSet) UnmarshalJSON(data []byte) error {
	var pages []int
	if err := json.Unmarshal(data, &pages); err != nil {
		return err
	}
	set := make(PageSet, len(pages))
	for _, p := range pages {
		set[p] = struct{}{}
	}
	*s = set
	return nil
}

// Checkpoint is a snapshot of ingestion progress.
//
// A page only enters CompletedPages after its records were written to the
// sink, so a resumed run can skip it safely.
type Checkpoint struct {
	Version            int       `json:"version"`
	CompletedPages     PageSet   `json:"completed_pages"`
	FailedPages        PageSet   `json:"failed_pages"`
	TotalPages         int       `json:"total_pages"`
	TotalItemsExpected int       `json:"total_items_expected"`
	ItemsPersisted     int64     `json:"items_persisted"`
	RecordsRejected    int64     `json:"records_rejected"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// New returns an empty checkpoint for a source of the given size.
func New(totalPages, totalItems int) *Checkpoint {
	return &Checkpoint{
		Version:            FormatVersion,
		CompletedPages:     PageSet{},
		FailedPages:        PageSet{},
		TotalPages:         totalPages,
		TotalItemsExpected: totalItems,
	}
}

// MarkCompleted records page as done with the number of records it persisted.
// A previously failed page is moved out of the failed set.
func (c *Checkpoint) MarkCompleted(page, items int) {
	c.ensureSets()
	if c.CompletedPages.Has(page) {
		return
	}
	delete(c.FailedPages, page)
	c.CompletedPages[page] = struct{}{}
	if items > 0 {
		c.ItemsPersisted += int64(items)
	}
}

// MarkFailed records page as failed. Completed pages stay completed.
func (c *Checkpoint) MarkFailed(page int) {
	c.ensureSets()
	if c.CompletedPages.Has(page) {
		return
	}
	c.FailedPages[page] = struct{}{}
}

// AddRejected counts records dropped by validation.
func (c *Checkpoint) AddRejected(n int) {
	if n > 0 {
		c.RecordsRejected += int64(n)
	}
}

// IsCompleted reports whether page is done.
func (c *Checkpoint) IsCompleted(page int) bool {
	return c.CompletedPages.Has(page)
}

// Pending returns all pages in [1, TotalPages] not yet completed, ascending.
func (c *Checkpoint) Pending() []int {
	n := c.TotalPages - len(c.CompletedPages)
	if n < 0 {
		n = 0
	}
	out := make([]int, 0, n)
	for p := 1; p <= c.TotalPages; p++ {
		if !c.CompletedPages.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

// Failed returns the failed pages, ascending.
func (c *Checkpoint) Failed() []int {
	return c.FailedPages.Sorted()
}

// Validate checks the structural invariants of the snapshot.
func (c *Checkpoint) Validate() error {
	for p := range c.CompletedPages {
		if p < 1 || p > c.TotalPages {
			return fmt.Errorf("%w: completed page %d (total %d)", ErrPageOutOfRange, p, c.TotalPages)
		}
		if c.FailedPages.Has(p) {
			return fmt.Errorf("%w: %d", ErrOverlap, p)
		}
	}
	for p := range c.FailedPages {
		if p < 1 || p > c.TotalPages {
			return fmt.Errorf("%w: failed page %d (total %d)", ErrPageOutOfRange, p, c.TotalPages)
		}
	}
	if c.ItemsPersisted < 0 || c.RecordsRejected < 0 || c.TotalPages < 0 || c.TotalItemsExpected < 0 {
		return ErrNegativeCounter
	}
	return nil
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	out.CompletedPages = make(PageSet, len(c.CompletedPages))
	for p := range c.CompletedPages {
		out.CompletedPages[p] = struct{}{}
	}
	out.FailedPages = make(PageSet, len(c.FailedPages))
	for p := range c.FailedPages {
		out.FailedPages[p] = struct{}{}
	}
	return &out
}

func (c *Checkpoint) ensureSets() {
	if c.CompletedPages == nil {
		c.CompletedPages = PageSet{}
	}
	if c.FailedPages == nil {
		c.FailedPages = PageSet{}
	}
}
