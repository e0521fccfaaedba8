// Package feeder hands records of a CSV or JSON data file to simulated users.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/torosent/crankswarm/internal/config"
)

// Record represents a single row of data with named fields.
type Record map[string]string

// ErrExhausted is returned by a unique feeder once every record was handed out.
var ErrExhausted = errors.New("feeder exhausted: no more records available")

// Feeder returns records in file order. It is safe for concurrent use.
type Feeder struct {
	records []Record
	unique  bool

	mu    sync.Mutex
	index int
}

// New returns a feeder over records. A unique feeder hands out every record
// once; otherwise it starts over after the last one.
func New(records []Record, unique bool) *Feeder {
	return &Feeder{records: records, unique: unique}
}

// Load reads the data file cfg names.
func Load(cfg config.DataConfig) (*Feeder, error) {
	var (
		records []Record
		err     error
	)
	switch cfg.Format() {
	case "csv":
		records, err = ReadCSV(cfg.Path)
	case "json":
		records, err = ReadJSON(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported data type %q for %s", cfg.Type, cfg.Path)
	}
	if err != nil {
		return nil, err
	}
	return New(records, cfg.Unique), nil
}

// Next returns the next record.
func (f *Feeder) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.records) == 0 {
		return nil, ErrExhausted
	}
	if f.index >= len(f.records) {
		if f.unique {
			return nil, ErrExhausted
		}
		f.index = 0
	}
	record := f.records[f.index]
	f.index++
	return record, nil
}

// Len returns the total number of records in the dataset.
func (f *Feeder) Len() int {
	return len(f.records)
}
