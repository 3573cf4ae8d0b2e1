package reporting

import (
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter writes every suite as one indented JSON array on Close.
type JSONReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	suites []*Suite
	closed bool
}

func NewJSONReporter(w io.WriteCloser) *JSONReporter {
	return &JSONReporter{writer: w, suites: []*Suite{}}
}

func (r *JSONReporter) Write(suite *Suite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("json reporter is closed")
	}
	r.suites = append(r.suites, suite)
	return nil
}

func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	b, err := wire.MarshalIndent(r.suites, "", "  ")
	if err == nil {
		_, err = r.writer.Write(append(b, '\n'))
	}
	cerr := r.writer.Close()
	if err != nil {
		return fmt.Errorf("writing json report: %w", err)
	}
	return cerr
}
