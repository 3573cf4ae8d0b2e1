// -- internal/reporting/reporter.go --
package reporting

import (
	"fmt"
	"io"
	"os"
)

// Reporter writes run suites to an output.
type Reporter interface {
	// Write records one suite.
	Write(suite *Suite) error
	// Close finalizes the report and releases the underlying writer.
	Close() error
}

type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format ("junit" or "json") writing to
// outputPath. An empty path, "-" or "stdout" writes to standard output.
func New(format, outputPath string) (Reporter, error) {
	var newReporter func(io.WriteCloser) Reporter
	switch format {
	case "junit":
		newReporter = func(w io.WriteCloser) Reporter { return NewJUnitReporter(w) }
	case "json":
		newReporter = func(w io.WriteCloser) Reporter { return NewJSONReporter(w) }
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	switch outputPath {
	case "", "-", "stdout":
		writer = &nopWriteCloser{os.Stdout}
	default:
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}
	return newReporter(writer), nil
}
