package reporting

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/beevik/etree"
)

// JUnitReporter renders suites as a JUnit XML <testsuites> document on
// Close. Each script step becomes one <testcase>.
type JUnitReporter struct {
	mu     sync.Mutex
	writer io.WriteCloser
	suites []*Suite
	closed bool
}

func NewJUnitReporter(w io.WriteCloser) *JUnitReporter {
	return &JUnitReporter{writer: w}
}

func (r *JUnitReporter) Write(suite *Suite) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("junit reporter is closed")
	}
	r.suites = append(r.suites, suite)
	return nil
}

func (r *JUnitReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	_, werr := r.document().WriteTo(r.writer)
	cerr := r.writer.Close()
	if werr != nil {
		return fmt.Errorf("writing junit report: %w", werr)
	}
	return cerr
}

func (r *JUnitReporter) document() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement("testsuites")

	var tests, failures, skipped int
	var total time.Duration
	for _, s := range r.suites {
		f, sk := s.Counts()
		tests += len(s.Cases)
		failures += f
		skipped += sk
		total += s.Duration

		el := root.CreateElement("testsuite")
		el.CreateAttr("name", s.Name)
		el.CreateAttr("tests", strconv.Itoa(len(s.Cases)))
		el.CreateAttr("failures", strconv.Itoa(f))
		el.CreateAttr("errors", "0")
		el.CreateAttr("skipped", strconv.Itoa(sk))
		el.CreateAttr("time", seconds(s.Duration))
		if !s.Started.IsZero() {
			el.CreateAttr("timestamp", s.Started.UTC().Format("2006-01-02T15:04:05"))
		}

		props := el.CreateElement("properties")
		for _, kv := range [][2]string{{"backend", s.Backend}, {"session", s.Session}} {
			if kv[1] == "" {
				continue
			}
			p := props.CreateElement("property")
			p.CreateAttr("name", kv[0])
			p.CreateAttr("value", kv[1])
		}

		for _, c := range s.Cases {
			tc := el.CreateElement("testcase")
			tc.CreateAttr("classname", s.Name)
			tc.CreateAttr("name", caseName(c))
			tc.CreateAttr("time", seconds(c.Duration))
			switch c.Status {
			case StatusFailed:
				fe := tc.CreateElement("failure")
				fe.CreateAttr("message", c.Error)
				if c.Kind != "" {
					fe.CreateAttr("type", c.Kind)
				}
				fe.SetText(c.Error)
			case StatusSkipped:
				tc.CreateElement("skipped")
			}
			if len(c.Outputs) > 0 {
				tc.CreateElement("system-out").SetText(fmt.Sprint(c.Outputs...))
			}
		}
	}

	root.CreateAttr("tests", strconv.Itoa(tests))
	root.CreateAttr("failures", strconv.Itoa(failures))
	root.CreateAttr("skipped", strconv.Itoa(skipped))
	root.CreateAttr("time", seconds(total))
	doc.Indent(2)
	return doc
}

func caseName(c Case) string {
	name := fmt.Sprintf("%03d %s", c.Index+1, c.Route)
	if c.Summary != "" {
		name += " " + c.Summary
	}
	return name
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
