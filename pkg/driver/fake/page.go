package fake

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

// Page is a fake page. Exported fields record what the page received and
// may be read by tests once the run has finished.
type Page struct {
	id        string
	url       string
	title     string
	history   []string
	pos       int
	loadedAt  time.Time
	loadTime  time.Duration
	elements  map[string]*Element
	frames    []string
	viewport  driver.Viewport
	userAgent string
	zoom      float64
	scrollX   int
	scrollY   int

	Requests  []Request
	Evaluated []string
}

func (p *Page) ID() string { return p.id }

func (p *Page) URL() string       { return p.url }
func (p *Page) UserAgent() string { return p.userAgent }
func (p *Page) Zoom() float64     { return p.zoom }

func (p *Page) Viewport() driver.Viewport { return p.viewport }

// Frames returns the selectors of the current frame path, outermost first.
func (p *Page) Frames() []string { return append([]string(nil), p.frames...) }

// Scroll returns the last window scroll position.
func (p *Page) Scroll() (int, int) { return p.scrollX, p.scrollY }

// Element returns a copy of the element at selector, visible or not.
func (p *Page) Element(selector string) (Element, bool) {
	el, ok := p.elements[selector]
	if !ok {
		return Element{}, false
	}
	return *el, true
}

// visible returns the element if it has appeared yet.
func (p *Page) visible(selector string) *Element {
	el, ok := p.elements[selector]
	if !ok || time.Since(p.loadedAt) < el.AppearAfter {
		return nil
	}
	return el
}

func (d *Driver) Query(ctx context.Context, p driver.Page, q driver.Query) (driver.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp, err := d.page(p)
	if err != nil {
		return driver.Result{}, err
	}

	switch q.Op {
	case driver.OpCount:
		n := 0
		if fp.visible(q.Selector) != nil {
			n = 1
		}
		return found(n)
	case driver.OpTitle:
		return found(fp.title)
	case driver.OpURL:
		return found(fp.url)
	case driver.OpScroll:
		fp.scrollX, fp.scrollY = q.X, q.Y
		return found(nil)
	}

	el := fp.visible(q.Selector)
	if q.Op == driver.OpVisible {
		return found(el != nil && !el.Hidden)
	}
	if el == nil {
		return driver.Result{Missing: "element"}, nil
	}

	switch q.Op {
	case driver.OpText:
		return found(el.Text)
	case driver.OpHTML:
		return found(el.HTML)
	case driver.OpAttribute:
		v, ok := el.Attrs[q.Name]
		if !ok {
			return driver.Result{Missing: "attribute"}, nil
		}
		return found(v)
	case driver.OpValue:
		return found(el.Value)
	case driver.OpClick:
		el.Clicks++
	case driver.OpType:
		el.Value += q.Text
	case driver.OpFill:
		el.Value = q.Text
	case driver.OpSelect:
		ok := false
		for _, o := range el.Options {
			ok = ok || o == q.Text
		}
		if !ok {
			return driver.Result{Missing: "option"}, nil
		}
		el.Value = q.Text
	case driver.OpCheck:
		el.Checked = q.Checked
	case driver.OpSubmit:
		el.Submits++
	case driver.OpScrollTo:
	default:
		return driver.Result{}, errs.Newf(errs.KindConfiguration, "fake", "unknown operation %q", q.Op)
	}
	return found(nil)
}

func found(v any) (driver.Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return driver.Result{}, err
	}
	return driver.Result{Found: true, Value: raw}, nil
}

// Core hides every optional capability of d, leaving only driver.Driver.
func Core(d driver.Driver) driver.Driver {
	return core{d}
}

type core struct{ driver.Driver }
