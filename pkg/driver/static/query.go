package static

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

// Query answers DOM operations from the parsed document. Actions that
// would navigate in a browser (links, form submission) perform the
// request and swap the document.
func (d *Driver) Query(ctx context.Context, p driver.Page, q driver.Query) (driver.Result, error) {
	sp, err := d.page(p)
	if err != nil {
		return driver.Result{}, err
	}

	switch q.Op {
	case driver.OpTitle:
		return value(strings.TrimSpace(sp.doc.Find("title").First().Text()))
	case driver.OpURL:
		if sp.url == nil {
			return value("about:blank")
		}
		return value(sp.url.String())
	case driver.OpCount:
		return value(sp.doc.Find(q.Selector).Length())
	case driver.OpVisible:
		return value(visible(sp.doc.Find(q.Selector).First()))
	case driver.OpScroll:
		return driver.Result{Found: true}, nil
	}

	el := sp.doc.Find(q.Selector).First()
	if el.Length() == 0 {
		return driver.Result{Missing: "element"}, nil
	}

	switch q.Op {
	case driver.OpText:
		return value(el.Text())
	case driver.OpHTML:
		h, err := el.Html()
		if err != nil {
			return driver.Result{}, err
		}
		return value(h)
	case driver.OpAttribute:
		v, ok := el.Attr(q.Name)
		if !ok {
			return driver.Result{Missing: "attribute"}, nil
		}
		return value(v)
	case driver.OpValue:
		v, ok := fieldValue(el)
		if !ok {
			return value(nil)
		}
		return value(v)
	case driver.OpScrollTo:
		return driver.Result{Found: true}, nil
	case driver.OpFill:
		setValue(el, q.Text)
		return driver.Result{Found: true}, nil
	case driver.OpType:
		v, _ := fieldValue(el)
		setValue(el, v+q.Text)
		return driver.Result{Found: true}, nil
	case driver.OpSelect:
		return choose(el, q.Text), nil
	case driver.OpCheck:
		setChecked(el, q.Checked)
		return driver.Result{Found: true}, nil
	case driver.OpClick:
		return driver.Result{Found: true}, d.click(ctx, sp, el)
	case driver.OpSubmit:
		form := el
		if goquery.NodeName(el) != "form" {
			form = el.Closest("form")
		}
		if form.Length() == 0 {
			return driver.Result{}, errs.Newf(errs.KindNotFound, "submit", "%q is not inside a form", q.Selector)
		}
		return driver.Result{Found: true}, d.submit(ctx, sp, form, nil)
	}
	return driver.Result{}, errs.Newf(errs.KindConfiguration, "dom", "unknown operation %q", q.Op)
}

func value(v any) (driver.Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return driver.Result{}, err
	}
	return driver.Result{Found: true, Value: raw}, nil
}

// visible approximates rendering from markup alone: the hidden attribute,
// inline display:none, or a hidden input on the element or an ancestor.
func visible(el *goquery.Selection) bool {
	if el.Length() == 0 {
		return false
	}
	if t, _ := el.Attr("type"); goquery.NodeName(el) == "input" && strings.EqualFold(t, "hidden") {
		return false
	}
	for s := el; s.Length() > 0; s = s.Parent() {
		if _, ok := s.Attr("hidden"); ok {
			return false
		}
		style, _ := s.Attr("style")
		compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden") {
			return false
		}
	}
	return true
}

func fieldValue(el *goquery.Selection) (string, bool) {
	switch goquery.NodeName(el) {
	case "textarea":
		return el.Text(), true
	case "select":
		opt := el.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = el.Find("option").First()
		}
		if opt.Length() == 0 {
			return "", true
		}
		return optionValue(opt), true
	case "input", "button", "option":
		if v, ok := el.Attr("value"); ok {
			return v, true
		}
		if goquery.NodeName(el) == "option" {
			return strings.TrimSpace(el.Text()), true
		}
		if t, _ := el.Attr("type"); t == "checkbox" || t == "radio" {
			return "on", true
		}
		return "", true
	}
	return "", false
}

func optionValue(opt *goquery.Selection) string {
	if v, ok := opt.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(opt.Text())
}

func setValue(el *goquery.Selection, v string) {
	if goquery.NodeName(el) == "textarea" {
		el.SetText(v)
		return
	}
	el.SetAttr("value", v)
}

func setChecked(el *goquery.Selection, on bool) {
	if !on {
		el.RemoveAttr("checked")
		return
	}
	if t, _ := el.Attr("type"); t == "radio" {
		if n, ok := el.Attr("name"); ok {
			el.Closest("form").Find("input[type=radio]").FilterFunction(func(_ int, s *goquery.Selection) bool {
				other, _ := s.Attr("name")
				return other == n
			}).RemoveAttr("checked")
		}
	}
	el.SetAttr("checked", "checked")
}

// choose selects the option whose value or label equals want.
func choose(el *goquery.Selection, want string) driver.Result {
	var match *goquery.Selection
	el.Find("option").EachWithBreak(func(_ int, opt *goquery.Selection) bool {
		if optionValue(opt) == want || strings.TrimSpace(opt.Text()) == want {
			match = opt
			return false
		}
		return true
	})
	if match == nil {
		return driver.Result{Missing: "option"}
	}
	if _, multi := el.Attr("multiple"); !multi {
		el.Find("option").RemoveAttr("selected")
	}
	match.SetAttr("selected", "selected")
	return driver.Result{Found: true}
}

func (d *Driver) click(ctx context.Context, sp *page, el *goquery.Selection) error {
	link := el
	if goquery.NodeName(el) != "a" {
		link = el.Closest("a[href]")
	}
	if href, ok := link.Attr("href"); ok && !strings.HasPrefix(href, "#") && !strings.HasPrefix(strings.ToLower(href), "javascript:") {
		_, err := d.Navigate(ctx, sp, href, driver.NavigateOptions{})
		return err
	}

	switch goquery.NodeName(el) {
	case "input":
		switch t, _ := el.Attr("type"); strings.ToLower(t) {
		case "checkbox":
			_, on := el.Attr("checked")
			setChecked(el, !on)
			return nil
		case "radio":
			setChecked(el, true)
			return nil
		case "submit", "image":
			return d.submitFrom(ctx, sp, el)
		}
	case "button":
		if t, ok := el.Attr("type"); !ok || strings.EqualFold(t, "submit") {
			return d.submitFrom(ctx, sp, el)
		}
	}
	return nil
}

func (d *Driver) submitFrom(ctx context.Context, sp *page, button *goquery.Selection) error {
	form := button.Closest("form")
	if form.Length() == 0 {
		return nil
	}
	return d.submit(ctx, sp, form, button)
}

// submit encodes the form's successful controls and navigates to its
// action, as a GET query or an urlencoded POST body.
func (d *Driver) submit(ctx context.Context, sp *page, form, submitter *goquery.Selection) error {
	fields := formValues(form, submitter)

	action, _ := form.Attr("action")
	target, err := sp.resolve(action)
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, "submit", err)
	}
	method, _ := form.Attr("method")
	if strings.EqualFold(method, http.MethodPost) {
		_, err = d.Navigate(ctx, sp, target.String(), driver.NavigateOptions{
			Method:  http.MethodPost,
			Body:    []byte(fields.Encode()),
			Headers: http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		})
		return err
	}
	target.RawQuery = fields.Encode()
	target.Fragment = ""
	_, err = d.Navigate(ctx, sp, target.String(), driver.NavigateOptions{})
	return err
}

func formValues(form, submitter *goquery.Selection) url.Values {
	fields := url.Values{}
	form.Find("input, textarea, select, button").Each(func(_ int, el *goquery.Selection) {
		name, ok := el.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := el.Attr("disabled"); disabled {
			return
		}
		tag := goquery.NodeName(el)
		kind, _ := el.Attr("type")
		kind = strings.ToLower(kind)
		switch {
		case tag == "button" || kind == "submit" || kind == "image":
			if submitter == nil || !submitter.IsSelection(el) {
				return
			}
		case kind == "reset" || kind == "file" || (tag == "input" && kind == "button"):
			return
		case kind == "checkbox" || kind == "radio":
			if _, on := el.Attr("checked"); !on {
				return
			}
		case tag == "select":
			if _, multi := el.Attr("multiple"); multi {
				el.Find("option[selected]").Each(func(_ int, opt *goquery.Selection) {
					fields.Add(name, optionValue(opt))
				})
				return
			}
		}
		v, _ := fieldValue(el)
		fields.Add(name, v)
	})
	return fields
}
