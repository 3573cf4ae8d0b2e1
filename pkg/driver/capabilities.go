package driver

import (
	"context"

	"github.com/xkilldash9x/navchain/pkg/errs"
)

type Reloader interface {
	Reload(ctx context.Context, p Page) (*Response, error)
}

// Historian moves through the page's session history.
type Historian interface {
	Back(ctx context.Context, p Page) (*Response, error)
	Forward(ctx context.Context, p Page) (*Response, error)
}

// CookieJar reads and writes the cookies visible to a page.
type CookieJar interface {
	Cookies(ctx context.Context, p Page) ([]Cookie, error)
	SetCookies(ctx context.Context, p Page, cookies []Cookie) error
	ClearCookies(ctx context.Context, p Page) error
}

type Viewporter interface {
	SetViewport(ctx context.Context, p Page, v Viewport) error
}

type UserAgenter interface {
	SetUserAgent(ctx context.Context, p Page, ua string) error
}

type Zoomer interface {
	SetZoom(ctx context.Context, p Page, factor float64) error
}

// FrameSwitcher retargets evaluation into a child frame and back.
type FrameSwitcher interface {
	SwitchFrame(ctx context.Context, p Page, selector string) error
	SwitchParentFrame(ctx context.Context, p Page) error
}

// Screenshotter renders the page as PNG.
type Screenshotter interface {
	Screenshot(ctx context.Context, p Page, opts ScreenshotOptions) ([]byte, error)
}

// Uploader attaches local files to a file input.
type Uploader interface {
	SetFiles(ctx context.Context, p Page, selector string, files []string) error
}

func RequireReloader(d Driver) (Reloader, error) {
	if c, ok := d.(Reloader); ok {
		return c, nil
	}
	return nil, errs.Unsupported(d.Name(), "reload")
}

func RequireHistorian(d Driver) (Historian, error) {
	if c, ok := d.(Historian); ok {
		return c, nil
	}
	return nil, errs.Unsupported(d.Name(), "history navigation")
}

func RequireCookieJar(d Driver) (CookieJar, error) {
	if c, ok := d.(CookieJar); ok {
		return c, nil
	}
	return nil, errs.Unsupported(d.Name(), "cookies")
}

func RequireViewporter(d Driver) (Viewporter, error) {
	if c, ok := d.(Viewporter); ok {
		return c, nil
	}
	return nil, errs.Unsupported(d.Name(), "viewport")
}

func RequireUserAgenter(d Driver) (UserAgenter, error) {
	if c, ok := d.(UserAgenter); ok {
		return c, nil
	}
	return nil, errs.Unsupported(d.Name(), "user agent")
}

func RequireZoomer(d Driver) (Zoomer, error) {
	if c, ok := d.(Zoomer); ok {
		return c, nil
	}
	return nil, errs.Unsupported(d.Name(), "zoom")
}

func RequireFrameSwitcher(d Driver) (FrameSwitcher, error) {
	if c, ok := d.(FrameSwitcher); ok {
		return c, nil
	}
	return nil, errs.Unsupported(d.Name(), "frame switching")
}

func RequireScreenshotter(d Driver) (Screenshotter, error) {
	if c, ok := d.(Screenshotter); ok {
		return c, nil
	}
	return nil, errs.Unsupported(d.Name(), "screenshots")
}

func RequireUploader(d Driver) (Uploader, error) {
	if c, ok := d.(Uploader); ok {
		return c, nil
	}
	return nil, errs.Unsupported(d.Name(), "file upload")
}
