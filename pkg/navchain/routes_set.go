package navchain

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/registry"
)

func setRoutes() []registry.Entry[*Session] {
	return []registry.Entry[*Session]{
		{Routes: []string{"set.header"}, Handler: setHeader},
		{Routes: []string{"set.headers"}, Handler: setHeaders},
		{Routes: []string{"set.auth"}, Handler: setAuth},
		{Routes: []string{"set.cookie"}, Handler: setCookie},
		{Routes: []string{"set.cookies.clear"}, Handler: clearCookies},
		{Routes: []string{"set.viewport"}, Handler: setViewport},
		{Routes: []string{"set.useragent"}, Handler: setUserAgent},
		{Routes: []string{"set.zoom"}, Handler: setZoom},
	}
}

// setHeader adds a header sent with every later navigation. An empty value
// removes it.
func setHeader(s *Session, args ...any) error {
	if err := arity("set.header", args, 2, 2); err != nil {
		return err
	}
	s.Push("set.header", func(context.Context, *Session) error {
		name, err := resolveString("set.header", args[0])
		if err != nil {
			return err
		}
		value, err := resolveString("set.header", args[1])
		if err != nil {
			return err
		}
		s.hmu.Lock()
		defer s.hmu.Unlock()
		if value == "" {
			s.headers.Del(name)
		} else {
			s.headers.Set(name, value)
		}
		return nil
	})
	return nil
}

// setHeaders replaces every custom header.
func setHeaders(s *Session, args ...any) error {
	if err := arity("set.headers", args, 1, 1); err != nil {
		return err
	}
	var h http.Header
	switch v := args[0].(type) {
	case http.Header:
		h = v.Clone()
	case map[string]string:
		h = http.Header{}
		for k, val := range v {
			h.Set(k, val)
		}
	case map[string]any:
		h = http.Header{}
		for k, val := range v {
			str, err := resolveString("set.headers", val)
			if err != nil {
				return err
			}
			h.Set(k, str)
		}
	default:
		return errs.Newf(errs.KindConfiguration, "set.headers", "headers must be a map, got %T", args[0])
	}
	s.Push("set.headers", func(context.Context, *Session) error {
		s.hmu.Lock()
		s.headers = h.Clone()
		s.hmu.Unlock()
		return nil
	})
	return nil
}

// setAuth sends HTTP basic credentials with every later navigation.
func setAuth(s *Session, args ...any) error {
	if err := arity("set.auth", args, 2, 2); err != nil {
		return err
	}
	s.Push("set.auth", func(context.Context, *Session) error {
		user, err := resolveString("set.auth", args[0])
		if err != nil {
			return err
		}
		pass, err := resolveString("set.auth", args[1])
		if err != nil {
			return err
		}
		token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		s.hmu.Lock()
		s.headers.Set("Authorization", "Basic "+token)
		s.hmu.Unlock()
		return nil
	})
	return nil
}

// setCookie accepts a driver.Cookie, or a name and value.
func setCookie(s *Session, args ...any) error {
	if err := arity("set.cookie", args, 1, 2); err != nil {
		return err
	}
	if len(args) == 1 {
		if _, ok := args[0].(driver.Cookie); !ok {
			return errs.Newf(errs.KindConfiguration, "set.cookie", "expected driver.Cookie or name and value, got %T", args[0])
		}
	}
	s.pushPage("set.cookie", func(ctx context.Context, s *Session, p driver.Page) error {
		jar, err := driver.RequireCookieJar(s.drv)
		if err != nil {
			return err
		}
		var c driver.Cookie
		if len(args) == 1 {
			c = args[0].(driver.Cookie)
		} else {
			if c.Name, err = resolveString("set.cookie", args[0]); err != nil {
				return err
			}
			if c.Value, err = resolveString("set.cookie", args[1]); err != nil {
				return err
			}
		}
		return jar.SetCookies(ctx, p, []driver.Cookie{c})
	})
	return nil
}

func clearCookies(s *Session, args ...any) error {
	if err := arity("set.cookies.clear", args, 0, 0); err != nil {
		return err
	}
	s.pushPage("set.cookies.clear", func(ctx context.Context, s *Session, p driver.Page) error {
		jar, err := driver.RequireCookieJar(s.drv)
		if err != nil {
			return err
		}
		return jar.ClearCookies(ctx, p)
	})
	return nil
}

func setViewport(s *Session, args ...any) error {
	if err := arity("set.viewport", args, 2, 2); err != nil {
		return err
	}
	s.pushPage("set.viewport", func(ctx context.Context, s *Session, p driver.Page) error {
		vp, err := driver.RequireViewporter(s.drv)
		if err != nil {
			return err
		}
		w, err := resolveInt("set.viewport", args[0])
		if err != nil {
			return err
		}
		h, err := resolveInt("set.viewport", args[1])
		if err != nil {
			return err
		}
		if w <= 0 || h <= 0 {
			return errs.Newf(errs.KindConfiguration, "set.viewport", "invalid viewport %dx%d", w, h)
		}
		return vp.SetViewport(ctx, p, driver.Viewport{Width: w, Height: h})
	})
	return nil
}

func setUserAgent(s *Session, args ...any) error {
	if err := arity("set.useragent", args, 1, 1); err != nil {
		return err
	}
	s.pushPage("set.useragent", func(ctx context.Context, s *Session, p driver.Page) error {
		ua, err := driver.RequireUserAgenter(s.drv)
		if err != nil {
			return err
		}
		v, err := resolveString("set.useragent", args[0])
		if err != nil {
			return err
		}
		return ua.SetUserAgent(ctx, p, v)
	})
	return nil
}

func setZoom(s *Session, args ...any) error {
	if err := arity("set.zoom", args, 1, 1); err != nil {
		return err
	}
	s.pushPage("set.zoom", func(ctx context.Context, s *Session, p driver.Page) error {
		z, err := driver.RequireZoomer(s.drv)
		if err != nil {
			return err
		}
		f, err := resolveFloat("set.zoom", args[0])
		if err != nil {
			return err
		}
		if f <= 0 {
			return errs.Newf(errs.KindConfiguration, "set.zoom", "zoom factor must be positive, got %v", f)
		}
		return z.SetZoom(ctx, p, f)
	})
	return nil
}
