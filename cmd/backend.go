package cmd

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/internal/config"
	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/driver/bridge"
	"github.com/xkilldash9x/navchain/pkg/driver/cdp"
	"github.com/xkilldash9x/navchain/pkg/driver/rodriver"
	"github.com/xkilldash9x/navchain/pkg/driver/static"
)

// newDriver builds the configured backend. No engine is started here.
func newDriver(engine config.EngineConfig, logger *zap.Logger) (driver.Driver, error) {
	launch, err := engine.LaunchOptions()
	if err != nil {
		return nil, err
	}
	return backend(strings.ToLower(engine.Backend), launch, engine.Bridge, logger)
}

func backend(name string, launch driver.LaunchOptions, br config.BridgeConfig, logger *zap.Logger) (driver.Driver, error) {
	switch name {
	case config.BackendCDP:
		return cdp.New(cdp.WithLaunchOptions(launch), cdp.WithLogger(logger)), nil
	case config.BackendRod:
		return rodriver.New(rodriver.WithLaunchOptions(launch), rodriver.WithLogger(logger)), nil
	case config.BackendBridge:
		return bridge.New(bridge.WithConfig(bridge.Config{
			Command: br.Command,
			Args:    br.Args,
			Env:     br.Env,
			Launch:  launch,
		}), bridge.WithLogger(logger)), nil
	case config.BackendStatic:
		client, err := staticClient(launch)
		if err != nil {
			return nil, err
		}
		opts := []static.Option{static.WithClient(client), static.WithTimeout(launch.Timeout()), static.WithLogger(logger)}
		if launch.UserAgent != "" {
			opts = append(opts, static.WithUserAgent(launch.UserAgent))
		}
		return static.New(opts...), nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

// staticClient carries the proxy and certificate settings over to plain
// HTTP.
func staticClient(launch driver.LaunchOptions) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy := launch.Switches()["proxy-server"]; proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	if launch.IgnoreCertErrors {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via engine.ignore_ssl_errors
	}
	return &http.Client{Transport: transport}, nil
}
