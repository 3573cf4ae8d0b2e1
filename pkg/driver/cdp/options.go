package cdp

import (
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/pkg/driver"
)

// Option configures a Driver.
type Option func(*Driver)

func WithLaunchOptions(o driver.LaunchOptions) Option {
	return func(d *Driver) { d.cfg = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// execOptions builds the allocator flags. The defaults are spelled out
// rather than taken from chromedp.DefaultExecAllocatorOptions so that
// Headless can be switched off.
func execOptions(o driver.LaunchOptions) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("enable-automation", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("mute-audio", true),
	}
	if o.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if o.Bin != "" {
		opts = append(opts, chromedp.ExecPath(o.Bin))
	}
	if o.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(o.UserDataDir))
	}
	sw := o.Switches()
	for _, name := range driver.SwitchNames(sw) {
		if v := sw[name]; v != "" {
			opts = append(opts, chromedp.Flag(name, v))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}
