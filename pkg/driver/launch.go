package driver

import (
	"sort"
	"strings"
	"time"
)

// DefaultStartTimeout bounds engine startup when LaunchOptions leaves it
// unset.
const DefaultStartTimeout = 30 * time.Second

// LaunchOptions configure a browser process. Browser backends translate
// Switches into their launcher's flag type.
type LaunchOptions struct {
	// Bin is the browser executable. Empty lets the backend locate one.
	Bin      string
	Headless bool
	// LoadImages false adds the switch that blocks image loading.
	LoadImages       bool
	IgnoreCertErrors bool
	// WebSecurity false disables same-origin enforcement.
	WebSecurity bool
	// Proxy is host:port. ProxyType is a scheme such as http or socks5;
	// empty means http.
	Proxy     string
	ProxyType string
	UserAgent string
	// UserDataDir isolates the profile. Empty uses a temporary one.
	UserDataDir  string
	StartTimeout time.Duration
	// MaxPages caps concurrently open pages. Zero means no cap.
	MaxPages int
	// Args are extra switches, "name" or "name=value", dashes optional.
	Args []string
}

// DefaultLaunchOptions is headless with images and web security on.
func DefaultLaunchOptions() LaunchOptions {
	return LaunchOptions{
		Headless:     true,
		LoadImages:   true,
		WebSecurity:  true,
		StartTimeout: DefaultStartTimeout,
	}
}

// Timeout returns StartTimeout or the default.
func (o LaunchOptions) Timeout() time.Duration {
	if o.StartTimeout <= 0 {
		return DefaultStartTimeout
	}
	return o.StartTimeout
}

// Switches returns the Chromium command-line switches implied by o,
// without leading dashes. Boolean switches map to "". Headless, Bin and
// UserDataDir are left to the launcher.
func (o LaunchOptions) Switches() map[string]string {
	sw := map[string]string{}
	if !o.LoadImages {
		sw["blink-settings"] = "imagesEnabled=false"
	}
	if o.IgnoreCertErrors {
		sw["ignore-certificate-errors"] = ""
	}
	if !o.WebSecurity {
		sw["disable-web-security"] = ""
	}
	if o.Proxy != "" {
		scheme := o.ProxyType
		if scheme == "" {
			scheme = "http"
		}
		sw["proxy-server"] = scheme + "://" + o.Proxy
	}
	if o.UserAgent != "" {
		sw["user-agent"] = o.UserAgent
	}
	for _, arg := range o.Args {
		arg = strings.TrimLeft(arg, "-")
		if arg == "" {
			continue
		}
		key, value, _ := strings.Cut(arg, "=")
		sw[key] = value
	}
	return sw
}

// SwitchNames returns the keys of sw in order, for stable command lines.
func SwitchNames(sw map[string]string) []string {
	names := make([]string, 0, len(sw))
	for k := range sw {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
