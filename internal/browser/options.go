// internal/browser/options.go
package browser

import (
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/mitchellh/go-homedir"

	"github.com/xkilldash9x/rubium/internal/browser/markup"
	"github.com/xkilldash9x/rubium/internal/browser/portpool"
	"github.com/xkilldash9x/rubium/internal/browser/process"
	"github.com/xkilldash9x/rubium/internal/browser/session"
	"github.com/xkilldash9x/rubium/internal/config"
)

const (
	defaultMaxTimeout   = 60 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	defaultCloseGrace   = 3 * time.Second
)

// PortAllocator hands out debugging ports.
type PortAllocator interface {
	Acquire() (int, error)
	Release(port int)
}

// ProcessSupervisor launches and signals browser processes.
type ProcessSupervisor interface {
	Spawn(path string, args []string) (*process.Process, error)
	Terminate(pid int) error
}

// MarkupParser answers presence queries against raw page markup.
type MarkupParser interface {
	HasXPath(markup, expr string) (bool, error)
	HasCSS(markup, selector string) (bool, error)
}

// Options configures a browser instance. Every restart relaunches from the same Options.
type Options struct {
	// ExecutablePath overrides executable discovery.
	ExecutablePath string
	Headless       bool
	// WindowSize is width and height; zero leaves the browser default.
	WindowSize [2]int

	// UserAgentFunc, when set, is called on every launch and wins over UserAgent.
	UserAgent     string
	UserAgentFunc func() string
	// ProxyServer is a URI or the colon form ip:port:type:user:password.
	// ProxyServerFunc, when set, is called on every launch and wins over ProxyServer.
	ProxyServer     string
	ProxyServerFunc func() string

	// ExtensionCode runs in every new document before page scripts.
	ExtensionCode string
	Cookies       []*network.CookieParam
	URLBlocklist  []string
	DisableImages bool

	// RestartAfter relaunches the browser once this many navigations were made. Zero disables it.
	RestartAfter int
	// MaxTimeout bounds a navigation wait unless the call sets its own.
	MaxTimeout time.Duration

	// DebuggingPort pins the port instead of drawing one from Ports.
	DebuggingPort int
	// DataDir is a caller-owned profile directory reused across restarts and never removed.
	DataDir   string
	ExtraArgs []string

	ConnectTimeout  time.Duration
	ConnectInterval time.Duration
	PollInterval    time.Duration
	CloseGrace      time.Duration

	// Collaborators; nil selects the process-wide defaults.
	Ports     PortAllocator
	Processes ProcessSupervisor
	Dial      session.DialFunc
	Markup    MarkupParser
}

// DefaultOptions returns headless options with the stock timings.
func DefaultOptions() Options {
	return Options{
		Headless:        true,
		MaxTimeout:      defaultMaxTimeout,
		ConnectTimeout:  session.DefaultConnectTimeout,
		ConnectInterval: session.DefaultConnectInterval,
		PollInterval:    defaultPollInterval,
		CloseGrace:      defaultCloseGrace,
	}
}

// OptionsFromConfig maps the browser and protocol configuration sections onto Options.
func OptionsFromConfig(b config.BrowserConfig, p config.ProtocolConfig) (Options, error) {
	opts := DefaultOptions()

	var err error
	if opts.ExecutablePath, err = homedir.Expand(b.ExecutablePath); err != nil {
		return Options{}, fmt.Errorf("%w: executable_path: %v", ErrConfiguration, err)
	}
	if opts.DataDir, err = homedir.Expand(b.DataDir); err != nil {
		return Options{}, fmt.Errorf("%w: data_dir: %v", ErrConfiguration, err)
	}
	if b.ExtensionFile != "" {
		path, err := homedir.Expand(b.ExtensionFile)
		if err != nil {
			return Options{}, fmt.Errorf("%w: extension_file: %v", ErrConfiguration, err)
		}
		code, err := os.ReadFile(path)
		if err != nil {
			return Options{}, fmt.Errorf("%w: failed to read extension file: %v", ErrConfiguration, err)
		}
		opts.ExtensionCode = string(code)
	}

	opts.Headless = b.Headless
	if len(b.WindowSize) == 2 {
		opts.WindowSize = [2]int{b.WindowSize[0], b.WindowSize[1]}
	}
	opts.UserAgent = b.UserAgent
	opts.ProxyServer = b.ProxyServer
	opts.URLBlocklist = append([]string(nil), b.URLBlocklist...)
	opts.DisableImages = b.DisableImages
	opts.RestartAfter = b.RestartAfter
	if b.MaxTimeout > 0 {
		opts.MaxTimeout = b.MaxTimeout
	}
	opts.DebuggingPort = b.DebuggingPort
	opts.ExtraArgs = append([]string(nil), b.Args...)

	for _, c := range b.Cookies {
		opts.Cookies = append(opts.Cookies, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			URL:      c.URL,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}

	if p.ConnectTimeout > 0 {
		opts.ConnectTimeout = p.ConnectTimeout
	}
	if p.ConnectInterval > 0 {
		opts.ConnectInterval = p.ConnectInterval
	}
	if p.PollInterval > 0 {
		opts.PollInterval = p.PollInterval
	}
	if p.CloseGrace >= 0 {
		opts.CloseGrace = p.CloseGrace
	}
	return opts, nil
}

// withDefaults fills unset timings and collaborators.
func (o Options) withDefaults() Options {
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = defaultMaxTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = session.DefaultConnectTimeout
	}
	if o.ConnectInterval <= 0 {
		o.ConnectInterval = session.DefaultConnectInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.CloseGrace < 0 {
		o.CloseGrace = 0
	}
	if o.Ports == nil {
		o.Ports = portpool.Default()
	}
	if o.Processes == nil {
		o.Processes = process.Default()
	}
	if o.Dial == nil {
		o.Dial = session.DialPage
	}
	if o.Markup == nil {
		o.Markup = markup.Parser{}
	}
	return o
}
