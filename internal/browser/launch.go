// internal/browser/launch.go
package browser

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// executableCandidates are probed on PATH, in order, when no path is configured.
var executableCandidates = []string{"chromium-browser", "google-chrome", "chromium", "google-chrome-stable"}

// baselineFlags suppress background work, first-run UI and prompts.
var baselineFlags = []string{
	"--disable-background-networking",
	"--disable-background-timer-throttling",
	"--disable-backgrounding-occluded-windows",
	"--disable-breakpad",
	"--disable-client-side-phishing-detection",
	"--disable-default-apps",
	"--disable-dev-shm-usage",
	"--disable-extensions",
	"--disable-features=site-per-process",
	"--disable-hang-monitor",
	"--disable-ipc-flooding-protection",
	"--disable-popup-blocking",
	"--disable-prompt-on-repost",
	"--disable-renderer-backgrounding",
	"--disable-sync",
	"--disable-translate",
	"--metrics-recording-only",
	"--no-first-run",
	"--safebrowsing-disable-auto-update",
	"--enable-automation",
	"--password-store=basic",
	"--use-mock-keychain",
	"--hide-scrollbars",
	"--mute-audio",
	"--no-sandbox",
	"--disable-infobars",
}

// imageExtensions are blocked when images are disabled.
var imageExtensions = []string{"jpg", "jpeg", "png", "gif", "svg", "webp", "ico", "bmp"}

// headlessEnv forces a visible window when set to "false".
const headlessEnv = "HEADLESS"

func resolveExecutable(configured string) (string, error) {
	if configured != "" {
		path, err := exec.LookPath(configured)
		if err != nil {
			return "", fmt.Errorf("%w: browser executable %q is not usable: %v", ErrConfiguration, configured, err)
		}
		return path, nil
	}
	for _, name := range executableCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: can't find a browser executable (tried %s)", ErrConfiguration, strings.Join(executableCandidates, ", "))
}

// proxySetting is a parsed proxy option.
type proxySetting struct {
	URI      string
	Username string
	Password string
}

// parseProxy accepts either a URI or the colon form ip:port:type:user:password.
// Credentials are kept on the result but never written into the URI.
func parseProxy(raw string) (proxySetting, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return proxySetting{}, fmt.Errorf("%w: empty proxy server", ErrConfiguration)
	}
	if strings.Contains(raw, "://") {
		return proxySetting{URI: raw}, nil
	}

	parts := strings.Split(raw, ":")
	if len(parts) < 2 || parts[0] == "" {
		return proxySetting{}, fmt.Errorf("%w: proxy %q is not ip:port[:type[:user:password]]", ErrConfiguration, raw)
	}
	if _, err := strconv.ParseUint(parts[1], 10, 16); err != nil {
		return proxySetting{}, fmt.Errorf("%w: proxy %q has an invalid port", ErrConfiguration, raw)
	}

	scheme := "http"
	if len(parts) > 2 && parts[2] != "" {
		scheme = strings.ToLower(parts[2])
	}
	p := proxySetting{URI: fmt.Sprintf("%s://%s:%s", scheme, parts[0], parts[1])}
	if len(parts) > 3 {
		p.Username = parts[3]
	}
	if len(parts) > 4 {
		// Passwords may themselves contain colons.
		p.Password = strings.Join(parts[4:], ":")
	}
	return p, nil
}

func (p proxySetting) hasCredentials() bool { return p.Username != "" || p.Password != "" }

// headless reports whether the launch should be headless after the environment override.
func headless(requested bool) bool {
	return requested && os.Getenv(headlessEnv) != "false"
}

// launchPlan is everything resolved for one launch.
type launchPlan struct {
	args      []string
	userAgent string
	proxy     proxySetting
}

// planLaunch composes the argument list, evaluating the user agent and proxy providers.
func planLaunch(opts Options, port int, dataDir string, logger *zap.Logger) (launchPlan, error) {
	plan := launchPlan{}
	args := []string{
		"about:blank",
		fmt.Sprintf("--remote-debugging-port=%d", port),
		fmt.Sprintf("--user-data-dir=%s", dataDir),
	}
	args = append(args, baselineFlags...)

	if headless(opts.Headless) {
		args = append(args, "--headless")
	}
	if opts.WindowSize[0] > 0 && opts.WindowSize[1] > 0 {
		args = append(args, fmt.Sprintf("--window-size=%d,%d", opts.WindowSize[0], opts.WindowSize[1]))
	}

	plan.userAgent = opts.UserAgent
	if opts.UserAgentFunc != nil {
		plan.userAgent = opts.UserAgentFunc()
	}
	if plan.userAgent != "" {
		logger.Info("Enabled user agent.", zap.String("user_agent", plan.userAgent))
		args = append(args, "--user-agent="+plan.userAgent)
	}

	rawProxy := opts.ProxyServer
	if opts.ProxyServerFunc != nil {
		rawProxy = opts.ProxyServerFunc()
	}
	if rawProxy != "" {
		proxy, err := parseProxy(rawProxy)
		if err != nil {
			return launchPlan{}, err
		}
		plan.proxy = proxy
		logger.Info("Enabled proxy server.", zap.String("proxy_server", proxy.URI))
		if proxy.hasCredentials() {
			logger.Warn("Proxy credentials are not forwarded to the browser; requests through an authenticating proxy may fail.",
				zap.String("proxy_server", proxy.URI), zap.String("username", proxy.Username))
		}
		args = append(args, "--proxy-server="+proxy.URI)
	}

	plan.args = append(args, opts.ExtraArgs...)
	return plan, nil
}

// blockedURLs merges the explicit block-list with the image patterns.
func blockedURLs(opts Options) []string {
	urls := append([]string(nil), opts.URLBlocklist...)
	if opts.DisableImages {
		for _, ext := range imageExtensions {
			urls = append(urls, "*."+ext, "*."+ext+"?*")
		}
		urls = append(urls, "data:image*")
	}
	return urls
}
