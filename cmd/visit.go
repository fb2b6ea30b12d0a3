// cmd/visit.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/rubium/internal/browser"
	"github.com/xkilldash9x/rubium/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// pageVisitor is the part of a browser instance the visit command drives.
type pageVisitor interface {
	Goto(ctx context.Context, url string, opts ...browser.GotoOption) error
	HasXPath(ctx context.Context, expr string, wait time.Duration) (bool, error)
	HasCSS(ctx context.Context, selector string, wait time.Duration) (bool, error)
	HasText(ctx context.Context, text string, wait time.Duration) (bool, error)
	Markup(ctx context.Context) (string, error)
	Close() error
}

type instanceFactory func(ctx context.Context, opts browser.Options, logger *zap.Logger) (pageVisitor, error)

func defaultInstanceFactory(ctx context.Context, opts browser.Options, logger *zap.Logger) (pageVisitor, error) {
	inst, err := browser.New(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

type visitFlags struct {
	xpath       string
	css         string
	text        string
	wait        time.Duration
	concurrency int
	rate        float64
	printMarkup bool

	executable   string
	proxy        string
	restartAfter int
	timeout      time.Duration
	headful      bool
}

// visitResult is printed as one JSON line per URL.
type visitResult struct {
	URL       string `json:"url"`
	XPath     *bool  `json:"xpath,omitempty"`
	CSS       *bool  `json:"css,omitempty"`
	Text      *bool  `json:"text,omitempty"`
	Markup    string `json:"markup,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func newVisitCmd(factory instanceFactory) *cobra.Command {
	var vf visitFlags

	visitCmd := &cobra.Command{
		Use:   "visit URL...",
		Short: "Navigate to each URL and report presence checks as JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			opts, err := browser.OptionsFromConfig(cfg.Browser(), cfg.Protocol())
			if err != nil {
				return err
			}
			applyVisitFlagOverrides(cmd, vf, &opts)

			return runVisit(ctx, cmd.OutOrStdout(), args, vf, opts, factory, observability.GetLogger())
		},
	}

	f := visitCmd.Flags()
	f.StringVar(&vf.xpath, "xpath", "", "report whether the page matches this XPath expression")
	f.StringVar(&vf.css, "css", "", "report whether the page matches this CSS selector")
	f.StringVar(&vf.text, "text", "", "report whether the page markup contains this text")
	f.DurationVar(&vf.wait, "wait", 0, "how long each presence check may poll")
	f.IntVarP(&vf.concurrency, "concurrency", "j", 1, "number of browser instances")
	f.Float64Var(&vf.rate, "rate", 0, "maximum navigations per second across all instances (0 is unlimited)")
	f.BoolVar(&vf.printMarkup, "print-markup", false, "include the page markup in each result")

	f.StringVar(&vf.executable, "executable", "", "browser executable (overrides browser.executable_path)")
	f.StringVar(&vf.proxy, "proxy", "", "proxy as a URI or ip:port:type:user:password")
	f.IntVar(&vf.restartAfter, "restart-after", 0, "restart each browser after this many navigations")
	f.DurationVar(&vf.timeout, "timeout", 0, "navigation timeout (overrides browser.max_timeout)")
	f.BoolVar(&vf.headful, "headful", false, "show the browser window")
	return visitCmd
}

// applyVisitFlagOverrides lets explicitly set flags win over config values.
func applyVisitFlagOverrides(cmd *cobra.Command, vf visitFlags, opts *browser.Options) {
	flags := cmd.Flags()
	if flags.Changed("executable") {
		opts.ExecutablePath = vf.executable
	}
	if flags.Changed("proxy") {
		opts.ProxyServer = vf.proxy
	}
	if flags.Changed("restart-after") {
		opts.RestartAfter = vf.restartAfter
	}
	if flags.Changed("timeout") {
		opts.MaxTimeout = vf.timeout
	}
	if flags.Changed("headful") {
		opts.Headless = !vf.headful
	}
}

// runVisit starts up to vf.concurrency instances and spreads urls across them.
// Per-URL failures are reported in the output; only startup failures and
// cancellation fail the run.
func runVisit(ctx context.Context, w io.Writer, urls []string, vf visitFlags, opts browser.Options, factory instanceFactory, logger *zap.Logger) error {
	n := vf.concurrency
	if n < 1 {
		n = 1
	}
	if n > len(urls) {
		n = len(urls)
	}

	instances := make([]pageVisitor, 0, n)
	defer func() {
		for _, inst := range instances {
			if err := inst.Close(); err != nil {
				logger.Warn("Failed to close browser instance.", zap.Error(err))
			}
		}
	}()
	for len(instances) < n {
		inst, err := factory(ctx, opts, logger)
		if err != nil {
			return fmt.Errorf("failed to start browser instance %d: %w", len(instances)+1, err)
		}
		instances = append(instances, inst)
	}
	logger.Info("Browser instances ready.", zap.Int("instances", n), zap.Int("urls", len(urls)))

	limit := rate.Inf
	if vf.rate > 0 {
		limit = rate.Limit(vf.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var mu sync.Mutex
	enc := json.NewEncoder(w)

	jobs := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, u := range urls {
			select {
			case jobs <- u:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for _, inst := range instances {
		g.Go(func() error {
			for u := range jobs {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				res := visitOne(gctx, inst, u, vf)
				if res.Error != "" {
					logger.Warn("Visit failed.", zap.String("url", u), zap.String("error", res.Error))
				}

				mu.Lock()
				err := enc.Encode(res)
				mu.Unlock()
				if err != nil {
					return fmt.Errorf("failed to write result: %w", err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func visitOne(ctx context.Context, inst pageVisitor, url string, vf visitFlags) visitResult {
	start := time.Now()
	res := visitResult{URL: url}

	if err := inst.Goto(ctx, url); err != nil {
		res.Error = err.Error()
		res.ElapsedMS = time.Since(start).Milliseconds()
		return res
	}

	checks := []struct {
		query string
		dst   **bool
		run   func(context.Context, string, time.Duration) (bool, error)
	}{
		{vf.xpath, &res.XPath, inst.HasXPath},
		{vf.css, &res.CSS, inst.HasCSS},
		{vf.text, &res.Text, inst.HasText},
	}
	for _, c := range checks {
		if c.query == "" {
			continue
		}
		ok, err := c.run(ctx, c.query, vf.wait)
		if err != nil {
			res.Error = err.Error()
			break
		}
		*c.dst = &ok
	}

	if vf.printMarkup && res.Error == "" {
		raw, err := inst.Markup(ctx)
		if err != nil {
			res.Error = err.Error()
		} else {
			res.Markup = raw
		}
	}
	res.ElapsedMS = time.Since(start).Milliseconds()
	return res
}
