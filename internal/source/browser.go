package source

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// Browser renders a client-side page and returns its visible text. The
// composite adapter depends on this interface so tests can substitute a
// canned renderer.
type Browser interface {
	Text(ctx context.Context, url string) (string, error)
	Close() error
}

// BrowserConfig configures the chromedp-backed renderer.
type BrowserConfig struct {
	Timeout     time.Duration // whole-navigation budget per call
	RenderDelay time.Duration // settle time after the DOM is ready
	Headless    bool
}

// ChromeBrowser runs a headless Chrome via chromedp. The exec allocator is
// created once and cached; each Text call opens its own tab context and
// cancels it on every exit path. Calls are serialized: the handle is shared
// between the collector loop and the probe command.
type ChromeBrowser struct {
	mu        sync.Mutex
	cfg       BrowserConfig
	allocCtx  context.Context
	allocStop context.CancelFunc
	log       zerolog.Logger
}

func NewChromeBrowser(cfg BrowserConfig, logger zerolog.Logger) *ChromeBrowser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RenderDelay <= 0 {
		cfg.RenderDelay = 2 * time.Second
	}
	return &ChromeBrowser{
		cfg: cfg,
		log: logger.With().Str("component", "source_browser").Logger(),
	}
}

// ensureAllocator lazily starts the exec allocator. Callers hold b.mu.
func (b *ChromeBrowser) ensureAllocator() context.Context {
	if b.allocCtx == nil {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", b.cfg.Headless),
			chromedp.NoSandbox,
			chromedp.DisableGPU,
		)
		b.allocCtx, b.allocStop = chromedp.NewExecAllocator(context.Background(), opts...)
		b.log.Debug().Bool("headless", b.cfg.Headless).Msg("browser allocator started")
	}
	return b.allocCtx
}

func (b *ChromeBrowser) Text(ctx context.Context, url string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tab, cancelTab := chromedp.NewContext(b.ensureAllocator())
	defer cancelTab()
	tab, cancelTimeout := context.WithTimeout(tab, b.cfg.Timeout)
	defer cancelTimeout()

	// The tab descends from the allocator, not the caller, so bridge the
	// caller's cancellation explicitly.
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	start := time.Now()
	var text string
	err := chromedp.Run(tab,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.cfg.RenderDelay),
		chromedp.Evaluate(`document.body.innerText`, &text),
	)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return "", err
	}
	b.log.Debug().Str("url", url).Int("chars", len(text)).Dur("duration", time.Since(start)).Msg("page rendered")
	return text, nil
}

// Close tears down the cached allocator and the Chrome process with it.
func (b *ChromeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allocStop != nil {
		b.allocStop()
		b.allocCtx, b.allocStop = nil, nil
	}
	return nil
}
