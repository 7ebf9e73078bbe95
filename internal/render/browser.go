package render

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/models"
)

// Browser owns one headless Chrome process; page contexts are created per
// scan and torn down with it. On context failures the whole browser is
// recycled once before the job is declared failed.
type Browser struct {
	mu          sync.Mutex
	allocCtx    context.Context
	allocStop   context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	log         *logger.Logger
}

// NewBrowser launches the headless browser process.
func NewBrowser(ctx context.Context, log *logger.Logger) (*Browser, error) {
	b := &Browser{log: log}
	if err := b.launch(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Browser) launch(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(fetchUserAgent),
	)
	b.allocCtx, b.allocStop = chromedp.NewExecAllocator(ctx, opts...)
	b.browserCtx, b.browserStop = chromedp.NewContext(b.allocCtx)

	// starts the browser process eagerly so launch failures surface here
	return chromedp.Run(b.browserCtx)
}

// NewPage returns an isolated tab context.
func (b *Browser) NewPage() (context.Context, context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return chromedp.NewContext(b.browserCtx)
}

// Recycle tears the browser down and relaunches it.
func (b *Browser) Recycle(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log.Warn("recycling browser process")
	b.browserStop()
	b.allocStop()
	return b.launch(ctx)
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.browserStop()
	b.allocStop()
}

// IsContextFailure reports whether an error indicates a dead browser or tab,
// which warrants a recycle-and-retry.
func IsContextFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"page has been closed",
		"context canceled",
		"browser has been closed",
		"websocket url timeout",
		"target closed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// pageCapture is what one rendered page yields.
type pageCapture struct {
	FinalURL        string
	HTML            string
	ResponseHeaders map[string]string
	InlineScripts   []models.InlineScript
	ExternalScripts []models.ExternalScript
	Network         []models.NetworkResource
	Links           []string
}

// extractScriptsJS pulls scripts and same-origin links out of the live DOM.
const extractScriptsJS = `(() => {
	const inline = [], external = [], links = [];
	for (const s of document.querySelectorAll('script')) {
		const attrs = {};
		for (const a of s.attributes) attrs[a.name] = a.value;
		if (s.src) {
			external.push({src: s.src, attrs});
		} else if (s.textContent && s.textContent.trim()) {
			inline.push({content: s.textContent, attrs});
		}
	}
	for (const a of document.querySelectorAll('a[href]')) {
		try {
			const u = new URL(a.href, location.href);
			if (u.origin === location.origin) links.push(u.href);
		} catch (e) {}
	}
	return {inline, external, links};
})()`

type extractedScripts struct {
	Inline []struct {
		Content string            `json:"content"`
		Attrs   map[string]string `json:"attrs"`
	} `json:"inline"`
	External []struct {
		Src   string            `json:"src"`
		Attrs map[string]string `json:"attrs"`
	} `json:"external"`
	Links []string `json:"links"`
}

// headerOverrides converts per-scan extra headers into the CDP shape.
func headerOverrides(params models.ScanParameters) network.Headers {
	if len(params.Headers) == 0 {
		return nil
	}
	hdrs := make(network.Headers, len(params.Headers))
	for k, v := range params.Headers {
		hdrs[k] = v
	}
	return hdrs
}

// renderPage navigates one tab to the URL and captures DOM, scripts, headers
// and network traffic. Per-scan userAgent and extra headers are applied to
// the tab before navigation.
func (b *Browser) renderPage(parent context.Context, rawURL string, params models.ScanParameters) (*pageCapture, error) {
	pageCtx, cancelPage := b.NewPage()
	defer cancelPage()

	timeout := 60 * time.Second
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Second
	}
	pageCtx, cancelTimeout := context.WithTimeout(pageCtx, timeout)
	defer cancelTimeout()

	capture := &pageCapture{ResponseHeaders: make(map[string]string)}
	var (
		captureMu sync.Mutex
		started   = make(map[network.RequestID]time.Time)
	)

	chromedp.ListenTarget(pageCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			captureMu.Lock()
			started[e.RequestID] = time.Now()
			captureMu.Unlock()
		case *network.EventResponseReceived:
			captureMu.Lock()
			defer captureMu.Unlock()

			res := models.NetworkResource{
				URL:        e.Response.URL,
				Type:       string(e.Type),
				StatusCode: int(e.Response.Status),
			}
			if t, ok := started[e.RequestID]; ok {
				res.DurationMs = time.Since(t).Milliseconds()
			}
			headers := make(map[string]string, len(e.Response.Headers))
			for k, v := range e.Response.Headers {
				if s, ok := v.(string); ok {
					headers[strings.ToLower(k)] = s
				}
			}
			res.Headers = headers
			capture.Network = append(capture.Network, res)

			if e.Type == network.ResourceTypeDocument && len(capture.ResponseHeaders) == 0 {
				capture.ResponseHeaders = headers
			}
		}
	})

	var extracted extractedScripts
	tasks := chromedp.Tasks{network.Enable()}
	if hdrs := headerOverrides(params); hdrs != nil {
		tasks = append(tasks, network.SetExtraHTTPHeaders(hdrs))
	}
	if params.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(params.UserAgent))
	}
	tasks = append(tasks,
		chromedp.Navigate(rawURL),
		chromedp.Sleep(2*time.Second), // let late script injection settle
		chromedp.Location(&capture.FinalURL),
		chromedp.OuterHTML("html", &capture.HTML),
		chromedp.Evaluate(extractScriptsJS, &extracted),
	)
	if err := chromedp.Run(pageCtx, tasks); err != nil {
		return nil, err
	}

	for _, s := range extracted.Inline {
		capture.InlineScripts = append(capture.InlineScripts, models.InlineScript{
			Content:    s.Content,
			Attributes: s.Attrs,
			PageURL:    capture.FinalURL,
		})
	}
	for _, s := range extracted.External {
		capture.ExternalScripts = append(capture.ExternalScripts, models.ExternalScript{
			SourceURL:  s.Src,
			Attributes: s.Attrs,
			PageURL:    capture.FinalURL,
		})
	}
	capture.Links = extracted.Links
	return capture, nil
}
