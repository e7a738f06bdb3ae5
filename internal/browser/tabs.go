package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/neboloop/conductor/internal/authtoken"
	"github.com/neboloop/conductor/internal/logging"
)

const devtoolsOpTimeout = 10 * time.Second

// storageProbeJS checks localStorage before sessionStorage and returns
// the first non-empty value among the keys, in key order per store.
const storageProbeJS = `(() => {
	const keys = %s;
	for (const store of [window.localStorage, window.sessionStorage]) {
		for (const key of keys) {
			try {
				const value = store.getItem(key);
				if (value) return value;
			} catch (e) {}
		}
	}
	return "";
})()`

// Explorer enumerates and inspects tabs of the user's browser over the
// DevTools protocol. The connection is dialed lazily on first use and
// redialed after the browser restarts.
type Explorer struct {
	devtoolsURL string

	mu          sync.Mutex
	browserCtx  context.Context
	cancel      context.CancelFunc
	cancelAlloc context.CancelFunc
}

var _ authtoken.TabExplorer = (*Explorer)(nil)

func NewExplorer(devtoolsURL string) *Explorer {
	return &Explorer{devtoolsURL: devtoolsURL}
}

// ListTabs returns the browser's open page targets, newest first as
// DevTools reports them. Internal pages and extensions are skipped.
func (e *Explorer) ListTabs(ctx context.Context) ([]authtoken.Tab, error) {
	browserCtx, err := e.browser(ctx)
	if err != nil {
		return nil, err
	}
	opCtx, done := boundOp(ctx, browserCtx)
	defer done()

	infos, err := chromedp.Targets(opCtx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	now := time.Now()
	tabs := make([]authtoken.Tab, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" || !strings.HasPrefix(info.URL, "http") {
			continue
		}
		// DevTools has no last-focused timestamp; synthesize recency
		// from enumeration order so ranking stays stable.
		tabs = append(tabs, authtoken.Tab{
			ID:           string(info.TargetID),
			URL:          info.URL,
			Active:       len(tabs) == 0,
			LastAccessed: now.Add(-time.Duration(len(tabs)) * time.Second),
		})
	}
	return tabs, nil
}

// ReadStorage evaluates a storage probe in the tab and returns the first
// non-empty value for the keys, checking localStorage then
// sessionStorage. Empty string means no key was set.
func (e *Explorer) ReadStorage(ctx context.Context, tabID string, keys []string) (string, error) {
	if len(keys) == 0 {
		return "", nil
	}
	browserCtx, err := e.browser(ctx)
	if err != nil {
		return "", err
	}

	// Plain cancel detaches the session; the user's tab stays open.
	tabCtx, detach := chromedp.NewContext(browserCtx, chromedp.WithTargetID(target.ID(tabID)))
	defer detach()
	opCtx, done := boundOp(ctx, tabCtx)
	defer done()

	quoted, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("encode storage keys: %w", err)
	}
	var value string
	if err := chromedp.Run(opCtx, chromedp.Evaluate(fmt.Sprintf(storageProbeJS, quoted), &value)); err != nil {
		return "", fmt.Errorf("read storage on tab %s: %w", tabID, err)
	}
	return value, nil
}

// Close drops the DevTools connection. The next call redials.
func (e *Explorer) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
}

// browser returns a live connection context, dialing if the previous one
// is gone.
func (e *Explorer) browser(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browserCtx != nil && e.browserCtx.Err() == nil {
		return e.browserCtx, nil
	}
	e.teardownLocked()

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(context.Background(), e.devtoolsURL)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	probeCtx, done := boundOp(ctx, browserCtx)
	if _, err := chromedp.Targets(probeCtx); err != nil {
		done()
		cancel()
		cancelAlloc()
		return nil, fmt.Errorf("attach devtools %s: %w", e.devtoolsURL, err)
	}
	done()

	logging.Debugf("[browser] attached devtools at %s", e.devtoolsURL)
	e.browserCtx = browserCtx
	e.cancel = cancel
	e.cancelAlloc = cancelAlloc
	return browserCtx, nil
}

func (e *Explorer) teardownLocked() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.cancelAlloc != nil {
		e.cancelAlloc()
		e.cancelAlloc = nil
	}
	e.browserCtx = nil
}

// boundOp derives an operation context from the connection context while
// honoring the caller's cancellation and deadline.
func boundOp(caller, base context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(base, devtoolsOpTimeout)
	stop := context.AfterFunc(caller, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}
