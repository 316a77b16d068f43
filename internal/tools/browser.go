package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"

	"github.com/andrey/deskpilot/internal/task"
)

// BrowserTool drives a browser session through chromedp. The session
// survives across invocations so later steps can build on earlier
// navigation; 'close' tears it down.
type BrowserTool struct {
	Headless     bool
	ArtifactsDir string

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowserTool(headless bool, artifactsDir string) *BrowserTool {
	if artifactsDir == "" {
		artifactsDir = "screenshots"
	}
	return &BrowserTool{Headless: headless, ArtifactsDir: artifactsDir}
}

func (b *BrowserTool) Descriptor() Descriptor {
	return Descriptor{
		Name:        "browser.act",
		Description: "Control a browser to interact with websites. The session remains open until 'close'. Actions: 'navigate', 'click', 'content', 'type', 'press', 'scroll', 'wait', 'back', 'forward', 'reload', 'screenshot', 'close'.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": []string{
						"navigate", "click", "content", "type", "press",
						"scroll", "wait", "back", "forward", "reload",
						"screenshot", "close",
					},
					"description": "The action to perform.",
				},
				"url": map[string]any{
					"type":        "string",
					"description": "The URL to navigate to (required for 'navigate')",
				},
				"selector": map[string]any{
					"type":        "string",
					"description": "CSS selector for the target element (for 'click', 'type', 'scroll', 'wait')",
				},
				"text": map[string]any{
					"type":        "string",
					"description": "The text to type or key to press (for 'type', 'press')",
				},
				"wait_seconds": map[string]any{
					"type":        "integer",
					"description": "Time to wait in seconds (used with 'wait')",
				},
			},
			"required": []string{"action"},
		},
		Risk:       task.RiskSensitive,
		Idempotent: false,
		Timeout:    90 * time.Second,
	}
}

func (b *BrowserTool) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *BrowserTool) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close shuts the session down; used at process exit.
func (b *BrowserTool) Close() {
	b.mu.Lock()
	b.cleanup()
	b.mu.Unlock()
}

func (b *BrowserTool) Invoke(ctx context.Context, input map[string]any) (Envelope, error) {
	var args struct {
		Action      string `json:"action"`
		URL         string `json:"url"`
		Selector    string `json:"selector"`
		Text        string `json:"text"`
		WaitSeconds int    `json:"wait_seconds"`
	}
	if err := decodeArgs(input, &args); err != nil {
		return Fail("%v", err), nil
	}

	if args.Action == "close" {
		b.Close()
		return Ok("Successfully closed the browser."), nil
	}

	if err := b.initBrowser(); err != nil {
		return Fail("failed to initialize browser: %v", err), nil
	}

	// The session context outlives the invocation; the invocation's
	// deadline still applies to this one action.
	actionCtx, cancel := context.WithCancel(b.browserCtx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		actionCtx, cancel = context.WithDeadline(actionCtx, dl)
		defer cancel()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-actionCtx.Done():
		}
	}()

	var result string
	var err error

	switch args.Action {
	case "navigate":
		if args.URL == "" {
			return Fail("url is required for 'navigate'"), nil
		}
		err = chromedp.Run(actionCtx, chromedp.Navigate(args.URL))
		result = fmt.Sprintf("Successfully navigated to %s", args.URL)

	case "content":
		var html string
		err = chromedp.Run(actionCtx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				node, err := dom.GetDocument().Do(ctx)
				if err != nil {
					return err
				}
				html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
				return err
			}),
		)
		if len(html) > 50000 {
			html = html[:50000] + "\n... (truncated)"
		}
		result = html

	case "click":
		if args.Selector == "" {
			return Fail("selector required"), nil
		}
		err = chromedp.Run(actionCtx, chromedp.Click(args.Selector, chromedp.ByQuery))
		result = fmt.Sprintf("Clicked %s", args.Selector)

	case "type":
		if args.Selector == "" || args.Text == "" {
			return Fail("selector and text required"), nil
		}
		err = chromedp.Run(actionCtx, chromedp.SendKeys(args.Selector, args.Text, chromedp.ByQuery))
		result = fmt.Sprintf("Typed text in %s", args.Selector)

	case "press":
		if args.Text == "" {
			return Fail("text (key) required"), nil
		}
		err = chromedp.Run(actionCtx, chromedp.KeyEvent(args.Text))
		result = fmt.Sprintf("Pressed key: %s", args.Text)

	case "scroll":
		if args.Selector != "" {
			err = chromedp.Run(actionCtx, chromedp.ScrollIntoView(args.Selector, chromedp.ByQuery))
			result = fmt.Sprintf("Scrolled to %s", args.Selector)
		} else {
			err = chromedp.Run(actionCtx, chromedp.Evaluate("window.scrollTo(0, document.body.scrollHeight)", nil))
			result = "Scrolled to bottom"
		}

	case "wait":
		if args.Selector != "" {
			err = chromedp.Run(actionCtx, chromedp.WaitVisible(args.Selector, chromedp.ByQuery))
			result = fmt.Sprintf("Finished waiting for %s", args.Selector)
		} else if args.WaitSeconds > 0 {
			select {
			case <-time.After(time.Duration(args.WaitSeconds) * time.Second):
				result = fmt.Sprintf("Waited for %d seconds", args.WaitSeconds)
			case <-actionCtx.Done():
				err = actionCtx.Err()
			}
		} else {
			result = "Nothing to wait for"
		}

	case "back":
		err = chromedp.Run(actionCtx, chromedp.NavigateBack())
		result = "Navigated back"

	case "forward":
		err = chromedp.Run(actionCtx, chromedp.NavigateForward())
		result = "Navigated forward"

	case "reload":
		err = chromedp.Run(actionCtx, chromedp.Reload())
		result = "Page reloaded"

	case "screenshot":
		var buf []byte
		err = chromedp.Run(actionCtx, chromedp.CaptureScreenshot(&buf))
		if err == nil {
			if mkErr := os.MkdirAll(b.ArtifactsDir, 0755); mkErr != nil {
				return Fail("failed to create artifacts dir: %v", mkErr), nil
			}
			path := filepath.Join(b.ArtifactsDir, fmt.Sprintf("browser_%d.png", time.Now().UnixNano()))
			if err = os.WriteFile(path, buf, 0644); err == nil {
				absPath, _ := filepath.Abs(path)
				return Envelope{
					Success:     true,
					Payload:     fmt.Sprintf("Screenshot saved to %s", absPath),
					ArtifactRef: absPath,
				}, nil
			}
		}

	default:
		return Fail("invalid action %q", args.Action), nil
	}

	if err != nil {
		return Fail("browser action failed: %v", err), nil
	}
	return Ok(result), nil
}
