package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/npasecink/chatling/internal/browser"
)

var scriptBlock = regexp.MustCompile(`(?is)<script\b.*?</script>`)

const snapshotTimeout = 15 * time.Second

// captureSnapshot writes a forensic screenshot and a sanitized DOM dump next
// to the task's output artifact. Failures here are reported but never fatal:
// the snapshot is evidence, not part of the task outcome.
func captureSnapshot(sess *browser.Session, dir, taskID string) error {
	if sess == nil || sess.Page == nil || !sess.Alive() {
		return fmt.Errorf("no live page to snapshot")
	}

	ctx, cancel := context.WithTimeout(sess.Page, snapshotTimeout)
	defer cancel()

	var (
		shot []byte
		dom  string
	)
	err := chromedp.Run(ctx,
		chromedp.CaptureScreenshot(&shot),
		chromedp.Evaluate(`document.documentElement.outerHTML`, &dom),
	)
	if err != nil {
		return fmt.Errorf("capture snapshot: %w", err)
	}

	// Script bodies are noise and can hold session tokens; strip them before
	// anything touches disk.
	sanitized := scriptBlock.ReplaceAllString(dom, "<script></script>")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := filepath.Join(dir, taskID+".failure")
	if err := os.WriteFile(base+".png", shot, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(base+".html", []byte(sanitized), 0o644); err != nil {
		return err
	}
	return nil
}
