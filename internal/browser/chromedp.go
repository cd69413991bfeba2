package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"xhs-toolkit/internal/config"
	"xhs-toolkit/internal/cookiestore"
	"xhs-toolkit/internal/platform"
	"xhs-toolkit/pkg/types"
)

// Driver implements Backend with chromedp.
type Driver struct {
	cfg    config.BrowserConfig
	pacer  *platform.Pacer
	logger *slog.Logger
}

// NewDriver constructs a chromedp-backed driver.
func NewDriver(cfg config.BrowserConfig, pacer *platform.Pacer, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, pacer: pacer, logger: logger}
}

// session spins up a fresh Chrome instance and returns its context. The
// cleanup funcs must be deferred in reverse order by the caller.
func (d *Driver) session(ctx context.Context, headless bool) (context.Context, context.CancelFunc) {
	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	}
	if ua := strings.TrimSpace(d.cfg.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOpts...)
	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		chromeCancel()
		allocCancel()
	}
	return chromeCtx, cancel
}

// Login opens a visible browser at the login page and waits for the user to
// complete the QR scan, then captures the resulting cookies.
func (d *Driver) Login(ctx context.Context) (cookiestore.Jar, error) {
	if err := d.pace(ctx); err != nil {
		return cookiestore.Jar{}, err
	}

	// Login is interactive, so headless is forced off regardless of config.
	chromeCtx, cancel := d.session(ctx, false)
	defer cancel()

	if err := chromedp.Run(chromeCtx, chromedp.Navigate(platform.LoginPageURL)); err != nil {
		return cookiestore.Jar{}, fmt.Errorf("open login page: %w", err)
	}
	d.logger.Info("waiting for QR code scan", "url", platform.LoginPageURL)

	if err := d.waitForLogin(chromeCtx); err != nil {
		return cookiestore.Jar{}, err
	}

	jar, err := d.collectCookies(chromeCtx)
	if err != nil {
		return cookiestore.Jar{}, err
	}
	if jar.Empty() {
		return cookiestore.Jar{}, fmt.Errorf("login finished but no cookies captured")
	}
	d.logger.Info("login captured", "cookies", len(jar.Cookies))
	return jar, nil
}

// waitForLogin polls until the session cookie shows up or the context ends.
func (d *Driver) waitForLogin(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("login not completed: %w", ctx.Err())
		case <-ticker.C:
		}
		var loggedIn bool
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := network.GetCookies().Do(ctx)
			if err != nil {
				return err
			}
			for _, c := range cookies {
				if c.Name == "web_session" && c.Value != "" {
					loggedIn = true
					return nil
				}
			}
			return nil
		}))
		if err != nil {
			return fmt.Errorf("poll login state: %w", err)
		}
		if loggedIn {
			return nil
		}
	}
}

func (d *Driver) collectCookies(ctx context.Context) (cookiestore.Jar, error) {
	jar := cookiestore.Jar{SavedAt: time.Now()}
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			jar.Cookies = append(jar.Cookies, cookiestore.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
			})
		}
		return nil
	}))
	if err != nil {
		return cookiestore.Jar{}, fmt.Errorf("collect cookies: %w", err)
	}
	return jar, nil
}

// CheckSession loads the creator center with the jar installed and reports
// whether the site kept us there instead of bouncing to the login page.
func (d *Driver) CheckSession(ctx context.Context, jar cookiestore.Jar) (bool, error) {
	if jar.Empty() {
		return false, nil
	}
	if err := d.pace(ctx); err != nil {
		return false, err
	}

	checkCtx, cancelTimeout := context.WithTimeout(ctx, d.navTimeout())
	defer cancelTimeout()
	chromeCtx, cancel := d.session(checkCtx, !d.cfg.DisableHeadless)
	defer cancel()

	var location string
	err := chromedp.Run(chromeCtx,
		installCookies(jar.Cookies),
		chromedp.Navigate(platform.CreatorCenterURL),
		chromedp.Sleep(d.actionDelay()),
		chromedp.Location(&location),
	)
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return !strings.Contains(location, "login"), nil
}

// Publish drives the full note publication flow and returns the published
// note's URL when the site redirects after submission.
func (d *Driver) Publish(ctx context.Context, jar cookiestore.Jar, note types.NoteContent, media StagedMedia, progress StageFunc) (types.PublishResult, error) {
	if progress == nil {
		progress = func(Stage) {}
	}
	if err := d.pace(ctx); err != nil {
		return types.PublishResult{}, err
	}

	chromeCtx, cancel := d.session(ctx, !d.cfg.DisableHeadless)
	defer cancel()

	var location string
	if err := chromedp.Run(chromeCtx,
		installCookies(jar.Cookies),
		chromedp.Navigate(platform.PublishPageURL),
		chromedp.WaitVisible(platform.CreatorTabSelector, chromedp.ByQuery),
		chromedp.Sleep(d.actionDelay()),
		chromedp.Location(&location),
	); err != nil {
		return types.PublishResult{}, fmt.Errorf("open publish page: %w", err)
	}
	if strings.Contains(location, "login") {
		return types.PublishResult{}, ErrSessionExpired
	}

	progress(StageUploading)
	if media.HasVideo() {
		if err := d.uploadVideo(chromeCtx, media.VideoPath); err != nil {
			return types.PublishResult{}, err
		}
	} else if len(media.ImagePaths) > 0 {
		if err := d.uploadImages(chromeCtx, media.ImagePaths); err != nil {
			return types.PublishResult{}, err
		}
	}

	if err := d.fillNote(chromeCtx, note); err != nil {
		return types.PublishResult{}, err
	}

	if note.IsCommercial {
		// Best effort. The goods declaration UI is only present for
		// accounts enrolled in the program.
		if err := d.markCommercial(chromeCtx); err != nil {
			d.logger.Warn("commercial declaration skipped", "error", err)
		}
	}

	progress(StageSubmitting)
	result, err := d.submit(chromeCtx, note)
	if err != nil {
		return types.PublishResult{}, err
	}
	return result, nil
}

func (d *Driver) uploadImages(ctx context.Context, paths []string) error {
	if err := clickTabByText(ctx, platform.ImageTabText); err != nil {
		return fmt.Errorf("switch to image tab: %w", err)
	}
	if err := d.sendFiles(ctx, paths); err != nil {
		return fmt.Errorf("stage images: %w", err)
	}
	// Give the uploader time to process thumbnails before we touch the form.
	return chromedp.Run(ctx, chromedp.Sleep(d.actionDelay()))
}

func (d *Driver) uploadVideo(ctx context.Context, path string) error {
	if err := clickTabByText(ctx, platform.VideoTabText); err != nil {
		return fmt.Errorf("switch to video tab: %w", err)
	}
	if err := d.sendFiles(ctx, []string{path}); err != nil {
		return fmt.Errorf("stage video: %w", err)
	}
	timeout := d.cfg.VideoUploadTimeout.Duration
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if err := waitForText(ctx, platform.UploadSuccessText, timeout); err != nil {
		return fmt.Errorf("video upload did not finish: %w", err)
	}
	return nil
}

// sendFiles tries each known file-input selector until one accepts the paths.
func (d *Driver) sendFiles(ctx context.Context, paths []string) error {
	var lastErr error
	for _, sel := range platform.FileUploadSelectors {
		tryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := chromedp.Run(tryCtx, chromedp.SetUploadFiles(sel, paths, chromedp.ByQuery))
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("no file input matched: %w", lastErr)
}

func (d *Driver) fillNote(ctx context.Context, note types.NoteContent) error {
	if note.Title != "" {
		if err := fillFirst(ctx, platform.TitleInputSelectors, note.Title); err != nil {
			return fmt.Errorf("fill title: %w", err)
		}
	}

	body := note.Content
	if err := fillFirst(ctx, platform.ContentEditorSelectors, body); err != nil {
		return fmt.Errorf("fill content: %w", err)
	}

	// Topics are typed into the editor as "#topic " so the page turns them
	// into real tag entities.
	for _, topic := range note.Topics {
		if err := typeIntoEditor(ctx, "\n#"+topic+" "); err != nil {
			d.logger.Warn("topic entry failed", "topic", topic, "error", err)
		}
		if err := chromedp.Run(ctx, chromedp.Sleep(300*time.Millisecond)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) markCommercial(ctx context.Context) error {
	steps := []struct {
		name string
		sel  string
	}{
		{"open declaration", platform.CommercialDropdownSelector},
		{"add goods entry", platform.CommercialAddSelector},
		{"tick checkbox", platform.CommercialCheckboxSelector},
	}
	for _, step := range steps {
		tryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := chromedp.Run(tryCtx,
			chromedp.Click(step.sel, chromedp.ByQuery),
			chromedp.Sleep(500*time.Millisecond),
		)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}
	return clickButtonByText(ctx, platform.CommercialSaveSelector, platform.CommercialSaveText)
}

func (d *Driver) submit(ctx context.Context, note types.NoteContent) (types.PublishResult, error) {
	delay := d.cfg.PrePublishDelay.Duration
	if delay <= 0 {
		delay = 3 * time.Second
	}
	if err := chromedp.Run(ctx, chromedp.Sleep(delay)); err != nil {
		return types.PublishResult{}, err
	}

	var clicked bool
	for _, sel := range platform.PublishButtonSelectors {
		tryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := chromedp.Run(tryCtx, chromedp.Click(sel, chromedp.ByQuery))
		cancel()
		if err == nil {
			clicked = true
			break
		}
	}
	if !clicked {
		return types.PublishResult{}, fmt.Errorf("%w: publish button not found", ErrSubmissionRejected)
	}

	var location string
	if err := chromedp.Run(ctx,
		chromedp.Sleep(d.actionDelay()),
		chromedp.Location(&location),
	); err != nil {
		return types.PublishResult{}, fmt.Errorf("read final url: %w", err)
	}
	if strings.Contains(location, "/publish/") {
		// Still on the form: the site rejected the submission, most likely
		// a validation overlay we cannot read reliably.
		return types.PublishResult{}, fmt.Errorf("%w: still on publish page", ErrSubmissionRejected)
	}

	return types.PublishResult{
		NoteTitle:   note.Title,
		FinalURL:    location,
		PublishedAt: time.Now(),
	}, nil
}

func (d *Driver) pace(ctx context.Context) error {
	if d.pacer == nil {
		return nil
	}
	return d.pacer.Wait(ctx)
}

func (d *Driver) actionDelay() time.Duration {
	if d.cfg.ActionDelay.Duration > 0 {
		return d.cfg.ActionDelay.Duration
	}
	return 2 * time.Second
}

func (d *Driver) navTimeout() time.Duration {
	if d.cfg.NavigationTimeout.Duration > 0 {
		return d.cfg.NavigationTimeout.Duration
	}
	return 60 * time.Second
}

func installCookies(cookies []cookiestore.Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			domain := c.Domain
			if domain == "" {
				domain = ".xiaohongshu.com"
			}
			path := c.Path
			if path == "" {
				path = "/"
			}
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(domain).
				WithPath(path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

// clickTabByText clicks the creator tab whose label contains the given text.
func clickTabByText(ctx context.Context, label string) error {
	script := fmt.Sprintf(`(() => {
		const tabs = document.querySelectorAll(%q);
		for (const tab of tabs) {
			if (tab.textContent && tab.textContent.includes(%q)) {
				tab.click();
				return true;
			}
		}
		return false;
	})()`, platform.CreatorTabSelector, label)

	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("tab %q not found", label)
	}
	return chromedp.Run(ctx, chromedp.Sleep(time.Second))
}

func clickButtonByText(ctx context.Context, selector, label string) error {
	script := fmt.Sprintf(`(() => {
		const buttons = document.querySelectorAll(%q);
		for (const b of buttons) {
			if (b.textContent && b.textContent.includes(%q)) {
				b.click();
				return true;
			}
		}
		return false;
	})()`, selector, label)

	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("button %q not found", label)
	}
	return nil
}

// fillFirst clicks the first selector that matches, clears it, and types the
// value in.
func fillFirst(ctx context.Context, selectors []string, value string) error {
	var lastErr error
	for _, sel := range selectors {
		tryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := chromedp.Run(tryCtx,
			chromedp.Click(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, value, chromedp.ByQuery),
		)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("no selector matched: %w", lastErr)
}

// typeIntoEditor sends keys to the currently focused element, which fillFirst
// left on the body editor.
func typeIntoEditor(ctx context.Context, text string) error {
	for _, sel := range platform.ContentEditorSelectors {
		tryCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := chromedp.Run(tryCtx, chromedp.SendKeys(sel, text, chromedp.ByQuery))
		cancel()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("editor not reachable for topic entry")
}

// waitForText polls the page body until the marker text appears.
func waitForText(ctx context.Context, text string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	script := fmt.Sprintf(`document.body && document.body.innerText.includes(%q)`, text)
	for {
		var found bool
		if err := chromedp.Run(waitCtx, chromedp.Evaluate(script, &found)); err != nil {
			return err
		}
		if found {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return waitCtx.Err()
		case <-ticker.C:
		}
	}
}
