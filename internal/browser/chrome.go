package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod/lib/launcher"

	"listing-batch/internal/model"
)

// FindBrowser locates a Chrome/Chromium binary the way rod's launcher does.
func FindBrowser() (string, bool) {
	return launcher.LookPath()
}

// ChromeDriver drives a real Chrome through chromedp. Every session gets its
// own profile directory named by the account tag, which is what the reaper
// keys on.
type ChromeDriver struct {
	Recipe   Recipe
	ExecPath string
}

func (d *ChromeDriver) Open(ctx context.Context, account model.Account, opts Options) (Session, error) {
	profiles := strings.TrimSpace(opts.ProfilesDir)
	if profiles == "" {
		profiles = "profiles"
	}
	dir, err := filepath.Abs(filepath.Join(profiles, model.AccountTag(account.AccountID)))
	if err != nil {
		return nil, fmt.Errorf("resolve profile dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create profile dir %s: %w", dir, err)
	}
	execPath := d.ExecPath
	if execPath == "" {
		if p, ok := FindBrowser(); ok {
			execPath = p
		}
	}
	s := &chromeSession{
		recipe:     d.Recipe,
		account:    account,
		headless:   opts.Headless,
		profileDir: dir,
		execPath:   execPath,
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type chromeSession struct {
	recipe     Recipe
	account    model.Account
	headless   bool
	profileDir string
	execPath   string

	mu          sync.Mutex
	tab         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
}

func (s *chromeSession) start(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoDefaultBrowserCheck,
		chromedp.NoFirstRun,
		chromedp.Flag("headless", s.headless),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("mute-audio", true),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserDataDir(s.profileDir),
	)
	if s.execPath != "" {
		opts = append(opts, chromedp.ExecPath(s.execPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tab, cancelTab := chromedp.NewContext(allocCtx)
	err := s.run(ctx, tab, chromedp.ActionFunc(func(c context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument("Object.defineProperty(navigator, 'webdriver', { get: () => false, });").Do(c)
		return err
	}))
	if err != nil {
		cancelTab()
		cancelAlloc()
		return fmt.Errorf("start browser for %s: %w", s.account.AccountID, err)
	}

	s.mu.Lock()
	s.tab, s.cancelTab, s.cancelAlloc = tab, cancelTab, cancelAlloc
	s.mu.Unlock()
	return nil
}

// run executes actions on tab, tearing the tab down if ctx ends first.
func (s *chromeSession) run(ctx context.Context, tab context.Context, actions ...chromedp.Action) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		cancel := s.cancelTab
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	defer stop()
	return chromedp.Run(tab, actions...)
}

func (s *chromeSession) current() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tab == nil {
		return nil, errors.New("browser session is closed")
	}
	return s.tab, nil
}

func (s *chromeSession) Login(ctx context.Context) (bool, error) {
	tab, err := s.current()
	if err != nil {
		return false, err
	}
	vars := accountVars(s.account, Limits{})
	actions := []chromedp.Action{}
	if s.recipe.Login.URL != "" {
		actions = append(actions, chromedp.Navigate(vars.Expand(s.recipe.Login.URL)))
	}
	actions = append(actions, compile(s.recipe.Login.Actions, vars)...)
	if err := s.run(ctx, tab, actions...); err != nil {
		return false, err
	}
	if s.recipe.Login.SuccessSelector == "" {
		return true, nil
	}

	waitCtx, cancel := context.WithTimeout(tab, time.Duration(s.recipe.Login.TimeoutSeconds)*time.Second)
	defer cancel()
	if err := chromedp.Run(waitCtx, chromedp.WaitVisible(s.recipe.Login.SuccessSelector, chromedp.ByQuery)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *chromeSession) RunStep(ctx context.Context, step model.StepID, tasks []model.Task, limits Limits) (ChunkResult, error) {
	res := ChunkResult{Completed: []string{}, Failed: []string{}, Errors: []string{}}
	tab, err := s.current()
	if err != nil {
		return res, err
	}
	sr, ok := s.recipe.StepFor(step)
	if !ok {
		return res, &model.ConfigError{Kind: model.ConfigUnknownStep, Detail: fmt.Sprintf("recipe has no entry for step %s", step)}
	}

	base := accountVars(s.account, limits)
	setup := []chromedp.Action{}
	if sr.URL != "" {
		setup = append(setup, chromedp.Navigate(base.Expand(sr.URL)))
	}
	setup = append(setup, compile(sr.Setup, base)...)
	if err := s.run(ctx, tab, setup...); err != nil {
		return res, err
	}

	consecutive := 0
	note := func(label string, err error) bool {
		if err == nil {
			consecutive = 0
			return false
		}
		if ctx.Err() != nil {
			return true
		}
		consecutive++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", label, err))
		if consecutive >= s.recipe.MaxTaskFailures {
			res.RestartRequired = true
			return true
		}
		return false
	}

	if len(tasks) > 0 {
		for _, task := range tasks {
			err := s.run(ctx, tab, compile(sr.PerTask, taskVars(s.account, task, limits))...)
			if err == nil {
				res.Completed = append(res.Completed, task.ProviderCode)
				res.Processed++
			} else {
				res.Failed = append(res.Failed, task.ProviderCode)
			}
			if note(task.ProviderCode, err) {
				break
			}
		}
	} else {
		for i := 0; i < limits.Items; i++ {
			vars := accountVars(s.account, limits)
			vars["index"] = strconv.Itoa(i + 1)
			err := s.run(ctx, tab, compile(sr.PerItem, vars)...)
			if err == nil {
				res.Processed++
			}
			if note("item "+strconv.Itoa(i+1), err) {
				break
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	res.Success = len(res.Errors) == 0
	return res, nil
}

var firstNumber = regexp.MustCompile(`[0-9][0-9,]*`)

func (s *chromeSession) CountItems(ctx context.Context, step model.StepID) (int, error) {
	tab, err := s.current()
	if err != nil {
		return model.CountUnknown, err
	}
	sr, ok := s.recipe.StepFor(step)
	if !ok || sr.CountSelector == "" {
		return model.CountUnknown, nil
	}
	var text string
	actions := []chromedp.Action{}
	if sr.URL != "" {
		actions = append(actions, chromedp.Navigate(accountVars(s.account, Limits{}).Expand(sr.URL)))
	}
	actions = append(actions, chromedp.Text(sr.CountSelector, &text, chromedp.ByQuery))
	if err := s.run(ctx, tab, actions...); err != nil {
		return model.CountUnknown, err
	}
	m := firstNumber.FindString(text)
	if m == "" {
		return model.CountUnknown, nil
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return model.CountUnknown, nil
	}
	return n, nil
}

func (s *chromeSession) Restart(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := s.start(ctx); err != nil {
		return err
	}
	ok, err := s.Login(ctx)
	if err != nil {
		return fmt.Errorf("login after restart: %w", err)
	}
	if !ok {
		return &model.LoginError{AccountID: s.account.AccountID, Err: errors.New("rejected after restart")}
	}
	return nil
}

func (s *chromeSession) Close() error {
	s.mu.Lock()
	cancelTab, cancelAlloc := s.cancelTab, s.cancelAlloc
	s.tab, s.cancelTab, s.cancelAlloc = nil, nil, nil
	s.mu.Unlock()
	if cancelTab != nil {
		cancelTab()
	}
	if cancelAlloc != nil {
		cancelAlloc()
	}
	return nil
}

func compile(actions []Action, vars Vars) []chromedp.Action {
	out := make([]chromedp.Action, 0, len(actions))
	for _, a := range actions {
		by := chromedp.ByQuery
		if a.XPath {
			by = chromedp.BySearch
		}
		sel := vars.Expand(a.Selector)
		switch a.Action {
		case ActionNavigate:
			out = append(out, chromedp.Navigate(vars.Expand(a.Value)))
		case ActionClick:
			out = append(out, chromedp.Click(sel, by))
		case ActionType:
			out = append(out, chromedp.SendKeys(sel, vars.Expand(a.Value), by))
		case ActionWaitVisible:
			out = append(out, chromedp.WaitVisible(sel, by))
		case ActionSleep:
			out = append(out, chromedp.Sleep(a.SleepDuration()))
		}
	}
	return out
}
