package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/gocolly/colly"
	"github.com/rs/zerolog"

	"github.com/vrsandeep/chapterdl/internal/models"
)

var (
	// ErrBrokerBusy is returned when a capture session is already running.
	ErrBrokerBusy = errors.New("token broker busy: another capture session is running")
	// ErrTokenTimeout is returned when no signed request is seen in time.
	ErrTokenTimeout = errors.New("token capture timeout")
	// ErrNoSignedRequest is returned when every page script ran without
	// issuing a signed content request.
	ErrNoSignedRequest = errors.New("token capture failed: page issued no signed content request")

	errCaptured = errors.New("captured")
)

// maxTimerRounds bounds how many rounds of queued setTimeout callbacks run
// after the page scripts; pages that poll forever stop here.
const maxTimerRounds = 5

// prelude gives page scripts the browser surface they usually touch. Network
// calls are reported to __capture and never leave the process.
const prelude = `
var window = this, self = this, globalThis = this;
var __timers = [];
var location = { href: __page.href, origin: __page.origin, pathname: __page.pathname, search: __page.search };
var document = { location: location, cookie: "", readyState: "complete",
	addEventListener: function () {}, querySelector: function () { return null; },
	getElementById: function () { return null; }, createElement: function () { return {}; } };
var navigator = { userAgent: __page.userAgent, language: "en-US" };
function setTimeout(fn) { if (typeof fn === "function") { __timers.push(fn); } return __timers.length; }
var setInterval = setTimeout;
function clearTimeout() {}
var clearInterval = clearTimeout;
function addEventListener() {}
function fetch(input) {
	__capture(String(input && input.url ? input.url : input));
	return new Promise(function (resolve) {
		resolve({ ok: true, status: 200,
			json: function () { return Promise.resolve({}); },
			text: function () { return Promise.resolve(""); } });
	});
}
function XMLHttpRequest() { this.readyState = 0; this.status = 0; }
XMLHttpRequest.prototype.open = function (method, u) { this._url = String(u); this.readyState = 1; };
XMLHttpRequest.prototype.setRequestHeader = function () {};
XMLHttpRequest.prototype.addEventListener = function () {};
XMLHttpRequest.prototype.send = function () { __capture(this._url); };
`

// ScriptBroker renders a chapter page in an embedded JavaScript VM and
// intercepts the signed content request its scripts issue. The page and its
// scripts are fetched with colly; only one session runs at a time.
type ScriptBroker struct {
	jar            *cookiejar.Jar
	transport      http.RoundTripper
	userAgent      string
	tokenParam     string
	contentPattern *regexp.Regexp
	log            zerolog.Logger

	busy sync.Mutex
}

type BrokerOptions struct {
	Jar       *cookiejar.Jar
	Transport http.RoundTripper
	UserAgent string
	// TokenParam is the query parameter carrying the access token.
	TokenParam string
	// ContentPattern matches the request path; its first group is the
	// content ID.
	ContentPattern string
}

func NewScriptBroker(opts BrokerOptions, log zerolog.Logger) (*ScriptBroker, error) {
	re, err := regexp.Compile(opts.ContentPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid content pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("content pattern %q needs a capture group for the content id", opts.ContentPattern)
	}
	if opts.TokenParam == "" {
		opts.TokenParam = "token"
	}
	return &ScriptBroker{
		jar:            opts.Jar,
		transport:      opts.Transport,
		userAgent:      opts.UserAgent,
		tokenParam:     opts.TokenParam,
		contentPattern: re,
		log:            log,
	}, nil
}

// Intercept loads pageURL, runs its scripts and returns the first signed
// content request they make. It fails fast with ErrBrokerBusy when another
// session holds the broker.
func (b *ScriptBroker) Intercept(ctx context.Context, pageURL string, timeout time.Duration) (*models.TokenCapture, error) {
	if !b.busy.TryLock() {
		return nil, ErrBrokerBusy
	}
	defer b.busy.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid chapter url %q: %w", pageURL, err)
	}

	scripts, err := b.collectScripts(ctx, page, timeout)
	if err != nil {
		return nil, b.timeoutOr(ctx, err)
	}

	capture, err := b.run(ctx, page, scripts)
	if err != nil {
		return nil, b.timeoutOr(ctx, err)
	}
	b.log.Debug().Str("content_id", capture.ContentID).Str("page", pageURL).Msg("Captured signed content request")
	return capture, nil
}

func (b *ScriptBroker) timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTokenTimeout
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *ScriptBroker) newCollector(timeout time.Duration) *colly.Collector {
	c := colly.NewCollector(colly.UserAgent(b.userAgent), colly.AllowURLRevisit())
	c.SetRequestTimeout(timeout)
	if b.transport != nil {
		c.WithTransport(b.transport)
	}
	if b.jar != nil {
		c.SetCookieJar(b.jar)
	}
	return c
}

// collectScripts returns the page's script sources in document order, with
// external scripts fetched.
func (b *ScriptBroker) collectScripts(ctx context.Context, page *url.URL, timeout time.Duration) ([]string, error) {
	type scriptRef struct {
		src    string
		inline string
	}
	var refs []scriptRef
	var fetchErr error

	c := b.newCollector(timeout)
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnHTML("script", func(e *colly.HTMLElement) {
		if typ := e.Attr("type"); typ != "" && typ != "text/javascript" && typ != "module" && typ != "application/javascript" {
			return
		}
		if src := e.Attr("src"); src != "" {
			refs = append(refs, scriptRef{src: e.Request.AbsoluteURL(src)})
			return
		}
		refs = append(refs, scriptRef{inline: e.Text})
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= 400 {
			fetchErr = &models.StatusError{StatusCode: r.StatusCode, URL: r.Request.URL.String()}
			return
		}
		fetchErr = fmt.Errorf("fetch chapter page: %w", err)
	})

	if err := c.Visit(page.String()); err != nil && fetchErr == nil {
		fetchErr = fmt.Errorf("fetch chapter page: %w", err)
	}
	c.Wait()
	if fetchErr != nil {
		return nil, fetchErr
	}

	bodies := make(map[string]string)
	sc := c.Clone()
	sc.OnResponse(func(r *colly.Response) {
		bodies[r.Request.URL.String()] = string(r.Body)
	})
	sc.OnError(func(r *colly.Response, err error) {
		b.log.Debug().Err(err).Str("script", r.Request.URL.String()).Msg("Skipping page script that failed to load")
	})
	for _, ref := range refs {
		if ref.src == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sc.Visit(ref.src)
	}
	sc.Wait()

	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.src == "" {
			out = append(out, ref.inline)
		} else if body, ok := bodies[ref.src]; ok {
			out = append(out, body)
		}
	}
	return out, nil
}

// run executes scripts in a fresh VM until one of them issues a signed
// content request.
func (b *ScriptBroker) run(ctx context.Context, page *url.URL, scripts []string) (*models.TokenCapture, error) {
	vm := goja.New()
	var capture *models.TokenCapture

	vm.Set("__page", map[string]interface{}{
		"href":      page.String(),
		"origin":    page.Scheme + "://" + page.Host,
		"pathname":  page.Path,
		"search":    page.RawQuery,
		"userAgent": b.userAgent,
	})
	vm.Set("__capture", func(raw string) {
		if capture != nil {
			return
		}
		if c := b.match(page, raw); c != nil {
			capture = c
			vm.Interrupt(errCaptured)
		}
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	if _, err := vm.RunString(prelude); err != nil {
		return nil, fmt.Errorf("broker prelude: %w", err)
	}

	exec := func(fn func() error) (bool, error) {
		err := fn()
		if capture != nil {
			return true, nil
		}
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, ctx.Err()
		}
		if err != nil {
			b.log.Debug().Err(err).Msg("Page script raised an exception")
		}
		return false, nil
	}

	for _, src := range scripts {
		if ok, err := exec(func() error { _, err := vm.RunString(src); return err }); ok || err != nil {
			return capture, err
		}
	}

	for round := 0; round < maxTimerRounds; round++ {
		pending := vm.Get("__timers").ToObject(vm)
		n := pending.Get("length").ToInteger()
		if n == 0 {
			break
		}
		vm.Set("__timers", vm.NewArray())
		for i := int64(0); i < n; i++ {
			fn, ok := goja.AssertFunction(pending.Get(strconv.FormatInt(i, 10)))
			if !ok {
				continue
			}
			if ok, err := exec(func() error { _, err := fn(goja.Undefined()); return err }); ok || err != nil {
				return capture, err
			}
		}
	}

	return nil, ErrNoSignedRequest
}

// match reports the capture for raw if it is a signed content request.
func (b *ScriptBroker) match(page *url.URL, raw string) *models.TokenCapture {
	u, err := page.Parse(raw)
	if err != nil {
		return nil
	}
	token := u.Query().Get(b.tokenParam)
	if token == "" {
		return nil
	}
	m := b.contentPattern.FindStringSubmatch(u.Path)
	if m == nil || m[1] == "" {
		return nil
	}
	return &models.TokenCapture{ContentID: m[1], AccessToken: token, RequestURL: u.String()}
}
