package crawler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/wikicrawl/internal/common"
)

const (
	maxRedirects        = 10
	maxResponseBody     = 10 * 1024 * 1024 // 10MB
	connectivityTimeout = 10 * time.Second
	decisionContinue    = "continue"
	decisionSkip        = "skip"
)

var errTooManyRedirects = errors.New("redirect loop detected")

// ErrorKind classifies a fetch failure for stats and retry decisions
type ErrorKind string

const (
	KindPermanent  ErrorKind = "permanent"
	KindClient     ErrorKind = "client"
	KindConnection ErrorKind = "connection"
	KindTimeout    ErrorKind = "timeout"
	KindRedirect   ErrorKind = "redirect"
	KindOther      ErrorKind = "other"
)

// FetchError carries the classification of a failed request
type FetchError struct {
	URL        string
	StatusCode int
	Kind       ErrorKind
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return fmt.Sprintf("page not found: %s (status 404)", e.URL)
	case e.StatusCode == http.StatusForbidden:
		return fmt.Sprintf("access forbidden: %s (status 403)", e.URL)
	case e.StatusCode > 0:
		return fmt.Sprintf("request failed: %s (status %d)", e.URL, e.StatusCode)
	case e.Kind == KindTimeout:
		return fmt.Sprintf("request timeout: %s: %v", e.URL, e.Err)
	case e.Kind == KindConnection:
		return fmt.Sprintf("connection error: %s: %v", e.URL, e.Err)
	case e.Kind == KindRedirect:
		return fmt.Sprintf("redirect loop detected: %s", e.URL)
	default:
		return fmt.Sprintf("request failed: %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// SkipError marks a URL abandoned after persistent failures, either by
// operator decision or by the circuit breaker.
type SkipError struct {
	URL    string
	Forced bool
	Err    error
}

func (e *SkipError) Error() string {
	if e.Forced {
		return fmt.Sprintf("skipped by circuit breaker after persistent failures: %s", e.URL)
	}
	return fmt.Sprintf("skipped by operator: %s", e.URL)
}

func (e *SkipError) Unwrap() error { return e.Err }

// IsSkip reports whether err represents an abandoned URL
func IsSkip(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}

// FetchResult is a successful page download
type FetchResult struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
}

// FetchStats are the observable counters of the fetch layer
type FetchStats struct {
	Requests                  int `json:"requests"`
	Retries                   int `json:"retries"`
	PermanentErrors           int `json:"permanent_errors"`
	ClientErrors              int `json:"client_errors"`
	ConnectionErrors          int `json:"connection_errors"`
	TimeoutErrors             int `json:"timeout_errors"`
	RedirectErrors            int `json:"redirect_errors"`
	OtherErrors               int `json:"other_errors"`
	ConnectivityTests         int `json:"connectivity_tests"`
	ConnectivitySuccesses     int `json:"connectivity_successes"`
	ConnectivityFailures      int `json:"connectivity_failures"`
	UserDecisions             int `json:"user_decisions"`
	UserRetries               int `json:"user_retries"`
	UserRetrySuccesses        int `json:"user_retry_successes"`
	SkippedURLs               int `json:"skipped_urls"`
	CircuitBreakerActivations int `json:"circuit_breaker_activations"`
}

// Prompter asks the operator what to do about a persistently failing URL
type Prompter interface {
	Ask(url string, failure error, cycle, maxCycles int) (string, error)
}

// ConsolePrompter reads operator decisions from stdin. EOF means skip,
// so unattended runs never hang on the dialog.
type ConsolePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func NewConsolePrompter() *ConsolePrompter {
	return &ConsolePrompter{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

func (p *ConsolePrompter) Ask(url string, failure error, cycle, maxCycles int) (string, error) {
	fmt.Fprintf(p.out, "\nPersistent failure fetching %s\n  %v\n", url, failure)
	fmt.Fprintf(p.out, "Network appears to be down (attempt cycle %d of %d).\n", cycle, maxCycles)

	for {
		fmt.Fprint(p.out, "[c]ontinue retrying or [s]kip this URL? ")
		line, err := p.in.ReadString('\n')
		if err != nil {
			return decisionSkip, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "c", decisionContinue:
			return decisionContinue, nil
		case "s", decisionSkip:
			return decisionSkip, nil
		}
	}
}

// Fetcher downloads pages with a site-wide pacing floor, bounded retries
// with exponential backoff, and an operator escalation path for outages.
type Fetcher struct {
	client          *http.Client
	probeClient     *http.Client
	limiter         *rate.Limiter
	userAgent       string
	maxRetries      int
	backoffBase     time.Duration
	connectivityURL string
	maxCycles       int
	interactive     bool
	prompter        Prompter
	logger          arbor.ILogger

	mu    sync.Mutex
	stats FetchStats
}

// FetcherOption customizes a Fetcher, mainly for tests
type FetcherOption func(*Fetcher)

// WithPrompter replaces the operator dialog implementation
func WithPrompter(p Prompter) FetcherOption {
	return func(f *Fetcher) { f.prompter = p }
}

// WithHTTPClient replaces both the page and probe clients
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = c
		f.probeClient = c
	}
}

// WithBackoffBase overrides the initial retry backoff
func WithBackoffBase(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.backoffBase = d }
}

// WithConnectivityURL overrides the connectivity probe target
func WithConnectivityURL(u string) FetcherOption {
	return func(f *Fetcher) { f.connectivityURL = u }
}

// NewFetcher builds a Fetcher from configuration
func NewFetcher(cfg common.FetchConfig, logger arbor.ILogger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client: &http.Client{
			Timeout: cfg.RequestTimeoutDuration(),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errTooManyRedirects
				}
				return nil
			},
		},
		probeClient:     &http.Client{Timeout: connectivityTimeout},
		limiter:         rate.NewLimiter(rate.Every(cfg.RequestDelayDuration()), 1),
		userAgent:       cfg.UserAgent,
		maxRetries:      cfg.MaxRetries,
		backoffBase:     cfg.RetryBackoffBaseDuration(),
		connectivityURL: cfg.ConnectivityURL,
		maxCycles:       cfg.MaxContinueCycles,
		interactive:     cfg.InteractivePrompts,
		prompter:        NewConsolePrompter(),
		logger:          logger,
	}
	if f.connectivityURL == "" {
		f.connectivityURL = "https://www.google.com"
	}
	if f.maxCycles <= 0 {
		f.maxCycles = 3
	}

	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads a page, retrying transient failures. When the retry
// schedule is exhausted and the network itself looks down, the operator
// is asked whether to keep trying; the circuit breaker forces a skip
// after maxCycles continue decisions.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*FetchResult, error) {
	result, err := f.fetchWithRetries(ctx, pageURL)
	if err == nil {
		return result, nil
	}
	if !isTransient(err) {
		return nil, err
	}

	if f.checkConnectivity(ctx) {
		// Network is fine, the target itself is failing. Nothing an
		// operator retry would change.
		return nil, err
	}

	if !f.interactive {
		f.countSkip()
		return nil, &SkipError{URL: pageURL, Err: err}
	}

	for cycle := 1; ; cycle++ {
		decision, perr := f.prompter.Ask(pageURL, err, cycle, f.maxCycles)
		f.mu.Lock()
		f.stats.UserDecisions++
		f.mu.Unlock()

		if perr != nil || decision != decisionContinue {
			f.countSkip()
			return nil, &SkipError{URL: pageURL, Err: err}
		}

		f.mu.Lock()
		f.stats.UserRetries++
		f.mu.Unlock()

		result, err = f.fetchWithRetries(ctx, pageURL)
		if err == nil {
			f.mu.Lock()
			f.stats.UserRetrySuccesses++
			f.mu.Unlock()
			return result, nil
		}
		if !isTransient(err) {
			return nil, err
		}
		if f.checkConnectivity(ctx) {
			return nil, err
		}

		if cycle >= f.maxCycles {
			f.mu.Lock()
			f.stats.CircuitBreakerActivations++
			f.mu.Unlock()
			f.countSkip()
			f.logger.Warn().Str("url", pageURL).Int("cycles", cycle).Msg("Circuit breaker forcing skip")
			return nil, &SkipError{URL: pageURL, Forced: true, Err: err}
		}
	}
}

func (f *Fetcher) fetchWithRetries(ctx context.Context, pageURL string) (*FetchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			wait := f.backoff(pageURL, attempt-1)
			f.mu.Lock()
			f.stats.Retries++
			f.mu.Unlock()

			f.logger.Debug().
				Str("url", pageURL).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Msg("Retrying request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := f.doRequest(ctx, pageURL)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) doRequest(ctx context.Context, pageURL string) (*FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &FetchError{URL: pageURL, Kind: KindOther, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,zh-CN;q=0.8,zh;q=0.7")
	req.Header.Set("Cache-Control", "no-cache")

	f.mu.Lock()
	f.stats.Requests++
	f.mu.Unlock()

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classifyTransportError(pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return nil, f.record(&FetchError{URL: pageURL, Kind: KindConnection, Retryable: true, Err: err})
		}
		return &FetchResult{
			URL:        pageURL,
			FinalURL:   resp.Request.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       body,
			FetchedAt:  time.Now().UTC(),
		}, nil
	}

	return nil, f.classifyStatus(pageURL, resp.StatusCode)
}

func (f *Fetcher) classifyStatus(pageURL string, status int) error {
	switch {
	case status == http.StatusNotFound ||
		status == http.StatusForbidden ||
		status == http.StatusGone ||
		status == http.StatusUnavailableForLegalReasons:
		return f.record(&FetchError{URL: pageURL, StatusCode: status, Kind: KindPermanent})
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return f.record(&FetchError{URL: pageURL, StatusCode: status, Kind: KindClient, Retryable: true})
	case status >= 400 && status < 500:
		return f.record(&FetchError{URL: pageURL, StatusCode: status, Kind: KindClient})
	default:
		return f.record(&FetchError{URL: pageURL, StatusCode: status, Kind: KindOther, Retryable: true})
	}
}

func (f *Fetcher) classifyTransportError(pageURL string, err error) error {
	if errors.Is(err, errTooManyRedirects) {
		return f.record(&FetchError{URL: pageURL, Kind: KindRedirect, Err: err})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return f.record(&FetchError{URL: pageURL, Kind: KindTimeout, Retryable: true, Err: err})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return f.record(&FetchError{URL: pageURL, Kind: KindTimeout, Retryable: true, Err: err})
	}
	return f.record(&FetchError{URL: pageURL, Kind: KindConnection, Retryable: true, Err: err})
}

func (f *Fetcher) record(e *FetchError) *FetchError {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch e.Kind {
	case KindPermanent:
		f.stats.PermanentErrors++
	case KindClient:
		f.stats.ClientErrors++
	case KindConnection:
		f.stats.ConnectionErrors++
	case KindTimeout:
		f.stats.TimeoutErrors++
	case KindRedirect:
		f.stats.RedirectErrors++
	default:
		f.stats.OtherErrors++
	}
	return e
}

// backoff computes the wait before retry number attempt (zero-based):
// base doubled per attempt, with a deterministic jitter of up to 10%
// derived from the URL so concurrent crawlers do not sync up.
func (f *Fetcher) backoff(pageURL string, attempt int) time.Duration {
	base := f.backoffBase * time.Duration(1<<attempt)

	h := fnv.New32a()
	h.Write([]byte(pageURL))
	frac := (float64(h.Sum32()%200) - 100) / 1000.0 // [-0.10, +0.10)

	return base + time.Duration(float64(base)*frac)
}

// checkConnectivity probes a known-good host to distinguish a dead
// network from a failing target site.
func (f *Fetcher) checkConnectivity(ctx context.Context) bool {
	f.mu.Lock()
	f.stats.ConnectivityTests++
	f.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, connectivityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, f.connectivityURL, nil)
	if err == nil {
		var resp *http.Response
		if resp, err = f.probeClient.Do(req); err == nil {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				f.mu.Lock()
				f.stats.ConnectivitySuccesses++
				f.mu.Unlock()
				return true
			}
		}
	}

	f.mu.Lock()
	f.stats.ConnectivityFailures++
	f.mu.Unlock()
	f.logger.Warn().Str("probe", f.connectivityURL).Msg("Connectivity check failed")
	return false
}

func (f *Fetcher) countSkip() {
	f.mu.Lock()
	f.stats.SkippedURLs++
	f.mu.Unlock()
}

// Stats returns a snapshot of the fetch counters
func (f *Fetcher) Stats() FetchStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func isTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
