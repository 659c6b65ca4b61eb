package rest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	appconfig "marketsync/config"
	"marketsync/logger"
)

// Disposition classifies a venue response for the retry loop.
type Disposition int

const (
	DispositionOK Disposition = iota
	DispositionRateLimited
	DispositionBusy
	DispositionAuth
	DispositionDuplicateOrder
	DispositionRetryable
	DispositionFatal
)

// Signer adds venue authentication to an outbound request. Implemented per
// venue adapter; the executor never inspects credentials.
type Signer interface {
	Sign(req *http.Request, body []byte) error
}

// Classifier maps venue responses onto retry dispositions. Venues that embed
// error codes in 200 bodies or use custom busy codes override the default.
type Classifier interface {
	Classify(status int, body []byte) Disposition
	// RetryReset returns how long to sleep before retrying a rate-limited
	// call, usually taken from the venue's reset header.
	RetryReset(header http.Header) (time.Duration, bool)
}

// Request describes one REST call. All fields are immutable across retries.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	Auth        bool
	MaxRetries  int
	Description string

	// OnDuplicate, when set, is invoked after the venue rejects the call
	// with a duplicate client order id and its result is returned as the
	// successful outcome of this call.
	OnDuplicate func(ctx context.Context) (*Response, error)
}

// Response is the successful outcome of a call.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Executor issues authenticated REST calls with a single shared retry
// policy: rate-limit waits are free, busy and transport errors burn budget,
// auth failures are fatal.
type Executor struct {
	venue      string
	base       string
	client     *http.Client
	limiter    *rate.Limiter
	signer     Signer
	classifier Classifier
	cfg        appconfig.ExecutorConfig
	log        *logger.Log
}

// NewExecutor creates an executor for one venue REST endpoint.
func NewExecutor(venue, base string, cfg appconfig.ExecutorConfig, signer Signer, classifier Classifier) *Executor {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	if classifier == nil {
		classifier = DefaultClassifier{}
	}
	return &Executor{
		venue:      venue,
		base:       base,
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		signer:     signer,
		classifier: classifier,
		cfg:        cfg,
		log:        logger.GetLogger(),
	}
}

// Do performs the call and returns exactly one successful response or one
// typed error.
func (e *Executor) Do(ctx context.Context, req Request) (*Response, error) {
	log := e.log.WithComponent("rest_executor").WithVenue(e.venue).WithFields(logger.Fields{
		"method": req.Method,
		"path":   req.Path,
	})

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.defaultRetries(req.Method)
	}
	desc := req.Description
	if desc == "" {
		desc = req.Method + " " + req.Path
	}

	attempts := 0
	lastStatus := 0
	var lastErr error

	for {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		httpReq, err := e.build(ctx, req)
		if err != nil {
			return nil, &RequestError{Description: desc, Attempts: attempts, Err: err}
		}

		resp, err := e.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			attempts++
			lastErr = err
			if attempts > maxRetries {
				return nil, &RequestError{Status: lastStatus, Description: desc, Attempts: attempts, Err: lastErr}
			}
			log.WithError(err).WithFields(logger.Fields{"attempt": attempts}).Debug("transport error, retrying")
			logger.IncrementRestRetry()
			if !sleepCtx(ctx, e.cfg.RetryDelay) {
				return nil, ctx.Err()
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			attempts++
			lastErr = err
			lastStatus = resp.StatusCode
			if attempts > maxRetries {
				return nil, &RequestError{Status: lastStatus, Description: desc, Attempts: attempts, Err: lastErr}
			}
			logger.IncrementRestRetry()
			if !sleepCtx(ctx, e.cfg.RetryDelay) {
				return nil, ctx.Err()
			}
			continue
		}
		lastStatus = resp.StatusCode

		switch e.classifier.Classify(resp.StatusCode, body) {
		case DispositionOK:
			return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil

		case DispositionRateLimited:
			// Rate-limit waits do not burn retry budget.
			delay, ok := e.classifier.RetryReset(resp.Header)
			if !ok {
				delay = e.cfg.RateLimitDelay
			}
			log.WithFields(logger.Fields{"delay": delay.String()}).Debug("rate limited, waiting for reset")
			logger.IncrementRestRetry()
			if !sleepCtx(ctx, delay) {
				return nil, ctx.Err()
			}
			continue

		case DispositionBusy:
			attempts++
			if attempts > maxRetries {
				return nil, &RequestError{Status: lastStatus, Description: desc, Attempts: attempts}
			}
			log.WithFields(logger.Fields{"attempt": attempts}).Debug("venue busy, retrying")
			logger.IncrementRestRetry()
			if !sleepCtx(ctx, e.cfg.BusyDelay) {
				return nil, ctx.Err()
			}
			continue

		case DispositionAuth:
			return nil, &AuthError{Venue: e.venue, Status: resp.StatusCode, Description: desc}

		case DispositionDuplicateOrder:
			if req.OnDuplicate != nil {
				log.Info("duplicate client order id, recovering existing order")
				return req.OnDuplicate(ctx)
			}
			return nil, &RequestError{Status: lastStatus, Description: desc, Attempts: attempts + 1}

		case DispositionRetryable:
			attempts++
			if attempts > maxRetries {
				return nil, &RequestError{Status: lastStatus, Description: desc, Attempts: attempts}
			}
			logger.IncrementRestRetry()
			if !sleepCtx(ctx, e.cfg.RetryDelay) {
				return nil, ctx.Err()
			}
			continue

		default:
			return nil, &RequestError{Status: lastStatus, Description: desc, Attempts: attempts + 1}
		}
	}
}

func (e *Executor) build(ctx context.Context, req Request) (*http.Request, error) {
	u := e.base + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	var reader io.Reader
	if len(req.Body) > 0 {
		reader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, reader)
	if err != nil {
		return nil, err
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Auth && e.signer != nil {
		if err := e.signer.Sign(httpReq, req.Body); err != nil {
			return nil, err
		}
	}
	return httpReq, nil
}

// Idempotent verbs retry more aggressively than order submissions.
func (e *Executor) defaultRetries(method string) int {
	switch method {
	case http.MethodGet, http.MethodDelete:
		if e.cfg.MaxRetriesGet > 0 {
			return e.cfg.MaxRetriesGet
		}
		return 5
	default:
		if e.cfg.MaxRetriesSubmit > 0 {
			return e.cfg.MaxRetriesSubmit
		}
		return 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// DefaultClassifier applies the plain HTTP status mapping shared by most
// venues. Venue adapters wrap it when error codes hide in response bodies.
type DefaultClassifier struct{}

func (DefaultClassifier) Classify(status int, body []byte) Disposition {
	switch {
	case status >= 200 && status < 300:
		return DispositionOK
	case status == http.StatusTooManyRequests:
		return DispositionRateLimited
	case status == http.StatusServiceUnavailable:
		return DispositionBusy
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return DispositionAuth
	case status >= 500:
		return DispositionRetryable
	default:
		return DispositionFatal
	}
}

func (DefaultClassifier) RetryReset(header http.Header) (time.Duration, bool) {
	v := header.Get("Retry-After")
	if v == "" {
		v = header.Get("X-RateLimit-Reset")
	}
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}
