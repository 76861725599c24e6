package spotify

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"spotify-time-machine-go/circuitbreaker"
	"spotify-time-machine-go/logcolors"
	"spotify-time-machine-go/services/notifier"
	"spotify-time-machine-go/stats"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// TokenSource supplies bearer tokens to the queue and handles 401 recovery
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context, staleToken string) (string, error)
	ForceReauthentication(reason error)
	IsRefreshing() bool
}

// QueueConfig configures a RequestQueue
type QueueConfig struct {
	BaseURL        string
	MinInterval    time.Duration // minimum spacing between network calls
	RequestTimeout time.Duration // wall-clock budget per shared call, retries included
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	HTTPTimeout    time.Duration
	Breaker        *circuitbreaker.CircuitBreaker
	Metrics        *stats.Metrics
	HTTPClient     *resty.Client
}

// Request is an outbound Web API call. URL may be absolute or a path relative to BaseURL.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Idempotent reports whether sending r twice has the same effect as once.
// An empty method means GET.
func (r Request) Idempotent() bool {
	switch r.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// Response is a 2xx answer from the Web API
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// QueueStatus is a diagnostic snapshot of the queue
type QueueStatus struct {
	QueueLength int                     `json:"queueLength"`
	Pending     int                     `json:"pendingCount"`
	Refreshing  bool                    `json:"isRefreshing"`
	InFlight    bool                    `json:"isProcessing"`
	PausedUntil time.Time               `json:"pausedUntil,omitzero"`
	Circuit     circuitbreaker.Snapshot `json:"circuit"`
}

// errServerStatus marks 5xx answers so the circuit breaker counts them
var errServerStatus = errors.New("server error status")

// call is one shared network operation; every caller with the same key waits on done
type call struct {
	key       string
	req       Request
	endpoint  string
	priority  int
	front     bool
	seq       uint64
	retries   int
	refreshed bool

	index    int // position in the heap, -1 when not queued
	timer    *time.Timer
	finished bool
	done     chan struct{}
	resp     *Response
	err      error
}

// callHeap orders calls by (front first, priority ascending, arrival order)
type callHeap []*call

func (h callHeap) Len() int { return len(h) }

func (h callHeap) Less(i, j int) bool {
	if h[i].front != h[j].front {
		return h[i].front
	}
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h callHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *callHeap) Push(x any) {
	c := x.(*call)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *callHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

// RequestQueue serializes Web API calls through a single throttled, prioritized,
// deduplicating pipeline
type RequestQueue struct {
	cfg     QueueConfig
	tokens  TokenSource
	client  *resty.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	queue       callHeap
	pending     map[string]*call
	seq         uint64
	draining    bool
	inFlight    bool
	pausedUntil time.Time
	closed      bool
}

// NewRequestQueue creates a queue that authenticates calls with tokens
func NewRequestQueue(cfg QueueConfig, tokens TokenSource) *RequestQueue {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 100 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(circuitbreaker.Config{Name: "Spotify-API"})
	}

	client := cfg.HTTPClient
	if client == nil {
		client = resty.New().
			SetTimeout(cfg.HTTPTimeout).
			SetHeader("Accept", "application/json")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RequestQueue{
		cfg:     cfg,
		tokens:  tokens,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		breaker: cfg.Breaker,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*call),
	}
}

// Enqueue submits a request and waits for its result. Lower priority values are
// served first. A caller whose ctx ends stops waiting; the shared call carries on
// for any other callers.
func (q *RequestQueue) Enqueue(ctx context.Context, req Request, priority int) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	key := RequestKey(req.Method, req.URL, req.Body)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	stats.Get().QueueEnqueued.Add(1)

	c, shared := q.pending[key]
	if shared {
		stats.Get().QueueDeduplicated.Add(1)
		log.Debugf("%s Joining pending %s", logcolors.LogDedup, key)
	} else {
		q.seq++
		c = &call{
			key:      key,
			req:      req,
			endpoint: endpointOf(req.URL),
			priority: priority,
			seq:      q.seq,
			index:    -1,
			done:     make(chan struct{}),
		}
		q.pending[key] = c
		heap.Push(&q.queue, c)
		c.timer = time.AfterFunc(q.cfg.RequestTimeout, func() { q.expire(c) })
		q.startDrainLocked()
	}
	q.mu.Unlock()

	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a diagnostic snapshot
func (q *RequestQueue) Status() QueueStatus {
	q.mu.Lock()
	s := QueueStatus{
		QueueLength: q.queue.Len(),
		Pending:     len(q.pending),
		InFlight:    q.inFlight,
	}
	if q.pausedUntil.After(time.Now()) {
		s.PausedUntil = q.pausedUntil
	}
	q.mu.Unlock()

	s.Refreshing = q.tokens.IsRefreshing()
	s.Circuit = q.breaker.Snapshot()
	return s
}

// Breaker returns the circuit breaker gating network calls
func (q *RequestQueue) Breaker() *circuitbreaker.CircuitBreaker {
	return q.breaker
}

// Close fails every waiting request with ErrQueueClosed and stops the drain loop
func (q *RequestQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for q.queue.Len() > 0 {
		c := heap.Pop(&q.queue).(*call)
		q.finishLocked(c, nil, ErrQueueClosed)
	}
	q.mu.Unlock()

	q.cancel()
	log.Infof("%s Request queue closed", logcolors.LogQueue)
}

// startDrainLocked starts the drain loop unless one is already running. Caller holds q.mu.
func (q *RequestQueue) startDrainLocked() {
	if q.draining || q.closed || q.queue.Len() == 0 {
		return
	}
	q.draining = true
	go q.drain()
}

func (q *RequestQueue) drain() {
	for {
		if !q.waitTurn() {
			return
		}

		q.mu.Lock()
		if q.closed || q.queue.Len() == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		if time.Now().Before(q.pausedUntil) {
			q.mu.Unlock()
			continue
		}
		c := heap.Pop(&q.queue).(*call)
		q.inFlight = true
		q.mu.Unlock()

		q.execute(c)

		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()
	}
}

// waitTurn blocks through any rate-limit pause and the global throttle. It
// returns false when the loop should exit.
func (q *RequestQueue) waitTurn() bool {
	for {
		q.mu.Lock()
		if q.closed || q.queue.Len() == 0 {
			q.draining = false
			q.mu.Unlock()
			return false
		}
		wait := time.Until(q.pausedUntil)
		q.mu.Unlock()

		if wait <= 0 {
			break
		}
		log.Debugf("%s Paused for %v", logcolors.LogQueue, wait.Round(time.Millisecond))
		if !q.sleep(wait) {
			q.stopDraining()
			return false
		}
	}

	if err := q.limiter.Wait(q.ctx); err != nil {
		q.stopDraining()
		return false
	}
	return true
}

func (q *RequestQueue) stopDraining() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

func (q *RequestQueue) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// execute performs one network attempt for c and decides its fate
func (q *RequestQueue) execute(c *call) {
	q.mu.Lock()
	finished := c.finished
	q.mu.Unlock()
	if finished {
		return // timed out while queued
	}

	token, err := q.tokens.AccessToken(q.ctx)
	if err != nil {
		q.finish(c, nil, fmt.Errorf("%w: %w", ErrUnauthorized, err))
		return
	}

	resp, err := q.send(c, token)
	switch {
	case errors.Is(err, ErrCircuitOpen):
		log.Warnf("%s Blocked %s, circuit is %s (retry in %v)", logcolors.LogCircuitBreaker,
			c.endpoint, q.breaker.State(), q.breaker.TimeUntilRetry())
		q.finish(c, nil, err)

	case err != nil && resp == nil:
		q.retryIfIdempotent(c, fmt.Errorf("spotify %s: %w", c.endpoint, err))

	case resp.Status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		q.pause(retryAfter)
		stats.Get().RateLimitedCalls.Add(1)
		notifier.PublishRateLimited(c.endpoint, retryAfter)
		log.Warnf("%s 429 on %s, pausing queue for %v (attempt %d/%d)", logcolors.LogRateLimit,
			c.endpoint, retryAfter, c.retries+1, q.cfg.MaxRetries+1)
		q.retryOrFail(c, retryAfter, newAPIError(c.endpoint, resp))

	case resp.Status == http.StatusUnauthorized:
		q.handleUnauthorized(c, token, resp)

	case resp.Status >= 500:
		q.retryIfIdempotent(c, newAPIError(c.endpoint, resp))

	case resp.Status >= 300:
		q.finish(c, nil, newAPIError(c.endpoint, resp))

	default:
		q.finish(c, resp, nil)
	}
}

// handleUnauthorized refreshes once and retries at the front of the queue; a
// second 401 or a failed refresh is terminal
func (q *RequestQueue) handleUnauthorized(c *call, staleToken string, resp *Response) {
	apiErr := newAPIError(c.endpoint, resp)

	if c.refreshed || c.retries >= q.cfg.MaxRetries {
		log.Errorf("%s %s still unauthorized after refresh, reauthentication required", logcolors.LogAuthError, c.endpoint)
		q.tokens.ForceReauthentication(apiErr)
		q.finish(c, nil, apiErr)
		return
	}

	log.Warnf("%s 401 on %s, refreshing access token", logcolors.LogAuthError, c.endpoint)
	if _, err := q.tokens.Refresh(q.ctx, staleToken); err != nil {
		// the coordinator has already forced reauthentication
		q.finish(c, nil, fmt.Errorf("%w: %w", ErrUnauthorized, err))
		return
	}

	c.refreshed = true
	q.requeue(c, 0, true)
}

// retryIfIdempotent retries network errors and 5xx answers only for methods
// that can safely run twice. A POST may have been applied upstream.
func (q *RequestQueue) retryIfIdempotent(c *call, cause error) {
	if !c.req.Idempotent() {
		log.Errorf("%s %s %s failed, not retrying: %v", logcolors.LogRetry, c.req.Method, c.endpoint, cause)
		q.finish(c, nil, cause)
		return
	}
	q.retryOrFail(c, 0, cause)
}

// retryOrFail re-queues c after a backoff of at least floor, or fails it with
// cause when retries are exhausted
func (q *RequestQueue) retryOrFail(c *call, floor time.Duration, cause error) {
	if c.retries >= q.cfg.MaxRetries {
		log.Errorf("%s %s failed after %d attempts: %v", logcolors.LogRetry, c.endpoint, c.retries+1, cause)
		q.finish(c, nil, cause)
		return
	}

	delay := q.backoff(c.retries, floor)
	log.Infof("%s Retrying %s in %v (retry %d/%d)", logcolors.LogRetry, c.endpoint, delay.Round(time.Millisecond), c.retries+1, q.cfg.MaxRetries)
	q.requeue(c, delay, false)
}

// requeue puts c back in the heap after delay. The dedup slot stays reserved meanwhile.
func (q *RequestQueue) requeue(c *call, delay time.Duration, front bool) {
	c.retries++
	stats.Get().Retries.Add(1)

	push := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if c.finished {
			return
		}
		if q.closed {
			q.finishLocked(c, nil, ErrQueueClosed)
			return
		}
		c.front = front
		heap.Push(&q.queue, c)
		q.startDrainLocked()
	}

	if delay <= 0 {
		push()
		return
	}
	time.AfterFunc(delay, push)
}

// backoff is base*2^retry plus jitter, at least floor, capped at BackoffCap
func (q *RequestQueue) backoff(retry int, floor time.Duration) time.Duration {
	d := q.cfg.BackoffBase << uint(retry)
	if d <= 0 || d > q.cfg.BackoffCap {
		d = q.cfg.BackoffCap
	}
	d += time.Duration(rand.Int64N(int64(q.cfg.BackoffBase)))
	return min(max(d, floor), q.cfg.BackoffCap)
}

// pause suspends all network activity for d
func (q *RequestQueue) pause(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if until := time.Now().Add(d); until.After(q.pausedUntil) {
		q.pausedUntil = until
	}
}

// send performs the HTTP call through the circuit breaker
func (q *RequestQueue) send(c *call, token string) (*Response, error) {
	var resp *Response
	start := time.Now()

	err := q.breaker.Do(func() error {
		r := q.client.R().
			SetContext(q.ctx).
			SetAuthToken(token)
		for name, values := range c.req.Header {
			if len(values) > 0 {
				r.SetHeader(name, values[0])
			}
		}
		if len(c.req.Body) > 0 {
			r.SetHeader("Content-Type", "application/json").SetBody(c.req.Body)
		}

		log.Debugf("%s %s %s (priority %d, attempt %d)", logcolors.LogHTTP, c.req.Method, c.endpoint, c.priority, c.retries+1)
		res, err := r.Execute(c.req.Method, q.resolve(c.req.URL))
		stats.Get().RecordEndpointCall(c.endpoint)
		if err != nil {
			return err
		}

		resp = &Response{Status: res.StatusCode(), Header: res.Header(), Body: res.Body()}
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.ObserveSpotifyCall(c.endpoint, resp.Status, time.Since(start))
		}
		if resp.Status >= 500 {
			return errServerStatus
		}
		return nil
	}, nil)

	if errors.Is(err, errServerStatus) {
		return resp, nil
	}
	return resp, err
}

func (q *RequestQueue) resolve(rawURL string) string {
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		return rawURL
	}
	return strings.TrimSuffix(q.cfg.BaseURL, "/") + "/" + strings.TrimPrefix(rawURL, "/")
}

// expire fails c with ErrTimeout and frees its dedup slot
func (q *RequestQueue) expire(c *call) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if c.finished {
		return
	}
	stats.Get().QueueTimeouts.Add(1)
	log.Warnf("%s %s timed out after %v", logcolors.LogQueue, c.endpoint, q.cfg.RequestTimeout)
	q.finishLocked(c, nil, ErrTimeout)
}

func (q *RequestQueue) finish(c *call, resp *Response, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finishLocked(c, resp, err)
}

// finishLocked settles c exactly once. Caller holds q.mu.
func (q *RequestQueue) finishLocked(c *call, resp *Response, err error) {
	if c.finished {
		return
	}
	c.finished = true
	c.resp = resp
	c.err = err

	if q.pending[c.key] == c {
		delete(q.pending, c.key)
	}
	if c.index >= 0 {
		heap.Remove(&q.queue, c.index)
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	close(c.done)
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date, defaulting to 1s
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs >= 0 {
		return max(time.Duration(secs)*time.Second, time.Second)
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(time.Until(at), time.Second)
	}
	return time.Second
}

func newAPIError(endpoint string, resp *Response) *APIError {
	apiErr := &APIError{Status: resp.Status, Endpoint: endpoint}
	var body errorBody
	if err := decodeJSON(resp.Body, &body); err == nil && body.Error.Message != "" {
		apiErr.Message = body.Error.Message
	} else {
		apiErr.Message = http.StatusText(resp.Status)
	}
	return apiErr
}

// endpointOf returns the path used in logs and metrics, without query or API version
func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.TrimPrefix(u.Path, "/v1")
}
