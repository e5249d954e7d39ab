// Package datasource talks to the remote shift-change endpoint: it fetches
// the full record set, pushes the watermark back and saves record edits.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/shiftwatch/internal/kvstore"
	"github.com/thebtf/shiftwatch/pkg/models"
)

const (
	// DefaultTimeout is the hard deadline for one request.
	DefaultTimeout = 30 * time.Second
	// DefaultCacheTTL is how long a successful fetch may be served from memory.
	DefaultCacheTTL = 5 * time.Minute

	// EndpointOverrideKey is the store key of the remembered endpoint.
	EndpointOverrideKey = "api_endpoint"

	maxResponseBytes = 32 << 20
)

// Snapshot is the result of one fetch. Records must be treated as read-only.
type Snapshot struct {
	FetchedAt       time.Time
	ServerWatermark *int64
	Endpoint        string
	Records         []models.Record
	FromCache       bool
	Stale           bool
}

// Ack is the server's answer to a write.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Config configures a Client.
type Config struct {
	HTTPClient *http.Client
	Store      kvstore.Store
	Clock      quartz.Clock
	Endpoint   string
	UserID     string
	Timeout    time.Duration
	CacheTTL   time.Duration
}

// Client fetches from one default endpoint, optionally redirected by a
// remembered override.
type Client struct {
	fetchedAt       time.Time
	store           kvstore.Store
	clock           quartz.Clock
	http            *http.Client
	schema          *jsonschema.Schema
	cache           *Snapshot
	lastGood        *Snapshot
	group           singleflight.Group
	log             zerolog.Logger
	defaultEndpoint string
	override        string
	userID          string
	timeout         time.Duration
	cacheTTL        time.Duration
	mu              sync.RWMutex
}

// New creates a client and loads the remembered endpoint override.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("datasource: endpoint is required")
	}
	if cfg.Store == nil {
		cfg.Store = kvstore.NewMemory()
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CacheTTL < 0 {
		cfg.CacheTTL = 0
	}

	schema, err := compileResponseSchema()
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:           cfg.Store,
		clock:           cfg.Clock,
		http:            cfg.HTTPClient,
		schema:          schema,
		log:             logger.With().Str("component", "datasource").Logger(),
		defaultEndpoint: strings.TrimSpace(cfg.Endpoint),
		userID:          cfg.UserID,
		timeout:         cfg.Timeout,
		cacheTTL:        cfg.CacheTTL,
	}

	saved, ok, err := c.store.Get(ctx, EndpointOverrideKey)
	if err != nil {
		return nil, fmt.Errorf("load endpoint override: %w", err)
	}
	if ok && saved != "" && saved != c.defaultEndpoint {
		c.log.Info().Str("endpoint", saved).Msg("Using remembered endpoint override")
		c.override = saved
	}
	return c, nil
}

// Endpoint returns the endpoint requests currently go to.
func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.override != "" {
		return c.override
	}
	return c.defaultEndpoint
}

// DefaultEndpoint returns the configured endpoint.
func (c *Client) DefaultEndpoint() string {
	return c.defaultEndpoint
}

// SetUserID changes the user sent with getData requests and drops the cache.
func (c *Client) SetUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.cache = nil
	c.lastGood = nil
	c.mu.Unlock()
}

// InvalidateCache drops the short-lived read cache. The last good snapshot
// kept for timeouts is not affected.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// FetchAll returns the full record set. Unless force is set, a snapshot
// younger than the cache TTL is returned without a request. On timeout the
// last successful snapshot of this process is returned, marked Stale.
func (c *Client) FetchAll(ctx context.Context, force bool) (Snapshot, error) {
	if !force {
		if snap, ok := c.cached(); ok {
			c.log.Debug().Int("records", len(snap.Records)).Msg("Using cached data")
			return snap, nil
		}
	}

	key := "fetch"
	if force {
		key = "fetch-force"
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

func (c *Client) cached() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil || c.cacheTTL == 0 {
		return Snapshot{}, false
	}
	if c.clock.Since(c.fetchedAt) >= c.cacheTTL {
		return Snapshot{}, false
	}
	snap := *c.cache
	snap.FromCache = true
	return snap, true
}

func (c *Client) fetch(ctx context.Context) (Snapshot, error) {
	endpoint := c.Endpoint()
	res, err := c.fetchFrom(ctx, endpoint)

	var fe *FetchError
	if err != nil && endpoint != c.defaultEndpoint && errors.As(err, &fe) && fe.connectionLevel() {
		c.log.Warn().Err(err).Str("override", endpoint).Msg("Remembered endpoint unreachable, retrying default")
		endpoint = c.defaultEndpoint
		res, err = c.fetchFrom(ctx, endpoint)
		if err == nil {
			c.forgetOverride(ctx)
		}
	}

	if err != nil {
		if errors.Is(err, ErrTimeout) {
			c.mu.RLock()
			last := c.lastGood
			c.mu.RUnlock()
			if last != nil {
				c.log.Warn().Err(err).Time("fetched_at", last.FetchedAt).Msg("Request timed out, returning last good data")
				snap := *last
				snap.FromCache = true
				snap.Stale = true
				return snap, nil
			}
		}
		c.log.Error().Err(err).Str("endpoint", endpoint).Msg("Failed to fetch data")
		return Snapshot{}, err
	}

	if res.apiURL != "" && res.apiURL != c.Endpoint() {
		c.rememberOverride(ctx, res.apiURL)
	}

	snap := Snapshot{
		Records:         res.records,
		ServerWatermark: res.serverWatermark,
		FetchedAt:       c.clock.Now(),
		Endpoint:        endpoint,
	}
	c.mu.Lock()
	c.cache = &snap
	c.lastGood = &snap
	c.fetchedAt = snap.FetchedAt
	c.mu.Unlock()

	c.log.Debug().Int("records", len(snap.Records)).Str("endpoint", endpoint).Msg("Fetched data")
	return snap, nil
}

func (c *Client) fetchFrom(ctx context.Context, endpoint string) (decoded, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.RLock()
	userID := c.userID
	c.mu.RUnlock()

	target, err := withQuery(endpoint, url.Values{"action": {"getData"}, "userId": {userID}})
	if err != nil {
		return decoded{}, protocolErr("fetch", endpoint, "build url: %w", err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return decoded{}, protocolErr("fetch", endpoint, "build request: %w", err)
	}

	body, err := c.do(ctx, reqCtx, "fetch", endpoint, req)
	if err != nil {
		return decoded{}, err
	}
	return decodeResponse(c.schema, endpoint, body)
}

// Push sends the watermark for userID. A response without success is an
// ErrSyncPush failure.
func (c *Client) Push(ctx context.Context, userID string, lastSeenID int64) (Ack, error) {
	form := url.Values{
		"action":     {"updateLastSeenId"},
		"userId":     {userID},
		"lastSeenId": {fmt.Sprintf("%d", lastSeenID)},
	}
	ack, err := c.postForm(ctx, "push", form)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			fe.Kind = KindPush
			return ack, fe
		}
		return ack, &FetchError{Kind: KindPush, Op: "push", Endpoint: c.Endpoint(), Err: err}
	}
	if !ack.Success {
		msg := ack.Message
		if msg == "" {
			msg = "update lastSeenId failed"
		}
		return ack, &FetchError{Kind: KindPush, Op: "push", Endpoint: c.Endpoint(), Err: errors.New(msg)}
	}
	return ack, nil
}

// UpdateRecord saves an edit of one record section. Success invalidates the
// read cache so the next fetch reflects the change.
func (c *Client) UpdateRecord(ctx context.Context, u models.RecordUpdate) (Ack, error) {
	if err := u.Validate(); err != nil {
		return Ack{}, err
	}
	data, err := marshalFields(u.Fields)
	if err != nil {
		return Ack{}, err
	}
	form := url.Values{
		"action":  {"updateData"},
		"id":      {fmt.Sprintf("%d", u.ID)},
		"section": {string(u.Section)},
		"data":    {data},
	}
	ack, err := c.postForm(ctx, "update", form)
	if err != nil {
		return ack, err
	}
	if !ack.Success {
		msg := ack.Message
		if msg == "" {
			msg = "update failed"
		}
		return ack, protocolErr("update", c.Endpoint(), "%s", msg)
	}
	c.InvalidateCache()
	return ack, nil
}

func (c *Client) postForm(ctx context.Context, op string, form url.Values) (Ack, error) {
	endpoint := c.Endpoint()
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Ack{}, protocolErr(op, endpoint, "build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(ctx, reqCtx, op, endpoint, req)
	if err != nil {
		return Ack{}, err
	}
	var ack wireAck
	if err := unmarshalAck(body, &ack); err != nil {
		return Ack{}, protocolErr(op, endpoint, "decode response: %w", err)
	}
	return Ack{Success: ack.Success, Message: ack.Message}, nil
}

// do sends req and returns the body of a 200 answer. Failures are
// classified into the FetchError kinds.
func (c *Client) do(parent, reqCtx context.Context, op, endpoint string, req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(parent, reqCtx, op, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classify(parent, reqCtx, op, endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &FetchError{Kind: KindTransient, Op: op, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	default:
		return nil, &FetchError{Kind: KindProtocol, Op: op, Endpoint: endpoint, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
}

func classify(parent, reqCtx context.Context, op, endpoint string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", op, parent.Err())
	}
	var netErr net.Error
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &FetchError{Kind: KindTimeout, Op: op, Endpoint: endpoint, Err: err}
	}
	return &FetchError{Kind: KindTransient, Op: op, Endpoint: endpoint, Err: err}
}

func (c *Client) rememberOverride(ctx context.Context, endpoint string) {
	if endpoint == c.defaultEndpoint {
		c.forgetOverride(ctx)
		return
	}
	c.mu.Lock()
	c.override = endpoint
	c.mu.Unlock()
	c.log.Info().Str("endpoint", endpoint).Msg("Updating endpoint from response")
	if err := c.store.Set(ctx, EndpointOverrideKey, endpoint); err != nil {
		c.log.Warn().Err(err).Msg("Failed to persist endpoint override")
	}
}

func (c *Client) forgetOverride(ctx context.Context) {
	c.mu.Lock()
	had := c.override != ""
	c.override = ""
	c.mu.Unlock()
	if !had {
		return
	}
	if err := c.store.Remove(ctx, EndpointOverrideKey); err != nil {
		c.log.Warn().Err(err).Msg("Failed to remove endpoint override")
	}
}

func withQuery(endpoint string, q url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	existing := u.Query()
	for k, vs := range q {
		if k == "userId" && (len(vs) == 0 || vs[0] == "") {
			continue
		}
		existing[k] = vs
	}
	u.RawQuery = existing.Encode()
	return u.String(), nil
}
