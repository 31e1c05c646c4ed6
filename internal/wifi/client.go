package wifi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/meshbridge/internal/config"
	"github.com/nugget/meshbridge/internal/httpkit"
)

// Defaults for speed-test operation polling.
const (
	DefaultSpeedTestPoll    = 5 * time.Second
	DefaultSpeedTestTimeout = 3 * time.Minute
)

const (
	maxResponseBody = 4 << 20
	errorBodyLimit  = 512
)

// ClientConfig holds what is needed to open a cloud session.
type ClientConfig struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	TokenURL     string
	BaseURL      string
	Timeout      time.Duration

	SpeedTestPoll    time.Duration
	SpeedTestTimeout time.Duration

	Logger *slog.Logger
}

// Client is the HTTP implementation of [Gateway]. A Client holds one
// authenticated session; once the cloud reports the session expired
// the Client should be closed and replaced by a new one.
type Client struct {
	cfg    ClientConfig
	base   *http.Client // owns the connection pool
	http   *http.Client // base wrapped with the oauth2 transport
	logger *slog.Logger
}

var _ Gateway = (*Client)(nil)

// NewClient builds a Client. No network I/O happens until the first
// call; use [Client.Connect] to verify the credential up front.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SpeedTestPoll <= 0 {
		cfg.SpeedTestPoll = DefaultSpeedTestPoll
	}
	if cfg.SpeedTestTimeout <= 0 {
		cfg.SpeedTestTimeout = DefaultSpeedTestTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	base := httpkit.NewClient(
		httpkit.WithTimeout(cfg.Timeout),
		httpkit.WithRetry(2, 2*time.Second),
		httpkit.WithLogger(cfg.Logger),
	)

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	// The token source keeps this context for every refresh it
	// performs, so it must outlive any single request.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	ts := oc.TokenSource(tokenCtx, &oauth2.Token{RefreshToken: cfg.RefreshToken})

	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &oauth2.Transport{Source: ts, Base: base.Transport},
		},
		logger: cfg.Logger,
	}
}

// Connect fetches an access token and lists the account's systems to
// prove the session works.
func (c *Client) Connect(ctx context.Context) error {
	var res wireGroupsResponse
	return c.do(ctx, "connect", http.MethodGet, "groups", nil, &res)
}

// Close drops pooled connections. The Client must not be used after.
func (c *Client) Close() {
	httpkit.CloseIdle(c.base)
}

// GetSystems returns every system on the account with its access
// points, stations, and live traffic.
func (c *Client) GetSystems(ctx context.Context) (map[string]*System, error) {
	var groups wireGroupsResponse
	if err := c.do(ctx, "get systems", http.MethodGet, "groups", nil, &groups); err != nil {
		return nil, err
	}

	systems := make(map[string]*System, len(groups.Groups))
	for _, g := range groups.Groups {
		if g.ID == "" {
			return nil, newError(KindProtocol, "get systems", errors.New("group without id"))
		}
		gid := url.PathEscape(g.ID)

		var status wireStatus
		if err := c.do(ctx, "get system status", http.MethodGet, "groups/"+gid+"/status", nil, &status); err != nil {
			return nil, err
		}
		var stations wireStationsResponse
		if err := c.do(ctx, "get stations", http.MethodGet, "groups/"+gid+"/stations", nil, &stations); err != nil {
			return nil, err
		}
		var rt wireRealtime
		if err := c.do(ctx, "get realtime metrics", http.MethodGet, "groups/"+gid+"/realtimeMetrics", nil, &rt); err != nil {
			return nil, err
		}

		sys, err := buildSystem(g, status, stations.Stations, rt)
		if err != nil {
			return nil, err
		}
		systems[sys.ID] = sys
	}

	c.logger.Log(ctx, config.LevelTrace, "fetched systems", "count", len(systems))
	return systems, nil
}

// RunSpeedTest starts a WAN speed test, waits for the cloud operation
// to finish, and returns the newest result. A nil result with a nil
// error means the cloud has no result to report yet.
func (c *Client) RunSpeedTest(ctx context.Context, systemID string) (*SpeedTestResult, error) {
	const op = "run speed test"
	gid := url.PathEscape(systemID)

	var started wireOperation
	if err := c.do(ctx, op, http.MethodPost, "groups/"+gid+"/wanSpeedTest", struct{}{}, &started); err != nil {
		return nil, err
	}

	if id := started.Operation.OperationID; id != "" && started.Operation.OperationState != "DONE" {
		if err := c.awaitOperation(ctx, op, id); err != nil {
			return nil, err
		}
	}

	body, err := c.get(ctx, op, "groups/"+gid+"/speedTestResults?maxResultCount=1")
	if err != nil {
		return nil, err
	}
	return decodeSpeedTest(body)
}

func (c *Client) awaitOperation(ctx context.Context, op, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SpeedTestTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.SpeedTestPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return newError(KindTransient, op, fmt.Errorf("operation %s: %w", id, ctx.Err()))
		case <-ticker.C:
		}

		var st wireOperationState
		if err := c.do(ctx, op, http.MethodGet, "operations/"+url.PathEscape(id), nil, &st); err != nil {
			return err
		}
		c.logger.Debug("speed test operation", "operation_id", id, "state", st.OperationState)
		switch st.OperationState {
		case "DONE":
			return nil
		case "FAILED", "CANCELLED":
			return newError(KindTransient, op, fmt.Errorf("operation %s ended %s", id, st.OperationState))
		}
	}
}

// RestartSystem reboots every node of a system.
func (c *Client) RestartSystem(ctx context.Context, systemID string) error {
	return c.do(ctx, "restart system", http.MethodPost, "groups/"+url.PathEscape(systemID)+"/reboot", struct{}{}, nil)
}

// RestartAP reboots one access point.
func (c *Client) RestartAP(ctx context.Context, apID string) error {
	return c.do(ctx, "restart access point", http.MethodPost, "accessPoints/"+url.PathEscape(apID)+"/reboot", struct{}{}, nil)
}

// PauseDevice blocks or unblocks a station's internet access.
func (c *Client) PauseDevice(ctx context.Context, systemID, deviceID string, paused bool) error {
	body := map[string]string{
		"stationId": deviceID,
		"blocked":   fmt.Sprint(paused),
	}
	return c.do(ctx, "pause device", http.MethodPut, "groups/"+url.PathEscape(systemID)+"/stationBlocking", body, nil)
}

// PrioritizeDevice grants a station priority for d. The cloud accepts
// whole hours; d is rounded up.
func (c *Client) PrioritizeDevice(ctx context.Context, systemID, deviceID string, d time.Duration) error {
	if d <= 0 {
		return c.ClearPrioritization(ctx, systemID)
	}
	hours := (d + time.Hour - 1) / time.Hour
	end := time.Now().Add(hours * time.Hour).UTC().Format(time.RFC3339)
	body := map[string]string{
		"stationId":             deviceID,
		"prioritizationEndTime": end,
	}
	return c.do(ctx, "prioritize device", http.MethodPut, "groups/"+url.PathEscape(systemID)+"/prioritizedStation", body, nil)
}

// ClearPrioritization removes any active station priority.
func (c *Client) ClearPrioritization(ctx context.Context, systemID string) error {
	return c.do(ctx, "clear prioritization", http.MethodDelete, "groups/"+url.PathEscape(systemID)+"/prioritizedStation", nil, nil)
}

// SetBrightness sets an access point's light intensity.
func (c *Client) SetBrightness(ctx context.Context, apID string, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("set brightness: intensity %d outside 0-100", percent)
	}
	body := map[string]int{"intensity": percent}
	return c.do(ctx, "set brightness", http.MethodPut, "accessPoints/"+url.PathEscape(apID)+"/lighting", body, nil)
}

// do sends a JSON request and decodes the response into out when out
// is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+"/"+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(op, err)
	}
	if err := checkStatus(op, resp); err != nil {
		return err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	httpkit.DrainAndClose(resp.Body, 1024)
	if err != nil {
		return newError(KindTransient, op, fmt.Errorf("read response: %w", err))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return decodeJSON(op, raw, out)
}

func (c *Client) get(ctx context.Context, op, path string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.do(ctx, op, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// checkStatus maps a non-2xx response to a tagged error and consumes
// the body.
func checkStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := httpkit.ReadErrorBody(resp.Body, errorBodyLimit)
	err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(msg))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return newError(KindSessionExpired, op, err)
	case resp.StatusCode == http.StatusForbidden:
		return newError(KindAuth, op, err)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return newError(KindTransient, op, err)
	default:
		return newError(KindProtocol, op, err)
	}
}

// classifyTransportError tags errors returned by http.Client.Do,
// including token refresh failures surfaced by the oauth2 transport.
func classifyTransportError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := 0
		if re.Response != nil {
			code = re.Response.StatusCode
		}
		switch {
		case re.ErrorCode == "invalid_grant", re.ErrorCode == "invalid_client",
			code == http.StatusBadRequest, code == http.StatusUnauthorized, code == http.StatusForbidden:
			return newError(KindAuth, op, fmt.Errorf("refresh token rejected: %w", err))
		default:
			return newError(KindTransient, op, fmt.Errorf("token refresh: %w", err))
		}
	}
	return newError(KindTransient, op, err)
}
