package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/hutch/pkg/hotswap"
	"github.com/cuemby/hutch/pkg/recovery"
	"github.com/cuemby/hutch/pkg/types"
)

// callerHeader mirrors the gateway's caller header; see pkg/api.
const callerHeader = "X-Hutch-Tenant"

// maxEventLine bounds one ndjson event on the watch stream. Deploy
// events carry full service sources, so the default scanner limit is
// not enough.
const maxEventLine = 4 << 20

// Client is a typed HTTP client for the hutch gateway. One method per
// operation; sentinel errors round-trip, so errors.Is(err,
// types.ErrNotFound) works the same against a remote kernel as
// against a local one.
type Client struct {
	base   string
	http   *http.Client
	caller string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, e.g. for TLS
// settings or test transports.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithCaller sets the acting tenant on every request. Cross-tenant
// requests without it are denied by the gateway.
func WithCaller(tenant string) Option {
	return func(c *Client) { c.caller = tenant }
}

// New builds a client for the gateway at base, e.g.
// "http://127.0.0.1:7177".
func New(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx gateway response. Reason carries the
// machine-readable class; Unwrap maps it back onto the kernel's
// sentinel errors.
type APIError struct {
	Status  int
	Message string
	Reason  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.Status)
}

// Unwrap recovers the kernel error the gateway mapped, so callers keep
// using errors.Is and errors.As across the wire.
func (e *APIError) Unwrap() error {
	switch e.Reason {
	case "not_found":
		return types.ErrNotFound
	case "already_registered":
		return types.ErrAlreadyRegistered
	case "swap_in_flight":
		return types.ErrSwapInFlight
	case "resource_exhausted":
		return types.ErrResourceExhausted
	case "circuit_open":
		return types.ErrCircuitOpen
	}
	if e.Status == http.StatusForbidden && e.Reason != "" {
		return &types.DeniedError{Reason: types.VerifyReason(e.Reason)}
	}
	return nil
}

type wireError struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.caller != "" {
		req.Header.Set(callerHeader, c.caller)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func apiError(resp *http.Response) error {
	var wire wireError
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil || wire.Error == "" {
		wire.Error = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: wire.Error, Reason: wire.Reason}
}

// ---- services ----

// Deploy submits a spec and returns the identity it now runs under.
func (c *Client) Deploy(ctx context.Context, spec *types.ServiceSpec) (types.Identity, error) {
	var id types.Identity
	err := c.do(ctx, http.MethodPost, "/api/v1/services", spec, &id)
	return id, err
}

// Replace kills the identity if it runs and deploys the spec in its
// place.
func (c *Client) Replace(ctx context.Context, spec *types.ServiceSpec) (types.Identity, error) {
	var id types.Identity
	err := c.do(ctx, http.MethodPut, servicePath(spec.Tenant, spec.Service), spec, &id)
	return id, err
}

// Kill stops the service and records the kill; recovery will not
// resurrect it.
func (c *Client) Kill(ctx context.Context, tenant, service string) error {
	return c.do(ctx, http.MethodDelete, servicePath(tenant, service), nil, nil)
}

// Status reports the live worker stats.
func (c *Client) Status(ctx context.Context, tenant, service string) (*types.ServiceStatus, error) {
	var st types.ServiceStatus
	if err := c.do(ctx, http.MethodGet, servicePath(tenant, service), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// List names the tenant's services.
func (c *Client) List(ctx context.Context, tenant string) ([]types.ServiceInfo, error) {
	var out struct {
		Services []types.ServiceInfo `json:"services"`
	}
	path := "/api/v1/services?tenant=" + url.QueryEscape(tenant)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// Call sends one message to the service and returns its reply. A zero
// timeout uses the gateway default.
func (c *Client) Call(ctx context.Context, tenant, service string, payload map[string]any, timeout time.Duration) (any, error) {
	in := struct {
		Payload map[string]any `json:"payload"`
		Timeout types.Duration `json:"timeout,omitempty"`
	}{Payload: payload, Timeout: types.Duration(timeout)}

	var out struct {
		Reply any `json:"reply"`
	}
	if err := c.do(ctx, http.MethodPost, servicePath(tenant, service)+"/call", in, &out); err != nil {
		return nil, err
	}
	return out.Reply, nil
}

// Swap hot-swaps the service's code in place. A nil window uses the
// default rollback window; an explicit zero commits immediately.
func (c *Client) Swap(ctx context.Context, tenant, service, source string, window *time.Duration) (*hotswap.Receipt, error) {
	in := struct {
		Source string          `json:"source"`
		Window *types.Duration `json:"window,omitempty"`
	}{Source: source}
	if window != nil {
		d := types.Duration(*window)
		in.Window = &d
	}

	var receipt hotswap.Receipt
	if err := c.do(ctx, http.MethodPost, servicePath(tenant, service)+"/swap", in, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func servicePath(tenant, service string) string {
	return "/api/v1/services/" + url.PathEscape(tenant) + "/" + url.PathEscape(service)
}

// ---- events ----

// Events fetches one page of matching events plus the id to resume
// from.
func (c *Client) Events(ctx context.Context, q *types.EventQuery) ([]*types.Event, uint64, error) {
	var out struct {
		Events []*types.Event `json:"events"`
		LastID uint64         `json:"last_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/events?"+eventParams(q, false), nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Events, out.LastID, nil
}

// Watch streams matching events until ctx is cancelled or the server
// goes away, at which point the channel closes. SinceID is explicit
// here: zero replays the whole log, the last seen id resumes after it.
func (c *Client) Watch(ctx context.Context, q *types.EventQuery) (<-chan *types.Event, error) {
	return c.watch(ctx, q, true)
}

// Tail streams only events appended after the call, skipping history.
// It is Watch with the resume point pinned to the server's current
// head.
func (c *Client) Tail(ctx context.Context, q *types.EventQuery) (<-chan *types.Event, error) {
	return c.watch(ctx, q, false)
}

func (c *Client) watch(ctx context.Context, q *types.EventQuery, forceSince bool) (<-chan *types.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/v1/events/watch?"+eventParams(q, forceSince), nil)
	if err != nil {
		return nil, err
	}
	if c.caller != "" {
		req.Header.Set(callerHeader, c.caller)
	}

	// The regular client's overall timeout would sever a long-lived
	// stream mid-read; streams reuse its transport but are bounded by
	// ctx alone.
	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	out := make(chan *types.Event)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)
		for scanner.Scan() {
			var ev types.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				return
			}
			select {
			case out <- &ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func eventParams(q *types.EventQuery, forceSince bool) string {
	if q == nil {
		q = &types.EventQuery{}
	}
	params := url.Values{}
	if q.Tenant != "" {
		params.Set("tenant", q.Tenant)
	}
	if q.Service != "" {
		params.Set("service", q.Service)
	}
	for _, t := range q.Types {
		params.Add("type", string(t))
	}
	if forceSince || q.SinceID > 0 {
		params.Set("since", strconv.FormatUint(q.SinceID, 10))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	return params.Encode()
}

// ---- capabilities ----

// Grant mints a capability token. The token is revealed here and never
// again; the returned record carries only its hash.
func (c *Client) Grant(ctx context.Context, tenant, resource string, permissions []string, ttl time.Duration, meta map[string]string) (string, *types.Capability, error) {
	in := struct {
		Tenant      string            `json:"tenant_id"`
		Resource    string            `json:"resource"`
		Permissions []string          `json:"permissions"`
		TTL         types.Duration    `json:"ttl"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}{Tenant: tenant, Resource: resource, Permissions: permissions, TTL: types.Duration(ttl), Metadata: meta}

	var out struct {
		Token      string            `json:"token"`
		Capability *types.Capability `json:"capability"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/capabilities", in, &out); err != nil {
		return "", nil, err
	}
	return out.Token, out.Capability, nil
}

// Capabilities lists the tenant's live grants, newest first. Records
// carry token hashes, the handle Revoke takes.
func (c *Client) Capabilities(ctx context.Context, tenant string) ([]*types.Capability, error) {
	var out struct {
		Capabilities []*types.Capability `json:"capabilities"`
	}
	path := "/api/v1/capabilities?tenant=" + url.QueryEscape(tenant)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Capabilities, nil
}

// Verify checks the token against the tenant, resource and permission.
// Denials come back as *types.DeniedError with the reason.
func (c *Client) Verify(ctx context.Context, tenant, token, resource, permission string) error {
	in := struct {
		Tenant     string `json:"tenant_id"`
		Token      string `json:"token"`
		Resource   string `json:"resource"`
		Permission string `json:"permission"`
	}{Tenant: tenant, Token: token, Resource: resource, Permission: permission}
	return c.do(ctx, http.MethodPost, "/api/v1/capabilities/verify", in, nil)
}

// Revoke withdraws the grant behind the token hash. Idempotent.
func (c *Client) Revoke(ctx context.Context, tokenHash string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/capabilities/"+url.PathEscape(tokenHash), nil, nil)
}

// ---- secrets ----

// SecretInfo is one row of a tenant's secret listing; values are never
// listed.
type SecretInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SecretPut stores or overwrites the tenant's named secret.
func (c *Client) SecretPut(ctx context.Context, tenant, name, value string) error {
	in := struct {
		Value string `json:"value"`
	}{Value: value}
	return c.do(ctx, http.MethodPut, secretPath(tenant, name), in, nil)
}

// SecretGet decrypts and returns the named secret.
func (c *Client) SecretGet(ctx context.Context, tenant, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, secretPath(tenant, name), nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// SecretDelete removes the named secret.
func (c *Client) SecretDelete(ctx context.Context, tenant, name string) error {
	return c.do(ctx, http.MethodDelete, secretPath(tenant, name), nil, nil)
}

// SecretList names the tenant's secrets.
func (c *Client) SecretList(ctx context.Context, tenant string) ([]SecretInfo, error) {
	var out struct {
		Secrets []SecretInfo `json:"secrets"`
	}
	path := "/api/v1/tenants/" + url.PathEscape(tenant) + "/secrets/"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Secrets, nil
}

func secretPath(tenant, name string) string {
	return "/api/v1/tenants/" + url.PathEscape(tenant) + "/secrets/" + url.PathEscape(name)
}

// ---- recovery / ops ----

// RecoveryVerify cross-checks the registry against the event log.
func (c *Client) RecoveryVerify(ctx context.Context) (*recovery.ConsistencyReport, error) {
	var report recovery.ConsistencyReport
	if err := c.do(ctx, http.MethodPost, "/api/v1/recovery/verify", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Ready reports whether the kernel's critical components are healthy.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil)
}
