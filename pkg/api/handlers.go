package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/hutch/pkg/hotswap"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/types"
)

// CallerHeader names the tenant acting on a request. The gateway
// trusts it the way a local socket trusts its peer: hutch is a
// single-operator kernel and the header exists so cross-tenant access
// is an explicit, audited act rather than an ambient one. Absent, the
// caller is the tenant addressed by the route.
const CallerHeader = "X-Hutch-Tenant"

// defaultCallTimeout bounds service calls that do not ask for one.
const defaultCallTimeout = 5 * time.Second

// defaultEventLimit bounds one page of the events query.
const defaultEventLimit = 256

func pathIdentity(r *http.Request) types.Identity {
	return types.Identity{
		Tenant:  chi.URLParam(r, "tenant"),
		Service: chi.URLParam(r, "service"),
	}
}

func caller(r *http.Request, tenant string) string {
	if c := r.Header.Get(CallerHeader); c != "" {
		return c
	}
	return tenant
}

// ---- services ----

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var spec types.ServiceSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, s.logger, err)
		return
	}

	id, err := s.kernel.Deployer().Deploy(r.Context(), &spec)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, id)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	var spec types.ServiceSpec
	if err := decode(r, &spec); err != nil {
		writeError(w, s.logger, err)
		return
	}
	pid := pathIdentity(r)
	spec.Tenant = pid.Tenant
	spec.Service = pid.Service

	id, err := s.kernel.Deployer().Replace(r.Context(), &spec)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.Deployer().Kill(r.Context(), pathIdentity(r)); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.kernel.Deployer().Status(pathIdentity(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type listResponse struct {
	Tenant   string              `json:"tenant_id"`
	Services []types.ServiceInfo `json:"services"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, s.logger, &types.ValidationError{Field: "tenant", Reason: "query parameter required"})
		return
	}
	writeJSON(w, http.StatusOK, listResponse{
		Tenant:   tenant,
		Services: s.kernel.Deployer().List(tenant),
	})
}

type callRequest struct {
	Payload map[string]any `json:"payload"`
	Timeout types.Duration `json:"timeout,omitempty"`
}

type callResponse struct {
	Reply any `json:"reply"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	timeout := req.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	reply, err := s.kernel.Deployer().Call(r.Context(), pathIdentity(r), req.Payload, timeout)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Reply: reply})
}

type swapRequest struct {
	Source string          `json:"source"`
	Window *types.Duration `json:"window,omitempty"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	window := hotswap.DefaultWindow
	if req.Window != nil {
		window = req.Window.Std()
	}

	id := pathIdentity(r)
	receipt, err := s.kernel.Swapper().Swap(r.Context(), id.Tenant, id.Service, req.Source, window)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// ---- events ----

type eventsResponse struct {
	Events []*types.Event `json:"events"`
	LastID uint64         `json:"last_id"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := eventQuery(r, defaultEventLimit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	evs, err := s.kernel.Events().Filter(q)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	last := q.SinceID
	if n := len(evs); n > 0 {
		last = evs[n-1].ID
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: evs, LastID: last})
}

func eventQuery(r *http.Request, defaultLimit int) (*types.EventQuery, error) {
	params := r.URL.Query()
	q := &types.EventQuery{
		Tenant:  params.Get("tenant"),
		Service: params.Get("service"),
		Limit:   defaultLimit,
	}
	for _, t := range params["type"] {
		q.Types = append(q.Types, types.EventType(t))
	}
	if v := params.Get("since"); v != "" {
		since, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, &types.ValidationError{Field: "since", Reason: "must be an unsigned integer"}
		}
		q.SinceID = since
	}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return nil, &types.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		q.Limit = limit
	}
	return q, nil
}

// ---- capabilities ----

type grantRequest struct {
	Tenant      string            `json:"tenant_id"`
	Resource    string            `json:"resource"`
	Permissions []string          `json:"permissions"`
	TTL         types.Duration    `json:"ttl"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type grantResponse struct {
	Token      string            `json:"token"`
	Capability *types.Capability `json:"capability"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	token, grant, err := s.kernel.Capabilities().Grant(
		r.Context(), req.Tenant, req.Resource, req.Permissions, req.TTL.Std(), req.Metadata)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, grantResponse{Token: token, Capability: grant})
}

type capabilitiesResponse struct {
	Tenant       string              `json:"tenant_id"`
	Capabilities []*types.Capability `json:"capabilities"`
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		writeError(w, s.logger, &types.ValidationError{Field: "tenant", Reason: "query parameter required"})
		return
	}

	caps, err := s.kernel.Capabilities().List(tenant)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if caps == nil {
		caps = []*types.Capability{}
	}
	writeJSON(w, http.StatusOK, capabilitiesResponse{Tenant: tenant, Capabilities: caps})
}

type verifyRequest struct {
	Tenant     string `json:"tenant_id"`
	Token      string `json:"token"`
	Resource   string `json:"resource"`
	Permission string `json:"permission"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.kernel.Capabilities().Verify(
		r.Context(), req.Tenant, req.Token, req.Resource, req.Permission); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.kernel.Capabilities().Revoke(r.Context(), chi.URLParam(r, "hash")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- secrets ----

func (s *Server) vault() (*security.Vault, error) {
	v := s.kernel.Vault()
	if v == nil {
		return nil, errSecretsDisabled
	}
	return v, nil
}

type secretPutRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleSecretPut(w http.ResponseWriter, r *http.Request) {
	v, err := s.vault()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req secretPutRequest
	if err := decode(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	tenant := chi.URLParam(r, "tenant")
	name := chi.URLParam(r, "name")
	if _, err := v.Put(r.Context(), caller(r, tenant), tenant, name, []byte(req.Value)); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type secretResponse struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) handleSecretGet(w http.ResponseWriter, r *http.Request) {
	v, err := s.vault()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	tenant := chi.URLParam(r, "tenant")
	name := chi.URLParam(r, "name")
	value, err := v.Get(r.Context(), caller(r, tenant), tenant, name)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, secretResponse{Name: name, Value: string(value)})
}

func (s *Server) handleSecretDelete(w http.ResponseWriter, r *http.Request) {
	v, err := s.vault()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	tenant := chi.URLParam(r, "tenant")
	if err := v.Delete(r.Context(), caller(r, tenant), tenant, chi.URLParam(r, "name")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type secretInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type secretListResponse struct {
	Tenant  string       `json:"tenant_id"`
	Secrets []secretInfo `json:"secrets"`
}

func (s *Server) handleSecretList(w http.ResponseWriter, r *http.Request) {
	v, err := s.vault()
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	tenant := chi.URLParam(r, "tenant")
	secrets, err := v.List(r.Context(), caller(r, tenant), tenant)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	out := secretListResponse{Tenant: tenant, Secrets: []secretInfo{}}
	for _, sec := range secrets {
		out.Secrets = append(out.Secrets, secretInfo{
			Name:      sec.Name,
			CreatedAt: sec.CreatedAt,
			UpdatedAt: sec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- recovery ----

func (s *Server) handleRecoveryVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.kernel.Verifier().Verify(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
