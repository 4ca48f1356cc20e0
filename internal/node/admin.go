package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"clusterd/internal/coordinator"
	"clusterd/internal/member"
	"clusterd/internal/membership"
	"clusterd/internal/telemetry"
)

// maxBodyBytes caps the size of command request bodies.
const maxBodyBytes = 64 << 10

// Cluster is the part of the coordinator the admin API drives.
type Cluster interface {
	Self() member.UniqueAddress
	State() *membership.State
	SelfStatus() (member.Status, bool)
	Leave(ctx context.Context, addr member.Address) error
	Down(ctx context.Context, addr member.Address) error
}

// JoinFunc joins the cluster through seeds.
type JoinFunc func(ctx context.Context, seeds []member.Address) error

// Admin serves the HTTP admin API.
type Admin struct {
	cluster Cluster
	join    JoinFunc
	log     *zap.Logger
}

// NewAdmin returns the admin API for c. join handles POST /join.
func NewAdmin(c Cluster, join JoinFunc, log *zap.Logger) *Admin {
	if log == nil {
		log = zap.NewNop()
	}
	return &Admin{cluster: c, join: join, log: log.Named("admin")}
}

// Handler returns the admin routes, each instrumented.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /members", telemetry.Instrument("members", http.HandlerFunc(a.Members)))
	mux.Handle("GET /unreachable", telemetry.Instrument("unreachable", http.HandlerFunc(a.Unreachable)))
	mux.Handle("GET /status", telemetry.Instrument("status", http.HandlerFunc(a.Status)))
	mux.Handle("POST /join", telemetry.Instrument("join", http.HandlerFunc(a.Join)))
	mux.Handle("POST /leave", telemetry.Instrument("leave", http.HandlerFunc(a.Leave)))
	mux.Handle("POST /down", telemetry.Instrument("down", http.HandlerFunc(a.Down)))
	mux.HandleFunc("GET /healthz", a.Healthz)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}

type memberJSON struct {
	Address     string   `json:"address"`
	Incarnation uint64   `json:"incarnation"`
	Status      string   `json:"status"`
	Roles       []string `json:"roles,omitempty"`
	UpNumber    int      `json:"up_number,omitempty"`
}

func toJSON(ms []member.Member) []memberJSON {
	out := make([]memberJSON, 0, len(ms))
	for _, m := range ms {
		out = append(out, memberJSON{
			Address:     m.Node.Address.String(),
			Incarnation: m.Node.Incarnation,
			Status:      m.Status.String(),
			Roles:       m.Roles,
			UpNumber:    m.UpNumber,
		})
	}
	return out
}

type statusJSON struct {
	Self        string `json:"self"`
	Member      bool   `json:"member"`
	Status      string `json:"status,omitempty"`
	Leader      string `json:"leader,omitempty"`
	IsLeader    bool   `json:"is_leader"`
	Convergence bool   `json:"convergence"`
	Youngest    string `json:"youngest,omitempty"`
	Members     int    `json:"members"`
	Unreachable int    `json:"unreachable"`
	Version     string `json:"version"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type joinRequest struct {
	Seeds []string `json:"seeds"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// decodeBody decodes a JSON request body of at most maxBodyBytes into v
// and writes the error response when it cannot.
func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeError(w, code, err)
		return false
	}
	return true
}

// errorStatus maps command errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, member.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrUnknownMember):
		return http.StatusNotFound
	case errors.Is(err, member.ErrInvalidTransition), errors.Is(err, coordinator.ErrAlreadyMember):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// Members lists every member of the current state.
func (a *Admin) Members(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toJSON(a.cluster.State().Members()))
}

// Unreachable lists the members some observer cannot reach.
func (a *Admin) Unreachable(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toJSON(a.cluster.State().Unreachable()))
}

// Status reports the local view: own status, leader and convergence.
func (a *Admin) Status(w http.ResponseWriter, _ *http.Request) {
	st := a.cluster.State()
	resp := statusJSON{
		Self:        a.cluster.Self().String(),
		Convergence: st.Convergence(),
		Members:     len(st.Members()),
		Unreachable: len(st.Unreachable()),
		Version:     st.Gossip().Version().String(),
	}
	if s, ok := a.cluster.SelfStatus(); ok {
		resp.Member = s != member.Removed
		resp.Status = s.String()
	}
	if l, ok := st.Leader(); ok {
		resp.Leader = l.String()
		resp.IsLeader = l == a.cluster.Self()
	}
	if m, ok := st.YoungestMember(); ok {
		resp.Youngest = m.Node.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Join starts joining the seeds in the request body. An empty list makes
// the node start a cluster of its own.
func (a *Admin) Join(w http.ResponseWriter, req *http.Request) {
	var body joinRequest
	if !decodeBody(w, req, &body) {
		return
	}
	seeds := make([]member.Address, 0, len(body.Seeds))
	for _, s := range body.Seeds {
		addr, err := member.ParseAddress(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		seeds = append(seeds, addr)
	}
	if err := a.join(req.Context(), seeds); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	a.log.Info("join requested", zap.Int("seeds", len(seeds)))
	w.WriteHeader(http.StatusAccepted)
}

// Leave moves the member in the request body to Leaving.
func (a *Admin) Leave(w http.ResponseWriter, req *http.Request) {
	a.command(w, req, "leave", a.cluster.Leave)
}

// Down marks the member in the request body as Down.
func (a *Admin) Down(w http.ResponseWriter, req *http.Request) {
	a.command(w, req, "down", a.cluster.Down)
}

func (a *Admin) command(w http.ResponseWriter, req *http.Request, name string, fn func(context.Context, member.Address) error) {
	var body addressRequest
	if !decodeBody(w, req, &body) {
		return
	}
	addr, err := member.ParseAddress(body.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(req.Context(), addr); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	a.log.Info("command accepted", zap.String("command", name), zap.Stringer("address", addr))
	w.WriteHeader(http.StatusAccepted)
}

// Healthz returns 200 OK while the node is alive.
func (a *Admin) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
