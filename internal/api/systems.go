package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/wifi"
)

// systemsResponse is the body of GET /v1/systems.
type systemsResponse struct {
	UpdatedAt   time.Time      `json:"updated_at"`
	LastSuccess bool           `json:"last_update_success"`
	Systems     []*wifi.System `json:"systems"`
}

// snapshot returns the latest snapshot, or writes 503 and returns nil
// before the first successful refresh.
func (s *Server) snapshot(w http.ResponseWriter) *coordinator.Snapshot {
	snap := s.coord.Snapshot()
	if snap == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "no data yet")
	}
	return snap
}

func (s *Server) handleSystems(w http.ResponseWriter, _ *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}

	ids := make([]string, 0, len(snap.Systems))
	for id := range snap.Systems {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	resp := systemsResponse{
		UpdatedAt:   snap.UpdatedAt,
		LastSuccess: s.coord.LastUpdateSuccess(),
		Systems:     make([]*wifi.System, 0, len(ids)),
	}
	for _, id := range ids {
		resp.Systems = append(resp.Systems, snap.Systems[id])
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	sys := snap.System(r.PathValue("id"))
	if sys == nil {
		s.errorResponse(w, http.StatusNotFound, "unknown system")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sys, s.logger)
}

// lookupSystem resolves the {id} or {sid} path value against the
// latest snapshot, writing the error response when it is unknown.
func (s *Server) lookupSystem(w http.ResponseWriter, id string) *wifi.System {
	snap := s.snapshot(w)
	if snap == nil {
		return nil
	}
	sys := snap.System(id)
	if sys == nil {
		s.errorResponse(w, http.StatusNotFound, "unknown system")
	}
	return sys
}

func (s *Server) handleSpeedTest(w http.ResponseWriter, r *http.Request) {
	sys := s.lookupSystem(w, r.PathValue("id"))
	if sys == nil {
		return
	}
	s.coord.ForceSpeedTest(sys.ID)
	s.metrics.Command("api", nil)
	s.accepted(w, "speed test scheduled for next refresh")
}

func (s *Server) handleRestartSystem(w http.ResponseWriter, r *http.Request) {
	sys := s.lookupSystem(w, r.PathValue("id"))
	if sys == nil {
		return
	}
	s.command(w, r, "restart system", func(ctx context.Context, gw wifi.Gateway) error {
		return gw.RestartSystem(ctx, sys.ID)
	})
}

func (s *Server) handleRestartAP(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	apID := r.PathValue("id")
	found := false
	for _, sys := range snap.Systems {
		if _, ok := sys.AccessPoints[apID]; ok {
			found = true
			break
		}
	}
	if !found {
		s.errorResponse(w, http.StatusNotFound, "unknown access point")
		return
	}
	s.command(w, r, "restart access point", func(ctx context.Context, gw wifi.Gateway) error {
		return gw.RestartAP(ctx, apID)
	})
}

// pauseRequest is the body of POST .../pause.
type pauseRequest struct {
	Paused *bool `json:"paused"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Paused == nil {
		s.errorResponse(w, http.StatusBadRequest, `body must be {"paused": true|false}`)
		return
	}
	sys, did := s.lookupDevice(w, r)
	if sys == nil {
		return
	}
	s.command(w, r, "pause device", func(ctx context.Context, gw wifi.Gateway) error {
		return gw.PauseDevice(ctx, sys.ID, did, *req.Paused)
	})
}

// prioritizeRequest is the body of POST .../prioritize.
type prioritizeRequest struct {
	Hours float64 `json:"hours"`
}

// handlePrioritize replaces any existing prioritization on the system
// with one for the given device.
func (s *Server) handlePrioritize(w http.ResponseWriter, r *http.Request) {
	var req prioritizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Hours <= 0 {
		s.errorResponse(w, http.StatusBadRequest, `body must be {"hours": n} with n > 0`)
		return
	}
	sys, did := s.lookupDevice(w, r)
	if sys == nil {
		return
	}
	d := time.Duration(req.Hours * float64(time.Hour))
	s.command(w, r, "prioritize device", func(ctx context.Context, gw wifi.Gateway) error {
		if err := gw.ClearPrioritization(ctx, sys.ID); err != nil {
			return err
		}
		return gw.PrioritizeDevice(ctx, sys.ID, did, d)
	})
}

func (s *Server) handleClearPrioritization(w http.ResponseWriter, r *http.Request) {
	sys := s.lookupSystem(w, r.PathValue("sid"))
	if sys == nil {
		return
	}
	s.command(w, r, "clear prioritization", func(ctx context.Context, gw wifi.Gateway) error {
		return gw.ClearPrioritization(ctx, sys.ID)
	})
}

func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (*wifi.System, string) {
	sys := s.lookupSystem(w, r.PathValue("sid"))
	if sys == nil {
		return nil, ""
	}
	did := r.PathValue("did")
	if _, ok := sys.Devices[did]; !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown device")
		return nil, ""
	}
	return sys, did
}

// command runs one cloud write on the current session and writes the
// response.
func (s *Server) command(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, wifi.Gateway) error) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	err := fn(ctx, s.coord.Gateway())
	s.metrics.Command("api", err)
	if err != nil {
		s.logger.Warn("api command failed", "op", op, "error", err)
		s.errorResponse(w, statusForError(err), err.Error())
		return
	}
	s.logger.Info("api command applied", "op", op)
	s.accepted(w, op+" accepted")
}

func (s *Server) accepted(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "accepted", "message": message}, s.logger)
}

// statusForError maps a gateway error kind to an HTTP status.
func statusForError(err error) int {
	switch wifi.KindOf(err) {
	case wifi.KindTransient, wifi.KindSessionExpired:
		return http.StatusServiceUnavailable
	case wifi.KindAuth, wifi.KindProtocol, wifi.KindUnsupportedDevice:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
