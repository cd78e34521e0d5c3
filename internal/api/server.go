// Package api serves the navigation core's HTTP surface: status and
// tuning parameters, mission control, safety latch management, stored
// telemetry queries, and the live websocket feed.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sunride-robotics/navcore/internal/config"
	"github.com/sunride-robotics/navcore/internal/httputil"
	"github.com/sunride-robotics/navcore/internal/monitoring"
	"github.com/sunride-robotics/navcore/internal/nav"
	"github.com/sunride-robotics/navcore/internal/nav/mission"
	"github.com/sunride-robotics/navcore/internal/nav/pipeline"
	"github.com/sunride-robotics/navcore/internal/nav/safety"
	"github.com/sunride-robotics/navcore/internal/nav/storage/sqlite"
	"github.com/sunride-robotics/navcore/internal/units"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// Server exposes the navigation core over HTTP.
type Server struct {
	pipeline *pipeline.Pipeline
	mission  *mission.Sequencer
	safety   *safety.Supervisor
	hub      *Hub

	// Optional stores; endpoints answer 503 when absent.
	poses        *sqlite.PoseStore
	missionStore *sqlite.MissionStore
	safetyStore  *sqlite.SafetyStore

	tuningMu sync.RWMutex
	tuning   *config.TuningConfig
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Pipeline *pipeline.Pipeline
	Mission  *mission.Sequencer
	Safety   *safety.Supervisor
	Tuning   *config.TuningConfig
	Hub      *Hub

	PoseStore    *sqlite.PoseStore
	MissionStore *sqlite.MissionStore
	SafetyStore  *sqlite.SafetyStore
}

// NewServer creates the API server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		pipeline:     cfg.Pipeline,
		mission:      cfg.Mission,
		safety:       cfg.Safety,
		hub:          cfg.Hub,
		poses:        cfg.PoseStore,
		missionStore: cfg.MissionStore,
		safetyStore:  cfg.SafetyStore,
		tuning:       cfg.Tuning,
	}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/params", s.handleParams)
	mux.HandleFunc("/api/mission/load", s.loadMission)
	mux.HandleFunc("/api/mission/start", s.startMission)
	mux.HandleFunc("/api/mission/reset", s.resetMission)
	mux.HandleFunc("/api/mission/runs", s.listMissionRuns)
	mux.HandleFunc("/api/mission/events", s.listMissionEvents)
	mux.HandleFunc("/api/estimator/reset", s.resetEstimator)
	mux.HandleFunc("/api/safety/clear", s.clearSafety)
	mux.HandleFunc("/api/safety/events", s.listSafetyEvents)
	mux.HandleFunc("/api/poses", s.listPoses)
	if s.hub != nil {
		mux.HandleFunc("/api/telemetry/live", s.hub.ServeLive)
	}
	return mux
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf("[%d] %s %s %vms",
			lrw.statusCode, r.Method, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.pipeline.Status(time.Now()))
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.tuningMu.RLock()
		defer s.tuningMu.RUnlock()
		httputil.WriteJSONOK(w, s.tuning)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			httputil.BadRequest(w, "failed to read request body")
			return
		}
		var overlay config.TuningConfig
		if err := json.Unmarshal(body, &overlay); err != nil {
			httputil.BadRequest(w, "invalid tuning JSON: "+err.Error())
			return
		}
		// Validate the merged result, not the bare overlay: cross-field
		// checks need the values the overlay leaves untouched.
		s.tuningMu.Lock()
		merged := s.tuning.Clone()
		merged.Merge(&overlay)
		if err := merged.Validate(); err != nil {
			s.tuningMu.Unlock()
			httputil.BadRequest(w, err.Error())
			return
		}
		s.tuning.Merge(&overlay)
		s.tuningMu.Unlock()
		// Loop rates and component constants are read at startup; a
		// merged overlay is served immediately but applies on restart.
		httputil.WriteJSONOK(w, map[string]string{"status": "merged"})

	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) loadMission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return
	}
	var req struct {
		Waypoints []nav.Waypoint `json:"waypoints"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.BadRequest(w, "invalid mission JSON: "+err.Error())
		return
	}
	if len(req.Waypoints) == 0 {
		httputil.BadRequest(w, "mission needs at least one waypoint")
		return
	}
	for i, wp := range req.Waypoints {
		if wp.ID == "" {
			httputil.BadRequest(w, "waypoint "+strconv.Itoa(i)+" missing marker ID")
			return
		}
	}
	if err := s.mission.LoadMission(req.Waypoints); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"status": "loaded", "waypoints": len(req.Waypoints)})
}

func (s *Server) startMission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.mission.Start(time.Now()); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.mission.Snapshot())
}

// resetEstimator reinitialises the pose filter after the vehicle has been
// manually repositioned, e.g. carried back to the charging dock.
func (s *Server) resetEstimator(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.pipeline.ResetEstimator(time.Now())
	httputil.WriteJSONOK(w, s.pipeline.Pose())
}

func (s *Server) resetMission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.pipeline.ResetMission(time.Now())
	httputil.WriteJSONOK(w, s.mission.Snapshot())
}

func (s *Server) clearSafety(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.safety.Clear(time.Now()); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.safety.Snapshot(time.Now()))
}

func (s *Server) listMissionRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.missionStore == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "mission storage disabled")
		return
	}
	runs, err := s.missionStore.ListRuns(queryInt(r, "limit", 50))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"runs": runs})
}

func (s *Server) listMissionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.missionStore == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "mission storage disabled")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		httputil.BadRequest(w, "run_id query parameter required")
		return
	}
	events, err := s.missionStore.ListByRun(runID)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"run_id": runID, "events": events})
}

func (s *Server) listSafetyEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.safetyStore == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "safety storage disabled")
		return
	}
	events, err := s.safetyStore.ListRecent(queryInt(r, "limit", 100))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"events": events})
}

func (s *Server) listPoses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.poses == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "pose storage disabled")
		return
	}
	to := time.Now()
	from := to.Add(-time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		nanos, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.BadRequest(w, "bad from timestamp")
			return
		}
		from = time.Unix(0, nanos)
	}
	if v := r.URL.Query().Get("to"); v != "" {
		nanos, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.BadRequest(w, "bad to timestamp")
			return
		}
		to = time.Unix(0, nanos)
	}
	speedUnits := r.URL.Query().Get("units")
	if speedUnits == "" {
		speedUnits = units.MPS
	}
	if !units.IsValid(speedUnits) {
		httputil.BadRequest(w, "unknown speed units: "+speedUnits)
		return
	}
	poses, err := s.poses.ListRange(from, to, queryInt(r, "limit", 1000))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	// Storage is always m/s; convert on the way out only.
	for i := range poses {
		poses[i].V = units.ConvertSpeed(poses[i].V, speedUnits)
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"poses": poses, "speed_units": speedUnits})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
