package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/database"
	"zk-attendance-bridge/internal/devsync"
	"zk-attendance-bridge/internal/types"
	"zk-attendance-bridge/internal/zk"
)

const (
	defaultAttendanceLimit = 500
	maxAttendanceLimit     = 10000
	maxFingerIndex         = 9
)

// DeviceView is the public shape of a configured device. Passwords never
// leave the bridge.
type DeviceView struct {
	ID        int                    `json:"id"`
	Serial    string                 `json:"serial,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Host      string                 `json:"host"`
	Port      int                    `json:"port"`
	Transport string                 `json:"transport"`
	Status    *database.DeviceStatus `json:"status,omitempty"`
}

// HealthView is returned by /health.
type HealthView struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Database    string `json:"database"`
	Busy        bool   `json:"busy"`
	RunID       string `json:"run_id,omitempty"`
	Devices     int    `json:"devices"`
	Subscribers int    `json:"subscribers"`
}

type setTimeRequest struct {
	Time string `json:"time"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Server) writeResult(w http.ResponseWriter, data interface{}, err error) {
	result := types.FromError(err)
	result.Data = data
	s.writeJSON(w, statusFor(err), result)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, types.Result{Error: msg})
}

// statusFor maps an operation error to an HTTP status. A stopped operation
// still answers 200 with stopped set in the body.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, zk.ErrCancelled):
		return http.StatusOK
	case errors.Is(err, devsync.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// device resolves the {id} path variable. It writes the error response and
// returns false when the device is unknown.
func (s *Server) device(w http.ResponseWriter, r *http.Request) (config.DeviceConfig, bool) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid device id")
		return config.DeviceConfig{}, false
	}
	dev, err := s.syncer.Device(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return config.DeviceConfig{}, false
	}
	return dev, true
}

// idle writes 409 when another operation holds the device lock. Handlers
// also start operations with devsync.NoWait, which yields 409 through
// statusFor when the lock is taken between the check and the call.
func (s *Server) idle(w http.ResponseWriter) bool {
	if s.syncer.Busy() {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("operation %s is in progress", s.syncer.RunID()))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthView{
		Status:      "healthy",
		Version:     s.version,
		Database:    "ok",
		Busy:        s.syncer.Busy(),
		RunID:       s.syncer.RunID(),
		Devices:     len(s.syncer.Devices()),
		Subscribers: s.hub.ConnectionCount(),
	}
	status := http.StatusOK
	if err := s.store.Health(); err != nil {
		health.Status = "degraded"
		health.Database = err.Error()
		status = http.StatusServiceUnavailable
	}

	result := types.OK(health)
	result.Success = status == http.StatusOK
	s.writeJSON(w, status, result)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.store.ListDeviceStatuses()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load device statuses")
	}
	byID := make(map[int]*database.DeviceStatus, len(statuses))
	for _, st := range statuses {
		byID[st.DeviceID] = st
	}

	devices := s.syncer.Devices()
	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, DeviceView{
			ID:        d.ID,
			Serial:    d.Serial,
			Name:      d.Name,
			Host:      d.Host,
			Port:      d.Port,
			Transport: d.Transport,
			Status:    byID[d.ID],
		})
	}
	s.writeJSON(w, http.StatusOK, types.OK(views))
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok || !s.idle(w) {
		return
	}
	info, err := s.syncer.DeviceInfo(devsync.NoWait(r.Context()), dev)
	s.writeResult(w, info, err)
}

func (s *Server) handleGetTime(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok || !s.idle(w) {
		return
	}
	t, err := s.syncer.GetTime(devsync.NoWait(r.Context()), dev)
	if err != nil {
		s.writeResult(w, nil, err)
		return
	}
	s.writeResult(w, map[string]string{"time": t.Format(time.RFC3339)}, nil)
}

// handleSetTime sets the device clock to the RFC3339 time in the body, or
// to the bridge's local time when the body is empty.
func (s *Server) handleSetTime(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}

	t := time.Now()
	var req setTimeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Time != "" {
		parsed, err := time.Parse(time.RFC3339, req.Time)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "time must be RFC3339")
			return
		}
		t = parsed
	}
	if !s.idle(w) {
		return
	}

	if err := s.syncer.SetTime(devsync.NoWait(r.Context()), dev, t); err != nil {
		s.writeResult(w, nil, err)
		return
	}
	s.writeResult(w, map[string]string{"time": t.Format(time.RFC3339)}, nil)
}

func (s *Server) handleSyncDevice(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok || !s.idle(w) {
		return
	}
	result := s.syncer.SyncDevice(devsync.NoWait(r.Context()), dev)
	status := http.StatusOK
	if result.Failed() {
		status = statusFor(result.Err)
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleSyncUsers(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok || !s.idle(w) {
		return
	}
	report, err := s.syncer.SyncUsers(devsync.NoWait(r.Context()), dev)
	s.writeResult(w, report, err)
}

func (s *Server) handleSyncTemplates(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok || !s.idle(w) {
		return
	}
	report, err := s.syncer.SyncTemplates(devsync.NoWait(r.Context()), dev)
	s.writeResult(w, report, err)
}

func (s *Server) handleSyncAttendance(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok || !s.idle(w) {
		return
	}
	report, err := s.syncer.SyncAttendance(devsync.NoWait(r.Context()), dev)
	s.writeResult(w, report, err)
}

func (s *Server) handlePushUsers(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok || !s.idle(w) {
		return
	}
	report, err := s.syncer.PushUsers(devsync.NoWait(r.Context()), dev)
	s.writeResult(w, report, err)
}

func (s *Server) handleDeleteFingerprint(w http.ResponseWriter, r *http.Request) {
	dev, ok := s.device(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	finger, err := strconv.Atoi(vars["finger"])
	if err != nil || finger < 0 || finger > maxFingerIndex {
		s.writeError(w, http.StatusBadRequest, "finger must be between 0 and 9")
		return
	}
	if !s.idle(w) {
		return
	}

	report, err := s.syncer.DeleteFingerprint(devsync.NoWait(r.Context()), dev, vars["userId"], uint8(finger))
	s.writeResult(w, report, err)
}

// handleSyncAll starts a run over every device and returns immediately. The
// run outlives the request; its report is broadcast to websocket clients.
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	if !s.idle(w) {
		return
	}

	err := s.syncer.StartSyncAll(context.Background(), func(report *devsync.RunReport, err error) {
		result := types.FromError(err)
		result.Data = report
		if result.Failed() {
			s.logger.WithError(err).Error("Sync of all devices failed")
		}
		s.hub.Broadcast(MessageRunResult, 0, result)
	})
	if err != nil {
		s.writeResult(w, nil, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, types.OK(map[string]interface{}{
		"devices": len(s.syncer.Devices()),
	}))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	runID := s.syncer.RunID()
	if !s.syncer.Busy() {
		s.writeJSON(w, http.StatusOK, types.OK(map[string]interface{}{"stopped": false}))
		return
	}
	s.syncer.Stop()
	s.logger.WithField("run_id", runID).Info("Stop requested over API")
	s.writeJSON(w, http.StatusOK, types.OK(map[string]interface{}{
		"stopped": true,
		"run_id":  runID,
	}))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		s.logger.WithError(err).Error("Failed to list users")
		s.writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	for i := range users {
		users[i].Password = ""
	}
	s.writeJSON(w, http.StatusOK, types.OK(users))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	user, err := s.store.GetUser(userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to get user")
		s.writeError(w, http.StatusInternalServerError, "failed to get user")
		return
	}
	if user == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("user %s not found", userID))
		return
	}
	user.Password = ""

	templates, err := s.store.ListTemplates(userID)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Error("Failed to list templates")
		s.writeError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	fingers := make([]string, 0, len(templates))
	for _, t := range templates {
		fingers = append(fingers, t.FingerIndex)
	}

	s.writeJSON(w, http.StatusOK, types.OK(map[string]interface{}{
		"user":    user,
		"fingers": fingers,
	}))
}

// handleListAttendance accepts device_id, since (RFC3339) and limit.
func (s *Server) handleListAttendance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	deviceID := 0
	if v := q.Get("device_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid device_id")
			return
		}
		deviceID = id
	}

	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	limit := defaultAttendanceLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n > maxAttendanceLimit {
			n = maxAttendanceLimit
		}
		limit = n
	}

	logs, err := s.store.ListAttendance(deviceID, since, limit)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"device_id": deviceID,
			"limit":     limit,
		}).Error("Failed to list attendance")
		s.writeError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	s.writeJSON(w, http.StatusOK, types.OK(logs))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.ServeWS(w, r); err != nil {
		s.logger.WithError(err).Warn("Websocket upgrade failed")
	}
}
