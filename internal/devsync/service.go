// Package devsync keeps the store and the attendance terminals in step. All
// device work goes through Service, which serialises it behind one lock.
package devsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/database"
	"zk-attendance-bridge/internal/events"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
	"zk-attendance-bridge/internal/zk"
)

// Progress is reported while a device operation runs.
type Progress struct {
	RunID    string `json:"run_id"`
	DeviceID int    `json:"device_id"`
	Stage    string `json:"stage"`
	Current  int    `json:"current"`
	Total    int    `json:"total"`
	Message  string `json:"message,omitempty"`
}

// ProgressFunc receives progress updates. It must not block.
type ProgressFunc func(Progress)

// UserSyncReport counts the outcome of copying device users into the store.
type UserSyncReport struct {
	Synced  int      `json:"synced"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// TemplateSyncReport counts the outcome of copying device templates.
type TemplateSyncReport struct {
	Saved   int      `json:"saved"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// AttendanceSyncReport counts collected punches.
type AttendanceSyncReport struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
}

// PushReport counts the outcome of writing stored users to a device.
type PushReport struct {
	Pushed           int      `json:"pushed"`
	Skipped          int      `json:"skipped"`
	Failed           int      `json:"failed"`
	TemplatesWritten int      `json:"templates_written"`
	Errors           []string `json:"errors,omitempty"`
}

// DeviceResult is the outcome of a full sync of one device.
type DeviceResult struct {
	types.Result
	DeviceID   int                   `json:"device_id"`
	Users      *UserSyncReport       `json:"users,omitempty"`
	Templates  *TemplateSyncReport   `json:"templates,omitempty"`
	Attendance *AttendanceSyncReport `json:"attendance,omitempty"`

	Err error `json:"-"`
}

// RunReport is the outcome of syncing every configured device.
type RunReport struct {
	RunID     string         `json:"run_id"`
	Devices   []DeviceResult `json:"devices"`
	Stopped   bool           `json:"stopped"`
	StartedAt time.Time      `json:"started_at"`
	Duration  string         `json:"duration"`
}

// UserDump is a portable copy of one user and its templates.
type UserDump struct {
	User      zk.User       `json:"user"`
	Templates []zk.Template `json:"templates"`
	DumpedAt  time.Time     `json:"dumped_at"`
}

// Service runs device operations one at a time.
type Service struct {
	db        *database.DB
	devices   []config.DeviceConfig
	cfg       config.SyncConfig
	publisher events.Publisher
	logger    *logrus.Logger
	dial      zk.DialFunc
	progress  ProgressFunc

	reconciler *Reconciler

	lock chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	runID  string
}

// Option configures a Service.
type Option func(*Service)

// WithDialer replaces the device dialer.
func WithDialer(dial zk.DialFunc) Option {
	return func(s *Service) {
		s.dial = dial
	}
}

// WithPublisher sets where sync events are published.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Service) {
		s.progress = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a sync service for the configured devices.
func NewService(db *database.DB, devices []config.DeviceConfig, cfg config.SyncConfig, opts ...Option) *Service {
	s := &Service{
		db:        db,
		devices:   devices,
		cfg:       cfg,
		publisher: events.Nop{},
		logger:    logrus.StandardLogger(),
		dial:      zk.NetDial,
		progress:  func(Progress) {},
		lock:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.reconciler = NewReconciler(s.logger)
	s.reconciler.SettleDelay = cfg.SettleDelay
	if cfg.MaxUID > 0 {
		s.reconciler.MaxUID = cfg.MaxUID
	}
	return s
}

// Devices returns the configured devices.
func (s *Service) Devices() []config.DeviceConfig {
	return s.devices
}

// Device looks up a configured device.
func (s *Service) Device(id int) (config.DeviceConfig, error) {
	for _, d := range s.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return config.DeviceConfig{}, fmt.Errorf("device %d is not configured", id)
}

// Busy reports whether an operation holds the lock.
func (s *Service) Busy() bool {
	return len(s.lock) == 1
}

// RunID returns the id of the running operation, if any.
func (s *Service) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Stop cancels the running operation. It is a no-op when idle.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.logger.WithField("run_id", s.runID).Info("Stop requested")
		s.cancel()
	}
}

// ErrBusy is returned instead of waiting for the lock when the context was
// marked with NoWait.
var ErrBusy = errors.New("another operation is in progress")

type noWaitKey struct{}

// NoWait marks ctx so that operations started with it fail with ErrBusy
// rather than queue behind the running one.
func NoWait(ctx context.Context) context.Context {
	return context.WithValue(ctx, noWaitKey{}, true)
}

// begin takes the operation lock and returns a context Stop can cancel.
func (s *Service) begin(ctx context.Context) (context.Context, func(), error) {
	if noWait, _ := ctx.Value(noWaitKey{}).(bool); noWait {
		select {
		case s.lock <- struct{}{}:
		default:
			return nil, nil, fmt.Errorf("%w: operation %s", ErrBusy, s.RunID())
		}
	} else {
		select {
		case s.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("%w: %v", zk.ErrCancelled, ctx.Err())
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.runID = uuid.NewString()
	s.mu.Unlock()

	return runCtx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.runID = ""
		s.mu.Unlock()
		cancel()
		<-s.lock
	}, nil
}

func (s *Service) report(deviceID int, stage string, current, total int, msg string) {
	s.progress(Progress{
		RunID:    s.RunID(),
		DeviceID: deviceID,
		Stage:    stage,
		Current:  current,
		Total:    total,
		Message:  msg,
	})
}

// open dials a device. A password changed through the bridge overrides the
// configured one.
func (s *Service) open(ctx context.Context, dev config.DeviceConfig) (*zk.Session, error) {
	if dev.ID != 0 {
		stored, ok, err := s.db.GetState(database.DevicePasswordKey(dev.ID))
		if err != nil {
			s.logger.WithError(err).WithField("device_id", dev.ID).Warn("Failed to read stored device password")
		} else if ok {
			dev.Password = stored
		}
	}

	return zk.Dial(ctx, dev.Params(s.cfg.KeepAlivePeriod),
		zk.WithDialer(s.dial),
		zk.WithLogger(s.logger),
		zk.WithMaxTemplateSize(s.cfg.MaxTemplateSize),
	)
}

// withDevice runs fn under the lock with an open session and records the
// device status afterwards.
func (s *Service) withDevice(ctx context.Context, dev config.DeviceConfig, op string, fn func(context.Context, *zk.Session) error) error {
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.runOnDevice(ctx, dev, op, fn)
}

func (s *Service) runOnDevice(ctx context.Context, dev config.DeviceConfig, op string, fn func(context.Context, *zk.Session) error) error {
	logger := logging.NewDeviceLogger(s.logger, dev.ID, dev.Host)

	sess, err := s.open(ctx, dev)
	if err == nil {
		err = fn(ctx, sess)
		sess.Disconnect()
	}

	switch {
	case err == nil:
		s.setStatus(dev.ID, database.DeviceStatusOnline, "")
	case errors.Is(err, zk.ErrCancelled):
		logger.WithField("operation", op).Info("Operation stopped")
	default:
		logging.LogDeviceError(logger, err, dev.ID, op, zk.IsRetryable(err))
		s.setStatus(dev.ID, database.DeviceStatusError, err.Error())
	}
	return err
}

func (s *Service) setStatus(deviceID int, status, msg string) {
	if deviceID == 0 {
		return
	}
	if err := s.db.SetDeviceStatus(deviceID, status, msg); err != nil {
		logging.LogStorageError(s.logger, err, "set_device_status", true)
		return
	}
	event := events.NewEvent(events.TypeDeviceStatus, deviceID, map[string]interface{}{
		"status": status,
		"error":  msg,
	})
	s.publish(event)
}

func (s *Service) publish(event *events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WithError(err).WithField("event_type", event.Type).Warn("Failed to publish event")
	}
}

// SyncUsers copies the device's users into the store.
func (s *Service) SyncUsers(ctx context.Context, dev config.DeviceConfig) (*UserSyncReport, error) {
	var report *UserSyncReport
	err := s.withDevice(ctx, dev, "sync_users", func(ctx context.Context, sess *zk.Session) error {
		users, err := sess.FetchUsers(ctx)
		if err != nil {
			return err
		}
		report, err = s.syncUsers(ctx, dev, users)
		return err
	})
	return report, err
}

func (s *Service) syncUsers(ctx context.Context, dev config.DeviceConfig, users []zk.User) (*UserSyncReport, error) {
	report := &UserSyncReport{}
	for i, du := range users {
		if err := checkCancelled(ctx); err != nil {
			return report, err
		}
		s.report(dev.ID, "users", i+1, len(users), du.UserID)
		if du.UserID == "" {
			continue
		}

		stored, err := s.db.GetUser(du.UserID)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		next := mergeDeviceUser(stored, du, dev.ID)
		if stored != nil && sameStoredUser(stored, next) {
			report.Skipped++
			continue
		}
		if err := s.db.UpsertUser(next); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		if stored == nil {
			report.Synced++
		} else {
			report.Updated++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"device_id": dev.ID,
		"synced":    report.Synced,
		"updated":   report.Updated,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	}).Info("Users synced")
	return report, nil
}

// SyncTemplates copies the device's templates of stored users into the store.
func (s *Service) SyncTemplates(ctx context.Context, dev config.DeviceConfig) (*TemplateSyncReport, error) {
	var report *TemplateSyncReport
	err := s.withDevice(ctx, dev, "sync_templates", func(ctx context.Context, sess *zk.Session) error {
		users, err := sess.FetchUsers(ctx)
		if err != nil {
			return err
		}
		report, err = s.syncTemplates(ctx, sess, dev, users)
		return err
	})
	return report, err
}

func (s *Service) syncTemplates(ctx context.Context, sess *zk.Session, dev config.DeviceConfig, users []zk.User) (*TemplateSyncReport, error) {
	templates, err := sess.FetchTemplates(ctx, "", users)
	if err != nil {
		return nil, err
	}

	owners := make(map[uint16]string, len(users))
	for _, u := range users {
		owners[u.UID] = u.UserID
	}

	report := &TemplateSyncReport{}
	stored := make(map[string]map[string]string)
	for i, t := range templates {
		if err := checkCancelled(ctx); err != nil {
			return report, err
		}
		s.report(dev.ID, "templates", i+1, len(templates), "")

		userID := owners[t.UID]
		if userID == "" {
			report.Skipped++
			continue
		}
		existing, ok := stored[userID]
		if !ok {
			existing, err = s.storedTemplates(userID)
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			stored[userID] = existing
		}
		if existing == nil {
			report.Skipped++
			continue
		}

		fingerIndex := database.FormatFingerIndex(int(t.Finger), t.Valid != 0)
		if existing[fingerIndex] == database.EncodeTemplate(t.Data) {
			report.Skipped++
			continue
		}
		record := &database.FingerprintTemplate{
			UserID:      userID,
			FingerIndex: fingerIndex,
			DeviceID:    dev.ID,
		}
		if err := s.db.SaveTemplate(record, t.Data); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Saved++
	}

	s.logger.WithFields(logrus.Fields{
		"device_id": dev.ID,
		"saved":     report.Saved,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
	}).Info("Templates synced")
	return report, nil
}

// storedTemplates maps finger index to template for a stored user, or
// returns nil when the user is not in the store.
func (s *Service) storedTemplates(userID string) (map[string]string, error) {
	u, err := s.db.GetUser(userID)
	if err != nil || u == nil {
		return nil, err
	}
	list, err := s.db.ListTemplates(userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, t := range list {
		out[t.FingerIndex] = t.Template
	}
	return out, nil
}

// SyncAttendance collects the device's punch log into the store.
func (s *Service) SyncAttendance(ctx context.Context, dev config.DeviceConfig) (*AttendanceSyncReport, error) {
	var report *AttendanceSyncReport
	err := s.withDevice(ctx, dev, "sync_attendance", func(ctx context.Context, sess *zk.Session) error {
		var err error
		report, err = s.syncAttendance(ctx, sess, dev)
		return err
	})
	return report, err
}

func (s *Service) syncAttendance(ctx context.Context, sess *zk.Session, dev config.DeviceConfig) (*AttendanceSyncReport, error) {
	records, err := sess.FetchAttendance(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	s.report(dev.ID, "attendance", len(records), len(records), "")

	serial := dev.Serial
	if serial == "" {
		if info, err := sess.GetDeviceInfo(ctx); err != nil {
			s.logger.WithError(err).WithField("device_id", dev.ID).Warn("Failed to read device serial number")
		} else {
			serial = info.SerialNumber
		}
	}

	latest, err := s.db.LatestAttendanceTime(dev.ID)
	if err != nil {
		return nil, err
	}

	logs := make([]database.AttendanceLog, 0, len(records))
	for _, r := range records {
		logs = append(logs, database.AttendanceLog{
			DeviceSerial: serial,
			UserID:       r.UserID,
			RecordTime:   r.RecordTime,
			Type:         r.Type,
			State:        r.State,
			DeviceID:     dev.ID,
		})
	}
	inserted, err := s.db.InsertAttendance(logs)
	if err != nil {
		return nil, err
	}

	for _, l := range logs {
		if latest != nil && !l.RecordTime.After(*latest) {
			continue
		}
		s.publish(events.NewEvent(events.TypeAttendance, dev.ID, map[string]interface{}{
			"user_id":       l.UserID,
			"record_time":   l.RecordTime.UTC(),
			"type":          l.Type,
			"state":         l.State,
			"device_serial": l.DeviceSerial,
		}))
	}

	s.logger.WithFields(logrus.Fields{
		"device_id": dev.ID,
		"fetched":   len(records),
		"inserted":  inserted,
	}).Info("Attendance synced")
	return &AttendanceSyncReport{Fetched: len(records), Inserted: inserted}, nil
}

// ClearAttendance erases the device's punch log.
func (s *Service) ClearAttendance(ctx context.Context, dev config.DeviceConfig) error {
	return s.withDevice(ctx, dev, "clear_attendance", func(ctx context.Context, sess *zk.Session) error {
		return sess.ClearAttendance(ctx)
	})
}

// SyncDevice syncs users, templates and attendance of one device.
func (s *Service) SyncDevice(ctx context.Context, dev config.DeviceConfig) DeviceResult {
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return DeviceResult{Result: types.FromError(err), DeviceID: dev.ID, Err: err}
	}
	defer release()
	return s.syncDevice(ctx, dev)
}

func (s *Service) syncDevice(ctx context.Context, dev config.DeviceConfig) DeviceResult {
	result := DeviceResult{DeviceID: dev.ID}
	err := s.runOnDevice(ctx, dev, "sync_device", func(ctx context.Context, sess *zk.Session) error {
		users, err := sess.FetchUsers(ctx)
		if err != nil {
			return err
		}
		if result.Users, err = s.syncUsers(ctx, dev, users); err != nil {
			return err
		}
		if result.Templates, err = s.syncTemplates(ctx, sess, dev, users); err != nil {
			return err
		}
		result.Attendance, err = s.syncAttendance(ctx, sess, dev)
		return err
	})
	result.Result = types.FromError(err)
	result.Err = err
	return result
}

// SyncAllDevices syncs every configured device in turn. A stop ends the run
// before the next device.
func (s *Service) SyncAllDevices(ctx context.Context) (*RunReport, error) {
	ctx, release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.syncAll(ctx)
}

// StartSyncAll takes the lock without waiting and syncs every device in the
// background. done receives the report once the lock is released. It returns
// ErrBusy when another operation holds the lock.
func (s *Service) StartSyncAll(ctx context.Context, done func(*RunReport, error)) error {
	ctx, release, err := s.begin(NoWait(ctx))
	if err != nil {
		return err
	}
	go func() {
		report, err := s.syncAll(ctx)
		release()
		done(report, err)
	}()
	return nil
}

func (s *Service) syncAll(ctx context.Context) (*RunReport, error) {
	run := &RunReport{RunID: s.RunID(), StartedAt: time.Now().UTC()}
	logger := s.logger.WithField("run_id", run.RunID)
	logger.WithField("devices", len(s.devices)).Info("Starting sync of all devices")

	for i, dev := range s.devices {
		if checkCancelled(ctx) != nil {
			run.Stopped = true
			break
		}
		s.report(dev.ID, "device", i+1, len(s.devices), dev.Name)

		result := s.syncDevice(ctx, dev)
		run.Devices = append(run.Devices, result)
		if result.Stopped {
			run.Stopped = true
			break
		}
	}
	run.Duration = time.Since(run.StartedAt).String()

	failed := 0
	for _, d := range run.Devices {
		if d.Failed() {
			failed++
		}
	}
	s.publish(events.NewEvent(events.TypeSyncCompleted, 0, map[string]interface{}{
		"run_id":  run.RunID,
		"devices": len(run.Devices),
		"failed":  failed,
		"stopped": run.Stopped,
	}))
	logger.WithFields(logrus.Fields{
		"devices": len(run.Devices),
		"failed":  failed,
		"stopped": run.Stopped,
	}).Info("Sync of all devices finished")

	if run.Stopped {
		return run, fmt.Errorf("%w: sync run %s", zk.ErrCancelled, run.RunID)
	}
	return run, nil
}

// PushUsers writes the stored users assigned to a device, with their
// templates, onto it. Users already matching the device are skipped.
func (s *Service) PushUsers(ctx context.Context, dev config.DeviceConfig) (*PushReport, error) {
	stored, err := s.db.ListUsersForDevice(dev.ID)
	if err != nil {
		return nil, err
	}

	report := &PushReport{}
	err = s.withDevice(ctx, dev, "push_users", func(ctx context.Context, sess *zk.Session) error {
		onDevice, err := sess.FetchUsers(ctx)
		if err != nil {
			return err
		}
		deviceTemplates, err := sess.FetchTemplates(ctx, "", onDevice)
		if err != nil {
			return err
		}
		templateCount := make(map[uint16]int)
		for _, t := range deviceTemplates {
			templateCount[t.UID]++
		}

		for i, u := range stored {
			if err := checkCancelled(ctx); err != nil {
				return err
			}
			s.report(dev.ID, "push", i+1, len(stored), u.UserID)

			templates, err := s.loadTemplates(u.UserID)
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			want := DeviceUser(u, dev.ID)
			if have, ok := zk.FindUser(onDevice, u.UserID); ok && sameDeviceUser(have, want) && templateCount[have.UID] == len(templates) {
				report.Skipped++
				continue
			}

			rw, err := s.reconciler.RewriteUser(ctx, sess, Rewrite{User: want, Replacements: templates})
			if err != nil {
				if errors.Is(err, zk.ErrCancelled) || errors.Is(err, zk.ErrUserNotFoundAfterWrite) {
					return err
				}
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", u.UserID, err))
				continue
			}
			report.Pushed++
			report.TemplatesWritten += rw.Written
			report.Errors = append(report.Errors, rw.Errors...)
		}
		return nil
	})
	return report, err
}

// loadTemplates reads a stored user's templates as device templates.
func (s *Service) loadTemplates(userID string) ([]zk.Template, error) {
	list, err := s.db.ListTemplates(userID)
	if err != nil {
		return nil, err
	}
	out := make([]zk.Template, 0, len(list))
	for _, t := range list {
		finger, valid, err := database.ParseFingerIndex(t.FingerIndex)
		if err != nil {
			return nil, err
		}
		data, err := database.DecodeTemplate(t.Template)
		if err != nil {
			return nil, fmt.Errorf("template %s/%s: %w", userID, t.FingerIndex, err)
		}
		tmpl := zk.Template{Finger: uint8(finger), Data: data, Size: len(data) + 6}
		if valid {
			tmpl.Valid = 1
		}
		out = append(out, tmpl)
	}
	return out, nil
}

// DeleteFingerprint removes one finger of a user from the device by
// rewriting the user without it, then drops it from the store.
func (s *Service) DeleteFingerprint(ctx context.Context, dev config.DeviceConfig, userID string, finger uint8) (*RewriteReport, error) {
	var report *RewriteReport
	err := s.withDevice(ctx, dev, "delete_fingerprint", func(ctx context.Context, sess *zk.Session) error {
		users, err := sess.FetchUsers(ctx)
		if err != nil {
			return err
		}
		u, ok := zk.FindUser(users, userID)
		if !ok {
			return fmt.Errorf("user %s not found on device", userID)
		}
		templates, err := sess.FetchTemplates(ctx, userID, users)
		if err != nil {
			return err
		}
		report, err = s.reconciler.RewriteUser(ctx, sess, Rewrite{
			User:          u,
			Templates:     templates,
			RemoveFingers: []uint8{finger},
		})
		return err
	})
	if err != nil {
		return report, err
	}

	if err := s.db.DeleteTemplate(userID, int(finger)); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Debug("No stored template to delete")
	}
	return report, nil
}

// DumpUser reads one user and its templates from a device.
func (s *Service) DumpUser(ctx context.Context, dev config.DeviceConfig, userID string) (*UserDump, error) {
	var dump *UserDump
	err := s.withDevice(ctx, dev, "dump_user", func(ctx context.Context, sess *zk.Session) error {
		users, err := sess.FetchUsers(ctx)
		if err != nil {
			return err
		}
		u, ok := zk.FindUser(users, userID)
		if !ok {
			return fmt.Errorf("user %s not found on device", userID)
		}
		templates, err := sess.FetchTemplates(ctx, userID, users)
		if err != nil {
			return err
		}
		dump = &UserDump{User: u, Templates: templates, DumpedAt: time.Now().UTC()}
		return nil
	})
	return dump, err
}

// RestoreUser writes a dumped user and its templates onto a device.
func (s *Service) RestoreUser(ctx context.Context, dev config.DeviceConfig, dump *UserDump) (*RewriteReport, error) {
	var report *RewriteReport
	err := s.withDevice(ctx, dev, "restore_user", func(ctx context.Context, sess *zk.Session) error {
		var err error
		report, err = s.reconciler.RewriteUser(ctx, sess, Rewrite{User: dump.User, Replacements: dump.Templates})
		return err
	})
	return report, err
}

// ChangePassword sets a new COM password on the device. oldPassword, when
// given, is used to connect. The new password is remembered for configured
// devices.
func (s *Service) ChangePassword(ctx context.Context, dev config.DeviceConfig, oldPassword, newPassword string) error {
	if _, err := strconv.ParseUint(newPassword, 10, 32); err != nil {
		return fmt.Errorf("new password must be numeric")
	}
	if oldPassword != "" {
		dev.Password = oldPassword
	}

	ctx, release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	logger := logging.NewDeviceLogger(s.logger, dev.ID, dev.Host)
	var sess *zk.Session
	if oldPassword != "" {
		sess, err = zk.Dial(ctx, dev.Params(s.cfg.KeepAlivePeriod), zk.WithDialer(s.dial), zk.WithLogger(s.logger))
	} else {
		sess, err = s.open(ctx, dev)
	}
	if err != nil {
		logging.LogDeviceError(logger, err, dev.ID, "change_password", false)
		return err
	}
	defer sess.Disconnect()

	if err := sess.ChangePassword(ctx, newPassword); err != nil {
		logging.LogDeviceError(logger, err, dev.ID, "change_password", false)
		return err
	}
	if dev.ID != 0 {
		if err := s.db.SetState(database.DevicePasswordKey(dev.ID), newPassword); err != nil {
			return fmt.Errorf("password changed on device but not saved: %w", err)
		}
	}
	logger.Info("Device password changed")
	return nil
}

// GetTime reads the device clock.
func (s *Service) GetTime(ctx context.Context, dev config.DeviceConfig) (time.Time, error) {
	var t time.Time
	err := s.withDevice(ctx, dev, "get_time", func(ctx context.Context, sess *zk.Session) error {
		var err error
		t, err = sess.GetTime(ctx)
		return err
	})
	return t, err
}

// SetTime sets the device clock.
func (s *Service) SetTime(ctx context.Context, dev config.DeviceConfig, t time.Time) error {
	return s.withDevice(ctx, dev, "set_time", func(ctx context.Context, sess *zk.Session) error {
		return sess.SetTime(ctx, t)
	})
}

// DeviceInfo reads the identification attributes of a device.
func (s *Service) DeviceInfo(ctx context.Context, dev config.DeviceConfig) (*zk.DeviceInfo, error) {
	var info *zk.DeviceInfo
	err := s.withDevice(ctx, dev, "device_info", func(ctx context.Context, sess *zk.Session) error {
		var err error
		info, err = sess.GetDeviceInfo(ctx)
		return err
	})
	return info, err
}
