package devsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/database"
	"zk-attendance-bridge/internal/events"
	"zk-attendance-bridge/internal/zk"
	"zk-attendance-bridge/internal/zk/zktest"
)

type fixture struct {
	svc      *Service
	db       *database.DB
	devices  map[string]*zktest.Device
	events   *events.Recorder
	progress []Progress
}

func newFixture(t *testing.T, n int, opts ...Option) *fixture {
	t.Helper()

	db, err := database.NewDB(database.Config{DatabasePath: filepath.Join(t.TempDir(), "sync.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, devices: make(map[string]*zktest.Device), events: &events.Recorder{}}
	var cfgs []config.DeviceConfig
	for i := 1; i <= n; i++ {
		host := "10.0.0." + string(rune('0'+i))
		f.devices[host] = zktest.NewDevice()
		cfgs = append(cfgs, config.DeviceConfig{ID: i, Host: host, Port: zk.DefaultPort, Transport: "tcp", Timeout: time.Second})
	}

	dial := func(ctx context.Context, p zk.Params) (zk.Transport, error) {
		dev, ok := f.devices[p.Host]
		if !ok {
			return nil, &zk.ConnectionError{Addr: p.Addr(), Err: zk.ErrConnectionRefused}
		}
		return dev.Dial(ctx, p)
	}
	logger, _ := test.NewNullLogger()
	opts = append([]Option{
		WithDialer(dial),
		WithLogger(logger),
		WithPublisher(f.events),
		WithProgress(func(p Progress) { f.progress = append(f.progress, p) }),
	}, opts...)
	f.svc = NewService(db, cfgs, config.SyncConfig{MaxTemplateSize: 2000, MaxUID: 3000}, opts...)
	return f
}

func (f *fixture) device(id int) (config.DeviceConfig, *zktest.Device) {
	cfg, err := f.svc.Device(id)
	if err != nil {
		panic(err)
	}
	return cfg, f.devices[cfg.Host]
}

func (f *fixture) eventsOf(eventType string) []*events.Event {
	var out []*events.Event
	for _, e := range f.events.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestSyncUsers_Idempotent(t *testing.T) {
	f := newFixture(t, 1)
	cfg, dev := f.device(1)
	dev.AddUser(zk.User{UID: 1, UserID: "1042", Name: "Ada", Privilege: zk.LEVEL_ADMIN, CardNo: 5501})
	dev.AddUser(zk.User{UID: 2, UserID: "1043", Name: "Grace"})

	first, err := f.svc.SyncUsers(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, &UserSyncReport{Synced: 2}, first)

	second, err := f.svc.SyncUsers(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, &UserSyncReport{Skipped: 2}, second)

	stored, err := f.db.GetUser("1042")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "14,1", stored.Role)
	assert.Equal(t, "5501", stored.CardNo)
	assert.Equal(t, []int{1}, stored.StoredDeviceIDs)

	status, err := f.db.GetDeviceStatus(1)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, database.DeviceStatusOnline, status.Status)
	assert.NotEmpty(t, f.progress)
}

func TestSyncUsers_UpdatesChangedUser(t *testing.T) {
	f := newFixture(t, 1)
	cfg, dev := f.device(1)
	dev.AddUser(zk.User{UID: 1, UserID: "1042", Name: "Ada"})

	_, err := f.svc.SyncUsers(context.Background(), cfg)
	require.NoError(t, err)

	dev.AddUser(zk.User{UID: 1, UserID: "1042", Name: "Ada Lovelace"})
	report, err := f.svc.SyncUsers(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, &UserSyncReport{Updated: 1}, report)

	stored, err := f.db.GetUser("1042")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", stored.Name)
}

func TestMergeRole(t *testing.T) {
	tests := []struct {
		name      string
		role      string
		stored    []int
		device    int
		privilege int
		want      string
	}{
		{"unchanged normal", "0", nil, 1, 0, "0"},
		{"new admin", "0", nil, 2, 14, "14,2"},
		{"admin on another device", "14,1", []int{1}, 2, 14, "14,1,2"},
		{"demoted on one device", "14,1,2", []int{1, 2}, 2, 0, "14,1"},
		{"demoted on last device", "14,2", []int{2}, 2, 0, "0"},
		{"unscoped admin demoted", "14", []int{1, 2, 3}, 2, 0, "14,1,3"},
		{"unscoped admin stays", "14", []int{1}, 1, 14, "14"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeRole(tt.role, tt.stored, tt.device, tt.privilege))
		})
	}
}

func TestSyncTemplates(t *testing.T) {
	f := newFixture(t, 1)
	cfg, dev := f.device(1)
	seedUser(dev, 1, "1042", 0, 6)
	seedUser(dev, 2, "9999", 3)

	require.NoError(t, f.db.UpsertUser(&database.User{UserID: "1042", StoredDeviceIDs: []int{1}}))

	report, err := f.svc.SyncTemplates(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Saved)
	assert.Equal(t, 1, report.Skipped)

	stored, err := f.db.ListTemplates("1042")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "0,1", stored[0].FingerIndex)
	assert.Equal(t, database.EncodeTemplate(fingerData(0)), stored[0].Template)
	assert.Equal(t, 1, stored[0].DeviceID)

	again, err := f.svc.SyncTemplates(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Saved)
	assert.Equal(t, 3, again.Skipped)
}

func TestSyncAttendance(t *testing.T) {
	f := newFixture(t, 1)
	cfg, dev := f.device(1)
	dev.AddAttendance(
		zk.Attendance{UID: 1, UserID: "1042", RecordTime: zktest.Now, State: 1},
		zk.Attendance{UID: 2, UserID: "1043", RecordTime: zktest.Now.Add(time.Minute), Type: 1},
	)

	report, err := f.svc.SyncAttendance(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, &AttendanceSyncReport{Fetched: 2, Inserted: 2}, report)
	assert.Len(t, f.eventsOf(events.TypeAttendance), 2)

	logs, err := f.db.ListAttendance(1, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "FAKE0001", logs[0].DeviceSerial)
	assert.Equal(t, "1043", logs[0].UserID)
	assert.True(t, logs[1].RecordTime.Equal(zktest.Now))

	again, err := f.svc.SyncAttendance(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Inserted)
	assert.Len(t, f.eventsOf(events.TypeAttendance), 2)

	require.NoError(t, f.svc.ClearAttendance(context.Background(), cfg))
	cleared, err := f.svc.SyncAttendance(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, cleared.Fetched)
}

func TestSyncAllDevices(t *testing.T) {
	f := newFixture(t, 2)
	_, first := f.device(1)
	_, second := f.device(2)
	seedUser(first, 1, "1042", 0)
	second.RefuseDials(zk.ErrConnectionRefused)

	run, err := f.svc.SyncAllDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, run.Devices, 2)
	assert.NotEmpty(t, run.RunID)

	assert.True(t, run.Devices[0].Success)
	assert.Equal(t, 1, run.Devices[0].Users.Synced)
	assert.Equal(t, 1, run.Devices[0].Templates.Saved)
	assert.Equal(t, 0, run.Devices[0].Attendance.Fetched)

	assert.True(t, run.Devices[1].Failed())
	assert.Contains(t, run.Devices[1].Error, "connection refused")

	status, err := f.db.GetDeviceStatus(2)
	require.NoError(t, err)
	assert.Equal(t, database.DeviceStatusError, status.Status)

	completed := f.eventsOf(events.TypeSyncCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 1, completed[0].Data["failed"])
	assert.False(t, f.svc.Busy())
}

func TestSyncAllDevices_Stop(t *testing.T) {
	var svc *Service
	f := newFixture(t, 2, WithProgress(func(p Progress) {
		if p.Stage == "users" {
			svc.Stop()
		}
	}))
	svc = f.svc
	_, first := f.device(1)
	seedUser(first, 1, "1042")
	seedUser(first, 2, "1043")

	run, err := svc.SyncAllDevices(context.Background())
	require.ErrorIs(t, err, zk.ErrCancelled)
	assert.True(t, run.Stopped)
	require.Len(t, run.Devices, 1)
	assert.True(t, run.Devices[0].Stopped)
	assert.False(t, run.Devices[0].Failed())

	status, err := f.db.GetDeviceStatus(1)
	require.NoError(t, err)
	assert.Nil(t, status)
	assert.Equal(t, 0, f.devices["10.0.0.2"].Dials)
	assert.Equal(t, zk.CMD_EXIT, int(first.Calls[len(first.Calls)-1]))
}

func TestPushUsers(t *testing.T) {
	f := newFixture(t, 1)
	cfg, dev := f.device(1)

	require.NoError(t, f.db.UpsertUser(&database.User{UserID: "1042", Name: "Ada", Role: "14,1", StoredDeviceIDs: []int{1}}))
	require.NoError(t, f.db.UpsertUser(&database.User{UserID: "1043", Name: "Grace", StoredDeviceIDs: []int{2}}))
	require.NoError(t, f.db.SaveTemplate(&database.FingerprintTemplate{UserID: "1042", FingerIndex: "6,1", DeviceID: 1}, fingerData(6)))

	report, err := f.svc.PushUsers(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.TemplatesWritten)

	users := dev.Users()
	require.Len(t, users, 1)
	assert.Equal(t, uint16(1042), users[0].UID)
	assert.Equal(t, zk.LEVEL_ADMIN, users[0].Privilege)
	templates := dev.Templates()
	require.Len(t, templates, 1)
	assert.Equal(t, fingerData(6), templates[0].Data)

	again, err := f.svc.PushUsers(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, &PushReport{Skipped: 1}, again)
}

func TestDeleteFingerprint(t *testing.T) {
	f := newFixture(t, 1)
	cfg, dev := f.device(1)
	seedUser(dev, 7, "1042", 0, 1)
	require.NoError(t, f.db.UpsertUser(&database.User{UserID: "1042", StoredDeviceIDs: []int{1}}))
	require.NoError(t, f.db.SaveTemplate(&database.FingerprintTemplate{UserID: "1042", FingerIndex: "1,1"}, fingerData(1)))

	report, err := f.svc.DeleteFingerprint(context.Background(), cfg, "1042", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Written)

	templates := dev.Templates()
	require.Len(t, templates, 1)
	assert.Equal(t, uint8(0), templates[0].Finger)

	stored, err := f.db.ListTemplates("1042")
	require.NoError(t, err)
	assert.Empty(t, stored)

	_, err = f.svc.DeleteFingerprint(context.Background(), cfg, "404", 1)
	assert.Error(t, err)
}

func TestDumpAndRestoreUser(t *testing.T) {
	f := newFixture(t, 2)
	src, srcDev := f.device(1)
	dst, dstDev := f.device(2)
	seedUser(srcDev, 3, "1042", 2, 5)
	seedUser(dstDev, 1, "2000")

	dump, err := f.svc.DumpUser(context.Background(), src, "1042")
	require.NoError(t, err)
	assert.Equal(t, "1042", dump.User.UserID)
	assert.Len(t, dump.Templates, 2)

	report, err := f.svc.RestoreUser(context.Background(), dst, dump)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), report.UID)
	assert.Equal(t, 2, report.Written)
	assert.Len(t, dstDev.Templates(), 2)

	_, err = f.svc.DumpUser(context.Background(), src, "404")
	assert.Error(t, err)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t, 1)
	cfg, dev := f.device(1)

	assert.Error(t, f.svc.ChangePassword(context.Background(), cfg, "", "abc"))

	require.NoError(t, f.svc.ChangePassword(context.Background(), cfg, "", "4321"))
	assert.Equal(t, "4321", dev.Option("COMKey"))

	saved, ok, err := f.db.GetState(database.DevicePasswordKey(1))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4321", saved)

	dev.Password = "4321"
	dev.SetClock(777995130)
	got, err := f.svc.GetTime(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year())
}

func TestTimeAndInfo(t *testing.T) {
	f := newFixture(t, 1)
	cfg, dev := f.device(1)

	require.NoError(t, f.svc.SetTime(context.Background(), cfg, zktest.Now))
	assert.Equal(t, uint32(777995130), dev.Clock())

	info, err := f.svc.DeviceInfo(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "FAKE0001", info.SerialNumber)
}

func TestOperationLock(t *testing.T) {
	f := newFixture(t, 1)
	cfg, _ := f.device(1)

	_, release, err := f.svc.begin(context.Background())
	require.NoError(t, err)
	assert.True(t, f.svc.Busy())
	assert.NotEmpty(t, f.svc.RunID())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.svc.SyncUsers(ctx, cfg)
	assert.ErrorIs(t, err, zk.ErrCancelled)

	release()
	assert.False(t, f.svc.Busy())
	_, err = f.svc.SyncUsers(context.Background(), cfg)
	assert.NoError(t, err)
}

func TestOperationLock_NoWait(t *testing.T) {
	f := newFixture(t, 1)
	cfg, dev := f.device(1)

	_, release, err := f.svc.begin(context.Background())
	require.NoError(t, err)
	runID := f.svc.RunID()

	start := time.Now()
	_, err = f.svc.SyncUsers(NoWait(context.Background()), cfg)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Contains(t, err.Error(), runID)
	assert.Less(t, time.Since(start), time.Second)

	result := f.svc.SyncDevice(NoWait(context.Background()), cfg)
	assert.True(t, result.Failed())
	assert.ErrorIs(t, result.Err, ErrBusy)

	called := false
	err = f.svc.StartSyncAll(context.Background(), func(*RunReport, error) { called = true })
	assert.ErrorIs(t, err, ErrBusy)
	assert.False(t, called)
	assert.Equal(t, 0, dev.Dials)

	release()
}

func TestStartSyncAll(t *testing.T) {
	f := newFixture(t, 2)

	done := make(chan *RunReport, 1)
	require.NoError(t, f.svc.StartSyncAll(context.Background(), func(report *RunReport, err error) {
		assert.NoError(t, err)
		done <- report
	}))

	select {
	case report := <-done:
		require.Len(t, report.Devices, 2)
		assert.False(t, f.svc.Busy())
	case <-time.After(5 * time.Second):
		t.Fatal("sync of all devices did not finish")
	}
}

func TestUnknownDevice(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.svc.Device(9)
	assert.Error(t, err)

	_, err = f.svc.SyncUsers(context.Background(), config.DeviceConfig{ID: 9, Host: "10.9.9.9", Transport: "tcp"})
	var connErr *zk.ConnectionError
	assert.True(t, errors.As(err, &connErr))
}
