package devsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/zk"
)

// DefaultSettleDelay is how long the device is given to apply a refresh.
const DefaultSettleDelay = 1500 * time.Millisecond

// ErrNoFreeUID means every user slot of the device is held by another user.
var ErrNoFreeUID = errors.New("no free user slot on device")

// Rewrite describes the desired end state of one user on a device.
type Rewrite struct {
	User          zk.User       // UserID is required, UID is ignored
	Templates     []zk.Template // templates the user currently has
	RemoveFingers []uint8
	Replacements  []zk.Template // win over Templates for the same finger
}

// RewriteReport summarises a RewriteUser call.
type RewriteReport struct {
	UserID  string   `json:"user_id"`
	UID     uint16   `json:"uid"`
	Written int      `json:"written"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// Reconciler rewrites users on a device. Templates can only be removed from
// a terminal by deleting the user, so every change to a user's fingers goes
// through a full delete and recreate.
type Reconciler struct {
	SettleDelay time.Duration
	MaxUID      int
	Logger      *logrus.Entry
}

// NewReconciler returns a reconciler with the default settle delay.
func NewReconciler(logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		SettleDelay: DefaultSettleDelay,
		MaxUID:      zk.DefaultMaxUID,
		Logger:      logger.WithField("component", "reconciler"),
	}
}

// RewriteUser deletes the user, recreates it, resolves the UID the device
// actually assigned and writes back every surviving template under that UID.
// Individual template failures are counted; a user that cannot be found
// after the write aborts the workflow.
func (r *Reconciler) RewriteUser(ctx context.Context, s *zk.Session, rw Rewrite) (*RewriteReport, error) {
	if rw.User.UserID == "" {
		return nil, fmt.Errorf("rewrite: user id is required")
	}
	logger := r.Logger.WithField("user_id", rw.User.UserID)
	report := &RewriteReport{UserID: rw.User.UserID}

	// Without the current list there is no safe slot to write to.
	users, err := s.FetchUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch users before rewrite: %w", err)
	}

	prior, found := zk.FindUser(users, rw.User.UserID)
	if found {
		if err := s.DeleteUser(ctx, prior.UID); err != nil {
			logger.WithError(err).WithField("uid", prior.UID).Warn("Failed to delete user before rewrite")
		}
	}
	s.RefreshData(ctx)
	if err := r.settle(ctx); err != nil {
		return nil, err
	}

	u := rw.User
	if u.UID, err = r.chooseUID(prior.UID, found, users, u.UserID); err != nil {
		return nil, err
	}
	if err := s.SetUser(ctx, u); err != nil {
		return nil, fmt.Errorf("write user %s: %w", u.UserID, err)
	}
	s.RefreshData(ctx)
	if err := r.settle(ctx); err != nil {
		return nil, err
	}

	users, err = s.FetchUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch users after rewrite: %w", err)
	}
	written, ok := zk.FindUser(users, u.UserID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", zk.ErrUserNotFoundAfterWrite, u.UserID)
	}
	report.UID = written.UID
	if written.UID != u.UID {
		logger.WithFields(logrus.Fields{
			"requested_uid": u.UID,
			"uid":           written.UID,
		}).Info("Device assigned a different UID")
	}

	for _, t := range survivingTemplates(rw) {
		if err := checkCancelled(ctx); err != nil {
			return report, err
		}
		if err := s.WriteTemplate(ctx, written.UID, t.Finger, t.Data); err != nil {
			if errors.Is(err, zk.ErrCancelled) {
				return report, err
			}
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("finger %d: %v", t.Finger, err))
			logger.WithError(err).WithField("finger", t.Finger).Warn("Template write failed")
			continue
		}
		report.Written++
	}
	s.RefreshData(ctx)

	logger.WithFields(logrus.Fields{
		"uid":     report.UID,
		"written": report.Written,
		"failed":  report.Failed,
	}).Info("User rewritten")
	return report, nil
}

// chooseUID prefers the user's previous slot, then the slot after the
// highest one in use, then the lowest free slot. The numeric user id is only
// used on a device without users. A slot held by another user is never
// returned.
func (r *Reconciler) chooseUID(prior uint16, found bool, users []zk.User, userID string) (uint16, error) {
	if found && prior != 0 {
		return prior, nil
	}
	maxUID := r.MaxUID
	if maxUID <= 0 {
		maxUID = zk.DefaultMaxUID
	}

	if len(users) == 0 {
		if n, err := strconv.Atoi(userID); err == nil && n >= 1 && n <= maxUID {
			return uint16(n), nil
		}
		return 1, nil
	}

	used := make(map[int]bool, len(users))
	var highest int
	for _, u := range users {
		if u.UserID == userID {
			continue
		}
		used[int(u.UID)] = true
		if int(u.UID) > highest {
			highest = int(u.UID)
		}
	}
	if highest+1 <= maxUID {
		return uint16(highest + 1), nil
	}
	for uid := 1; uid <= maxUID; uid++ {
		if !used[uid] {
			return uint16(uid), nil
		}
	}
	return 0, fmt.Errorf("%w: all %d slots are taken", ErrNoFreeUID, maxUID)
}

func (r *Reconciler) settle(ctx context.Context) error {
	if r.SettleDelay <= 0 {
		return checkCancelled(ctx)
	}
	timer := time.NewTimer(r.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", zk.ErrCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}

func survivingTemplates(rw Rewrite) []zk.Template {
	byFinger := make(map[uint8]zk.Template)
	for _, t := range rw.Templates {
		byFinger[t.Finger] = t
	}
	for _, f := range rw.RemoveFingers {
		delete(byFinger, f)
	}
	for _, t := range rw.Replacements {
		byFinger[t.Finger] = t
	}

	out := make([]zk.Template, 0, len(byFinger))
	for _, t := range byFinger {
		if len(t.Data) > 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Finger < out[j].Finger })
	return out
}

func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", zk.ErrCancelled, err)
	}
	return nil
}
