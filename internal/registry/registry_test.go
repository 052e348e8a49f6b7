package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/schedulink/wagateway/internal/gateway"
	"github.com/schedulink/wagateway/pkg/models"
)

type fakeSession struct {
	mu        sync.Mutex
	connects  int
	connected bool
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return nil
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestUpdateStatusResetsRetriesOnConnect(t *testing.T) {
	r := New(Config{}, testLogger(), nil)
	sess := &fakeSession{}
	r.Register("acme", sess)
	defer r.Cleanup("acme")

	r.UpdateStatus("acme", models.StatusDisconnected, errors.New("gone"))
	r.ScheduleReconnect("acme", gateway.CodeConnectionLost)

	v, ok := r.Get("acme")
	if !ok {
		t.Fatal("record missing")
	}
	if v.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", v.RetryCount)
	}
	if v.LastError == "" {
		t.Error("last error not recorded")
	}

	r.UpdateStatus("acme", models.StatusConnected, nil)
	v, _ = r.Get("acme")
	if v.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 after connect", v.RetryCount)
	}
	if v.LastError != "" {
		t.Errorf("last error = %q, want cleared", v.LastError)
	}
	if v.LastSuccessAt.IsZero() {
		t.Error("last success time not recorded")
	}
}

func TestScheduleReconnectFiresTimer(t *testing.T) {
	r := New(Config{BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, MaxRetries: 5}, testLogger(), nil)
	sess := &fakeSession{}
	r.Register("acme", sess)
	defer r.Cleanup("acme")

	r.UpdateStatus("acme", models.StatusDisconnected, nil)
	r.ScheduleReconnect("acme", gateway.CodeConnectionReplaced)

	waitFor(t, func() bool { return sess.connectCount() == 1 }, "reconnect never fired")
}

func TestRetryCeilingParksTenant(t *testing.T) {
	r := New(Config{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxRetries: 3}, testLogger(), nil)
	sess := &fakeSession{}
	r.Register("acme", sess)
	defer r.Cleanup("acme")

	for i := 0; i < 3; i++ {
		r.ScheduleReconnect("acme", gateway.CodeConnectionLost)
	}

	v, _ := r.Get("acme")
	if v.Status != models.StatusCriticalError {
		t.Fatalf("status = %q, want critical_error after %d retries", v.Status, 3)
	}
	if v.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", v.RetryCount)
	}

	// Further closes are ignored while parked.
	r.ScheduleReconnect("acme", gateway.CodeConnectionLost)
	v, _ = r.Get("acme")
	if v.RetryCount != 3 {
		t.Errorf("retry count grew to %d while parked", v.RetryCount)
	}
	if sess.connectCount() != 0 {
		t.Errorf("connects = %d, want 0 with hour-long delays", sess.connectCount())
	}
}

func TestTerminalCodesNeverSchedule(t *testing.T) {
	for _, code := range []int{
		gateway.CodeLoggedOut,
		gateway.CodeForbidden,
		gateway.CodeNotFound,
		gateway.CodeInternalError,
		gateway.CodeServiceUnavailable,
	} {
		t.Run(fmt.Sprintf("code_%d", code), func(t *testing.T) {
			r := New(Config{BaseDelay: time.Millisecond}, testLogger(), nil)
			sess := &fakeSession{}
			r.Register("acme", sess)
			defer r.Cleanup("acme")

			if r.ShouldReconnect("acme", code) {
				t.Errorf("ShouldReconnect(%d) = true", code)
			}
			r.ScheduleReconnect("acme", code)
			v, _ := r.Get("acme")
			if v.RetryCount != 0 {
				t.Errorf("retry count = %d, want 0", v.RetryCount)
			}
		})
	}
}

func TestRegisterStartsConnecting(t *testing.T) {
	r := New(Config{}, testLogger(), nil)
	r.Register("acme", &fakeSession{})
	defer r.Cleanup("acme")

	v, ok := r.Get("acme")
	if !ok {
		t.Fatal("record missing")
	}
	if v.Status != models.StatusConnecting {
		t.Errorf("status after register = %q, want %q", v.Status, models.StatusConnecting)
	}
}

func TestConnectedTenantNeverReconnects(t *testing.T) {
	r := New(Config{BaseDelay: 10 * time.Millisecond, MaxRetries: 5}, testLogger(), nil)
	sess := &fakeSession{connected: true}
	r.Register("acme", sess)
	defer r.Cleanup("acme")

	r.UpdateStatus("acme", models.StatusConnected, nil)

	if r.ShouldReconnect("acme", gateway.CodeConnectionLost) {
		t.Error("ShouldReconnect = true for a connected tenant")
	}

	// A late close notification after a recovery must not touch the
	// counters or arm a timer.
	r.ScheduleReconnect("acme", gateway.CodeConnectionLost)

	v, _ := r.Get("acme")
	if v.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", v.RetryCount)
	}
	time.Sleep(50 * time.Millisecond)
	if n := sess.connectCount(); n != 0 {
		t.Errorf("connects = %d, want 0 for a connected tenant", n)
	}
}

func TestShouldReconnect(t *testing.T) {
	r := New(Config{MaxRetries: 2, BaseDelay: time.Hour}, testLogger(), nil)
	r.Register("acme", &fakeSession{})
	defer r.Cleanup("acme")

	if !r.ShouldReconnect("acme", gateway.CodeConnectionLost) {
		t.Error("fresh record should be eligible")
	}
	if r.ShouldReconnect("ghost", gateway.CodeConnectionLost) {
		t.Error("unknown tenant should not be eligible")
	}

	r.ScheduleReconnect("acme", gateway.CodeConnectionLost)
	if !r.ShouldReconnect("acme", gateway.CodeConnectionLost) {
		t.Error("one retry in, still below ceiling")
	}
	r.ScheduleReconnect("acme", gateway.CodeConnectionLost)
	if r.ShouldReconnect("acme", gateway.CodeConnectionLost) {
		t.Error("ceiling reached, should not be eligible")
	}
}

func TestCleanupCancelsPendingTimer(t *testing.T) {
	r := New(Config{BaseDelay: 20 * time.Millisecond, MaxRetries: 5}, testLogger(), nil)
	sess := &fakeSession{}
	r.Register("acme", sess)

	r.ScheduleReconnect("acme", gateway.CodeConnectionLost)
	r.Cleanup("acme")

	time.Sleep(80 * time.Millisecond)
	if n := sess.connectCount(); n != 0 {
		t.Errorf("connects = %d after cleanup, want 0", n)
	}
	if _, ok := r.Get("acme"); ok {
		t.Error("record survived cleanup")
	}
}

func TestSweepDetectsSilentLoss(t *testing.T) {
	r := New(Config{BaseDelay: 10 * time.Millisecond, MaxRetries: 5}, testLogger(), nil)
	sess := &fakeSession{}
	r.Register("acme", sess)
	defer r.Cleanup("acme")

	r.UpdateStatus("acme", models.StatusConnected, nil)
	// The session's handle is gone but no close event arrived.
	r.Sweep()

	v, _ := r.Get("acme")
	if v.Status != models.StatusDisconnected {
		t.Errorf("status = %q, want disconnected after sweep", v.Status)
	}
	waitFor(t, func() bool { return sess.connectCount() == 1 }, "sweep never scheduled a reconnect")
}

func TestSweepSkipsHealthyConnections(t *testing.T) {
	r := New(Config{BaseDelay: time.Millisecond}, testLogger(), nil)
	sess := &fakeSession{connected: true}
	r.Register("acme", sess)
	defer r.Cleanup("acme")

	r.UpdateStatus("acme", models.StatusConnected, nil)
	r.Sweep()

	v, _ := r.Get("acme")
	if v.Status != models.StatusConnected {
		t.Errorf("status = %q, want connected", v.Status)
	}
}

func TestResetRecoversParkedTenant(t *testing.T) {
	r := New(Config{BaseDelay: time.Hour, MaxRetries: 1}, testLogger(), nil)
	r.Register("acme", &fakeSession{})
	defer r.Cleanup("acme")

	r.ScheduleReconnect("acme", gateway.CodeConnectionLost)
	if v, _ := r.Get("acme"); v.Status != models.StatusCriticalError {
		t.Fatalf("status = %q, want critical_error", v.Status)
	}

	r.Reset("acme")
	v, _ := r.Get("acme")
	if v.Status != models.StatusIdle || v.RetryCount != 0 {
		t.Errorf("after reset: status = %q retries = %d, want idle/0", v.Status, v.RetryCount)
	}
	if !r.ShouldReconnect("acme", gateway.CodeConnectionLost) {
		t.Error("reset tenant should be eligible again")
	}
}

func TestErrorHistoryBounded(t *testing.T) {
	r := New(Config{}, testLogger(), nil)
	r.Register("acme", &fakeSession{})

	for i := 0; i < 15; i++ {
		r.UpdateStatus("acme", models.StatusDisconnected, fmt.Errorf("failure %d", i))
	}

	v, _ := r.Get("acme")
	if len(v.ErrorHistory) != maxErrorHistory {
		t.Fatalf("history length = %d, want %d", len(v.ErrorHistory), maxErrorHistory)
	}
	if v.ErrorHistory[len(v.ErrorHistory)-1] != "failure 14" {
		t.Errorf("newest entry = %q, want failure 14", v.ErrorHistory[len(v.ErrorHistory)-1])
	}
	if v.ErrorHistory[0] != "failure 5" {
		t.Errorf("oldest entry = %q, want failure 5", v.ErrorHistory[0])
	}
}

func TestNotifications(t *testing.T) {
	r := New(Config{}, testLogger(), nil)
	r.Register("acme", &fakeSession{})

	// Records start out connecting, so this first update is not a
	// transition and publishes nothing.
	r.UpdateStatus("acme", models.StatusConnecting, nil)
	r.UpdateStatus("acme", models.StatusConnected, nil)
	r.UpdateStatus("acme", models.StatusDisconnected, nil)
	// Same status twice publishes once.
	r.UpdateStatus("acme", models.StatusDisconnected, nil)

	want := []models.Status{models.StatusConnected, models.StatusDisconnected}
	for i, status := range want {
		select {
		case change := <-r.Notifications():
			if change.TenantID != "acme" || change.Status != status {
				t.Errorf("change %d = %+v, want %q", i, change, status)
			}
		case <-time.After(time.Second):
			t.Fatalf("notification %d never arrived", i)
		}
	}
	select {
	case change := <-r.Notifications():
		t.Errorf("unexpected extra notification: %+v", change)
	default:
	}
}
