package twai

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	canif "github.com/idf-can-bus/esp32-can-multibackend"
)

// fakeDriver simulates the vendor peripheral driver, including the bus-off
// state machine: InitiateRecovery moves the controller to Recovering and it
// reads Running after recoverAfter Status calls.
type fakeDriver struct {
	mu           sync.Mutex
	status       State
	recoverAfter int
	statusReads  int

	installs   int
	uninstalls int
	starts     int
	stops      int
	recoveries int

	txErr   error
	pending []canif.Frame
	rxErr   error
}

func (d *fakeDriver) Install(mode canif.Mode, speed canif.Speed) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installs++
	d.status = StateStopped
	return nil
}

func (d *fakeDriver) Uninstall() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uninstalls++
	return nil
}

func (d *fakeDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	d.status = StateRunning
	return nil
}

func (d *fakeDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	d.status = StateStopped
	return nil
}

func (d *fakeDriver) Transmit(f canif.Frame, timeout time.Duration) error { return d.txErr }

func (d *fakeDriver) Receive(f *canif.Frame, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxErr != nil {
		return false, d.rxErr
	}
	if len(d.pending) == 0 {
		return false, nil
	}
	*f = d.pending[0]
	d.pending = d.pending[1:]
	return true, nil
}

func (d *fakeDriver) Status() (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == StateRecovering {
		d.statusReads++
		if d.statusReads >= d.recoverAfter {
			d.status = StateRunning
		}
	}
	return d.status, nil
}

func (d *fakeDriver) InitiateRecovery() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recoveries++
	d.status = StateRecovering
	d.statusReads = 0
	return nil
}

func (d *fakeDriver) SetFilter(index uint8, extended bool, id uint32) error { return nil }
func (d *fakeDriver) SetMask(index uint8, extended bool, mask uint32) error { return nil }
func (d *fakeDriver) ErrorFlags() uint8                                     { return 0 }
func (d *fakeDriver) ClearRxOverrun()                                       {}
func (d *fakeDriver) ClearErrorInterrupt()                                  {}

func openBackend(t *testing.T, drv *fakeDriver) *Backend {
	t.Helper()
	dev := &canif.DeviceConfig{
		ID:   1,
		Mode: canif.ModeNormal,
		Timeouts: canif.Timeouts{
			Receive:    10 * time.Millisecond,
			Transmit:   10 * time.Millisecond,
			BusOff:     200 * time.Millisecond,
			NotRunning: 10 * time.Millisecond,
		},
		Wiring: drv,
	}
	b, err := New(&canif.BusConfig{Backend: "twai"}, dev)
	if err != nil {
		t.Fatal(err)
	}
	backend := b.(*Backend)
	if err := backend.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	return backend
}

func TestOpenInstallsAndStarts(t *testing.T) {
	drv := &fakeDriver{}
	b := openBackend(t, drv)
	if drv.installs != 1 || drv.starts != 1 {
		t.Errorf("installs=%d starts=%d, want 1/1", drv.installs, drv.starts)
	}
	if b.State() != canif.StateNormal {
		t.Errorf("device state %s", b.State())
	}
}

func TestReceiveTimeoutIsNotAnError(t *testing.T) {
	drv := &fakeDriver{}
	b := openBackend(t, drv)
	var f canif.Frame
	ok, err := b.Receive(&f)
	if ok || err != nil {
		t.Errorf("Receive = %v, %v; want false, nil", ok, err)
	}
}

func TestSendTimeoutMapsToBusy(t *testing.T) {
	drv := &fakeDriver{txErr: ErrTimeout}
	b := openBackend(t, drv)
	if err := b.Send(canif.NewFrame(0x1, nil)); !errors.Is(err, canif.ErrTransportBusy) {
		t.Errorf("timed-out send: %v, want ErrTransportBusy", err)
	}
	if drv.recoveries != 0 {
		t.Error("timeout triggered recovery")
	}
	if b.State() != canif.StateNormal {
		t.Errorf("timeout changed state to %s", b.State())
	}
}

func TestBusOffRecoveryAfterFailedSend(t *testing.T) {
	drv := &fakeDriver{txErr: errors.New("tx failed")}
	b := openBackend(t, drv)
	drv.status = StateBusOff
	drv.recoverAfter = 3

	err := b.Send(canif.NewFrame(0x1, nil))
	if !errors.Is(err, canif.ErrHardwareFault) {
		t.Fatalf("send: %v, want ErrHardwareFault", err)
	}
	if drv.recoveries != 1 {
		t.Errorf("recovery initiated %d times, want 1", drv.recoveries)
	}
	if b.State() != canif.StateNormal {
		t.Errorf("device state %s after recovery, want normal", b.State())
	}

	drv.txErr = nil
	if err := b.Send(canif.NewFrame(0x2, nil)); err != nil {
		t.Errorf("send after recovery: %v", err)
	}
}

func TestRecoveryWithZeroTimeouts(t *testing.T) {
	// A backend built directly, without going through the registry, still
	// gets the default timeout values; recovery must not run under a zero
	// bound.
	drv := &fakeDriver{txErr: errors.New("tx failed")}
	dev := &canif.DeviceConfig{ID: 1, Mode: canif.ModeNormal, Wiring: drv}
	raw, err := New(&canif.BusConfig{Backend: "twai"}, dev)
	if err != nil {
		t.Fatal(err)
	}
	b := raw.(*Backend)
	if err := b.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	drv.status = StateBusOff
	drv.recoverAfter = 2

	if err := b.Send(canif.NewFrame(0x1, nil)); !errors.Is(err, canif.ErrHardwareFault) {
		t.Fatalf("send: %v, want ErrHardwareFault", err)
	}
	if drv.recoveries != 1 {
		t.Errorf("recovery initiated %d times, want 1", drv.recoveries)
	}
	if b.State() != canif.StateNormal {
		t.Errorf("device state %s, want normal", b.State())
	}
}

func TestBusOffRecoveryTimesOut(t *testing.T) {
	drv := &fakeDriver{rxErr: errors.New("rx failed")}
	b := openBackend(t, drv)
	drv.status = StateBusOff
	drv.recoverAfter = 1 << 30 // never comes back

	var f canif.Frame
	ok, err := b.Receive(&f)
	if ok || err != nil {
		t.Fatalf("Receive = %v, %v; want false, nil", ok, err)
	}
	if b.State() != canif.StateFaulted {
		t.Errorf("device state %s, want faulted", b.State())
	}
}

func TestNotRunningRestart(t *testing.T) {
	drv := &fakeDriver{txErr: errors.New("tx failed")}
	b := openBackend(t, drv)
	startsBefore := drv.starts
	drv.status = StateStopped

	b.Send(canif.NewFrame(0x1, nil))
	if drv.recoveries != 0 {
		t.Error("stopped controller triggered bus-off recovery")
	}
	if drv.starts != startsBefore+1 {
		t.Errorf("starts=%d, want %d", drv.starts, startsBefore+1)
	}
	if b.State() != canif.StateNormal {
		t.Errorf("device state %s after restart", b.State())
	}
}

func TestTransientErrorLeavesRunningControllerAlone(t *testing.T) {
	drv := &fakeDriver{rxErr: errors.New("rx glitch")}
	b := openBackend(t, drv)
	stopsBefore := drv.stops

	var f canif.Frame
	b.Receive(&f)
	if drv.recoveries != 0 || drv.stops != stopsBefore {
		t.Error("transient error on a running controller triggered recovery")
	}
	if b.State() != canif.StateNormal {
		t.Errorf("device state %s", b.State())
	}
}

func TestReceiveDelivers(t *testing.T) {
	drv := &fakeDriver{pending: []canif.Frame{canif.NewFrame(0x42, []byte{1, 2})}}
	b := openBackend(t, drv)
	var f canif.Frame
	ok, err := b.Receive(&f)
	if !ok || err != nil {
		t.Fatalf("Receive = %v, %v", ok, err)
	}
	if f.ID != 0x42 || f.DLC != 2 {
		t.Errorf("got frame %+v", f)
	}
	if mask := b.WaitForEvent(0); mask&canif.EventRxReady == 0 {
		t.Error("no rx-ready event raised")
	}
}

func TestSetModeReinstalls(t *testing.T) {
	drv := &fakeDriver{}
	b := openBackend(t, drv)
	if err := b.SetMode(canif.ModeLoopback); err != nil {
		t.Fatal(err)
	}
	if drv.installs != 2 {
		t.Errorf("installs=%d, want 2", drv.installs)
	}
	if b.State() != canif.StateLoopback {
		t.Errorf("device state %s", b.State())
	}
	// No-op when the mode already matches.
	if err := b.SetMode(canif.ModeLoopback); err != nil {
		t.Fatal(err)
	}
	if drv.installs != 2 {
		t.Error("matching mode reinstalled the driver")
	}
}

func TestCloseStopsAndUninstalls(t *testing.T) {
	drv := &fakeDriver{}
	b := openBackend(t, drv)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if drv.stops != 1 || drv.uninstalls != 1 {
		t.Errorf("stops=%d uninstalls=%d, want 1/1", drv.stops, drv.uninstalls)
	}
}
