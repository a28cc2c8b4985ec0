package canif

import (
	"context"
	"errors"
	"testing"
)

func TestRoutingIsolation(t *testing.T) {
	reg := NewRegistry()
	devA, devB := newFakeBackend(), newFakeBackend()
	err := reg.RegisterBundle(Bundle{
		Bus: BusConfig{ID: 1, Backend: "fake"},
		Devices: []DeviceConfig{
			{ID: 10, Wiring: devA},
			{ID: 11, Wiring: devB},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(reg)
	ctx := context.Background()
	if err := client.OpenID(ctx, 1, 10); err != nil {
		t.Fatal(err)
	}
	if err := client.OpenID(ctx, 1, 11); err != nil {
		t.Fatal(err)
	}

	fa := NewFrame(0x100, []byte{0xAA})
	fb := NewFrame(0x200, []byte{0xBB})
	if err := client.SendID(1, 10, fa); err != nil {
		t.Fatal(err)
	}
	if err := client.SendID(1, 11, fb); err != nil {
		t.Fatal(err)
	}

	if got := devA.sentFrames(); len(got) != 1 || got[0].ID != 0x100 {
		t.Errorf("device 10 saw %v", got)
	}
	if got := devB.sentFrames(); len(got) != 1 || got[0].ID != 0x200 {
		t.Errorf("device 11 saw %v", got)
	}

	// Receives route the same way.
	devB.feed(NewFrame(0x300, nil))
	var f Frame
	if ok, _ := client.ReceiveID(1, 10, &f); ok {
		t.Error("device 10 received device 11's frame")
	}
	if ok, _ := client.ReceiveID(1, 11, &f); !ok || f.ID != 0x300 {
		t.Errorf("device 11 receive: ok=%v id=0x%X", ok, f.ID)
	}
}

func TestDispatchUnknownDevice(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterBundle(bundle(1, 10)); err != nil {
		t.Fatal(err)
	}
	client := NewClient(reg)
	if err := client.SendID(1, 99, NewFrame(0x1, nil)); !errors.Is(err, ErrNotFound) {
		t.Errorf("send to unknown device: %v, want ErrNotFound", err)
	}
	if err := client.OpenTarget(context.Background(), TargetFromIDs(9, 9)); !errors.Is(err, ErrNotFound) {
		t.Errorf("open unknown target: %v, want ErrNotFound", err)
	}
}

func TestDispatchRequiresOpen(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterBundle(bundle(1, 10)); err != nil {
		t.Fatal(err)
	}
	client := NewClient(reg)
	dev := reg.DeviceByID(1, 10)
	if err := client.Send(dev, NewFrame(0x1, nil)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("send before open: %v, want ErrNotOpen", err)
	}
	var f Frame
	if _, err := client.Receive(dev, &f); !errors.Is(err, ErrNotOpen) {
		t.Errorf("receive before open: %v, want ErrNotOpen", err)
	}
	if state, err := client.DeviceState(dev); err != nil || state != StateUninitialized {
		t.Errorf("state before open = %v, %v", state, err)
	}
}

func TestOpenCloseIdempotent(t *testing.T) {
	reg := NewRegistry()
	fb := newFakeBackend()
	err := reg.RegisterBundle(Bundle{
		Bus:     BusConfig{ID: 1, Backend: "fake"},
		Devices: []DeviceConfig{{ID: 10, Wiring: fb}},
	})
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(reg)
	dev := reg.DeviceByID(1, 10)
	ctx := context.Background()
	if err := client.Open(ctx, dev); err != nil {
		t.Fatal(err)
	}
	if err := client.Open(ctx, dev); err != nil {
		t.Errorf("second open: %v", err)
	}
	if err := client.Close(dev); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := client.Close(dev); err != nil {
		t.Errorf("second close: %v", err)
	}
	if fb.closes != 1 {
		t.Errorf("backend closed %d times, want 1", fb.closes)
	}
}

func TestManagedBusLink(t *testing.T) {
	reg := NewRegistry()
	link := &fakeLink{}
	devA, devB := newFakeBackend(), newFakeBackend()
	err := reg.RegisterBundle(Bundle{
		Bus: BusConfig{ID: 1, Backend: "fake", Wiring: link, ManageBusLifetime: true},
		Devices: []DeviceConfig{
			{ID: 10, Wiring: devA},
			{ID: 11, Wiring: devB},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(reg)
	ctx := context.Background()

	if err := client.OpenID(ctx, 1, 10); err != nil {
		t.Fatal(err)
	}
	if ups, _ := link.counts(); ups != 1 {
		t.Fatalf("link up %d times after first open, want 1", ups)
	}
	if err := client.OpenID(ctx, 1, 11); err != nil {
		t.Fatal(err)
	}
	if ups, _ := link.counts(); ups != 1 {
		t.Errorf("second open re-raised the link")
	}

	if err := client.CloseID(1, 10); err != nil {
		t.Fatal(err)
	}
	if _, down := link.counts(); down != 0 {
		t.Error("link went down while a device was still open")
	}
	if err := client.CloseID(1, 11); err != nil {
		t.Fatal(err)
	}
	if _, down := link.counts(); down != 1 {
		t.Errorf("link down %d times after last close, want 1", down)
	}
}

func TestOpenFailureReleasesManagedLink(t *testing.T) {
	reg := NewRegistry()
	link := &fakeLink{}
	fb := newFakeBackend()
	fb.openErr = errors.New("no chip")
	err := reg.RegisterBundle(Bundle{
		Bus:     BusConfig{ID: 1, Backend: "fake", Wiring: link, ManageBusLifetime: true},
		Devices: []DeviceConfig{{ID: 10, Wiring: fb}},
	})
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(reg)
	if err := client.OpenID(context.Background(), 1, 10); err == nil {
		t.Fatal("open succeeded with failing backend")
	}
	ups, down := link.counts()
	if ups != 1 || down != 1 {
		t.Errorf("link ups=%d down=%d, want 1/1", ups, down)
	}
}

func TestEventCallbackBeforeOpen(t *testing.T) {
	reg := NewRegistry()
	fb := newFakeBackend()
	err := reg.RegisterBundle(Bundle{
		Bus:     BusConfig{ID: 1, Backend: "fake"},
		Devices: []DeviceConfig{{ID: 10, Wiring: fb}},
	})
	if err != nil {
		t.Fatal(err)
	}
	client := NewClient(reg)
	dev := reg.DeviceByID(1, 10)

	var gotMask EventMask
	var gotUser any
	err = client.SetEventCallback(dev, func(events EventMask, user any) {
		gotMask, gotUser = events, user
	}, "ctx")
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Open(context.Background(), dev); err != nil {
		t.Fatal(err)
	}

	fb.PostEvent(EventRxReady)
	if gotMask != EventRxReady || gotUser != "ctx" {
		t.Errorf("callback saw mask=%v user=%v", gotMask, gotUser)
	}
	if mask, err := client.WaitForEvent(dev, 0); err != nil || mask != EventRxReady {
		t.Errorf("WaitForEvent = %v, %v", mask, err)
	}
}
