package main

import (
	"context"
	"time"

	"pirateradio/internal/musicsource"
)

// demoVendor is a minimal VendorSession for the standalone demo client:
// it accepts every command immediately and reports a locally-advancing
// position, the same shape as musicsource.FakeVendor except that its
// Adapter backreference is supplied after construction via bind.
type demoVendor struct {
	adapter   *musicsource.Adapter
	startedAt time.Time
	startPos  float64
}

func newDemoVendor() *demoVendor {
	return &demoVendor{}
}

// bind supplies the Adapter that owns this vendor, resolving the
// circular construction (Adapter needs a VendorSession, the vendor
// needs to call back into its Adapter).
func (d *demoVendor) bind(adapter *musicsource.Adapter) {
	d.adapter = adapter
}

func (d *demoVendor) Play(ctx context.Context, trackID string, positionMs float64) error {
	gen := d.adapter.WatchdogGeneration()
	d.startedAt = time.Now()
	d.startPos = positionMs
	go func() {
		time.Sleep(10 * time.Millisecond)
		d.adapter.NotifyStarted(gen, trackID)
	}()
	return nil
}

func (d *demoVendor) Pause(ctx context.Context) error {
	return nil
}

func (d *demoVendor) Seek(ctx context.Context, positionMs float64) error {
	d.startedAt = time.Now()
	d.startPos = positionMs
	return nil
}

func (d *demoVendor) CurrentPositionMs(ctx context.Context) (float64, error) {
	return d.startPos + float64(time.Since(d.startedAt).Milliseconds()), nil
}
