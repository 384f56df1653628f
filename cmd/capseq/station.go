package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nasa-jpl/capseq/capture"
	"github.com/nasa-jpl/capseq/device"
	"github.com/nasa-jpl/capseq/imgrec"
	"github.com/nasa-jpl/capseq/sequence"
	"github.com/nasa-jpl/capseq/sim"
)

// station is a capture process driving the simulated observatory
type station struct {
	obs  *sim.Observatory
	loop *capture.Loop
	proc *capture.Process
	rec  *imgrec.Recorder
	log  *slog.Logger
}

func newStation(c Config, q *sequence.Queue, log *slog.Logger) (*station, error) {
	if err := os.MkdirAll(c.ImageRoot, 0755); err != nil {
		return nil, err
	}
	st := &station{
		obs:  sim.New(c.Sim, log),
		loop: capture.NewLoop(),
		rec:  imgrec.New(c.ImageRoot),
		log:  log,
	}
	a := device.NewAdaptor(log)
	if err := st.obs.Bind(a); err != nil {
		return nil, fmt.Errorf("binding simulator: %w", err)
	}
	p, err := capture.New(capture.Config{
		Devices:   a,
		Scheduler: st.loop,
		Queue:     q,
		Options:   c.Capture,
		Guider:    st.obs.Guider,
		Focuser:   st.obs.Focuser,
		Flip:      st.obs.Flip,
		Recorder:  st.rec,
		Log:       log,
	})
	if err != nil {
		return nil, err
	}
	st.proc = p
	a.SetSink(p.Sink())
	st.obs.Attach(p, st.loop.Post)
	return st, nil
}

// do runs f on the loop and returns its error
func (st *station) do(ctx context.Context, f func() error) error {
	var err error
	if e := st.loop.Do(ctx, func() { err = f() }); e != nil {
		return e
	}
	return err
}
