// Command capseq runs capture sequences against a simulated observatory,
// either to completion from a queue file or as an HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/capseq/capture"
	"github.com/nasa-jpl/capseq/imgrec"
	"github.com/nasa-jpl/capseq/metrics"
	"github.com/nasa-jpl/capseq/sequence"
	"github.com/nasa-jpl/capseq/server/sequencer"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

var errAborted = errors.New("sequence aborted")

func main() {
	root := &cobra.Command{
		Use:   "capseq",
		Short: "capseq sequences camera exposures on a simulated observatory",
		Long: `capseq runs queues of capture jobs: lights, flats with automatic exposure,
darks and bias frames.  It is configured by capseq.yml in the working
directory, which mkconf writes, and by CAPSEQ_ environment variables such as
CAPSEQ_ADDR or CAPSEQ_CAPTURE_PENDINGPOLL.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupconfig()
		},
	}
	root.PersistentFlags().StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "configuration file")
	root.AddCommand(
		&cobra.Command{
			Use:   "run <queue.yml>",
			Short: "run a queue file to completion",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runQueue(args[0])
			},
		},
		&cobra.Command{
			Use:   "serve",
			Short: "serve the sequencer over HTTP",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve()
			},
		},
		&cobra.Command{
			Use:   "mkconf",
			Short: "write the effective configuration to the config file",
			Run:   func(cmd *cobra.Command, args []string) { mkconf() },
		},
		&cobra.Command{
			Use:   "conf",
			Short: "print the effective configuration",
			Run:   func(cmd *cobra.Command, args []string) { printconf() },
		},
		&cobra.Command{
			Use:   "version",
			Short: "print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("capseq version %v\n", Version)
			},
		},
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newSpinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

func progress(e capture.Event) string {
	j := e.Job
	switch {
	case j == nil:
		return e.Kind.String()
	case j.Calibrating:
		return fmt.Sprintf("calibrating %s flat, trying %.3fs", j.Filter, j.Exposure)
	default:
		return fmt.Sprintf("%s %s %.3gs frame %d/%d", j.FrameType, j.Filter, j.Exposure, j.Completed+1, j.Count)
	}
}

func runQueue(path string) error {
	c := loadConfig()
	q, err := sequence.LoadQueueFile(path)
	if err != nil {
		return err
	}
	st, err := newStation(c, q, c.logger())
	if err != nil {
		return err
	}
	spin, err := newSpinner()
	if err != nil {
		return err
	}

	done := make(chan capture.CaptureState, 1)
	st.proc.Subscribe(func(e capture.Event) {
		switch e.Kind {
		case capture.EventCaptureStarted, capture.EventExposureProgress:
			spin.Message(progress(e))
		case capture.EventImageReceived:
			if e.Path != "" {
				spin.Message("saved " + e.Path)
			}
		case capture.EventSequenceComplete:
			select {
			case done <- e.State:
			default:
			}
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go st.loop.Run(loopCtx)

	if err = spin.Start(); err != nil {
		return err
	}
	if err = st.do(loopCtx, st.proc.Start); err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		return err
	}

	var final capture.CaptureState
	select {
	case final = <-done:
	case <-ctx.Done():
		st.do(loopCtx, st.proc.Abort)
		final = capture.StateAborted
	}
	if final == capture.StateAborted {
		spin.StopFailMessage("sequence aborted")
		spin.StopFail()
		return errAborted
	}
	spin.StopMessage("sequence complete, frames in " + c.ImageRoot)
	return spin.Stop()
}

func serve() error {
	c := loadConfig()
	logger := c.logger()
	q := sequence.NewQueue()
	if _, err := os.Stat(c.QueueFile); err == nil {
		if q, err = sequence.LoadQueueFile(c.QueueFile); err != nil {
			return err
		}
		logger.Info("queue loaded", "file", c.QueueFile, "jobs", q.Len())
	}
	st, err := newStation(c, q, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	mc, err := metrics.NewCollector(reg)
	if err != nil {
		return err
	}
	st.proc.Subscribe(mc.Observe)
	seq := sequencer.New(st.proc, st.loop, c.QueueFile, metrics.Handler(reg))
	imgrec.NewHTTPWrapper(st.rec).Inject(seq.RouteTable)

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID, middleware.Logger)
	mux.Mount("/", seq.Router())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	go st.loop.Run(ctx)

	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdown, release := context.WithTimeout(context.Background(), 5*time.Second)
		defer release()
		srv.Shutdown(shutdown)
	}()
	log.Println("now listening for requests at ", c.Addr)
	for _, ep := range seq.RouteTable.Endpoints() {
		logger.Debug("route", "endpoint", ep)
	}
	if err = srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
