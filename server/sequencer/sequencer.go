// Package sequencer exposes a capture process over HTTP.
//
// Every handler runs its work on the capture loop goroutine, so the process
// and its queue are never touched concurrently.  Queue edits are locked with
// 423 while a sequence runs.
package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/nasa-jpl/capseq/capture"
	"github.com/nasa-jpl/capseq/sequence"
	"github.com/nasa-jpl/capseq/server"
	"github.com/nasa-jpl/capseq/server/middleware/locker"
)

var (
	// ErrActiveJob is returned when an edit targets the job being captured
	ErrActiveJob = errors.New("job is being captured")

	// ErrNoQueueFile is returned when no queue file path is known
	ErrNoQueueFile = errors.New("no queue file given")

	// ErrNoFrame is returned when no frame was recorded yet
	ErrNoFrame = errors.New("no frame recorded")
)

// Doer runs f on the goroutine owning the process
type Doer interface {
	Do(ctx context.Context, f func()) error
}

// JobView is the JSON form of a job in the queue
type JobView struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	FrameType string  `json:"frameType"`
	Target    string  `json:"target,omitempty"`
	Filter    string  `json:"filter,omitempty"`
	Exposure  float64 `json:"exposure"`
	Count     int     `json:"count"`
	Completed int     `json:"completed"`
	Status    string  `json:"status"`
	Active    bool    `json:"active"`
}

// HTTPSequencer holds a route table controlling one capture process
type HTTPSequencer struct {
	proc *capture.Process
	loop Doer
	lock *locker.Locker

	// QueueFile is the default path for saving and loading the queue
	QueueFile string

	// lastFrame is only touched on the loop goroutine
	lastFrame string

	RouteTable server.RouteTable
}

// New builds the routes for p.  metrics, if not nil, is served at
// GET /metrics.  New subscribes to the process, so it must be called before
// the loop runs or from the loop goroutine.
func New(p *capture.Process, loop Doer, queueFile string, metrics http.Handler) *HTTPSequencer {
	s := &HTTPSequencer{proc: p, loop: loop, lock: locker.New(), QueueFile: queueFile}
	p.Subscribe(s.observe)
	rt := server.RouteTable{
		{Method: http.MethodGet, Path: "/state"}:            s.GetState,
		{Method: http.MethodGet, Path: "/jobs"}:             s.GetJobs,
		{Method: http.MethodPost, Path: "/jobs"}:            s.lock.Guard(s.AddJobs),
		{Method: http.MethodDelete, Path: "/jobs/{id}"}:     s.lock.Guard(s.RemoveJob),
		{Method: http.MethodPost, Path: "/jobs/{id}/reset"}: s.lock.Guard(s.ResetJob),
		{Method: http.MethodPost, Path: "/start"}:           s.command(p.Start),
		{Method: http.MethodPost, Path: "/stop"}:            s.command(p.Stop),
		{Method: http.MethodPost, Path: "/pause"}:           s.command(p.Pause),
		{Method: http.MethodPost, Path: "/abort"}:           s.command(p.Abort),
		{Method: http.MethodPost, Path: "/suspend"}:         s.command(p.Suspend),
		{Method: http.MethodPost, Path: "/queue/save"}:      s.SaveQueue,
		{Method: http.MethodPost, Path: "/queue/load"}:      s.lock.Guard(s.LoadQueue),
		{Method: http.MethodPost, Path: "/queue/reset"}:     s.lock.Guard(s.ResetQueue),
		{Method: http.MethodGet, Path: "/frames/last"}:      s.LastFrame,
	}
	if metrics != nil {
		rt[server.MethodPath{Method: http.MethodGet, Path: "/metrics"}] = metrics.ServeHTTP
	}
	locker.Inject(rt, s.lock)
	s.RouteTable = rt
	return s
}

// Router returns a chi router serving the route table
func (s *HTTPSequencer) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.RouteTable.Bind(r)
	return r
}

// Locker returns the lock guarding queue edits
func (s *HTTPSequencer) Locker() *locker.Locker {
	return s.lock
}

func (s *HTTPSequencer) observe(e capture.Event) {
	switch e.Kind {
	case capture.EventStateChanged:
		if e.State.Running() {
			s.lock.Lock()
		} else {
			s.lock.Unlock()
		}
	case capture.EventImageReceived:
		if e.Path != "" {
			s.lastFrame = e.Path
		}
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, sequence.ErrNotFound), errors.Is(err, ErrNoFrame):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrAlreadyRunning), errors.Is(err, capture.ErrNotRunning),
		errors.Is(err, capture.ErrNoPendingJobs), errors.Is(err, ErrActiveJob):
		return http.StatusConflict
	case errors.Is(err, ErrNoQueueFile), errors.Is(err, sequence.ErrBadCount), errors.Is(err, sequence.ErrBadExposure):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// onLoop runs f on the loop and returns its error.  The result travels over
// a channel so a request cancelled while f is queued does not race with it.
func (s *HTTPSequencer) onLoop(ctx context.Context, f func() error) error {
	res := make(chan error, 1)
	if err := s.loop.Do(ctx, func() { res <- f() }); err != nil {
		return err
	}
	return <-res
}

func (s *HTTPSequencer) respond(w http.ResponseWriter, err error) bool {
	if err == nil {
		return true
	}
	code := statusOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
	return false
}

func (s *HTTPSequencer) command(f func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.respond(w, s.onLoop(r.Context(), f)) {
			w.WriteHeader(http.StatusOK)
		}
	}
}

// GetState replies with a snapshot of the capture state
func (s *HTTPSequencer) GetState(w http.ResponseWriter, r *http.Request) {
	var snap capture.Snapshot
	err := s.onLoop(r.Context(), func() error {
		snap = s.proc.State().Snapshot()
		return nil
	})
	if s.respond(w, err) {
		server.Reply(w, snap)
	}
}

// GetJobs replies with the queue in execution order
func (s *HTTPSequencer) GetJobs(w http.ResponseWriter, r *http.Request) {
	var views []JobView
	err := s.onLoop(r.Context(), func() error {
		st := s.proc.State()
		active := st.ActiveJob()
		views = make([]JobView, 0, st.Queue().Len())
		for _, j := range st.Queue().Jobs() {
			views = append(views, JobView{
				ID:        j.ID,
				Type:      j.Type.String(),
				FrameType: string(j.FrameType),
				Target:    j.Target,
				Filter:    j.Filter.Name,
				Exposure:  j.CurrentExposure(),
				Count:     j.Count,
				Completed: j.Completed,
				Status:    j.Status.String(),
				Active:    j == active,
			})
		}
		return nil
	})
	if s.respond(w, err) {
		server.Reply(w, views)
	}
}

// AddJobs appends the jobs of a queue document in the request body and
// replies with their IDs
func (s *HTTPSequencer) AddJobs(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	in, err := sequence.LoadQueue(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var ids []string
	err = s.onLoop(r.Context(), func() error {
		q := s.proc.State().Queue()
		for _, j := range in.Jobs() {
			q.Add(j)
			ids = append(ids, j.ID)
		}
		return nil
	})
	if s.respond(w, err) {
		server.Reply(w, ids)
	}
}

func (s *HTTPSequencer) editJob(r *http.Request, f func(q *sequence.Queue, j *sequence.Job) error) error {
	id := chi.URLParam(r, "id")
	return s.onLoop(r.Context(), func() error {
		st := s.proc.State()
		j, err := st.Queue().Find(id)
		if err != nil {
			return err
		}
		if j == st.ActiveJob() {
			return ErrActiveJob
		}
		return f(st.Queue(), j)
	})
}

// RemoveJob deletes a job from the queue
func (s *HTTPSequencer) RemoveJob(w http.ResponseWriter, r *http.Request) {
	err := s.editJob(r, func(q *sequence.Queue, j *sequence.Job) error {
		_, err := q.Remove(j.ID)
		return err
	})
	if s.respond(w, err) {
		w.WriteHeader(http.StatusOK)
	}
}

// ResetJob returns a job to idle with no captured frames
func (s *HTTPSequencer) ResetJob(w http.ResponseWriter, r *http.Request) {
	err := s.editJob(r, func(q *sequence.Queue, j *sequence.Job) error {
		j.Reset()
		q.Updated(j)
		return nil
	})
	if s.respond(w, err) {
		w.WriteHeader(http.StatusOK)
	}
}

func (s *HTTPSequencer) queuePath(r *http.Request) (string, error) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil && err != io.EOF {
		return "", err
	}
	if str.Str == "" {
		str.Str = s.QueueFile
	}
	if str.Str == "" {
		return "", ErrNoQueueFile
	}
	return str.Str, nil
}

// SaveQueue writes the queue to the path in the body, or QueueFile
func (s *HTTPSequencer) SaveQueue(w http.ResponseWriter, r *http.Request) {
	path, err := s.queuePath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.onLoop(r.Context(), func() error {
		return sequence.SaveQueueFile(path, s.proc.State().Queue())
	})
	if s.respond(w, err) {
		w.WriteHeader(http.StatusOK)
	}
}

// LoadQueue replaces the queue with the file at the path in the body, or QueueFile
func (s *HTTPSequencer) LoadQueue(w http.ResponseWriter, r *http.Request) {
	path, err := s.queuePath(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	in, err := sequence.LoadQueueFile(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.onLoop(r.Context(), func() error {
		return s.proc.LoadQueue(in)
	})
	if s.respond(w, err) {
		w.WriteHeader(http.StatusOK)
	}
}

// ResetQueue returns every job to idle with no captured frames
func (s *HTTPSequencer) ResetQueue(w http.ResponseWriter, r *http.Request) {
	if s.respond(w, s.onLoop(r.Context(), s.proc.ResetQueue)) {
		w.WriteHeader(http.StatusOK)
	}
}

// LastFrame serves the most recently recorded frame file
func (s *HTTPSequencer) LastFrame(w http.ResponseWriter, r *http.Request) {
	var fn string
	err := s.onLoop(r.Context(), func() error {
		if s.lastFrame == "" {
			return ErrNoFrame
		}
		fn = s.lastFrame
		return nil
	})
	if s.respond(w, err) {
		server.ReplyWithFile(w, r, filepath.Base(fn), filepath.Dir(fn))
	}
}
