// Package imgrec contains an image recorder used to automatically save frames to disk.
package imgrec

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/sequence"
	"github.com/nasa-jpl/capseq/server"
)

// Recorder records frames as FITS files named after the job signature and
// an incrementing sequence number.  Relative signatures are placed under Root.
type Recorder struct {
	mu sync.Mutex

	// Root is the root path
	Root string

	// Enabled turns recording off without unwiring the recorder
	Enabled bool

	// Now is the clock used for DATE-OBS, time.Now if nil
	Now func() time.Time
}

// New returns an enabled recorder rooted at root
func New(root string) *Recorder {
	return &Recorder{Root: root, Enabled: true}
}

func (r *Recorder) resolve(signature string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if filepath.IsAbs(signature) || r.Root == "" {
		return signature
	}
	return filepath.Join(r.Root, signature)
}

func (r *Recorder) enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}

// Cards returns the header cards describing a frame of the job
func (r *Recorder) Cards(j *sequence.Job, img *camera.Image) []fitsio.Card {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	exp := img.Exposure
	if exp == 0 {
		exp = j.CurrentExposure()
	}
	cards := []fitsio.Card{
		{Name: "FRAME", Value: string(j.FrameType), Comment: "frame type"},
		{Name: "EXPTIME", Value: exp, Comment: "exposure time [s]"},
		{Name: "FILTER", Value: j.Filter.Name, Comment: "filter in the beam"},
		{Name: "XBINNING", Value: j.Binning.X, Comment: "binning factor used on X axis"},
		{Name: "YBINNING", Value: j.Binning.Y, Comment: "binning factor used on Y axis"},
	}
	if j.EnforceTemperature {
		cards = append(cards, fitsio.Card{Name: "CCD-TEMP", Value: j.Temperature, Comment: "sensor setpoint [C]"})
	}
	if j.Target != "" {
		cards = append(cards, fitsio.Card{Name: "OBJECT", Value: j.Target, Comment: "target name"})
	}
	cards = append(cards, fitsio.Card{Name: "DATE-OBS", Value: now().UTC().Format("2006-01-02T15:04:05.000"), Comment: "UTC time the frame was stored"})
	return cards
}

// Save writes img to <signature>_<seq>.fits and returns the path.  A
// disabled recorder writes nothing and returns an empty path.
func (r *Recorder) Save(j *sequence.Job, seq int, img *camera.Image) (string, error) {
	if !r.enabled() {
		return "", nil
	}
	fn := r.resolve(j.FilePath(seq)) + ".fits"
	if err := os.MkdirAll(filepath.Dir(fn), 0777); err != nil {
		return "", err
	}
	fid, err := os.Create(fn)
	if err != nil {
		return "", err
	}
	defer fid.Close()
	if err = camera.WriteFITS(fid, img, r.Cards(j, img)); err != nil {
		return "", fmt.Errorf("writing %s: %w", fn, err)
	}
	return fn, fid.Close()
}

// NextSequenceID scans the folder of the signature for frames already on
// disk and returns one past the highest number found, or 1
func (r *Recorder) NextSequenceID(signature string) int {
	sig := r.resolve(signature)
	files, err := os.ReadDir(filepath.Dir(sig))
	if err != nil {
		return 1
	}
	prefix := filepath.Base(sig) + "_"
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, prefix) {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	return count + 1
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the
// root folder and enabled flag to be changed on the fly
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := server.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err = os.MkdirAll(str.Str, 0777); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Root = str.Str
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetRoot gets the recorder's root folder and sends it back as JSON
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	root := h.Root
	h.mu.Unlock()
	server.Reply(w, server.StrT{Str: root})
}

// GetEnabled returns the Recorder's Enabled field
func (h HTTPWrapper) GetEnabled(w http.ResponseWriter, r *http.Request) {
	server.Reply(w, server.BoolT{Bool: h.enabled()})
}

// SetEnabled sets the recorder's Enabled field
func (h HTTPWrapper) SetEnabled(w http.ResponseWriter, r *http.Request) {
	bT := server.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&bT)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Enabled = bT.Bool
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// Inject adds GET and POST routes for /autowrite/root and /autowrite/enabled
// to the route table
func (h HTTPWrapper) Inject(rt server.RouteTable) {
	rt[server.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = h.SetRoot
	rt[server.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = h.GetRoot
	rt[server.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = h.SetEnabled
	rt[server.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = h.GetEnabled
}
