package imgrec

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/capseq/camera"
	"github.com/nasa-jpl/capseq/sequence"
	"github.com/nasa-jpl/capseq/server"
)

func frame() *camera.Image {
	pix := []uint16{100, 200, 300, 400, 500, 600}
	img := &camera.Image{BitDepth: 16, Width: 3, Height: 2, Pixels: pix, Exposure: 30, FrameType: camera.FrameLight}
	img.Min, img.Max, img.Mean = camera.Stats(pix)
	return img
}

func job() *sequence.Job {
	j := sequence.NewJob()
	j.Target = "M42"
	j.Exposure = 30
	j.Filter = sequence.Filter{Position: 2, Name: "Red"}
	j.Binning = camera.Binning{X: 2, Y: 2}
	j.EnforceTemperature = true
	j.Temperature = -10
	return j
}

func TestSaveWritesFITS(t *testing.T) {
	r := New(t.TempDir())
	r.Now = func() time.Time { return time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC) }
	j := job()
	path, err := r.Save(j, 7, frame())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root, "M42", "Light", "Red", "M42_Light_Red_007.fits"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, cards, err := camera.ReadFITS(f)
	require.NoError(t, err)
	assert.Equal(t, frame().Pixels, img.Pixels)

	got := map[string]interface{}{}
	for _, c := range cards {
		got[c.Name] = c.Value
	}
	assert.Equal(t, "Light", got["FRAME"])
	assert.Equal(t, "Red", got["FILTER"])
	assert.Equal(t, "M42", got["OBJECT"])
	assert.Equal(t, "2024-03-01T22:00:00.000", got["DATE-OBS"])
	assert.Contains(t, got, "EXPTIME")
	assert.Contains(t, got, "XBINNING")
	assert.Contains(t, got, "YBINNING")
	assert.Contains(t, got, "CCD-TEMP")
}

func TestCardsSkipUnsetFields(t *testing.T) {
	j := sequence.NewJob()
	cards := New("").Cards(j, frame())
	for _, c := range cards {
		assert.NotEqual(t, "OBJECT", c.Name)
		assert.NotEqual(t, "CCD-TEMP", c.Name)
	}
}

func TestDisabledRecorderWritesNothing(t *testing.T) {
	r := New(t.TempDir())
	r.Enabled = false
	path, err := r.Save(job(), 1, frame())
	require.NoError(t, err)
	assert.Empty(t, path)
	entries, err := os.ReadDir(r.Root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveWithoutPixelsFails(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Save(job(), 1, &camera.Image{Width: 3, Height: 2})
	assert.Error(t, err)
}

func TestNextSequenceID(t *testing.T) {
	r := New(t.TempDir())
	j := job()
	assert.Equal(t, 1, r.NextSequenceID(j.Signature()), "nothing on disk")

	for _, seq := range []int{1, 2, 5} {
		_, err := r.Save(j, seq, frame())
		require.NoError(t, err)
	}
	dir := filepath.Dir(r.resolve(j.Signature()))
	for _, name := range []string{"M42_Light_Red_099.jpg", "M42_Light_Red_abc.fits", "Other_050.fits"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "M42_Light_Red_077.fits"), 0755))
	assert.Equal(t, 6, r.NextSequenceID(j.Signature()))
}

func TestAbsoluteSignatureIgnoresRoot(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "unused"))
	j := job()
	j.LocalDir = dir
	path, err := r.Save(j, 1, frame())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, dir))
	assert.NoDirExists(t, filepath.Join(dir, "unused"))
}

func TestHTTPWrapper(t *testing.T) {
	r := New(t.TempDir())
	rt := server.RouteTable{}
	NewHTTPWrapper(r).Inject(rt)
	mux := chi.NewRouter()
	rt.Bind(mux)

	newRoot := filepath.Join(t.TempDir(), "frames")
	req := httptest.NewRequest(http.MethodPost, "/autowrite/root", bytes.NewBufferString(`{"str":"`+filepath.ToSlash(newRoot)+`"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.DirExists(t, newRoot)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/autowrite/root", nil))
	assert.JSONEq(t, `{"str":"`+filepath.ToSlash(newRoot)+`"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/autowrite/enabled", bytes.NewBufferString(`{"bool":false}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, r.Enabled)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/autowrite/enabled", bytes.NewBufferString(`nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
