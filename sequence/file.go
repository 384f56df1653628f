package sequence

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/google/uuid"
	"github.com/snksoft/crc"
	"gopkg.in/yaml.v2"

	"github.com/nasa-jpl/capseq/camera"
)

// FormatVersion is written to every queue file
const FormatVersion = "1"

var crcTable = crc.NewTable(crc.CRC32)

type calibrationRecord struct {
	PreActions []string `yaml:"preActions,omitempty"`
	Wall       Wall     `yaml:"wall"`
	Duration   string   `yaml:"duration"`
	TargetADU  float64  `yaml:"targetADU"`
	Tolerance  float64  `yaml:"tolerance"`
	LightBox   bool     `yaml:"lightBox"`
}

type jobRecord struct {
	ID                 string                        `yaml:"id"`
	Type               string                        `yaml:"type"`
	FrameType          camera.FrameType              `yaml:"frameType"`
	Target             string                        `yaml:"target,omitempty"`
	Exposure           float64                       `yaml:"exposure"`
	Filter             Filter                        `yaml:"filter"`
	Binning            camera.Binning                `yaml:"binning"`
	ROI                camera.AOI                    `yaml:"roi"`
	Count              int                           `yaml:"count"`
	DelayMs            int                           `yaml:"delayMs"`
	UploadMode         camera.UploadMode             `yaml:"uploadMode"`
	Encoding           string                        `yaml:"encoding"`
	LocalDir           string                        `yaml:"localDir,omitempty"`
	Placeholder        string                        `yaml:"placeholder"`
	Temperature        float64                       `yaml:"temperature"`
	EnforceTemperature bool                          `yaml:"enforceTemperature"`
	Rotation           float64                       `yaml:"rotation"`
	EnforceRotation    bool                          `yaml:"enforceRotation"`
	Calibration        calibrationRecord             `yaml:"calibration"`
	Properties         map[string]map[string]float64 `yaml:"properties,omitempty"`
	Scripts            Scripts                       `yaml:"scripts"`
}

type queueDocument struct {
	Version string      `yaml:"version"`
	Options Options     `yaml:"options"`
	Jobs    []jobRecord `yaml:"jobs"`
}

var preActionNames = []struct {
	bit  PreAction
	name string
}{
	{PreActionWall, "wall"},
	{PreActionParkMount, "parkMount"},
	{PreActionParkDome, "parkDome"},
}

func toRecord(j *Job) jobRecord {
	r := jobRecord{
		ID:                 j.ID,
		Type:               j.Type.String(),
		FrameType:          j.FrameType,
		Target:             j.Target,
		Exposure:           j.Exposure,
		Filter:             j.Filter,
		Binning:            j.Binning,
		ROI:                j.ROI,
		Count:              j.Count,
		DelayMs:            j.DelayMs,
		UploadMode:         j.UploadMode,
		Encoding:           j.Encoding,
		LocalDir:           j.LocalDir,
		Placeholder:        j.Placeholder,
		Temperature:        j.Temperature,
		EnforceTemperature: j.EnforceTemperature,
		Rotation:           j.Rotation,
		EnforceRotation:    j.EnforceRotation,
		Properties:         j.Properties,
		Scripts:            j.Scripts,
	}
	for _, pa := range preActionNames {
		if j.PreActions.Has(pa.bit) {
			r.Calibration.PreActions = append(r.Calibration.PreActions, pa.name)
		}
	}
	r.Calibration.Wall = j.Wall
	r.Calibration.Duration = "manual"
	if j.FlatDuration == FlatADU {
		r.Calibration.Duration = "adu"
	}
	r.Calibration.TargetADU = j.TargetADU
	r.Calibration.Tolerance = j.ADUTolerance
	r.Calibration.LightBox = j.UseLightBox
	return r
}

func fromRecord(r jobRecord) (*Job, error) {
	j := &Job{
		ID:                 r.ID,
		FrameType:          r.FrameType,
		Target:             r.Target,
		Exposure:           r.Exposure,
		Filter:             r.Filter,
		Binning:            r.Binning,
		ROI:                r.ROI,
		Count:              r.Count,
		DelayMs:            r.DelayMs,
		UploadMode:         r.UploadMode,
		Encoding:           r.Encoding,
		LocalDir:           r.LocalDir,
		Placeholder:        r.Placeholder,
		Temperature:        r.Temperature,
		EnforceTemperature: r.EnforceTemperature,
		Rotation:           r.Rotation,
		EnforceRotation:    r.EnforceRotation,
		Wall:               r.Calibration.Wall,
		TargetADU:          r.Calibration.TargetADU,
		ADUTolerance:       r.Calibration.Tolerance,
		UseLightBox:        r.Calibration.LightBox,
		Properties:         r.Properties,
		Scripts:            r.Scripts,
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	switch r.Type {
	case "", "batch":
		j.Type = TypeBatch
	case "darkflat":
		j.Type = TypeDarkFlat
	default:
		return nil, fmt.Errorf("job %s: unknown job type %q", j.ID, r.Type)
	}
	ft, err := camera.ParseFrameType(string(r.FrameType))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.FrameType = ft
	switch r.Calibration.Duration {
	case "", "manual":
		j.FlatDuration = FlatManual
	case "adu":
		j.FlatDuration = FlatADU
	default:
		return nil, fmt.Errorf("job %s: unknown flat duration %q", j.ID, r.Calibration.Duration)
	}
	for _, name := range r.Calibration.PreActions {
		found := false
		for _, pa := range preActionNames {
			if pa.name == name {
				j.PreActions |= pa.bit
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("job %s: unknown calibration pre-action %q", j.ID, name)
		}
	}
	if err := j.Validate(); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	return j, nil
}

func encode(q *Queue) ([]byte, error) {
	doc := queueDocument{Version: FormatVersion, Options: q.Options}
	for _, j := range q.jobs {
		if j.IsPreview() {
			continue
		}
		doc.Jobs = append(doc.Jobs, toRecord(j))
	}
	return yaml.Marshal(doc)
}

// SaveQueue writes the queue as YAML.  Preview jobs are not saved.
func SaveQueue(w io.Writer, q *Queue) error {
	b, err := encode(q)
	if err != nil {
		return err
	}
	if _, err = w.Write(b); err != nil {
		return err
	}
	q.MarkClean()
	return nil
}

// LoadQueue reads a queue written by SaveQueue
func LoadQueue(r io.Reader) (*Queue, error) {
	b, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var doc queueDocument
	if err = yaml.UnmarshalStrict(b, &doc); err != nil {
		return nil, err
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported queue file version %q", doc.Version)
	}
	q := &Queue{Options: doc.Options}
	for _, rec := range doc.Jobs {
		j, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		q.jobs = append(q.jobs, j)
	}
	q.MarkClean()
	return q, nil
}

// SaveQueueFile writes the queue to a file
func SaveQueueFile(path string, q *Queue) error {
	b, err := encode(q)
	if err != nil {
		return err
	}
	if err = ioutil.WriteFile(path, b, 0644); err != nil {
		return err
	}
	q.MarkClean()
	return nil
}

// LoadQueueFile reads a queue from a file
func LoadQueueFile(path string) (*Queue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadQueue(f)
}

// Fingerprint is a CRC over the persisted form of the queue
func Fingerprint(q *Queue) (uint32, error) {
	b, err := encode(q)
	if err != nil {
		return 0, err
	}
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, b)
	return crcTable.CRC32(c), nil
}
