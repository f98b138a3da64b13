// Package femr reads patient timelines from an extract directory and turns
// them into padded token batches for causal or masked language modeling.
//
// An extract is a directory containing timelines.jsonl, one patient per line:
//
//	{"patient_id": 42, "events": [{"code": "ICD10/E11.9", "time": "2019-03-01T00:00:00Z"}]}
//
// Patients are assigned to the train, val and test splits by a hash of their
// id, so the assignment is stable across runs and machines.
package femr

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"k8s.io/klog/v2"
)

const TimelinesFile = "timelines.jsonl"

type Split string

const (
	Train Split = "train"
	Val   Split = "val"
	Test  Split = "test"
)

var Splits = []Split{Train, Val, Test}

var (
	ErrUnknownSplit = errors.New("femr: unknown split")
	ErrIndex        = errors.New("femr: patient index out of range")
)

type Event struct {
	Code  string      `json:"code"`
	Time  time.Time   `json:"time"`
	Value interface{} `json:"value,omitempty"`
}

type Patient struct {
	PatientID int64   `json:"patient_id"`
	Events    []Event `json:"events"`
}

// Codes returns the patient's event codes in time order.
func (p Patient) Codes() []string {
	codes := make([]string, len(p.Events))
	for i, e := range p.Events {
		codes[i] = e.Code
	}
	return codes
}

// Options controls split assignment and where split indexes are cached.
type Options struct {
	TrainFrac float64
	ValFrac   float64

	// CacheDir, if set, stores the patient ids of each split so that later
	// opens skip hashing. Cache files are keyed on the extract's absolute
	// path and the size and modification time of its timelines, so several
	// extracts can share one directory.
	CacheDir string
}

// DefaultOptions is an 80/10/10 split with no cache.
var DefaultOptions = Options{TrainFrac: 0.8, ValFrac: 0.1}

// Dataset is one split of an extract, held in memory.
type Dataset struct {
	split    Split
	patients []Patient
}

// AssignSplit returns the split a patient belongs to.
func AssignSplit(patientID int64, opts Options) Split {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(patientID, 10)))
	bucket := float64(h.Sum64()%10000) / 10000

	switch {
	case bucket < opts.TrainFrac:
		return Train
	case bucket < opts.TrainFrac+opts.ValFrac:
		return Val
	default:
		return Test
	}
}

// Open loads the patients of one split from the extract at path.
func Open(path string, split Split, opts Options) (*Dataset, error) {
	if !validSplit(split) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSplit, split)
	}

	key, err := extractKey(path)
	if err != nil {
		return nil, err
	}
	cached, err := readSplitCache(key, opts, split)
	if err != nil {
		klog.Warningf("Ignoring split cache: %v", err)
		cached = nil
	}

	f, err := os.Open(filepath.Join(path, TimelinesFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds := &Dataset{split: split}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<28)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var p Patient
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			return nil, fmt.Errorf("femr: %s line %d: %w", TimelinesFile, line, err)
		}

		if cached != nil {
			if !cached[p.PatientID] {
				continue
			}
		} else if AssignSplit(p.PatientID, opts) != split {
			continue
		}

		sort.SliceStable(p.Events, func(i, j int) bool {
			return p.Events[i].Time.Before(p.Events[j].Time)
		})
		ds.patients = append(ds.patients, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if cached == nil && opts.CacheDir != "" {
		if err := writeSplitCache(key, opts, split, ds.PatientIDs()); err != nil {
			klog.Warningf("Could not write split cache: %v", err)
		}
	}

	klog.V(1).Infof("Loaded split %s: %d patients", split, len(ds.patients))
	return ds, nil
}

// FromPatients builds an in-memory dataset.
func FromPatients(split Split, patients []Patient) *Dataset {
	return &Dataset{split: split, patients: patients}
}

func validSplit(s Split) bool {
	for _, v := range Splits {
		if v == s {
			return true
		}
	}
	return false
}

func (d *Dataset) Split() Split { return d.split }

func (d *Dataset) Len() int { return len(d.patients) }

func (d *Dataset) Get(i int) (Patient, error) {
	if i < 0 || i >= len(d.patients) {
		return Patient{}, fmt.Errorf("%w: %d of %d", ErrIndex, i, len(d.patients))
	}
	return d.patients[i], nil
}

// Codes implements tokenizer.CodeSource.
func (d *Dataset) Codes(i int) ([]string, error) {
	p, err := d.Get(i)
	if err != nil {
		return nil, err
	}
	return p.Codes(), nil
}

func (d *Dataset) PatientIDs() []int64 {
	ids := make([]int64, len(d.patients))
	for i, p := range d.patients {
		ids[i] = p.PatientID
	}
	return ids
}

// extractKey identifies the contents of the extract at path.
func extractKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(filepath.Join(abs, TimelinesFile))
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%d\x00%d", abs, info.Size(), info.ModTime().UnixNano())
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

func splitCachePath(key string, opts Options, split Split) string {
	return filepath.Join(opts.CacheDir,
		fmt.Sprintf("pids_%s_%s_%.4f_%.4f.json", key, split, opts.TrainFrac, opts.ValFrac))
}

func readSplitCache(key string, opts Options, split Split) (map[int64]bool, error) {
	if opts.CacheDir == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(splitCachePath(key, opts, split))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var ids []int64
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func writeSplitCache(key string, opts Options, split Split, ids []int64) error {
	if err := os.MkdirAll(opts.CacheDir, 0755); err != nil {
		return err
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return os.WriteFile(splitCachePath(key, opts, split), raw, 0644)
}
