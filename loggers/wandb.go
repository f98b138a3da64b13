package loggers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Wandb writes an offline Weights & Biases run directory that
// `wandb sync` can upload later.
type Wandb struct {
	dir     string
	id      string
	name    string
	project string

	summary map[string]interface{}
	// summaryMin lists metrics summarized by their minimum instead of
	// their last value.
	summaryMin map[string]bool
	start      time.Time
}

type wandbConfigValue struct {
	Desc  interface{} `yaml:"desc"`
	Value interface{} `yaml:"value"`
}

func newWandbID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// NewWandb creates <saveDir>/wandb/offline-run-<timestamp>-<id>.
func NewWandb(saveDir, project, name string) (*Wandb, error) {
	id := newWandbID()
	start := time.Now()
	dir := filepath.Join(saveDir, "wandb", fmt.Sprintf("offline-run-%s-%s", start.Format("20060102_150405"), id))
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0755); err != nil {
		return nil, err
	}
	w := &Wandb{
		dir:        dir,
		id:         id,
		name:       name,
		project:    project,
		summary:    make(map[string]interface{}),
		summaryMin: make(map[string]bool),
		start:      start,
	}
	return w, w.writeMetadata()
}

// OpenWandb reopens the offline run with the given id. The history is
// appended to and the summary continues from its saved values.
func OpenWandb(saveDir, id string) (*Wandb, error) {
	matches, err := filepath.Glob(filepath.Join(saveDir, "wandb", "offline-run-*-"+id))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: wandb run %s under %s", ErrRunNotFound, id, saveDir)
	}

	w := &Wandb{
		dir:        matches[len(matches)-1],
		id:         id,
		summary:    make(map[string]interface{}),
		summaryMin: make(map[string]bool),
		start:      time.Now(),
	}
	raw, err := os.ReadFile(w.file("wandb-summary.json"))
	if err == nil {
		if err := json.Unmarshal(raw, &w.summary); err != nil {
			return nil, fmt.Errorf("wandb run %s summary: %w", id, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	klog.Infof("Resuming wandb run %s", id)
	return w, nil
}

func (w *Wandb) Name() string  { return "wandb" }
func (w *Wandb) RunID() string { return w.id }
func (w *Wandb) Dir() string   { return w.dir }

func (w *Wandb) file(name string) string {
	return filepath.Join(w.dir, "files", name)
}

func (w *Wandb) writeMetadata() error {
	raw, err := json.Marshal(map[string]interface{}{
		"project":   w.project,
		"name":      w.name,
		"id":        w.id,
		"startedAt": w.start.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(w.file("wandb-metadata.json"), raw, 0644)
}

// DefineMetricMin summarizes metric by the smallest value logged.
func (w *Wandb) DefineMetricMin(metric string) {
	w.summaryMin[metric] = true
}

// LogHyperparams merges params into config.yaml.
func (w *Wandb) LogHyperparams(params map[string]interface{}) error {
	cfg := make(map[string]wandbConfigValue)
	if raw, err := os.ReadFile(w.file("config.yaml")); err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return err
		}
	}
	for k, v := range params {
		cfg[k] = wandbConfigValue{Value: v}
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(w.file("config.yaml"), raw, 0644)
}

func (w *Wandb) LogMetrics(step int, metrics map[string]float64) error {
	row := map[string]interface{}{
		"_step":      step,
		"_timestamp": float64(time.Now().UnixNano()) / 1e9,
		"_runtime":   time.Since(w.start).Seconds(),
	}
	for k, v := range metrics {
		row[k] = v
		if !w.summaryMin[k] {
			w.summary[k] = v
			continue
		}
		if prev, ok := w.summary[k].(float64); ok {
			v = math.Min(prev, v)
		}
		w.summary[k] = v
	}
	w.summary["_step"] = step

	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(w.file("wandb-history.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	bw.Write(raw)
	bw.WriteByte('\n')
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Summary returns the current summary value of a metric.
func (w *Wandb) Summary(key string) (interface{}, bool) {
	v, ok := w.summary[key]
	return v, ok
}

func (w *Wandb) Finalize(status string) error {
	raw, err := json.Marshal(w.summary)
	if err != nil {
		return err
	}
	return os.WriteFile(w.file("wandb-summary.json"), raw, 0644)
}
