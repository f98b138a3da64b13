package loggers

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// MLflow run status codes as stored in a run's meta.yaml.
var mlflowStatus = map[string]int{
	"RUNNING":      1,
	StatusFinished: 3,
	StatusFailed:   4,
	StatusKilled:   5,
}

type mlflowExperimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
	ExperimentID     string `yaml:"experiment_id"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

type mlflowRunMeta struct {
	ArtifactURI    string   `yaml:"artifact_uri"`
	EndTime        *int64   `yaml:"end_time"`
	EntryPointName string   `yaml:"entry_point_name"`
	ExperimentID   string   `yaml:"experiment_id"`
	LifecycleStage string   `yaml:"lifecycle_stage"`
	RunID          string   `yaml:"run_id"`
	RunName        string   `yaml:"run_name"`
	RunUUID        string   `yaml:"run_uuid"`
	SourceName     string   `yaml:"source_name"`
	SourceType     int      `yaml:"source_type"`
	SourceVersion  string   `yaml:"source_version"`
	StartTime      int64    `yaml:"start_time"`
	Status         int      `yaml:"status"`
	Tags           []string `yaml:"tags"`
	UserID         string   `yaml:"user_id"`
}

// MLFlow writes a run into an MLflow file store rooted at a local directory,
// the layout `mlflow ui --backend-store-uri file:<root>` reads.
type MLFlow struct {
	root   string
	runDir string
	meta   mlflowRunMeta
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// NewMLFlow starts a new run named runName in experiment, creating the
// experiment if the store does not have it yet.
func NewMLFlow(root, experiment, runName string) (*MLFlow, error) {
	expID, err := mlflowExperiment(root, experiment)
	if err != nil {
		return nil, err
	}

	runID := strings.ReplaceAll(uuid.NewString(), "-", "")
	runDir := filepath.Join(root, expID, runID)
	for _, sub := range []string{"metrics", "params", "tags", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0755); err != nil {
			return nil, err
		}
	}

	user := os.Getenv("USER")
	m := &MLFlow{
		root:   root,
		runDir: runDir,
		meta: mlflowRunMeta{
			ArtifactURI:    "file://" + filepath.Join(runDir, "artifacts"),
			ExperimentID:   expID,
			LifecycleStage: "active",
			RunID:          runID,
			RunName:        runName,
			RunUUID:        runID,
			SourceType:     4,
			StartTime:      nowMillis(),
			Status:         mlflowStatus["RUNNING"],
			Tags:           []string{},
			UserID:         user,
		},
	}
	if err := m.setTag("mlflow.runName", runName); err != nil {
		return nil, err
	}
	if err := m.setTag("mlflow.user", user); err != nil {
		return nil, err
	}
	return m, m.writeMeta()
}

// OpenMLFlow reopens an existing run for appending.
func OpenMLFlow(root, runID string) (*MLFlow, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*", runID, "meta.yaml"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: mlflow run %s under %s", ErrRunNotFound, runID, root)
	}

	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return nil, err
	}
	m := &MLFlow{root: root, runDir: filepath.Dir(matches[0])}
	if err := yaml.Unmarshal(raw, &m.meta); err != nil {
		return nil, fmt.Errorf("mlflow run %s: %w", runID, err)
	}
	m.meta.Status = mlflowStatus["RUNNING"]
	m.meta.EndTime = nil
	klog.Infof("Resuming mlflow run %s", runID)
	return m, m.writeMeta()
}

// mlflowExperiment returns the id of the named experiment, creating it with
// the next free numeric id if needed.
func mlflowExperiment(root, name string) (string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}

	next := 1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, e.Name(), "meta.yaml"))
		if err != nil {
			continue
		}
		var meta mlflowExperimentMeta
		if yaml.Unmarshal(raw, &meta) != nil {
			continue
		}
		if meta.Name == name && meta.LifecycleStage == "active" {
			return meta.ExperimentID, nil
		}
		if id, err := strconv.Atoi(meta.ExperimentID); err == nil && id >= next {
			next = id + 1
		}
	}

	id := strconv.Itoa(next)
	now := nowMillis()
	meta := mlflowExperimentMeta{
		ArtifactLocation: "file://" + filepath.Join(root, id),
		CreationTime:     now,
		ExperimentID:     id,
		LastUpdateTime:   now,
		LifecycleStage:   "active",
		Name:             name,
	}
	raw, err := yaml.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(root, id), 0755); err != nil {
		return "", err
	}
	return id, os.WriteFile(filepath.Join(root, id, "meta.yaml"), raw, 0644)
}

func (m *MLFlow) Name() string         { return "mlflow" }
func (m *MLFlow) RunID() string        { return m.meta.RunID }
func (m *MLFlow) ExperimentID() string { return m.meta.ExperimentID }
func (m *MLFlow) RunDir() string       { return m.runDir }

func (m *MLFlow) writeMeta() error {
	raw, err := yaml.Marshal(m.meta)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.runDir, "meta.yaml"), raw, 0644)
}

// writeKeyFile writes one file per key. Keys containing "/" nest, as they do
// in MLflow's own store.
func (m *MLFlow) writeKeyFile(sub, key string, content []byte, appendTo bool) error {
	path := filepath.Join(m.runDir, sub, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if !appendTo {
		return os.WriteFile(path, content, 0644)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (m *MLFlow) setTag(key, value string) error {
	return m.writeKeyFile("tags", key, []byte(value), false)
}

// LogHyperparams writes each value as a param file. MLflow params are
// immutable, so a key already logged keeps its first value.
func (m *MLFlow) LogHyperparams(params map[string]interface{}) error {
	for k, v := range params {
		path := filepath.Join(m.runDir, "params", filepath.FromSlash(k))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := m.writeKeyFile("params", k, []byte(fmt.Sprint(v)), false); err != nil {
			return err
		}
	}
	return nil
}

// LogMetrics appends "<timestamp> <value> <step>" lines to each metric's file.
func (m *MLFlow) LogMetrics(step int, metrics map[string]float64) error {
	ts := nowMillis()
	for _, k := range sortedMetricKeys(metrics) {
		line := fmt.Sprintf("%d %s %d\n", ts, strconv.FormatFloat(metrics[k], 'g', -1, 64), step)
		if err := m.writeKeyFile("metrics", k, []byte(line), true); err != nil {
			return err
		}
	}
	return nil
}

func (m *MLFlow) Finalize(status string) error {
	code, ok := mlflowStatus[status]
	if !ok {
		code = mlflowStatus[StatusFinished]
	}
	end := nowMillis()
	m.meta.Status = code
	m.meta.EndTime = &end
	return m.writeMeta()
}

// LogArtifacts copies the checkpoint files in dir into the run's
// artifacts/checkpoints directory.
func (m *MLFlow) LogArtifacts(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ckpt"))
	if err != nil {
		return err
	}
	dst := filepath.Join(m.runDir, "artifacts", "checkpoints")
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	for _, src := range matches {
		raw, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dst, filepath.Base(src)), raw, 0644); err != nil {
			return err
		}
	}
	return nil
}
