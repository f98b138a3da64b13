package loggers

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/herclab/ehrtrain/config"
	"gopkg.in/yaml.v2"
)

func TestCSVVersionsAndRows(t *testing.T) {
	dir := t.TempDir()

	first, err := NewCSV(dir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := NewCSV(dir)
	if err != nil {
		t.Fatal(err)
	}
	if first.RunID() != "version_0" || second.RunID() != "version_1" {
		t.Errorf("versions = %s, %s", first.RunID(), second.RunID())
	}

	second.LogMetrics(1, map[string]float64{"train/loss": 2.5})
	second.LogMetrics(2, map[string]float64{"train/loss": 2.0, "val/loss": 2.25})
	if err := second.Finalize(StatusFinished); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "version_1", "metrics.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	expect := [][]string{
		{"step", "train/loss", "val/loss"},
		{"1", "2.5", ""},
		{"2", "2", "2.25"},
	}
	if len(records) != len(expect) {
		t.Fatalf("got %d records, want %d", len(records), len(expect))
	}
	for i := range expect {
		if strings.Join(records[i], ",") != strings.Join(expect[i], ",") {
			t.Errorf("row %d = %v, want %v", i, records[i], expect[i])
		}
	}
}

func TestCSVHyperparams(t *testing.T) {
	c, err := NewCSV(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.LogHyperparams(map[string]interface{}{"optimizer.lr": 0.001}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(c.Dir(), "hparams.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]float64
	if err := yaml.Unmarshal(raw, &got); err != nil || got["optimizer.lr"] != 0.001 {
		t.Errorf("hparams.yaml = %q (%v)", raw, err)
	}
}

func TestMLFlowStore(t *testing.T) {
	root := t.TempDir()

	m, err := NewMLFlow(root, Project, "baseline")
	if err != nil {
		t.Fatal(err)
	}
	if m.ExperimentID() != "1" || len(m.RunID()) != 32 {
		t.Errorf("experiment %s run %s", m.ExperimentID(), m.RunID())
	}

	m.LogHyperparams(map[string]interface{}{"model.name": "gpt2-base"})
	m.LogHyperparams(map[string]interface{}{"model.name": "bert-base"})
	m.LogMetrics(10, map[string]float64{"train/loss": 1.5})
	m.LogMetrics(20, map[string]float64{"train/loss": 1.25})
	if err := m.Finalize(StatusFinished); err != nil {
		t.Fatal(err)
	}

	param, _ := os.ReadFile(filepath.Join(m.RunDir(), "params", "model.name"))
	if string(param) != "gpt2-base" {
		t.Errorf("param = %q, want first logged value", param)
	}
	tag, _ := os.ReadFile(filepath.Join(m.RunDir(), "tags", "mlflow.runName"))
	if string(tag) != "baseline" {
		t.Errorf("runName tag = %q", tag)
	}

	raw, err := os.ReadFile(filepath.Join(m.RunDir(), "metrics", "train", "loss"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 || !strings.HasSuffix(lines[0], " 1.5 10") || !strings.HasSuffix(lines[1], " 1.25 20") {
		t.Errorf("metric file = %q", raw)
	}

	var meta mlflowRunMeta
	raw, _ = os.ReadFile(filepath.Join(m.RunDir(), "meta.yaml"))
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Status != 3 || meta.EndTime == nil || meta.RunName != "baseline" {
		t.Errorf("meta = %+v", meta)
	}

	// the experiment is found again by name
	other, err := NewMLFlow(root, Project, "second")
	if err != nil {
		t.Fatal(err)
	}
	if other.ExperimentID() != "1" {
		t.Errorf("second run filed under experiment %s", other.ExperimentID())
	}
	third, _ := NewMLFlow(root, "ablation", "x")
	if third.ExperimentID() != "2" {
		t.Errorf("new experiment id = %s, want 2", third.ExperimentID())
	}
}

func TestMLFlowReopen(t *testing.T) {
	root := t.TempDir()
	m, _ := NewMLFlow(root, Project, "run")
	m.LogMetrics(1, map[string]float64{"val/loss": 3})
	m.Finalize(StatusKilled)

	again, err := OpenMLFlow(root, m.RunID())
	if err != nil {
		t.Fatal(err)
	}
	again.LogMetrics(2, map[string]float64{"val/loss": 2})
	again.Finalize(StatusFinished)

	raw, _ := os.ReadFile(filepath.Join(m.RunDir(), "metrics", "val", "loss"))
	if n := strings.Count(string(raw), "\n"); n != 2 {
		t.Errorf("resumed metric has %d points, want 2", n)
	}

	if _, err := OpenMLFlow(root, "0123456789abcdef"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("OpenMLFlow(unknown): err = %v, want ErrRunNotFound", err)
	}
}

func readHistory(t *testing.T, w *Wandb) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(w.file("wandb-history.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var rows []map[string]interface{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		var row map[string]interface{}
		if err := json.Unmarshal(s.Bytes(), &row); err != nil {
			t.Fatal(err)
		}
		rows = append(rows, row)
	}
	return rows
}

func TestWandbOfflineRun(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWandb(dir, Project, "baseline")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(w.Dir()), "offline-run-") || !strings.HasSuffix(w.Dir(), w.RunID()) {
		t.Errorf("run dir = %s", w.Dir())
	}

	w.DefineMetricMin("val/loss")
	w.LogHyperparams(map[string]interface{}{"optimizer.lr": 0.5})
	for i, v := range []float64{3, 1, 2} {
		w.LogMetrics(i, map[string]float64{"val/loss": v, "optim/lr": v})
	}
	if err := w.Finalize(StatusFinished); err != nil {
		t.Fatal(err)
	}

	if v, _ := w.Summary("val/loss"); v != 1.0 {
		t.Errorf("val/loss summary = %v, want min 1", v)
	}
	if v, _ := w.Summary("optim/lr"); v != 2.0 {
		t.Errorf("optim/lr summary = %v, want last 2", v)
	}
	if rows := readHistory(t, w); len(rows) != 3 || rows[2]["_step"] != 2.0 {
		t.Errorf("history = %v", rows)
	}

	raw, _ := os.ReadFile(w.file("config.yaml"))
	var cfg map[string]wandbConfigValue
	if err := yaml.Unmarshal(raw, &cfg); err != nil || cfg["optimizer.lr"].Value != 0.5 {
		t.Errorf("config.yaml = %q (%v)", raw, err)
	}

	again, err := OpenWandb(dir, w.RunID())
	if err != nil {
		t.Fatal(err)
	}
	again.DefineMetricMin("val/loss")
	again.LogMetrics(3, map[string]float64{"val/loss": 1.5})
	if v, _ := again.Summary("val/loss"); v != 1.0 {
		t.Errorf("resumed min summary = %v, want 1", v)
	}
	if rows := readHistory(t, again); len(rows) != 4 {
		t.Errorf("resumed history has %d rows, want 4", len(rows))
	}
}

func setupConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Main.PathToOutputDir = dir
	cfg.Logging.MLFlow = config.Tracker{Enabled: true, Name: "mlf"}
	cfg.Logging.Wandb = config.Tracker{Enabled: true, Name: "wb"}
	return cfg
}

func TestSetupFreshThenResume(t *testing.T) {
	cfg := setupConfig(t.TempDir())

	ls, err := Setup(cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ls) != 3 {
		t.Fatalf("got %d loggers, want csv, mlflow and wandb", len(ls))
	}
	mlflowID, _ := os.ReadFile(filepath.Join(cfg.LogDir(), MLFlowRunIDFile))
	wandbID, _ := os.ReadFile(filepath.Join(cfg.LogDir(), WandbRunIDFile))
	if string(mlflowID) != ls.Get("mlflow").RunID() || string(wandbID) != ls.Get("wandb").RunID() {
		t.Errorf("run id files %q %q do not match loggers", mlflowID, wandbID)
	}
	mlf := ls.Get("mlflow").(*MLFlow)
	if _, err := os.Stat(filepath.Join(mlf.RunDir(), "params", "optimizer.lr")); err != nil {
		t.Errorf("fresh run did not log hyperparameters: %v", err)
	}
	ls.Finalize(StatusFinished)

	resumed, err := Setup(cfg, Options{Resume: true})
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Get("mlflow").RunID() != string(mlflowID) || resumed.Get("wandb").RunID() != string(wandbID) {
		t.Errorf("resume opened different runs")
	}
	if resumed.Get("csv").RunID() != "version_1" {
		t.Errorf("resumed csv logger = %s, want a new version", resumed.Get("csv").RunID())
	}
}

func TestSetupResumeWithoutRunID(t *testing.T) {
	cfg := setupConfig(t.TempDir())
	cfg.Logging.Wandb.Enabled = false
	if _, err := Setup(cfg, Options{Resume: true}); !errors.Is(err, ErrMissingRunID) {
		t.Errorf("err = %v, want ErrMissingRunID", err)
	}
}

func TestSetupNonZeroRank(t *testing.T) {
	cfg := setupConfig(t.TempDir())
	cfg.Logging.Wandb.Enabled = false
	if _, err := Setup(cfg, Options{Rank: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cfg.LogDir(), MLFlowRunIDFile)); !os.IsNotExist(err) {
		t.Errorf("rank 1 wrote a run id file")
	}
}

func TestMLFlowLogArtifacts(t *testing.T) {
	ckpts := t.TempDir()
	os.WriteFile(filepath.Join(ckpts, "last.ckpt"), []byte("{}"), 0644)
	os.WriteFile(filepath.Join(ckpts, "notes.txt"), []byte("x"), 0644)

	m, err := NewMLFlow(t.TempDir(), Project, "run")
	if err != nil {
		t.Fatal(err)
	}
	if err := (Multi{m}).LogArtifacts(ckpts); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(m.RunDir(), "artifacts", "checkpoints", "last.ckpt")); err != nil {
		t.Errorf("checkpoint not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.RunDir(), "artifacts", "checkpoints", "notes.txt")); !os.IsNotExist(err) {
		t.Errorf("non-checkpoint file copied")
	}
}
