package launch

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/herclab/ehrtrain/config"
	"github.com/herclab/ehrtrain/femr"
	"github.com/herclab/ehrtrain/loggers"
	"github.com/herclab/ehrtrain/schedule"
	"github.com/herclab/ehrtrain/synth"
	"github.com/herclab/ehrtrain/tokenizer"
	"github.com/herclab/ehrtrain/trainer"
)

// testRun writes a synthetic extract and its vocabulary and returns a small
// config that trains on them.
func testRun(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	p := synth.DefaultParameters()
	p.Patients = 80
	p.MeanEvents = 10
	p.LengthNoise = ""
	patients, err := p.Generate()
	if err != nil {
		t.Fatal(err)
	}
	extract := filepath.Join(root, "extract")
	if err := synth.WriteExtract(extract, patients); err != nil {
		t.Fatal(err)
	}

	vocab, err := tokenizer.BuildVocab(context.Background(), femr.FromPatients(femr.Train, patients), 2, 16)
	if err != nil {
		t.Fatal(err)
	}
	code2int, code2count, err := vocab.Save(filepath.Join(root, "vocab"))
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Main.PathToOutputDir = filepath.Join(root, "output")
	cfg.Data.Dataset.PathToFEMRExtract = extract
	cfg.Data.Tokenizer.PathToCode2Int = code2int
	cfg.Data.Tokenizer.PathToCode2Count = code2count
	cfg.Data.Dataloader.BatchSize = 8
	cfg.Data.Dataloader.MaxLength = 32
	cfg.Model.HiddenSize = 8
	cfg.Optimizer.LR = 0.5
	cfg.Optimizer.Scheduler = config.Scheduler{NumWarmupSteps: 2, NumDecaySteps: 10, InitialLR: 0.05, FinalLR: 0.1}
	cfg.Trainer.MaxEpochs = 1
	cfg.Callbacks.ModelCheckpointing.MostRecentEveryNTrainSteps = 2
	cfg.Callbacks.ModelCheckpointing.EveryNTrainSteps = 4
	cfg.Logging.LogEveryNSteps = 1
	cfg.Logging.MLFlow = config.Tracker{Enabled: true, Name: "launch-test"}
	cfg.Logging.Wandb = config.Tracker{Enabled: true, Name: "launch-test"}
	return cfg
}

func trainBatches(t *testing.T, cfg *config.Config) int {
	t.Helper()
	datasets, err := femr.LoadDatasets(cfg)
	if err != nil {
		t.Fatal(err)
	}
	n := datasets[femr.Train].Len()
	return (n + cfg.Data.Dataloader.BatchSize - 1) / cfg.Data.Dataloader.BatchSize
}

func TestRunFreshThenResume(t *testing.T) {
	cfg := testRun(t)

	first, err := Run(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Resumed {
		t.Errorf("first run resumed")
	}
	n := trainBatches(t, cfg)
	if first.GlobalStep != n {
		t.Errorf("first run took %d steps, want %d", first.GlobalStep, n)
	}
	if ResumeCheckpoint(cfg) == "" {
		t.Fatalf("no %s after first run", trainer.LastCheckpoint)
	}
	if _, ok := first.Metrics["val/loss"]; !ok {
		t.Errorf("no validation ran: %v", first.Metrics)
	}
	for _, name := range []string{loggers.MLFlowRunIDFile, loggers.WandbRunIDFile, "config.yaml"} {
		if _, err := os.Stat(filepath.Join(cfg.LogDir(), name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	cfg.Trainer.MaxEpochs = 2
	second, err := Run(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Resumed {
		t.Errorf("second run did not resume")
	}
	for _, name := range []string{"mlflow", "wandb"} {
		if second.RunIDs[name] != first.RunIDs[name] {
			t.Errorf("%s run id changed on resume: %s -> %s", name, first.RunIDs[name], second.RunIDs[name])
		}
	}
	if second.GlobalStep != 2*n {
		t.Errorf("resumed run ended at step %d, want %d", second.GlobalStep, 2*n)
	}

	sc := cfg.Optimizer.Scheduler
	want := schedule.Params{
		WarmupSteps: sc.NumWarmupSteps,
		DecaySteps:  sc.NumDecaySteps,
		InitialLR:   sc.InitialLR,
		PeakLR:      cfg.Optimizer.LR,
		FinalLR:     sc.FinalLR,
	}.LR(second.GlobalStep)
	if math.Abs(second.LR-want) > 1e-12 {
		t.Errorf("lr after resume = %v, want %v", second.LR, want)
	}
}

func TestRunResumeWithoutRunID(t *testing.T) {
	cfg := testRun(t)
	if err := os.MkdirAll(cfg.CkptDir(), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.CkptDir(), trainer.LastCheckpoint), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Run(context.Background(), cfg, Options{}); !errors.Is(err, loggers.ErrMissingRunID) {
		t.Errorf("err = %v, want ErrMissingRunID", err)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	if _, err := Run(context.Background(), config.Default(), Options{}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestRunUnsupportedModel(t *testing.T) {
	cfg := testRun(t)
	cfg.Logging.Wandb.Enabled = false
	cfg.Model.Name = "llama-7b"
	res, err := Run(context.Background(), cfg, Options{})
	if err == nil {
		t.Fatal("unsupported model accepted")
	}

	metas, _ := filepath.Glob(filepath.Join(cfg.LogDir(), "*", res.RunIDs["mlflow"], "meta.yaml"))
	if len(metas) != 1 {
		t.Fatalf("mlflow run meta not found")
	}
	raw, _ := os.ReadFile(metas[0])
	if !strings.Contains(string(raw), "status: 4") {
		t.Errorf("failed run meta:\n%s", raw)
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := testRun(t)
	cfg.Logging.Wandb.Enabled = false
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, cfg, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	metas, _ := filepath.Glob(filepath.Join(cfg.LogDir(), "*", res.RunIDs["mlflow"], "meta.yaml"))
	if len(metas) != 1 {
		t.Fatalf("mlflow run meta not found")
	}
	raw, _ := os.ReadFile(metas[0])
	if !strings.Contains(string(raw), "status: 5") {
		t.Errorf("cancelled run meta:\n%s", raw)
	}
}
