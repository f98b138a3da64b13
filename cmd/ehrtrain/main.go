package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/akamensky/argparse"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	"github.com/herclab/ehrtrain/config"
	"github.com/herclab/ehrtrain/femr"
	"github.com/herclab/ehrtrain/launch"
	"github.com/herclab/ehrtrain/loggers"
	"github.com/herclab/ehrtrain/logging"
	"github.com/herclab/ehrtrain/schedule"
	"github.com/herclab/ehrtrain/synth"
	"github.com/herclab/ehrtrain/tokenizer"
)

func loadConfig(path string, overrides []string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyOverrides(overrides...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func train(ctx context.Context, cfg *config.Config, rank, verbosity int, saveplot string) error {
	res, err := launch.Run(ctx, cfg, launch.Options{Rank: rank, Verbosity: verbosity, Progress: os.Stderr})
	if err != nil {
		return err
	}
	klog.Infof("finished at epoch %d, step %d, lr %.3g", res.Epoch, res.GlobalStep, res.LR)
	for name, id := range res.RunIDs {
		klog.Infof("%s run: %s", name, id)
	}
	if saveplot != "" {
		return plotLoss(filepath.Join(cfg.LogDir(), res.RunIDs["csv"], loggers.MetricsFile), saveplot)
	}
	return nil
}

// plotLoss draws the train and val loss columns of a metrics.csv.
func plotLoss(metrics, path string) error {
	f, err := os.Open(metrics)
	if err != nil {
		return err
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return err
	}
	if len(records) < 2 {
		return fmt.Errorf("%s has no rows", metrics)
	}

	curves := map[string]plotter.XYs{}
	for col, key := range records[0][1:] {
		if key != "train/loss" && key != "val/loss" {
			continue
		}
		for _, row := range records[1:] {
			if row[col+1] == "" {
				continue
			}
			step, err := strconv.ParseFloat(row[0], 64)
			if err != nil {
				return err
			}
			v, err := strconv.ParseFloat(row[col+1], 64)
			if err != nil {
				return err
			}
			curves[key] = append(curves[key], plotter.XY{X: step, Y: v})
		}
	}

	p, err := plot.New()
	if err != nil {
		return err
	}
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Loss"

	err = plotutil.AddLinePoints(p,
		"train/loss", curves["train/loss"],
		"val/loss", curves["val/loss"])
	if err != nil {
		return err
	}
	return p.Save(10*vg.Inch, 6*vg.Inch, path)
}

func buildVocab(ctx context.Context, cfg *config.Config, outDir string, workers int) error {
	ds, err := femr.Open(cfg.Data.Dataset.PathToFEMRExtract, femr.Train, femr.Options{
		TrainFrac: cfg.Data.Dataset.TrainFrac,
		ValFrac:   cfg.Data.Dataset.ValFrac,
		CacheDir:  cfg.ResolvedCache().DatasetDir,
	})
	if err != nil {
		return err
	}
	v, err := tokenizer.BuildVocab(ctx, ds, workers, 256)
	if err != nil {
		return err
	}
	code2int, code2count, err := v.Save(outDir)
	if err != nil {
		return err
	}
	klog.Infof("%d codes from %d patients: %s, %s", len(v.Code2Int), ds.Len(), code2int, code2count)
	return nil
}

// plotLR draws the configured learning rate schedule over steps.
func plotLR(cfg *config.Config, steps int, path string) error {
	sc := cfg.Optimizer.Scheduler
	params := schedule.Params{
		WarmupSteps: sc.NumWarmupSteps,
		DecaySteps:  sc.NumDecaySteps,
		InitialLR:   sc.InitialLR,
		PeakLR:      cfg.Optimizer.LR,
		FinalLR:     sc.FinalLR,
	}
	if err := params.Validate(); err != nil {
		return err
	}
	if steps <= 0 {
		steps = params.TotalSteps() + params.TotalSteps()/10 + 1
	}

	lr := make(plotter.XYs, steps)
	for i := range lr {
		lr[i].X = float64(i)
		lr[i].Y = params.LR(i)
	}

	p, err := plot.New()
	if err != nil {
		return err
	}
	p.Title.Text = "Learning rate schedule"
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "LR"
	if err := plotutil.AddLines(p, "lr", lr); err != nil {
		return err
	}
	return p.Save(10*vg.Inch, 6*vg.Inch, path)
}

func writeSynth(dir string, patients int, seed int64) error {
	p := synth.DefaultParameters()
	p.Patients = patients
	p.Seed = seed
	pts, err := p.Generate()
	if err != nil {
		return err
	}
	if err := synth.WriteExtract(dir, pts); err != nil {
		return err
	}
	klog.Infof("wrote %d patients to %s", len(pts), filepath.Join(dir, femr.TimelinesFile))
	return nil
}

func main() {
	parser := argparse.NewParser("ehrtrain", "train sequence models on EHR patient timelines")

	verbosity := parser.Int("v", "verbosity", &argparse.Options{Default: 0, Help: "klog verbosity."})

	trainCmd := parser.NewCommand("train", "Train a model, resuming if the output directory has a checkpoint.")
	trainConfig := trainCmd.String("c", "config", &argparse.Options{Help: "YAML config file."})
	trainOverrides := trainCmd.StringList("o", "override", &argparse.Options{Help: "Config override, as dotted.key=value. May be repeated."})
	rank := trainCmd.Int("r", "rank", &argparse.Options{Default: 0, Help: "Rank of this process."})
	lossplot := trainCmd.String("p", "saveplot", &argparse.Options{Help: "Save a loss plot in this file."})

	vocabCmd := parser.NewCommand("vocab", "Count codes in the train split and write the tokenizer vocabulary.")
	vocabConfig := vocabCmd.String("c", "config", &argparse.Options{Help: "YAML config file."})
	vocabOverrides := vocabCmd.StringList("o", "override", &argparse.Options{Help: "Config override, as dotted.key=value. May be repeated."})
	vocabOut := vocabCmd.String("d", "dir", &argparse.Options{Help: "Output directory. Defaults to the directory of data.tokenizer.path_to_code_2_int."})
	workers := vocabCmd.Int("n", "workers", &argparse.Options{Default: 4, Help: "Counting workers."})

	plotCmd := parser.NewCommand("plot-lr", "Plot the learning rate schedule.")
	plotConfig := plotCmd.String("c", "config", &argparse.Options{Help: "YAML config file."})
	plotOverrides := plotCmd.StringList("o", "override", &argparse.Options{Help: "Config override, as dotted.key=value. May be repeated."})
	steps := plotCmd.Int("s", "steps", &argparse.Options{Default: 0, Help: "Steps to plot. Defaults to just past the plateau."})
	saveplot := plotCmd.String("p", "saveplot", &argparse.Options{Required: true, Help: "Save the plot in this file."})

	synthCmd := parser.NewCommand("synth", "Write a synthetic extract.")
	synthOut := synthCmd.String("d", "dir", &argparse.Options{Required: true, Help: "Extract directory."})
	synthPatients := synthCmd.Int("n", "patients", &argparse.Options{Default: 200, Help: "Number of patients."})
	synthSeed := synthCmd.Int("s", "seed", &argparse.Options{Default: 1, Help: "Random seed."})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(2)
	}

	if err := logging.Setup("", *verbosity); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logging.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case trainCmd.Happened():
		var cfg *config.Config
		if cfg, err = loadConfig(*trainConfig, *trainOverrides); err == nil {
			err = train(ctx, cfg, *rank, *verbosity, *lossplot)
		}
	case vocabCmd.Happened():
		var cfg *config.Config
		if cfg, err = loadConfig(*vocabConfig, *vocabOverrides); err == nil {
			out := *vocabOut
			if out == "" {
				out = filepath.Dir(cfg.Data.Tokenizer.PathToCode2Int)
			}
			err = buildVocab(ctx, cfg, out, *workers)
		}
	case plotCmd.Happened():
		var cfg *config.Config
		if cfg, err = loadConfig(*plotConfig, *plotOverrides); err == nil {
			err = plotLR(cfg, *steps, *saveplot)
		}
	case synthCmd.Happened():
		err = writeSynth(*synthOut, *synthPatients, int64(*synthSeed))
	}
	if err != nil {
		klog.Error(err)
		logging.Flush()
		os.Exit(1)
	}
}
