package loggers

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/herclab/ehrtrain/config"
	"k8s.io/klog/v2"
)

// Project is the wandb project and MLflow experiment every run is filed
// under.
const Project = "hf_ehr"

const (
	MLFlowRunIDFile = "mlflow_run_id.txt"
	WandbRunIDFile  = "wandb_run_id.txt"
)

type Options struct {
	// Resume reopens the runs recorded in the log directory instead of
	// starting new ones.
	Resume bool
	Rank   int
}

// Setup builds the loggers cfg enables. On a fresh run, rank zero records
// each external run id in the log directory and logs the resolved config as
// hyperparameters. On resume the recorded runs are reopened and their
// hyperparameters are left alone.
func Setup(cfg *config.Config, opts Options) (Multi, error) {
	cache := cfg.ResolvedCache()
	logDir := cfg.LogDir()

	csvLogger, err := NewCSV(logDir)
	if err != nil {
		return nil, err
	}
	loggers := Multi{csvLogger}
	var fresh Multi

	if cfg.Logging.MLFlow.Enabled {
		var m *MLFlow
		if opts.Resume {
			id, err := readRunID(filepath.Join(logDir, MLFlowRunIDFile))
			if err != nil {
				return nil, err
			}
			if m, err = OpenMLFlow(cache.MLFlowDir, id); err != nil {
				return nil, err
			}
		} else {
			if m, err = NewMLFlow(cache.MLFlowDir, Project, cfg.Logging.MLFlow.Name); err != nil {
				return nil, err
			}
			fresh = append(fresh, m)
			if opts.Rank == 0 {
				if err := writeRunID(filepath.Join(logDir, MLFlowRunIDFile), m.RunID()); err != nil {
					return nil, err
				}
			}
		}
		klog.Infof("mlflow run %s (experiment %s)", m.RunID(), m.ExperimentID())
		loggers = append(loggers, m)
	}

	if cfg.Logging.Wandb.Enabled {
		var w *Wandb
		if opts.Resume {
			id, err := readRunID(filepath.Join(logDir, WandbRunIDFile))
			if err != nil {
				return nil, err
			}
			if w, err = OpenWandb(cache.WandbDir, id); err != nil {
				return nil, err
			}
		} else {
			if w, err = NewWandb(cache.WandbDir, Project, cfg.Logging.Wandb.Name); err != nil {
				return nil, err
			}
			fresh = append(fresh, w)
			if opts.Rank == 0 {
				if err := writeRunID(filepath.Join(logDir, WandbRunIDFile), w.RunID()); err != nil {
					return nil, err
				}
			}
		}
		w.DefineMetricMin("train/loss")
		w.DefineMetricMin("val/loss")
		klog.Infof("wandb run %s in %s", w.RunID(), w.Dir())
		loggers = append(loggers, w)
	}

	if opts.Rank == 0 {
		params, err := Hyperparams(cfg)
		if err != nil {
			return nil, err
		}
		if err := append(Multi{csvLogger}, fresh...).LogHyperparams(params); err != nil {
			return nil, err
		}
	}
	return loggers, nil
}

// Hyperparams flattens cfg into dotted keys.
func Hyperparams(cfg *config.Config) (map[string]interface{}, error) {
	tree, err := cfg.AsMap()
	if err != nil {
		return nil, err
	}
	flat := config.Flatten(tree)
	params := make(map[string]interface{}, len(flat))
	for k, v := range flat {
		params[k] = v
	}
	return params, nil
}

func readRunID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrMissingRunID, path)
	}
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(raw))
	if id == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrMissingRunID, path)
	}
	return id, nil
}

func writeRunID(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(id), 0644)
}
