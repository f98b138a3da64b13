// Package loggers records run hyperparameters and metrics. A local CSV
// logger is always present. MLflow and Weights & Biases loggers write their
// services' on-disk formats (an MLflow file store and a wandb offline run)
// and can be reopened when a run resumes from a checkpoint.
package loggers

import (
	"errors"
	"sort"
)

var (
	ErrMissingRunID = errors.New("loggers: run id file not found for resumed run")
	ErrRunNotFound  = errors.New("loggers: run not found")
)

// Run statuses passed to Finalize.
const (
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
	StatusKilled   = "KILLED"
)

// Logger receives run metadata and metrics.
type Logger interface {
	Name() string
	RunID() string
	LogHyperparams(params map[string]interface{}) error
	LogMetrics(step int, metrics map[string]float64) error
	Finalize(status string) error
}

// ArtifactLogger is implemented by loggers that keep copies of checkpoint
// files.
type ArtifactLogger interface {
	LogArtifacts(dir string) error
}

// Multi fans calls out to several loggers.
type Multi []Logger

func (m Multi) LogHyperparams(params map[string]interface{}) error {
	var errs []error
	for _, l := range m {
		errs = append(errs, l.LogHyperparams(params))
	}
	return errors.Join(errs...)
}

func (m Multi) LogMetrics(step int, metrics map[string]float64) error {
	var errs []error
	for _, l := range m {
		errs = append(errs, l.LogMetrics(step, metrics))
	}
	return errors.Join(errs...)
}

func (m Multi) Finalize(status string) error {
	var errs []error
	for _, l := range m {
		errs = append(errs, l.Finalize(status))
	}
	return errors.Join(errs...)
}

// LogArtifacts passes dir to every logger that keeps artifacts.
func (m Multi) LogArtifacts(dir string) error {
	var errs []error
	for _, l := range m {
		if al, ok := l.(ArtifactLogger); ok {
			errs = append(errs, al.LogArtifacts(dir))
		}
	}
	return errors.Join(errs...)
}

// Get returns the first logger with the given name.
func (m Multi) Get(name string) Logger {
	for _, l := range m {
		if l.Name() == name {
			return l
		}
	}
	return nil
}

func sortedMetricKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
