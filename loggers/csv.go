package loggers

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// MetricsFile is the name of the table a CSV logger writes in its version
// directory.
const MetricsFile = "metrics.csv"

// CSV keeps metrics in memory and writes them as a wide table to
// <saveDir>/version_N/metrics.csv, one row per logged step.
type CSV struct {
	dir     string
	version int
	rows    []csvRow
	keys    map[string]bool

	// rows are flushed to disk every flushEvery LogMetrics calls
	flushEvery int
	pending    int
}

type csvRow struct {
	step    int
	metrics map[string]float64
}

// NewCSV creates the next free version directory under saveDir.
func NewCSV(saveDir string) (*CSV, error) {
	version := 0
	entries, err := os.ReadDir(saveDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "version_") {
			continue
		}
		if v, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "version_")); err == nil && v >= version {
			version = v + 1
		}
	}

	dir := filepath.Join(saveDir, fmt.Sprintf("version_%d", version))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &CSV{dir: dir, version: version, keys: make(map[string]bool), flushEvery: 100}, nil
}

func (c *CSV) Name() string  { return "csv" }
func (c *CSV) RunID() string { return fmt.Sprintf("version_%d", c.version) }
func (c *CSV) Dir() string   { return c.dir }

func (c *CSV) LogHyperparams(params map[string]interface{}) error {
	raw, err := yaml.Marshal(params)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.dir, "hparams.yaml"), raw, 0644)
}

func (c *CSV) LogMetrics(step int, metrics map[string]float64) error {
	row := csvRow{step: step, metrics: make(map[string]float64, len(metrics))}
	for k, v := range metrics {
		row.metrics[k] = v
		c.keys[k] = true
	}
	c.rows = append(c.rows, row)

	c.pending++
	if c.pending >= c.flushEvery {
		return c.Flush()
	}
	return nil
}

// Flush rewrites metrics.csv with every row logged so far.
func (c *CSV) Flush() error {
	c.pending = 0

	keys := make([]string, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f, err := os.Create(filepath.Join(c.dir, MetricsFile))
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(append([]string{"step"}, keys...)); err != nil {
		return err
	}
	for _, row := range c.rows {
		record := make([]string, len(keys)+1)
		record[0] = strconv.Itoa(row.step)
		for i, k := range keys {
			if v, ok := row.metrics[k]; ok {
				record[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (c *CSV) Finalize(status string) error {
	return c.Flush()
}
