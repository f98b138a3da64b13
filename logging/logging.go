// Package logging configures klog for a training run: everything goes to
// stderr and is also appended to the run's info.log.
package logging

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"
)

var flags *flag.FlagSet

// The log file is opened here rather than through klog's log_file flag,
// which klog only honors the first time it creates its files.
var (
	mu      sync.Mutex
	file    *os.File
	logPath string
)

func init() {
	flags = flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(flags)
}

// Setup routes log output to stderr and to logFile. An empty logFile keeps
// stderr only. verbosity sets the klog V level. Calling Setup again with
// another path moves output to the new file.
func Setup(logFile string, verbosity int) error {
	mu.Lock()
	defer mu.Unlock()

	settings := map[string]string{
		"v":          fmt.Sprint(verbosity),
		"one_output": "true",
	}
	if logFile != "" {
		settings["logtostderr"] = "false"
		settings["alsologtostderr"] = "true"
		settings["skip_log_headers"] = "true"
	} else {
		settings["logtostderr"] = "true"
	}

	if logFile != logPath {
		klog.Flush()
		if file != nil {
			file.Close()
			file, logPath = nil, ""
		}
		if logFile != "" {
			if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return err
			}
			file, logPath = f, logFile
			klog.SetOutput(f)
		}
	}

	for k, v := range settings {
		if err := flags.Set(k, v); err != nil {
			return fmt.Errorf("logging: setting %s: %w", k, err)
		}
	}
	return nil
}

// Flush writes any buffered log lines to the log file.
func Flush() {
	klog.Flush()
}
