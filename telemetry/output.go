package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/sphtasks/config"
)

// csvFile appends records to a CSV file, writing the header once.
type csvFile struct {
	f             *os.File
	headerWritten bool
}

func createCSV(dir, name string) (*csvFile, error) {
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", name, err)
	}
	return &csvFile{f: f}, nil
}

func (c *csvFile) write(records any) error {
	if !c.headerWritten {
		if err := gocsv.Marshal(records, c.f); err != nil {
			return err
		}
		c.headerWritten = true
		return nil
	}
	return gocsv.MarshalWithoutHeaders(records, c.f)
}

// OutputManager writes the run directory: the configuration, the time-step
// log, the statistics file, perf samples, snapshots and task dumps.
type OutputManager struct {
	dir        string
	timesteps  *csvFile
	statistics *csvFile
	perf       *csvFile
	tasks      *csvFile
}

// NewOutputManager creates the output directory and its files. It returns
// nil if dir is empty, and every method of a nil manager is a no-op.
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}
	var err error
	if om.timesteps, err = createCSV(dir, "timesteps.csv"); err != nil {
		return nil, err
	}
	if om.statistics, err = createCSV(dir, "statistics.csv"); err != nil {
		om.Close()
		return nil, err
	}
	if om.perf, err = createCSV(dir, "perf.csv"); err != nil {
		om.Close()
		return nil, err
	}
	return om, nil
}

// WriteConfig saves the configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteStep appends a line to timesteps.csv.
func (om *OutputManager) WriteStep(s StepStats) error {
	if om == nil {
		return nil
	}
	if err := om.timesteps.write([]StepStats{s}); err != nil {
		return fmt.Errorf("writing timesteps: %w", err)
	}
	return nil
}

// WriteEnergies appends a line to statistics.csv.
func (om *OutputManager) WriteEnergies(e Energies) error {
	if om == nil {
		return nil
	}
	if err := om.statistics.write([]Energies{e}); err != nil {
		return fmt.Errorf("writing statistics: %w", err)
	}
	return nil
}

// WritePerf appends a performance record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, step int) error {
	if om == nil {
		return nil
	}
	if err := om.perf.write([]PerfStatsCSV{stats.ToCSV(step)}); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// TasksWriter returns the writer of tasks.csv, creating it on first use,
// and whether the header still has to be written.
func (om *OutputManager) TasksWriter() (*os.File, bool, error) {
	if om == nil {
		return nil, false, nil
	}
	if om.tasks == nil {
		f, err := createCSV(om.dir, "tasks.csv")
		if err != nil {
			return nil, false, err
		}
		om.tasks = f
	}
	header := !om.tasks.headerWritten
	om.tasks.headerWritten = true
	return om.tasks.f, header, nil
}

// SnapshotPath returns the path of snapshot number n.
func (om *OutputManager) SnapshotPath(basename string, n int) string {
	if om == nil {
		return ""
	}
	return filepath.Join(om.dir, fmt.Sprintf("%s_%04d.csv", basename, n))
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}
	var firstErr error
	for _, c := range []*csvFile{om.timesteps, om.statistics, om.perf, om.tasks} {
		if c == nil {
			continue
		}
		if err := c.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
