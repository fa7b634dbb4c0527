package telemetry

import (
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
)

// ParticleRecord is one row of a snapshot file.
type ParticleRecord struct {
	ID      int64   `csv:"id"`
	Gas     bool    `csv:"gas"`
	X       float64 `csv:"x"`
	Y       float64 `csv:"y"`
	Z       float64 `csv:"z"`
	VX      float64 `csv:"vx"`
	VY      float64 `csv:"vy"`
	VZ      float64 `csv:"vz"`
	Mass    float64 `csv:"mass"`
	H       float64 `csv:"h"`
	Rho     float64 `csv:"rho"`
	U       float64 `csv:"u"`
	TiBegin int     `csv:"ti_begin"`
	TiEnd   int     `csv:"ti_end"`
}

// WriteSnapshot writes the particle records to path.
func WriteSnapshot(path string, records []ParticleRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	if err := gocsv.Marshal(records, f); err != nil {
		f.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot reads a snapshot file written by WriteSnapshot.
func ReadSnapshot(path string) ([]ParticleRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()

	var records []ParticleRecord
	if err := gocsv.UnmarshalFile(f, &records); err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return records, nil
}
