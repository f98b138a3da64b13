// Package synth generates synthetic patient timelines for smoke runs and
// tests of the training pipeline.
//
// Each patient follows a care pathway, a short sequence of codes repeated
// for the length of the timeline, so a model has a pattern to learn. Noise
// can be applied to the timeline lengths and to individual events.
package synth

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/herclab/ehrtrain/femr"
)

var ErrBadParameters = errors.New("synth: bad parameters")

// Parameters stores the parameters that generate an extract. See Generate().
type Parameters struct {
	// Patients is the number of patients to generate.
	Patients int

	// FirstPatientID is the id of the first patient. Ids are consecutive.
	FirstPatientID int64

	// Codes is the vocabulary events are drawn from. Codes are drawn with
	// a Zipf distribution, so earlier codes are more frequent.
	Codes []string

	// ZipfS is the Zipf exponent and must be > 1.
	ZipfS float64

	// PathwayLength is the number of codes in each patient's repeating
	// pathway.
	PathwayLength int

	// MeanEvents is the mean number of events per patient.
	MeanEvents int

	// LengthNoise is applied to the number of events of each patient.
	// These noise functions are understood:
	//
	// * "normal" (rand.NormFloat64)
	// * "" (no noise)
	LengthNoise string

	// LengthNoiseMagnitude is the coefficient of LengthNoise.
	LengthNoiseMagnitude float64

	// Jitter is the probability that an event's code is replaced by a
	// fresh draw from Codes instead of following the pathway.
	Jitter float64

	// Start is the time of the first event of the earliest patient.
	Start time.Time

	// EventInterval separates consecutive events of a patient.
	EventInterval time.Duration

	Seed int64
}

var noiseFuncs = map[string]func(*rand.Rand) float64{
	"":       func(*rand.Rand) float64 { return 0 },
	"normal": func(r *rand.Rand) float64 { return r.NormFloat64() },
}

// DefaultCodes is a small vocabulary across the usual ontologies.
var DefaultCodes = []string{
	"SNOMED/3950001", "LOINC/4548-4", "ICD10CM/E11.9", "RxNorm/860975",
	"CPT4/99213", "LOINC/2345-7", "ICD10CM/I10", "RxNorm/197361",
	"SNOMED/271649006", "LOINC/718-7", "ICD10CM/E78.5", "CPT4/80053",
}

func DefaultParameters() Parameters {
	return Parameters{
		Patients:             200,
		FirstPatientID:       1,
		Codes:                DefaultCodes,
		ZipfS:                1.2,
		PathwayLength:        4,
		MeanEvents:           24,
		LengthNoise:          "normal",
		LengthNoiseMagnitude: 6,
		Jitter:               0.05,
		Start:                time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
		EventInterval:        24 * time.Hour,
		Seed:                 1,
	}
}

func (p Parameters) validate() error {
	switch {
	case p.Patients < 0:
		return fmt.Errorf("%w: patients must be >= 0, got %d", ErrBadParameters, p.Patients)
	case len(p.Codes) == 0:
		return fmt.Errorf("%w: no codes", ErrBadParameters)
	case p.ZipfS <= 1:
		return fmt.Errorf("%w: zipf exponent must be > 1, got %v", ErrBadParameters, p.ZipfS)
	case p.PathwayLength < 1:
		return fmt.Errorf("%w: pathway length must be >= 1, got %d", ErrBadParameters, p.PathwayLength)
	case p.MeanEvents < 1:
		return fmt.Errorf("%w: mean events must be >= 1, got %d", ErrBadParameters, p.MeanEvents)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("%w: jitter must be in [0, 1], got %v", ErrBadParameters, p.Jitter)
	}
	if _, ok := noiseFuncs[p.LengthNoise]; !ok {
		return fmt.Errorf("%w: unknown noise function %q", ErrBadParameters, p.LengthNoise)
	}
	return nil
}

// Generate produces the patients described by p. The same parameters always
// produce the same patients.
func (p Parameters) Generate() ([]femr.Patient, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(p.Seed))
	zipf := rand.NewZipf(rng, p.ZipfS, 1, uint64(len(p.Codes)-1))
	noise := noiseFuncs[p.LengthNoise]
	draw := func() string { return p.Codes[zipf.Uint64()] }

	patients := make([]femr.Patient, p.Patients)
	for i := range patients {
		pathway := make([]string, p.PathwayLength)
		for j := range pathway {
			pathway[j] = draw()
		}

		n := int(math.Round(float64(p.MeanEvents) + p.LengthNoiseMagnitude*noise(rng)))
		if n < 1 {
			n = 1
		}

		// patients enter care on different days
		start := p.Start.Add(time.Duration(rng.Intn(365)) * 24 * time.Hour)

		events := make([]femr.Event, n)
		for j := range events {
			code := pathway[j%len(pathway)]
			if rng.Float64() < p.Jitter {
				code = draw()
			}
			events[j] = femr.Event{Code: code, Time: start.Add(time.Duration(j) * p.EventInterval)}
		}
		patients[i] = femr.Patient{PatientID: p.FirstPatientID + int64(i), Events: events}
	}
	return patients, nil
}

// WriteExtract writes patients as an extract directory femr.Open can read.
func WriteExtract(dir string, patients []femr.Patient) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, femr.TimelinesFile))
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, p := range patients {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}
