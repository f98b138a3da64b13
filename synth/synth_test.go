package synth

import (
	"errors"
	"reflect"
	"testing"

	"github.com/herclab/ehrtrain/femr"
)

func TestGenerateDeterministic(t *testing.T) {
	p := DefaultParameters()
	p.Patients = 20

	a, err := p.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := p.Generate()
	if !reflect.DeepEqual(a, b) {
		t.Errorf("same parameters generated different patients")
	}

	p.Seed = 2
	c, _ := p.Generate()
	if reflect.DeepEqual(a, c) {
		t.Errorf("different seeds generated identical patients")
	}
}

func TestGenerateShape(t *testing.T) {
	p := DefaultParameters()
	p.Patients = 50
	p.FirstPatientID = 100
	p.LengthNoise = ""
	p.Jitter = 0

	patients, err := p.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if len(patients) != 50 {
		t.Fatalf("got %d patients", len(patients))
	}

	known := make(map[string]bool)
	for _, c := range p.Codes {
		known[c] = true
	}
	for i, pt := range patients {
		if pt.PatientID != int64(100+i) {
			t.Errorf("patient %d has id %d", i, pt.PatientID)
		}
		if len(pt.Events) != p.MeanEvents {
			t.Errorf("patient %d has %d events, want %d without noise", i, len(pt.Events), p.MeanEvents)
		}
		for j, e := range pt.Events {
			if !known[e.Code] {
				t.Errorf("patient %d event %d has code %q outside the vocabulary", i, j, e.Code)
			}
			if j >= p.PathwayLength && e.Code != pt.Events[j-p.PathwayLength].Code {
				t.Errorf("patient %d event %d breaks the pathway without jitter", i, j)
			}
			if j > 0 && e.Time.Sub(pt.Events[j-1].Time) != p.EventInterval {
				t.Errorf("patient %d event %d is not one interval after the previous", i, j)
			}
		}
	}
}

func TestGenerateLengthNoise(t *testing.T) {
	p := DefaultParameters()
	p.MeanEvents = 2
	p.LengthNoiseMagnitude = 10

	patients, err := p.Generate()
	if err != nil {
		t.Fatal(err)
	}
	lengths := make(map[int]bool)
	for _, pt := range patients {
		if len(pt.Events) < 1 {
			t.Fatalf("patient %d has no events", pt.PatientID)
		}
		lengths[len(pt.Events)] = true
	}
	if len(lengths) < 3 {
		t.Errorf("length noise produced only %d distinct lengths", len(lengths))
	}
}

func TestGenerateRejectsBadParameters(t *testing.T) {
	cases := []func(*Parameters){
		func(p *Parameters) { p.Patients = -1 },
		func(p *Parameters) { p.Codes = nil },
		func(p *Parameters) { p.ZipfS = 1 },
		func(p *Parameters) { p.PathwayLength = 0 },
		func(p *Parameters) { p.MeanEvents = 0 },
		func(p *Parameters) { p.Jitter = 1.5 },
		func(p *Parameters) { p.LengthNoise = "uniform" },
	}
	for i, mutate := range cases {
		p := DefaultParameters()
		mutate(&p)
		if _, err := p.Generate(); !errors.Is(err, ErrBadParameters) {
			t.Errorf("case %d: err = %v, want ErrBadParameters", i, err)
		}
	}
}

func TestWriteExtract(t *testing.T) {
	p := DefaultParameters()
	p.Patients = 40
	patients, err := p.Generate()
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := WriteExtract(dir, patients); err != nil {
		t.Fatal(err)
	}

	total := 0
	for _, split := range femr.Splits {
		ds, err := femr.Open(dir, split, femr.DefaultOptions)
		if err != nil {
			t.Fatal(err)
		}
		total += ds.Len()
	}
	if total != len(patients) {
		t.Errorf("splits hold %d patients, wrote %d", total, len(patients))
	}
}
