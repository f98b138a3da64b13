package femr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/herclab/ehrtrain/tokenizer"
)

var epoch0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func makePatients(n int) []Patient {
	codes := []string{"ICD10/E11", "LOINC/4548-4", "RxNorm/860975", "CPT4/99213"}
	patients := make([]Patient, n)
	for i := range patients {
		p := Patient{PatientID: int64(1000 + i)}
		for j := 0; j < 3+i%5; j++ {
			p.Events = append(p.Events, Event{
				Code: codes[(i+j)%len(codes)],
				Time: epoch0.Add(time.Duration(j) * 24 * time.Hour),
			})
		}
		patients[i] = p
	}
	return patients
}

func writeExtract(t *testing.T, patients []Patient) string {
	t.Helper()
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, TimelinesFile))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, p := range patients {
		if err := enc.Encode(p); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testTokenizer(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	tok, err := tokenizer.New(
		map[string]int{"ICD10/E11": 7, "LOINC/4548-4": 8, "RxNorm/860975": 9, "CPT4/99213": 10},
		map[string]int{"ICD10/E11": 1, "LOINC/4548-4": 1, "RxNorm/860975": 1, "CPT4/99213": 1},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestOpenPartitionsPatients(t *testing.T) {
	patients := makePatients(200)
	dir := writeExtract(t, patients)

	seen := make(map[int64]Split)
	for _, split := range Splits {
		ds, err := Open(dir, split, DefaultOptions)
		if err != nil {
			t.Fatalf("Open(%s): %v", split, err)
		}
		for _, id := range ds.PatientIDs() {
			if prev, dup := seen[id]; dup {
				t.Errorf("patient %d in both %s and %s", id, prev, split)
			}
			seen[id] = split
			if AssignSplit(id, DefaultOptions) != split {
				t.Errorf("patient %d loaded into %s but hashes elsewhere", id, split)
			}
		}
	}
	if len(seen) != len(patients) {
		t.Errorf("splits cover %d patients, want %d", len(seen), len(patients))
	}

	train, _ := Open(dir, Train, DefaultOptions)
	if train.Len() < 120 || train.Len() > 190 {
		t.Errorf("train split has %d of 200 patients, expected roughly 160", train.Len())
	}
}

func TestOpenSortsEventsByTime(t *testing.T) {
	p := Patient{PatientID: 1, Events: []Event{
		{Code: "b", Time: epoch0.Add(time.Hour)},
		{Code: "a", Time: epoch0},
	}}
	dir := writeExtract(t, []Patient{p})

	opts := Options{TrainFrac: 1}
	ds, err := Open(dir, Train, opts)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ds.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Codes(), []string{"a", "b"}) {
		t.Errorf("Codes() = %v, want time order [a b]", got.Codes())
	}
	if _, err := ds.Get(1); !errors.Is(err, ErrIndex) {
		t.Errorf("Get(1) err = %v, want ErrIndex", err)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(t.TempDir(), "holdout", DefaultOptions); !errors.Is(err, ErrUnknownSplit) {
		t.Errorf("unknown split: err = %v", err)
	}
	if _, err := Open(t.TempDir(), Train, DefaultOptions); err == nil {
		t.Errorf("missing timelines file should fail")
	}

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, TimelinesFile), []byte("{not json}\n"), 0644)
	if _, err := Open(dir, Train, DefaultOptions); err == nil {
		t.Errorf("malformed line should fail")
	}
}

func TestSplitCache(t *testing.T) {
	patients := makePatients(50)
	dir := writeExtract(t, patients)
	opts := DefaultOptions
	opts.CacheDir = filepath.Join(t.TempDir(), "cache")

	first, err := Open(dir, Val, opts)
	if err != nil {
		t.Fatal(err)
	}
	key, err := extractKey(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(splitCachePath(key, opts, Val)); err != nil {
		t.Fatalf("split cache not written: %v", err)
	}

	second, err := Open(dir, Val, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.PatientIDs(), second.PatientIDs()) {
		t.Errorf("cached open differs: %v vs %v", first.PatientIDs(), second.PatientIDs())
	}
}

func patientsFrom(first int64, n int) []Patient {
	patients := makePatients(n)
	for i := range patients {
		patients[i].PatientID = first + int64(i)
	}
	return patients
}

func TestSplitCacheSharedByExtracts(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "cache")
	cached := DefaultOptions
	cached.CacheDir = cache

	a := writeExtract(t, patientsFrom(0, 50))
	b := writeExtract(t, patientsFrom(100000, 50))

	for _, dir := range []string{a, b} {
		for _, split := range Splits {
			got, err := Open(dir, split, cached)
			if err != nil {
				t.Fatal(err)
			}
			want, err := Open(dir, split, DefaultOptions)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got.PatientIDs(), want.PatientIDs()) {
				t.Errorf("%s %s with shared cache = %v, want %v", filepath.Base(dir), split, got.PatientIDs(), want.PatientIDs())
			}
		}
	}

	files, _ := filepath.Glob(filepath.Join(cache, "*.json"))
	if len(files) != 2*len(Splits) {
		t.Errorf("cache holds %d files, want one per extract and split", len(files))
	}
}

func TestSplitCacheInvalidatedByChange(t *testing.T) {
	opts := DefaultOptions
	opts.CacheDir = filepath.Join(t.TempDir(), "cache")
	dir := writeExtract(t, patientsFrom(0, 50))

	if _, err := Open(dir, Train, opts); err != nil {
		t.Fatal(err)
	}

	// rewrite the extract in place with other patients
	replaced := writeExtract(t, patientsFrom(5000, 60))
	raw, err := os.ReadFile(filepath.Join(replaced, TimelinesFile))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, TimelinesFile)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	got, err := Open(dir, Train, opts)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := Open(dir, Train, DefaultOptions)
	if got.Len() == 0 || !reflect.DeepEqual(got.PatientIDs(), want.PatientIDs()) {
		t.Errorf("changed extract train split = %v, want %v", got.PatientIDs(), want.PatientIDs())
	}
}

func TestAssignSplitFractions(t *testing.T) {
	opts := Options{TrainFrac: 0.955, ValFrac: 0.03}
	const n = 40000
	counts := make(map[Split]int)
	for id := int64(0); id < n; id++ {
		counts[AssignSplit(id, opts)]++
	}
	expect := map[Split]float64{Train: 0.955, Val: 0.03, Test: 0.015}
	for split, frac := range expect {
		got := float64(counts[split]) / n
		if got < frac-0.005 || got > frac+0.005 {
			t.Errorf("%s share = %.4f, want %.3f", split, got, frac)
		}
	}
}

func TestTruncate(t *testing.T) {
	ids := []int{1, 2, 3, 4, 5, 6}
	rng := rand.New(rand.NewSource(3))

	if got := Truncate(ids, 10, true, rng); !reflect.DeepEqual(got, ids) {
		t.Errorf("short sequence changed: %v", got)
	}
	if got := Truncate(ids, 4, false, rng); !reflect.DeepEqual(got, []int{1, 2, 3, 4}) {
		t.Errorf("prefix truncation = %v", got)
	}
	for i := 0; i < 20; i++ {
		got := Truncate(ids, 4, true, rng)
		if len(got) != 4 || got[1] != got[0]+1 || got[3] != got[0]+3 {
			t.Fatalf("random truncation not a contiguous window: %v", got)
		}
	}
}

func TestCollateCausal(t *testing.T) {
	tok := testTokenizer(t)
	patients := []Patient{
		{PatientID: 1, Events: []Event{{Code: "ICD10/E11"}, {Code: "LOINC/4548-4"}}},
		{PatientID: 2, Events: []Event{{Code: "unknown"}}},
	}

	b := Collate(patients, tok, CollateOptions{MaxLength: 16}, rand.New(rand.NewSource(1)))

	wantInput := [][]int{
		{tok.BOSID(), 7, 8, tok.EOSID()},
		{tok.BOSID(), tok.UNKID(), tok.EOSID(), tok.PadID()},
	}
	wantMask := [][]int{{1, 1, 1, 1}, {1, 1, 1, 0}}
	wantLabels := [][]int{
		{tok.BOSID(), 7, 8, tok.EOSID()},
		{tok.BOSID(), tok.UNKID(), tok.EOSID(), tokenizer.IgnoreIndex},
	}

	if !reflect.DeepEqual(b.InputIDs, wantInput) {
		t.Errorf("InputIDs = %v, want %v", b.InputIDs, wantInput)
	}
	if !reflect.DeepEqual(b.AttentionMask, wantMask) {
		t.Errorf("AttentionMask = %v, want %v", b.AttentionMask, wantMask)
	}
	if !reflect.DeepEqual(b.Labels, wantLabels) {
		t.Errorf("Labels = %v, want %v", b.Labels, wantLabels)
	}
	if b.Tokens() != 7 || b.Size() != 2 {
		t.Errorf("Tokens()=%d Size()=%d", b.Tokens(), b.Size())
	}
}

func TestCollateMasked(t *testing.T) {
	tok := testTokenizer(t)
	p := Patient{PatientID: 1}
	for i := 0; i < 400; i++ {
		p.Events = append(p.Events, Event{Code: "CPT4/99213"})
	}

	b := Collate([]Patient{p}, tok, CollateOptions{MaxLength: 1000, Objective: Masked}, rand.New(rand.NewSource(9)))

	masked := 0
	for j, id := range b.InputIDs[0] {
		label := b.Labels[0][j]
		switch {
		case id == tok.MaskID():
			masked++
			if label != 10 {
				t.Fatalf("masked position %d has label %d, want original id 10", j, label)
			}
		case label != tokenizer.IgnoreIndex:
			t.Fatalf("unmasked position %d has label %d", j, label)
		}
	}
	if b.InputIDs[0][0] != tok.BOSID() {
		t.Errorf("special token masked")
	}
	if masked < 30 || masked > 100 {
		t.Errorf("masked %d of 400 tokens, expected about 60", masked)
	}
}

func TestLoaderOrderIndependentOfWorkers(t *testing.T) {
	tok := testTokenizer(t)
	ds := FromPatients(Train, makePatients(23))

	collect := func(workers int) []Batch {
		l := NewLoader(ds, tok, LoaderOptions{
			BatchSize: 4,
			NWorkers:  workers,
			Shuffle:   true,
			Seed:      5,
			Collate:   CollateOptions{MaxLength: 4, RandomTruncation: true},
		})
		var out []Batch
		for b := range l.Stream(context.Background(), 2) {
			out = append(out, b)
		}
		if len(out) != l.NumBatches() {
			t.Fatalf("workers=%d: got %d batches, want %d", workers, len(out), l.NumBatches())
		}
		return out
	}

	base := collect(0)
	if len(base) != 6 || base[5].Size() != 3 {
		t.Fatalf("want 6 batches with a final batch of 3, got %d", len(base))
	}
	for _, workers := range []int{1, 4} {
		if got := collect(workers); !reflect.DeepEqual(got, base) {
			t.Errorf("workers=%d produced different batches", workers)
		}
	}
}

func TestLoaderCancel(t *testing.T) {
	tok := testTokenizer(t)
	l := NewLoader(FromPatients(Train, makePatients(100)), tok, LoaderOptions{
		BatchSize: 1,
		NWorkers:  3,
		Collate:   CollateOptions{MaxLength: 8},
	})

	ctx, cancel := context.WithCancel(context.Background())
	stream := l.Stream(ctx, 0)
	<-stream
	cancel()

	n := 0
	for range stream {
		n++
	}
	if n >= 99 {
		t.Errorf("stream kept delivering after cancel: %d batches", n)
	}
}

func ExampleAssignSplit() {
	fmt.Println(AssignSplit(42, Options{TrainFrac: 1}))
	// Output: train
}
