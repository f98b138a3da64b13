package femr

import (
	"context"
	"math/rand"

	"github.com/herclab/ehrtrain/config"
	"github.com/herclab/ehrtrain/tokenizer"
)

type LoaderOptions struct {
	BatchSize int

	// NWorkers goroutines collate batches concurrently. Zero collates on the
	// delivering goroutine.
	NWorkers int

	Shuffle bool
	Seed    int64
	Collate CollateOptions
}

// Loader delivers the batches of one dataset, epoch by epoch.
type Loader struct {
	ds   *Dataset
	tok  *tokenizer.Tokenizer
	opts LoaderOptions
}

func NewLoader(ds *Dataset, tok *tokenizer.Tokenizer, opts LoaderOptions) *Loader {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	return &Loader{ds: ds, tok: tok, opts: opts}
}

// NumBatches is the number of batches in one epoch, counting a final partial
// batch.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

func (l *Loader) Dataset() *Dataset { return l.ds }

// order returns the patient indexes for an epoch.
func (l *Loader) order(epoch int) []int {
	if l.opts.Shuffle {
		return rand.New(rand.NewSource(l.opts.Seed + int64(epoch))).Perm(l.ds.Len())
	}
	idx := make([]int, l.ds.Len())
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// batch collates batch number i of an epoch. The random source depends only
// on the seed, epoch and batch number, so results do not depend on the
// number of workers.
func (l *Loader) batch(order []int, epoch, i int) Batch {
	start := i * l.opts.BatchSize
	end := start + l.opts.BatchSize
	if end > len(order) {
		end = len(order)
	}
	patients := make([]Patient, 0, end-start)
	for _, idx := range order[start:end] {
		patients = append(patients, l.ds.patients[idx])
	}
	rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)*1000003 + int64(i)))
	return Collate(patients, l.tok, l.opts.Collate, rng)
}

// Stream delivers the batches of an epoch in order on the returned channel,
// which is closed after the last batch or when ctx is cancelled.
func (l *Loader) Stream(ctx context.Context, epoch int) <-chan Batch {
	out := make(chan Batch)
	order := l.order(epoch)
	n := l.NumBatches()

	if l.opts.NWorkers < 1 {
		go func() {
			defer close(out)
			for i := 0; i < n; i++ {
				select {
				case out <- l.batch(order, epoch, i):
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}

	// Each batch gets its own slot so workers can finish out of order while
	// delivery stays ordered.
	slots := make([]chan Batch, n)
	for i := range slots {
		slots[i] = make(chan Batch, 1)
	}
	jobs := make(chan int)

	go func() {
		defer close(jobs)
		for i := 0; i < n; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	for w := 0; w < l.opts.NWorkers; w++ {
		go func() {
			for i := range jobs {
				slots[i] <- l.batch(order, epoch, i)
			}
		}()
	}

	go func() {
		defer close(out)
		for i := 0; i < n; i++ {
			var b Batch
			select {
			case b = <-slots[i]:
			case <-ctx.Done():
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// LoadDatasets opens the train, val and test splits of the configured
// extract.
func LoadDatasets(cfg *config.Config) (map[Split]*Dataset, error) {
	opts := Options{
		TrainFrac: cfg.Data.Dataset.TrainFrac,
		ValFrac:   cfg.Data.Dataset.ValFrac,
		CacheDir:  cfg.ResolvedCache().DatasetDir,
	}
	datasets := make(map[Split]*Dataset, len(Splits))
	for _, split := range Splits {
		ds, err := Open(cfg.Data.Dataset.PathToFEMRExtract, split, opts)
		if err != nil {
			return nil, err
		}
		datasets[split] = ds
	}
	return datasets, nil
}

// LoadDataloaders builds one loader per dataset, all sharing the dataloader
// options and run seed.
func LoadDataloaders(cfg *config.Config, datasets map[Split]*Dataset, tok *tokenizer.Tokenizer, objective Objective) map[Split]*Loader {
	dl := cfg.Data.Dataloader
	loaders := make(map[Split]*Loader, len(datasets))
	for split, ds := range datasets {
		loaders[split] = NewLoader(ds, tok, LoaderOptions{
			BatchSize: dl.BatchSize,
			NWorkers:  dl.NWorkers,
			Seed:      cfg.Main.Seed,
			Collate: CollateOptions{
				MaxLength:        dl.MaxLength,
				RandomTruncation: dl.IsTruncationRandom,
				Objective:        objective,
			},
		})
	}
	return loaders
}
