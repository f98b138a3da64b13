package tokenizer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

// CodeSource is a collection of patients whose codes can be counted.
type CodeSource interface {
	Len() int
	Codes(i int) ([]string, error)
}

// Vocab is the pair of maps persisted as code_2_int and code_2_count.
type Vocab struct {
	Code2Int   map[string]int
	Code2Count map[string]int
}

// BuildVocab counts every code in src using workers goroutines, each taking
// chunkSize patients at a time. Codes are numbered by descending count, ties
// broken by code, starting after the special tokens.
func BuildVocab(ctx context.Context, src CodeSource, workers, chunkSize int) (*Vocab, error) {
	if workers < 1 {
		workers = 1
	}
	if chunkSize < 1 {
		chunkSize = 1
	}

	chunks := make(chan int)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chunks)
		for start := 0; start < src.Len(); start += chunkSize {
			select {
			case chunks <- start:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	var mu sync.Mutex
	total := make(map[string]int)

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			local := make(map[string]int)
			for start := range chunks {
				end := start + chunkSize
				if end > src.Len() {
					end = src.Len()
				}
				for i := start; i < end; i++ {
					codes, err := src.Codes(i)
					if err != nil {
						return err
					}
					for _, c := range codes {
						local[c]++
					}
				}
			}
			mu.Lock()
			for c, n := range local {
				total[c] += n
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	codes := maps.Keys(total)
	sort.Slice(codes, func(i, j int) bool {
		if total[codes[i]] != total[codes[j]] {
			return total[codes[i]] > total[codes[j]]
		}
		return codes[i] < codes[j]
	})

	v := &Vocab{
		Code2Int:   make(map[string]int, len(codes)),
		Code2Count: total,
	}
	for i, c := range codes {
		v.Code2Int[c] = len(SpecialTokens) + i
	}
	return v, nil
}

// Save writes code_2_int.json and code_2_count.json into dir and returns
// their paths.
func (v *Vocab) Save(dir string) (code2intPath, code2countPath string, err error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", err
	}
	code2intPath = filepath.Join(dir, "code_2_int.json")
	code2countPath = filepath.Join(dir, "code_2_count.json")

	for path, m := range map[string]map[string]int{
		code2intPath:   v.Code2Int,
		code2countPath: v.Code2Count,
	} {
		raw, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return "", "", err
		}
		if err := os.WriteFile(path, raw, 0644); err != nil {
			return "", "", err
		}
	}
	return code2intPath, code2countPath, nil
}

// Tokenizer builds a tokenizer directly from the vocabulary.
func (v *Vocab) Tokenizer(minCodeCount *int) (*Tokenizer, error) {
	return New(v.Code2Int, v.Code2Count, minCodeCount)
}
