package data

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"runtime"

	internal "github.com/QuagHien/translator-v3/translator"
	"github.com/QuagHien/translator-v3/translator/config"
	"github.com/QuagHien/translator-v3/translator/hub"
	"github.com/QuagHien/translator-v3/translator/tokenizer"

	"github.com/RoaringBitmap/roaring"
	"github.com/ZanzyTHEbar/assert-lib"
	"github.com/sourcegraph/conc/pool"
)

// Processor turns configured dataset sources into tokenized train and
// validation splits. Local serialized datasets are loaded from disk; hub
// names are pulled through the hub client, directionally augmented and,
// in streaming mode, interleaved and shuffled with a bounded buffer.
type Processor struct {
	tok     tokenizer.Tokenizer
	args    config.DataArguments
	seed    int64
	hub     *hub.Client
	asserts *assert.AssertHandler
}

func NewProcessor(tok tokenizer.Tokenizer, args config.DataArguments, seed int64, hubClient *hub.Client) *Processor {
	return &Processor{
		tok:     tok,
		args:    args,
		seed:    seed,
		hub:     hubClient,
		asserts: assert.NewAssertHandler(),
	}
}

// Run produces the tokenized splits. Any loading failure surfaces as an
// explicit error; a split is only ever absent when no source was configured
// for it.
func (p *Processor) Run(ctx context.Context) (*Splits, error) {
	splits := &Splits{}

	switch {
	case p.args.TrainDir != "" && p.args.DatasetNameTrain == "":
		train, err := LoadFromDisk(p.args.TrainDir, "train")
		if err != nil {
			return nil, fmt.Errorf("train split: %w", err)
		}
		if p.args.MaxTrainSamples > 0 {
			train = train.Select(p.args.MaxTrainSamples)
		}
		splits.Train, err = p.tokenizeDataset(ctx, train)
		if err != nil {
			return nil, fmt.Errorf("train split: %w", err)
		}
	case p.args.DatasetNameTrain != "":
		tokenized, err := p.hubTrainSplit(ctx)
		if err != nil {
			return nil, fmt.Errorf("train split: %w", err)
		}
		splits.Train = tokenized
	}

	switch {
	case p.args.ValidDir != "":
		valid, err := LoadFromDisk(p.args.ValidDir, "validation")
		if err != nil {
			return nil, fmt.Errorf("validation split: %w", err)
		}
		if p.args.MaxValidSamples > 0 {
			valid = valid.Select(p.args.MaxValidSamples)
		}
		splits.Validation, err = p.tokenizeDataset(ctx, valid)
		if err != nil {
			return nil, fmt.Errorf("validation split: %w", err)
		}
	case p.args.DatasetNameValidation != "":
		path, err := p.hub.EnsureDatasetFile(p.args.DatasetNameValidation, "validation")
		if err != nil {
			return nil, fmt.Errorf("validation split: %w", err)
		}
		rows, err := TakeRows(path, 0)
		if err != nil {
			return nil, fmt.Errorf("validation split: %w", err)
		}
		valid, err := MultiTrans(rows, p.args.LanguageA, p.args.LanguageB)
		if err != nil {
			return nil, fmt.Errorf("validation split: %w", err)
		}
		splits.Validation, err = p.tokenizeDataset(ctx, valid)
		if err != nil {
			return nil, fmt.Errorf("validation split: %w", err)
		}
	}

	return splits, nil
}

// hubTrainSplit fetches the train split by dataset name. With a sample cap
// the rows are materialized and augmented in place; without one the full
// stream is mapped into both directions, interleaved with the fixed seed and
// shuffled through a bounded buffer.
func (p *Processor) hubTrainSplit(ctx context.Context) (*TokenizedDataset, error) {
	path, err := p.hub.EnsureDatasetFile(p.args.DatasetNameTrain, "train")
	if err != nil {
		return nil, err
	}

	if p.args.MaxTrainSamples > 0 {
		rows, err := TakeRows(path, p.args.MaxTrainSamples)
		if err != nil {
			return nil, err
		}
		if p.args.Dedup {
			rows = dedupRows(rows, p.args.LanguageA, p.args.LanguageB)
		}
		train, err := MultiTrans(rows, p.args.LanguageA, p.args.LanguageB)
		if err != nil {
			return nil, err
		}
		return p.tokenizeDataset(ctx, train)
	}

	aToB, err := OpenDirection(path, p.args.LanguageA, p.args.LanguageB)
	if err != nil {
		return nil, err
	}
	bToA, err := OpenDirection(path, p.args.LanguageB, p.args.LanguageA)
	if err != nil {
		aToB.Close()
		return nil, err
	}
	stream := ShuffleBuffer(Interleave(p.seed, aToB, bToA), p.args.ShuffleBufferSize, p.seed)
	defer stream.Close()

	return p.tokenizeStream(ctx, stream)
}

// tokenizeStream maps a lazy example stream sequentially; streaming mode
// never fans out to workers.
func (p *Processor) tokenizeStream(ctx context.Context, it ExampleIter) (*TokenizedDataset, error) {
	var out []TokenizedExample
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ex, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		tok, err := p.tokenizeExample(ctx, ex)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return NewTokenizedDataset(out), nil
}

// tokenizeDataset maps a materialized dataset, fanning out across the
// configured worker count when more than one is requested.
func (p *Processor) tokenizeDataset(ctx context.Context, ds *Dataset) (*TokenizedDataset, error) {
	workers := p.args.DatasetNumWorkers
	if p.args.Streaming || workers < 1 {
		workers = 1
	}
	if workers > runtime.NumCPU() {
		workers = runtime.NumCPU()
	}

	out := make([]TokenizedExample, ds.Len())
	if workers == 1 {
		for i := 0; i < ds.Len(); i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			tok, err := p.tokenizeExample(ctx, ds.At(i))
			if err != nil {
				return nil, err
			}
			out[i] = tok
		}
		return NewTokenizedDataset(out), nil
	}

	workerPool := pool.New().WithMaxGoroutines(workers).WithContext(ctx).WithCancelOnError()
	chunk := (ds.Len() + workers - 1) / workers
	for start := 0; start < ds.Len(); start += chunk {
		end := start + chunk
		if end > ds.Len() {
			end = ds.Len()
		}
		start, end := start, end
		workerPool.Go(func(ctx context.Context) error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				tok, err := p.tokenizeExample(ctx, ds.At(i))
				if err != nil {
					return err
				}
				out[i] = tok
			}
			return nil
		})
	}
	if err := workerPool.Wait(); err != nil {
		return nil, err
	}
	slog.Debug("Tokenized dataset", "examples", ds.Len(), "workers", workers)
	return NewTokenizedDataset(out), nil
}

// tokenizeExample encodes source and target independently to the configured
// maximum length and rewrites label padding to the ignore sentinel.
func (p *Processor) tokenizeExample(ctx context.Context, ex Example) (TokenizedExample, error) {
	inputIDs, attentionMask, err := p.tok.Encode(ex.Inputs, p.args.MaxLen)
	if err != nil {
		return TokenizedExample{}, fmt.Errorf("tokenize inputs: %w", err)
	}
	labels, _, err := p.tok.Encode(ex.Targets, p.args.MaxLen)
	if err != nil {
		return TokenizedExample{}, fmt.Errorf("tokenize targets: %w", err)
	}

	padID := p.tok.PadID()
	for i, l := range labels {
		if l == padID {
			labels[i] = internal.IgnoreIndex
		}
	}

	p.asserts.Assert(ctx, len(labels) == len(inputIDs), "label count must equal input count per example")

	return TokenizedExample{
		InputIDs:      inputIDs,
		AttentionMask: attentionMask,
		Labels:        labels,
	}, nil
}

// dedupRows drops repeated bilingual pairs, tracking seen pair hashes in a
// roaring bitmap. Collisions can drop distinct pairs, which is acceptable
// for corpus cleaning.
func dedupRows(rows []Row, a, b string) []Row {
	seen := roaring.New()
	out := rows[:0]
	for _, row := range rows {
		h := fnv.New32a()
		h.Write([]byte(row[a]))
		h.Write([]byte{0})
		h.Write([]byte(row[b]))
		key := h.Sum32()
		if seen.Contains(key) {
			continue
		}
		seen.Add(key)
		out = append(out, row)
	}
	return out
}
