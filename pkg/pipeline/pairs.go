package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/mimbres/pfann/pkg/audio/fbank"
	"github.com/mimbres/pfann/pkg/audio/pcm"
	"github.com/mimbres/pfann/pkg/augment"
	"github.com/mimbres/pfann/pkg/model"
	"github.com/mimbres/pfann/pkg/sampler"
)

// Pair is one contrastive training example: the clean and the distorted
// spectrogram of the same anchor.
type Pair struct {
	// Index is the anchor's position in the flattened segment list.
	Index  int
	Source string
	Offset int

	Clean     *fbank.Spectrogram
	Distorted *fbank.Spectrogram
	Recipe    augment.Recipe
}

// PairRNG derives the generator of anchor i. Pairs depend only on seed
// and the anchor, never on which worker produced them.
func PairRNG(seed uint64, i int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(i)^0x5851f42d4c957f2d))
}

// TrainingPairs segments clips with the training geometry and sends one
// augmented pair per anchor to out, closing it on return. Both views are
// scaled to unit L2 norm before feature extraction. Pairs arrive in
// no particular order. Clips too short for a segment are logged and
// skipped.
func (p *Pipeline) TrainingPairs(ctx context.Context, clips []*pcm.Clip, eng *augment.Engine, seed uint64, out chan<- Pair) error {
	defer close(out)

	smp, err := sampler.New(sampler.FromConfig(p.cfg))
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if want := smp.Config().PadStart + smp.Config().SegmentLength; eng.ViewLength() != want {
		return fmt.Errorf("pipeline: augmentation view length %d, sampler produces %d", eng.ViewLength(), want)
	}
	anchors, skipped := smp.Anchors(clips)
	for _, s := range skipped {
		p.log.Warn("pipeline: clip too short for training", "source", s)
	}
	ext := p.index.extractor

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, a := range anchors {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rng := PairRNG(seed, i)
			views := smp.Pair(a.Segment, rng)
			recipe := eng.Sample(rng)
			distorted, err := eng.Apply(views.Distorted, recipe)
			if err != nil {
				return err
			}
			clean, err := ext.Extract(pcm.Normalize(views.Clean))
			if err != nil {
				return err
			}
			dspec, err := ext.Extract(pcm.Normalize(distorted))
			if err != nil {
				return err
			}
			select {
			case out <- Pair{
				Index:     i,
				Source:    a.Segment.Clip.Source,
				Offset:    a.Segment.Start,
				Clean:     clean,
				Distorted: dspec,
				Recipe:    recipe,
			}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// PairLoss embeds both views of pairs and returns their contrastive loss
// at temperature tau. It is the validation metric of a trained model.
func (p *Pipeline) PairLoss(ctx context.Context, pairs []Pair, tau float64) (float64, error) {
	m, err := p.embedder()
	if err != nil {
		return 0, err
	}
	clean := make([]*fbank.Spectrogram, len(pairs))
	distorted := make([]*fbank.Spectrogram, len(pairs))
	for i, pr := range pairs {
		clean[i], distorted[i] = pr.Clean, pr.Distorted
	}
	a, err := model.EmbedBatch(ctx, m, clean, p.workers)
	if err != nil {
		return 0, err
	}
	b, err := model.EmbedBatch(ctx, m, distorted, p.workers)
	if err != nil {
		return 0, err
	}
	return model.ContrastiveLoss(a, b, tau)
}
