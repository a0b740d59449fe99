package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/facematch"
)

// overlapIoU is the IoU above which two detector boxes count as one face.
const overlapIoU = 0.5

func (p *Pipeline) workerLoop(ctx context.Context, id int, queue <-chan Frame, stop <-chan struct{}) {
	logger := p.logger.With(zap.Int("worker", id))
	logger.Debug("worker started")
	defer logger.Debug("worker exited")

	timer := time.NewTimer(p.cfg.DequeueTimeout)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.DequeueTimeout)

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case frame := <-queue:
			p.metrics.QueueDepth.Set(float64(len(queue)))
			p.processFrame(ctx, frame, logger)
		case <-timer.C:
			// wake up to observe stop
		}
	}
}

// processFrame runs one frame end to end. Every failure in here is contained
// to the frame or the face it concerns.
func (p *Pipeline) processFrame(ctx context.Context, frame Frame, logger *zap.Logger) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing frame",
				zap.Uint64("seq", frame.Seq), zap.Any("panic", r))
		}
	}()

	if p.smoother != nil {
		if purged := p.smoother.Sweep(); purged > 0 {
			logger.Debug("purged stale tracks", zap.Int("count", purged))
		}
	}

	result := Result{Seq: frame.Seq, CapturedAt: frame.CapturedAt}

	detections, err := p.detect(ctx, frame)
	if err != nil {
		p.metrics.DetectionFailures.Inc()
		logger.Debug("detection failed, treating frame as empty",
			zap.Uint64("seq", frame.Seq), zap.Error(err))
	}

	snapshot := p.bank()
	for _, det := range detections {
		rec, ok := p.recognize(ctx, frame, det, snapshot, logger)
		if ok {
			result.Recognitions = append(result.Recognitions, rec)
		}
	}

	result.ProcessedAt = time.Now()
	p.publish(result)
	p.processed.Add(1)
	p.metrics.FramesProcessed.Inc()
	p.metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	if p.smoother != nil {
		p.metrics.ActiveTracks.Set(float64(p.smoother.Len()))
	}

	if p.onResult != nil {
		p.onResult(ctx, result.clone())
	}
}

// detect calls the detector and crops every usable box.
func (p *Pipeline) detect(ctx context.Context, frame Frame) (dets []Detection, err error) {
	if p.detector == nil {
		return nil, errors.New("no detector configured")
	}
	defer func() {
		if r := recover(); r != nil {
			dets, err = nil, fmt.Errorf("detector panic: %v", r)
		}
	}()

	img, err := frame.Decoded()
	if err != nil {
		return nil, err
	}

	boxes, err := p.detector.Detect(ctx, Frame{Seq: frame.Seq, Data: frame.Data, Image: img, CapturedAt: frame.CapturedAt})
	if err != nil {
		return nil, err
	}

	valid := make([]facematch.Box, 0, len(boxes))
	for _, b := range boxes {
		c := b.Clamp(img.Bounds())
		if c.Valid() {
			valid = append(valid, c)
		}
	}
	valid = facematch.SuppressOverlaps(valid, overlapIoU)

	dets = make([]Detection, 0, len(valid))
	for _, b := range valid {
		crop, err := CropFace(img, b, p.cfg.CropSize)
		if err != nil {
			continue
		}
		dets = append(dets, Detection{Box: b, Crop: crop})
	}
	return dets, nil
}

// recognize embeds one detection, matches it and feeds the smoother.
func (p *Pipeline) recognize(ctx context.Context, frame Frame, det Detection, snapshot *bank.Bank, logger *zap.Logger) (Recognition, bool) {
	vec, err := p.embed(ctx, det.Crop)
	if err != nil {
		p.metrics.ExtractFailures.Inc()
		logger.Debug("embedding failed, skipping face",
			zap.Uint64("seq", frame.Seq), zap.Any("box", det.Box), zap.Error(err))
		return Recognition{}, false
	}

	candidate := bank.Match(snapshot, vec, p.cfg.MatchThreshold)
	candidate.ObservedAt = frame.CapturedAt

	key := det.Box.Key(p.cfg.BucketSize)
	rec := Recognition{
		Box:        det.Box,
		Key:        key.String(),
		IdentityID: candidate.IdentityID,
		Confidence: candidate.Similarity,
		Raw:        candidate,
	}
	if p.smoother != nil {
		stable := p.smoother.Update(key, candidate)
		rec.IdentityID = stable.IdentityID
		rec.Confidence = stable.Confidence
	}
	return rec, true
}

func (p *Pipeline) embed(ctx context.Context, crop image.Image) (vec []float32, err error) {
	if p.extractor == nil {
		return nil, errors.New("no extractor configured")
	}
	defer func() {
		if r := recover(); r != nil {
			vec, err = nil, fmt.Errorf("extractor panic: %v", r)
		}
	}()

	vec, err = p.extractor.Embed(ctx, crop)
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, errors.New("extractor returned an empty vector")
	}
	return vec, nil
}
