// Package enroll extracts reference embeddings from identity photos and
// stores them for later matching.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kozaktomas/attendance/internal/bank"
	"github.com/kozaktomas/attendance/internal/database"
	"github.com/kozaktomas/attendance/internal/facematch"
	"github.com/kozaktomas/attendance/internal/logging"
	"github.com/kozaktomas/attendance/internal/pipeline"
)

var (
	ErrNoFace        = errors.New("no face found")
	ErrMultipleFaces = errors.New("more than one face found")
)

// Store is the persistence enrollment needs.
type Store interface {
	database.IdentityWriter
	database.RosterLoader
}

// Face is one detected face with its embedding.
type Face struct {
	Box    facematch.Box
	Vector []float32
}

// EmbedFaces detects every face in an encoded image and embeds each crop the
// same way the live pipeline does.
func EmbedFaces(ctx context.Context, det pipeline.Detector, ext pipeline.Extractor, data []byte, cropSize int) ([]Face, error) {
	frame := pipeline.Frame{Data: data}
	img, err := frame.Decoded()
	if err != nil {
		return nil, err
	}
	frame.Image = img

	boxes, err := det.Detect(ctx, frame)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	faces := make([]Face, 0, len(boxes))
	for _, b := range boxes {
		b = b.Clamp(img.Bounds())
		if !b.Valid() {
			continue
		}
		crop, err := pipeline.CropFace(img, b, cropSize)
		if err != nil {
			return nil, err
		}
		vec, err := ext.Embed(ctx, crop)
		if err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
		faces = append(faces, Face{Box: b, Vector: vec})
	}
	return faces, nil
}

// Result describes one enrolled image.
type Result struct {
	IdentityID string
	Source     string
	ID         int64
	Collisions []bank.Neighbor
	Dim        int
}

// Enroller stores one embedding per image. It is safe for concurrent use.
type Enroller struct {
	det       pipeline.Detector
	ext       pipeline.Extractor
	store     Store
	cropSize  int
	threshold float64
	model     string
	logger    *zap.Logger

	mu    sync.Mutex // serializes index updates and saves
	index *bank.NeighborIndex
}

// New creates an enroller. Vectors more similar than collisionThreshold to a
// different identity are reported in Result.Collisions.
func New(det pipeline.Detector, ext pipeline.Extractor, store Store, cropSize int, collisionThreshold float64, model string, logger *zap.Logger) *Enroller {
	return &Enroller{
		det:       det,
		ext:       ext,
		store:     store,
		cropSize:  cropSize,
		threshold: collisionThreshold,
		model:     model,
		logger:    logging.OrNop(logger).Named("enroll"),
		index:     bank.NewNeighborIndex(),
	}
}

// LoadIndex indexes every stored embedding for collision checks and returns
// how many vectors were indexed.
func (e *Enroller) LoadIndex(ctx context.Context) (int, error) {
	ids, err := e.store.ListIdentities(ctx)
	if err != nil {
		return 0, fmt.Errorf("list identities: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	embs, err := e.store.LoadRosterEmbeddings(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load embeddings: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, emb := range embs {
		if err := e.index.Add(emb.IdentityID, emb.Embedding); err != nil {
			e.logger.Warn("skipping stored embedding",
				zap.String("identity_id", emb.IdentityID), zap.Int64("id", emb.ID), zap.Error(err))
		}
	}
	return e.index.Len(), nil
}

// Enroll embeds the single face in data and stores it for identityID. Images
// with no face or several faces are rejected.
func (e *Enroller) Enroll(ctx context.Context, identityID, source string, data []byte) (Result, error) {
	identityID = facematch.NormalizeIdentityID(identityID)
	if identityID == "" || identityID == bank.Unknown {
		return Result{}, fmt.Errorf("invalid identity id %q", identityID)
	}

	faces, err := EmbedFaces(ctx, e.det, e.ext, data, e.cropSize)
	if err != nil {
		return Result{}, err
	}
	switch len(faces) {
	case 0:
		return Result{}, ErrNoFace
	case 1:
	default:
		return Result{}, fmt.Errorf("%w (%d)", ErrMultipleFaces, len(faces))
	}
	vec := faces[0].Vector

	e.mu.Lock()
	defer e.mu.Unlock()

	collisions, err := e.index.Collisions(identityID, vec, e.threshold)
	if err != nil {
		return Result{}, err
	}
	for _, c := range collisions {
		e.logger.Warn("enrolled face is close to another identity",
			zap.String("identity_id", identityID),
			zap.String("other", c.IdentityID),
			zap.Float64("similarity", c.Similarity),
			zap.String("source", source))
	}

	id, err := e.store.SaveIdentityEmbedding(ctx, database.IdentityEmbedding{
		IdentityID: identityID,
		Embedding:  vec,
		Model:      e.model,
		Dim:        len(vec),
		Source:     source,
	})
	if err != nil {
		return Result{}, fmt.Errorf("save embedding: %w", err)
	}
	if err := e.index.Add(identityID, vec); err != nil {
		e.logger.Debug("embedding not indexed", zap.Error(err))
	}

	return Result{IdentityID: identityID, Source: source, ID: id, Collisions: collisions, Dim: len(vec)}, nil
}
