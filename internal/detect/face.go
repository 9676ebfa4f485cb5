package detect

import (
	"context"
	"fmt"

	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/fusion"
	"github.com/kozaktomas/sightline/internal/inference"
)

// FaceService detects faces and returns their embeddings.
type FaceService interface {
	ComputeFaceEmbeddings(ctx context.Context, imageData []byte) (*inference.FaceResponse, error)
}

// Face scores the best cosine similarity between any face in the frame and
// any reference face of the subject.
type Face struct {
	svc         FaceService
	minDetScore float64
}

// NewFace creates the face detector.
func NewFace(svc FaceService) *Face {
	return &Face{svc: svc, minDetScore: constants.MinFaceDetScore}
}

func (f *Face) Modality() fusion.Modality { return fusion.ModalityFace }

func (f *Face) Score(ctx context.Context, obs *Observation, s *Subject) (*float64, error) {
	if len(s.Faces) == 0 {
		return nil, nil
	}
	resp, err := f.svc.ComputeFaceEmbeddings(ctx, obs.Frame.Encoded)
	if err != nil {
		return nil, fmt.Errorf("face embeddings: %w", err)
	}

	best := -1.0
	for _, face := range resp.Faces {
		if face.DetScore < f.minDetScore || len(face.Embedding) == 0 {
			continue
		}
		if sim := bestSimilarity(face.Embedding, s.Faces); sim > best {
			best = sim
			obs.FaceBox = face.BBox
		}
	}
	if best < 0 {
		return nil, nil
	}
	return &best, nil
}

// bestSimilarity returns the highest cosine similarity of v against refs.
func bestSimilarity(v []float32, refs [][]float32) float64 {
	best := 0.0
	for _, ref := range refs {
		best = max(best, database.CosineSimilarity(v, ref))
	}
	return best
}

// bestFace returns the embedding of the most confidently detected face.
func bestFace(faces []inference.FaceDetection) []float32 {
	var best []float32
	bestScore := -1.0
	for _, f := range faces {
		if len(f.Embedding) > 0 && f.DetScore > bestScore {
			best, bestScore = f.Embedding, f.DetScore
		}
	}
	return best
}
