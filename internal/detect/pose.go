package detect

import (
	"context"
	"fmt"

	"github.com/kozaktomas/sightline/internal/fusion"
	"github.com/kozaktomas/sightline/internal/inference"
)

// PoseService detects people and their keypoints.
type PoseService interface {
	ComputePose(ctx context.Context, imageData []byte) (*inference.PoseResponse, error)
}

// Pose scores body keypoint similarity. When the face detector already found
// the subject's face, only people whose box overlaps that face are considered.
type Pose struct {
	svc PoseService
}

// NewPose creates the pose detector.
func NewPose(svc PoseService) *Pose {
	return &Pose{svc: svc}
}

func (p *Pose) Modality() fusion.Modality { return fusion.ModalityPose }

func (p *Pose) Score(ctx context.Context, obs *Observation, s *Subject) (*float64, error) {
	if len(s.Poses) == 0 {
		return nil, nil
	}
	resp, err := p.svc.ComputePose(ctx, obs.Frame.Encoded)
	if err != nil {
		return nil, fmt.Errorf("pose keypoints: %w", err)
	}

	persons := resp.Persons
	if obs.FaceBox != nil {
		var withFace []inference.PoseDetection
		for _, person := range persons {
			if ComputeIoU(obs.FaceBox, person.BBox) > 0 {
				withFace = append(withFace, person)
			}
		}
		if len(withFace) > 0 {
			persons = withFace
		}
	}

	best := -1.0
	for i := range persons {
		v := persons[i].Vector()
		if len(v) == 0 {
			continue
		}
		if sim := bestSimilarity(v, s.Poses); sim > best {
			best = sim
			obs.PersonBox = persons[i].BBox
		}
	}
	if best < 0 {
		return nil, nil
	}
	return &best, nil
}

// bestPose returns the vector of the most confidently detected person.
func bestPose(persons []inference.PoseDetection) []float32 {
	var best []float32
	bestScore := -1.0
	for i := range persons {
		if v := persons[i].Vector(); len(v) > 0 && persons[i].Score > bestScore {
			best, bestScore = v, persons[i].Score
		}
	}
	return best
}
