package detect

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/kozaktomas/sightline/internal/constants"
	"github.com/kozaktomas/sightline/internal/database"
	"github.com/kozaktomas/sightline/internal/frames"
	"github.com/kozaktomas/sightline/internal/logger"
	"github.com/kozaktomas/sightline/internal/storage"
)

// DefaultReferenceTTL is how long a built subject stays cached.
const DefaultReferenceTTL = 30 * time.Minute

// References builds subjects from case reference photos. Embeddings are
// computed once, persisted, and the assembled subject is cached per case.
type References struct {
	store  database.ReferenceStore
	photos storage.Opener
	face   FaceService
	pose   PoseService
	log    *logger.Logger

	cache *cache.Cache
	group singleflight.Group
}

// NewReferences creates a subject loader. face or pose may be nil, in which
// case that modality gets no references.
func NewReferences(store database.ReferenceStore, photos storage.Opener, face FaceService, pose PoseService, ttl time.Duration, log *logger.Logger) *References {
	if ttl <= 0 {
		ttl = DefaultReferenceTTL
	}
	if log == nil {
		log = logger.Nop()
	}
	return &References{
		store:  store,
		photos: photos,
		face:   face,
		pose:   pose,
		log:    log,
		cache:  cache.New(ttl, ttl*2),
	}
}

// Subject returns the subject of a case.
func (r *References) Subject(ctx context.Context, c *database.Case) (*Subject, error) {
	if v, found := r.cache.Get(c.ID); found {
		if s, ok := v.(*Subject); ok {
			return s, nil
		}
	}
	// Shared by every waiting unit of the case; detached from the caller that
	// started it.
	ch := r.group.DoChan(c.ID, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.ReferenceBuildTimeout)
		defer cancel()
		return r.build(buildCtx, c)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Subject), nil
	}
}

// Invalidate drops the cached subject of a case.
func (r *References) Invalidate(caseID string) {
	r.cache.Delete(caseID)
}

func (r *References) build(ctx context.Context, c *database.Case) (*Subject, error) {
	faces, err := r.store.GetReferenceEmbeddings(ctx, c.ID, database.ReferenceFace)
	if err != nil {
		return nil, fmt.Errorf("loading face references: %w", err)
	}
	poses, err := r.store.GetReferenceEmbeddings(ctx, c.ID, database.ReferencePose)
	if err != nil {
		return nil, fmt.Errorf("loading pose references: %w", err)
	}

	complete := true
	wantFace := len(faces) == 0 && r.face != nil
	wantPose := len(poses) == 0 && r.pose != nil
	if len(c.ReferencePhotos) > 0 && (wantFace || wantPose) {
		cf, cp, ok := r.compute(ctx, c, wantFace, wantPose)
		complete = ok
		if wantFace && len(cf) > 0 {
			r.save(ctx, c.ID, database.ReferenceFace, cf)
			faces = cf
		}
		if wantPose && len(cp) > 0 {
			r.save(ctx, c.ID, database.ReferencePose, cp)
			poses = cp
		}
	}

	s := &Subject{
		CaseID:   c.ID,
		Faces:    vectors(faces),
		Poses:    vectors(poses),
		Clothing: ParsePalette(c.ClothingDescription),
	}
	// a partial build is used once and retried on the next unit
	if complete {
		r.cache.Set(c.ID, s, cache.DefaultExpiration)
	}
	return s, nil
}

// compute runs the inference service on every reference photo. ok is false
// when any photo failed.
func (r *References) compute(ctx context.Context, c *database.Case, wantFace, wantPose bool) (faces, poses []database.ReferenceEmbedding, ok bool) {
	ok = true
	now := time.Now()
	for _, ref := range c.ReferencePhotos {
		frame, err := r.loadPhoto(ctx, ref)
		if err != nil {
			r.log.Warn("reference photo unusable", "case_id", c.ID, "photo", ref, "error", err)
			ok = false
			continue
		}

		if wantFace {
			resp, err := r.face.ComputeFaceEmbeddings(ctx, frame.Encoded)
			if err != nil {
				r.log.Warn("reference face embedding failed", "case_id", c.ID, "photo", ref, "error", err)
				ok = false
			} else if v := bestFace(resp.Faces); v != nil {
				faces = append(faces, database.ReferenceEmbedding{
					CaseID: c.ID, PhotoRef: ref, Kind: database.ReferenceFace, Vector: v, CreatedAt: now,
				})
			}
		}

		if wantPose {
			resp, err := r.pose.ComputePose(ctx, frame.Encoded)
			if err != nil {
				r.log.Warn("reference pose failed", "case_id", c.ID, "photo", ref, "error", err)
				ok = false
			} else if v := bestPose(resp.Persons); v != nil {
				poses = append(poses, database.ReferenceEmbedding{
					CaseID: c.ID, PhotoRef: ref, Kind: database.ReferencePose, Vector: v, CreatedAt: now,
				})
			}
		}
	}
	return faces, poses, ok
}

func (r *References) loadPhoto(ctx context.Context, ref string) (*frames.Frame, error) {
	rc, err := r.photos.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, constants.MaxReferencePhotoSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}
	img, err := frames.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	return frames.NewFrame(0, img, constants.MaxFrameWidth)
}

func (r *References) save(ctx context.Context, caseID string, kind database.ReferenceKind, refs []database.ReferenceEmbedding) {
	if err := r.store.SaveReferenceEmbeddings(ctx, caseID, kind, refs); err != nil {
		r.log.Warn("saving reference embeddings failed", "case_id", caseID, "kind", string(kind), "error", err)
	}
}

func vectors(refs []database.ReferenceEmbedding) [][]float32 {
	if len(refs) == 0 {
		return nil
	}
	out := make([][]float32, 0, len(refs))
	for _, r := range refs {
		if len(r.Vector) > 0 {
			out = append(out, r.Vector)
		}
	}
	return out
}
