package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/reelworks/reelfix/internal/blob"
	"github.com/reelworks/reelfix/internal/contentaddr"
)

const thumbnailWidth = 320

// ImageTransformer is the local executor for image media. Fixes map problem
// ids onto deterministic imaging adjustments; output keys are derived from
// the input and fix set, so repeated executions write identical objects.
type ImageTransformer struct {
	blobs blob.Store
}

func NewImageTransformer(blobs blob.Store) *ImageTransformer {
	return &ImageTransformer{blobs: blobs}
}

func (t *ImageTransformer) Fix(ctx context.Context, req FixRequest) (FixResult, error) {
	img, err := t.load(ctx, req.InputRef)
	if err != nil {
		return FixResult{}, err
	}

	applied := make([]string, 0, len(req.ProblemIDs))
	for _, p := range req.ProblemIDs {
		fixed, ok := applyFix(img, p)
		if !ok {
			continue
		}
		img = fixed
		applied = append(applied, p)
	}

	suffix := contentaddr.FixRequest(req.InputRef, req.ProblemIDs)[:16]
	outputRef, err := t.storeJPEG(ctx, img, fmt.Sprintf("fixed/%s-%s.jpg", baseName(req.InputRef), suffix))
	if err != nil {
		return FixResult{}, err
	}

	thumb := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	thumbRef, err := t.storeJPEG(ctx, thumb, fmt.Sprintf("thumbs/%s-%s.jpg", baseName(req.InputRef), suffix))
	if err != nil {
		return FixResult{}, err
	}

	return FixResult{OutputRef: outputRef, ThumbnailRef: thumbRef, AppliedFixes: applied}, nil
}

func (t *ImageTransformer) Thumbnail(ctx context.Context, inputRef string) (string, error) {
	img, err := t.load(ctx, inputRef)
	if err != nil {
		return "", err
	}
	thumb := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)
	return t.storeJPEG(ctx, thumb, fmt.Sprintf("thumbs/%s.jpg", baseName(inputRef)))
}

func (t *ImageTransformer) load(ctx context.Context, ref string) (image.Image, error) {
	rc, err := t.blobs.Get(ctx, ref)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedMedia, ref)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rc.Close()

	img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMedia, err)
	}
	return img, nil
}

func (t *ImageTransformer) storeJPEG(ctx context.Context, img image.Image, key string) (string, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	ref, err := t.blobs.Put(ctx, key, &buf, int64(buf.Len()), "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return ref, nil
}

// applyFix maps a problem id to its imaging adjustment. Unknown ids are
// skipped rather than failing the whole job.
func applyFix(img image.Image, problemID string) (image.Image, bool) {
	switch problemID {
	case "low-light":
		return imaging.AdjustGamma(img, 1.3), true
	case "overexposed":
		return imaging.AdjustBrightness(img, -12), true
	case "noise":
		return imaging.Blur(img, 0.6), true
	case "blurry", "shaky":
		return imaging.Sharpen(img, 1.5), true
	case "color-cast":
		return imaging.AdjustSaturation(img, -15), true
	case "clipping":
		return imaging.AdjustContrast(img, -10), true
	default:
		return img, false
	}
}

func baseName(ref string) string {
	name := ref
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}

var _ Transformer = (*ImageTransformer)(nil)
