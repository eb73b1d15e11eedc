package transform_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reelfix/internal/blob"
	"github.com/reelworks/reelfix/internal/transform"
)

// seedImage stores a small generated PNG and returns its ref.
func seedImage(t *testing.T, blobs blob.Store) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	ref, err := blobs.Put(context.Background(), "uploads/scene.png", bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/png")
	require.NoError(t, err)
	return ref
}

func fetch(t *testing.T, blobs blob.Store, ref string) []byte {
	t.Helper()
	rc, err := blobs.Get(context.Background(), ref)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestFixAppliesKnownProblemsOnly(t *testing.T) {
	blobs := blob.NewMemoryStore()
	tr := transform.NewImageTransformer(blobs)
	ref := seedImage(t, blobs)

	res, err := tr.Fix(context.Background(), transform.FixRequest{
		InputRef:   ref,
		ProblemIDs: []string{"low-light", "does-not-exist", "noise"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"low-light", "noise"}, res.AppliedFixes)
	assert.NotEmpty(t, fetch(t, blobs, res.OutputRef))

	// Thumbnail decodes and is scaled down to the target width.
	thumb, err := imagingDecode(fetch(t, blobs, res.ThumbnailRef))
	require.NoError(t, err)
	assert.Equal(t, 320, thumb.Bounds().Dx())
}

func TestFixIsRepeatable(t *testing.T) {
	blobs := blob.NewMemoryStore()
	tr := transform.NewImageTransformer(blobs)
	ref := seedImage(t, blobs)
	req := transform.FixRequest{InputRef: ref, ProblemIDs: []string{"overexposed"}}

	first, err := tr.Fix(context.Background(), req)
	require.NoError(t, err)
	firstBytes := fetch(t, blobs, first.OutputRef)

	second, err := tr.Fix(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.OutputRef, second.OutputRef, "same request must target the same output key")
	assert.Equal(t, firstBytes, fetch(t, blobs, second.OutputRef), "re-running must write identical bytes")
}

func TestFixDistinctProblemSetsGetDistinctOutputs(t *testing.T) {
	blobs := blob.NewMemoryStore()
	tr := transform.NewImageTransformer(blobs)
	ref := seedImage(t, blobs)

	a, err := tr.Fix(context.Background(), transform.FixRequest{InputRef: ref, ProblemIDs: []string{"noise"}})
	require.NoError(t, err)
	b, err := tr.Fix(context.Background(), transform.FixRequest{InputRef: ref, ProblemIDs: []string{"blurry"}})
	require.NoError(t, err)
	assert.NotEqual(t, a.OutputRef, b.OutputRef)
}

func TestThumbnail(t *testing.T) {
	blobs := blob.NewMemoryStore()
	tr := transform.NewImageTransformer(blobs)
	ref := seedImage(t, blobs)

	thumbRef, err := tr.Thumbnail(context.Background(), ref)
	require.NoError(t, err)

	thumb, err := imagingDecode(fetch(t, blobs, thumbRef))
	require.NoError(t, err)
	assert.Equal(t, 320, thumb.Bounds().Dx())
}

func TestMissingInputIsUnsupportedMedia(t *testing.T) {
	tr := transform.NewImageTransformer(blob.NewMemoryStore())

	_, err := tr.Fix(context.Background(), transform.FixRequest{InputRef: "uploads/missing", ProblemIDs: []string{"noise"}})
	assert.ErrorIs(t, err, transform.ErrUnsupportedMedia)

	_, err = tr.Thumbnail(context.Background(), "uploads/missing")
	assert.ErrorIs(t, err, transform.ErrUnsupportedMedia)
}

func TestUndecodableInputIsUnsupportedMedia(t *testing.T) {
	blobs := blob.NewMemoryStore()
	tr := transform.NewImageTransformer(blobs)
	_, err := blobs.Put(context.Background(), "uploads/garbage.bin", bytes.NewReader([]byte("not an image")), 12, "application/octet-stream")
	require.NoError(t, err)

	_, err = tr.Thumbnail(context.Background(), "uploads/garbage.bin")
	assert.ErrorIs(t, err, transform.ErrUnsupportedMedia)
}

func imagingDecode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}
