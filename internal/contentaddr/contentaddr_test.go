package contentaddr_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reelfix/internal/contentaddr"
)

func TestContent_Deterministic(t *testing.T) {
	data := []byte("frame data of some video")
	assert.Equal(t, contentaddr.Content(data), contentaddr.Content(data))
	assert.NotEqual(t, contentaddr.Content(data), contentaddr.Content([]byte("different")))
	assert.Len(t, contentaddr.Content(data), 64)
}

func TestContentReader_MatchesContent(t *testing.T) {
	data := []byte("streamed upload bytes")
	got, err := contentaddr.ContentReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, contentaddr.Content(data), got)
}

func TestFixRequest_OrderAndDuplicatesIgnored(t *testing.T) {
	a := contentaddr.FixRequest("c1", []string{"p1", "p3"})
	b := contentaddr.FixRequest("c1", []string{"p3", "p1"})
	c := contentaddr.FixRequest("c1", []string{"p1", "p3", "p1", " p3 "})
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

func TestFixRequest_SensitiveToContentAndProblems(t *testing.T) {
	base := contentaddr.FixRequest("c1", []string{"p1", "p3"})
	assert.NotEqual(t, base, contentaddr.FixRequest("c2", []string{"p1", "p3"}))
	assert.NotEqual(t, base, contentaddr.FixRequest("c1", []string{"p1"}))
}

func TestDomains_NeverCollide(t *testing.T) {
	// A fix request over empty problems must not alias the raw-content
	// address of the same identifier bytes.
	id := "deadbeef"
	assert.NotEqual(t, contentaddr.Content([]byte(id)), contentaddr.FixRequest(id, nil))
}

func TestCanonicalProblems(t *testing.T) {
	got := contentaddr.CanonicalProblems([]string{"shaky", "", "low-light", "shaky", "  noise  "})
	assert.Equal(t, []string{"low-light", "noise", "shaky"}, got)
}
