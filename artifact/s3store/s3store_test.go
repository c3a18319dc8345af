package s3store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey_SanitizesWorkflowID(t *testing.T) {
	assert.Equal(t, "wf_1/up_abc", objectKey("wf/1", "up_abc"))
	assert.Equal(t, "wf-1/up_abc", objectKey("wf-1", "up_abc"))
}

func TestDetectMime_RecognizesPNGSignature(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	assert.Equal(t, "image/png", detectMime(png))
}

func TestDetectMime_FallsBackToOctetStreamForBinaryJunk(t *testing.T) {
	mime := detectMime([]byte{0x00, 0x01, 0x02, 0x03})
	assert.Equal(t, "application/octet-stream", mime)
}
