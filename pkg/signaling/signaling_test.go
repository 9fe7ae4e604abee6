package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseHeaderCaseInsensitive(t *testing.T) {
	resp := NewResponse(200, "OK", "abc-123", map[string]string{
		"X-Toky-Agent": "agent@company",
		"content-type": "application/sdp",
	})

	assert.Equal(t, "agent@company", resp.Header("x-toky-agent"))
	assert.Equal(t, "agent@company", resp.Header("X-TOKY-AGENT"))
	assert.Equal(t, "application/sdp", resp.Header("Content-Type"))
	assert.Empty(t, resp.Header("X-Missing"))
}

func TestResponseHeaderNilMap(t *testing.T) {
	var resp Response
	assert.Empty(t, resp.Header("Anything"))
}
