package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigest(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Digest(nil))
	assert.Equal(t, Digest([]byte("evidence")), Digest([]byte("evidence")))
	assert.NotEqual(t, Digest([]byte("a")), Digest([]byte("b")))
}
