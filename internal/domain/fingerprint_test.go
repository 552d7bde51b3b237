package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIgnoresDecoration(t *testing.T) {
	a := Fingerprint("Tax Code Amended", "Parliament passed the **second reading** today.")
	b := Fingerprint("  TAX code amended ", "Parliament passed the second\n\nreading today.")
	assert.Equal(t, a, b)
}

func TestFingerprintDistinguishesContent(t *testing.T) {
	a := Fingerprint("Tax Code Amended", "second reading passed")
	b := Fingerprint("Tax Code Amended", "third reading passed")
	assert.NotEqual(t, a, b)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("  **Hello**\n\n_world_  "))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abcde", Preview("ABCDE", 10))
	assert.Equal(t, "ab", Preview("abcde", 2))
}
