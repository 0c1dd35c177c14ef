package wa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRecipient(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"628123456789", "628123456789@s.whatsapp.net"},
		{"+62 812-345-6789", "628123456789@s.whatsapp.net"},
		{"628123456789@s.whatsapp.net", "628123456789@s.whatsapp.net"},
		{"12345-67890", "12345-67890@g.us"},
		{"12345@g.us", "12345@g.us"},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizeRecipient(c.in), "input %q", c.in)
	}
}

func TestNormalizeGroup(t *testing.T) {
	assert.Equal(t, "12345@g.us", NormalizeGroup("12345"))
	assert.Equal(t, "12345@g.us", NormalizeGroup("12345@g.us"))
	assert.Equal(t, "", NormalizeGroup("  "))
}

func TestDigitsOnly(t *testing.T) {
	assert.Equal(t, "628123456789", DigitsOnly("+62 (812) 345-6789"))
	assert.Equal(t, "", DigitsOnly("abc"))
}

func TestClassifyUpstream(t *testing.T) {
	transient := []string{"515"}
	assert.Equal(t, ClassBenignStreamReset, ClassifyUpstream("515", "", transient))
	assert.Equal(t, ClassBenignMACRetry, ClassifyUpstream("", "decrypt failed: Bad MAC", transient))
	assert.Equal(t, ClassBenignStreamReset, ClassifyUpstream("", "stream reset during pairing", transient))
	assert.Equal(t, ClassFatal, ClassifyUpstream("401", "unauthorized", transient))
}
