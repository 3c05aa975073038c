package mtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var all = []Predicate{
	SizeOK, DeserializeOK, KeysOK, ValuesOK, Confidentiality, Integrity,
	AuthenticatedOrigin, Nonrepudiation, PFS, Uniqueness, LimitedScope,
}

func TestNew_Conflict(t *testing.T) {
	for _, p := range all {
		_, err := New(p|Integrity, p, nil)
		assert.ErrorIs(t, err, ErrContextsConflict, "predicate %d", p)
	}
	_, err := New(Confidentiality, Integrity, nil)
	require.NoError(t, err)
}

func TestSet_Transitions(t *testing.T) {
	for _, p := range all {
		c, err := New(None, None, nil)
		require.NoError(t, err)

		c.Set(p, True)
		assert.True(t, c.Validate(p))
		assert.False(t, c.Denied().Has(p))

		c.Set(p, False)
		assert.False(t, c.Validate(p))
		assert.False(t, c.Affirmed().Has(p))
		assert.Equal(t, False, c.Get(p))

		c.Set(p, Unknown)
		assert.False(t, c.Affirmed().Has(p))
	}
}

func TestSet_UnknownLeavesDenied(t *testing.T) {
	c, err := New(Confidentiality, Nonrepudiation, nil)
	require.NoError(t, err)

	c.Set(Nonrepudiation, Unknown)
	assert.True(t, c.Denied().Has(Nonrepudiation))
	assert.Equal(t, False, c.Get(Nonrepudiation))

	c.Set(Confidentiality, Unknown)
	assert.Equal(t, Unknown, c.Get(Confidentiality))
	assert.Zero(t, c.Affirmed()&c.Denied())
}

func TestValidate_Combined(t *testing.T) {
	c, err := New(Confidentiality|Integrity|DeserializeOK, Nonrepudiation, nil)
	require.NoError(t, err)
	assert.True(t, c.Validate(Confidentiality|Integrity))
	assert.False(t, c.Validate(Confidentiality|AuthenticatedOrigin))
	assert.Equal(t, Unknown, c.Get(Confidentiality|AuthenticatedOrigin))
}

func TestString(t *testing.T) {
	c, err := New(Integrity|Confidentiality, Nonrepudiation|SizeOK, nil)
	require.NoError(t, err)
	assert.Equal(t, "mtc: +confidentiality +integrity -size_ok -nonrepudiation", c.String())
}

func TestAdditionalData_Copied(t *testing.T) {
	src := map[string]string{SenderKey: "abc"}
	c, err := New(None, None, src)
	require.NoError(t, err)
	src[SenderKey] = "changed"
	assert.Equal(t, "abc", c.AD(SenderKey))

	out := c.AdditionalData()
	out[SenderKey] = "x"
	assert.Equal(t, "abc", c.AD(SenderKey))
}
