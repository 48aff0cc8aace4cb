package x

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFields(t *testing.T) {
	fields, err := JSONFields(`{"a": 1, "b": {"c": true}, "d": null}`)
	require.NoError(t, err)

	assert.Len(t, fields, 3)
	assert.JSONEq(t, `{"c": true}`, string(fields["b"]))

	_, err = JSONFields([]byte(`[1, 2]`))
	assert.Error(t, err)

	_, err = JSONFields(`null`)
	assert.Error(t, err)

	_, err = JSONFields(`{"a":`)
	assert.Error(t, err)
}

func TestHasFields(t *testing.T) {
	fields, err := JSONFields(`{"a": 1, "b": "", "d": null}`)
	require.NoError(t, err)

	assert.True(t, HasFields(fields))
	assert.True(t, HasFields(fields, "a", "b"))
	assert.False(t, HasFields(fields, "a", "c"))
	assert.False(t, HasFields(fields, "d"))
}
