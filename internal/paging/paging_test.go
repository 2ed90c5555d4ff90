package paging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/caseguide/internal/apperr"
)

func TestNormalize(t *testing.T) {
	p, err := Params{}.Normalize(20, 100)
	require.NoError(t, err)
	assert.Equal(t, Params{Page: 1, Limit: 20}, p)
	assert.Equal(t, 0, p.Offset())

	p, err = Params{Page: 3, Limit: 10}.Normalize(20, 100)
	require.NoError(t, err)
	assert.Equal(t, 20, p.Offset())

	_, err = Params{Page: -1, Limit: 101}.Normalize(20, 100)
	require.Error(t, err)
	assert.Len(t, apperr.FieldsOf(err), 2)
}

func TestNewResult_Pages(t *testing.T) {
	r := NewResult[string](nil, 41, Params{Page: 1, Limit: 20})
	assert.Equal(t, 3, r.Pages)
	assert.NotNil(t, r.Items)
}
