package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySelectsVariantByName(t *testing.T) {
	r := NewRegistry[string]()
	r.Register("rest", func() (string, error) { return "rest-backend", nil })
	r.Register("relational", func() (string, error) { return "relational-backend", nil })

	got, err := r.New("relational")
	require.NoError(t, err)
	assert.Equal(t, "relational-backend", got)
	assert.Equal(t, []string{"relational", "rest"}, r.Names())
}

func TestRegistryUnknownNameIsUnsupportedProvider(t *testing.T) {
	r := NewRegistry[string]()
	r.Register("rest", func() (string, error) { return "", nil })

	_, err := r.New("graphql")
	require.Error(t, err)
	assert.Equal(t, CodeUnsupportedProvider, CodeOf(err))
}

func TestRegistryReRegisterReplaces(t *testing.T) {
	r := NewRegistry[int]()
	r.Register("rest", func() (int, error) { return 1, nil })
	r.Register("rest", func() (int, error) { return 2, nil })

	got, err := r.New("rest")
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}
