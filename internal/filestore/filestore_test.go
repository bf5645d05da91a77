package filestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	p := NewPublic("http://localhost:9000/slips/")

	url, err := p.ResolveURL(context.Background(), "2025/11/abc.jpg")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9000/slips/2025/11/abc.jpg", url)

	url, err = p.ResolveURL(context.Background(), "/leading-slash.jpg")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:9000/slips/leading-slash.jpg", url)

	_, err = p.ResolveURL(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyFileRef)
}
