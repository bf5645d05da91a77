package filestore

import (
	"context"
	"errors"
	"strings"
)

var ErrEmptyFileRef = errors.New("file reference is an empty string")

// Public resolves slip file keys against the public base URL of the object
// storage bucket. Uploads themselves are handled outside the core.
type Public struct {
	BaseURL string
}

func NewPublic(baseURL string) *Public {
	return &Public{BaseURL: strings.TrimRight(baseURL, "/")}
}

func (p *Public) ResolveURL(_ context.Context, fileRef string) (string, error) {
	fileRef = strings.TrimLeft(strings.TrimSpace(fileRef), "/")
	if fileRef == "" {
		return "", ErrEmptyFileRef
	}
	return p.BaseURL + "/" + fileRef, nil
}
