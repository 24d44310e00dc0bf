package ignition

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/couchcryptid/hazard-data-etl/internal/domain"
)

// StaticToken is a token fixed for the life of the process. It and FileToken
// implement pipeline.TokenProvider.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", &domain.AuthError{Reason: "no token configured"}
	}
	return string(t), nil
}

// FileToken re-reads a token file on every call, so an external login
// helper can rotate the credential while a run is in progress.
type FileToken struct {
	Path string
}

func (f FileToken) Token(context.Context) (string, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return "", &domain.AuthError{Reason: "read token file", Err: err}
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", &domain.AuthError{Reason: fmt.Sprintf("token file %s is empty", f.Path)}
	}
	return tok, nil
}
