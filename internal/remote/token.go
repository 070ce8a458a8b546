package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/oauth2"
)

// tokenFile is the on-disk credential format.
type tokenFile struct {
	Token *oauth2.Token `json:"token"`
}

// LoadToken reads a saved credential. Returns (nil, nil) when the file does
// not exist, which callers treat as logged out.
func LoadToken(path string) (*oauth2.Token, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token %s: %w", path, err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", path, err)
	}
	if tf.Token == nil {
		return nil, fmt.Errorf("token %s: missing token field", path)
	}
	return tf.Token, nil
}

// FileTokenSource re-reads the credential file on every call, so a token
// replaced on disk takes effect without a restart. Wrapped by the client in
// oauth2.ReuseTokenSource, it is only consulted once the cached token expires.
type FileTokenSource struct {
	Path string
}

func (s FileTokenSource) Token() (*oauth2.Token, error) {
	tok, err := LoadToken(s.Path)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrNoSession
	}
	if !tok.Valid() {
		return nil, ErrUnauthorized
	}
	return tok, nil
}
