package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/matheus3301/chatsync/internal/profile"
)

// tokenEnvVar supplies the bearer credential when no token file exists.
const tokenEnvVar = "CHATSYNC_TOKEN"

// credentials reads the bearer token on every call so an external refresher
// can rotate the profile's token file without a daemon restart.
type credentials struct {
	tokenPath string
}

func newCredentials(profileName string) *credentials {
	return &credentials{tokenPath: filepath.Join(profile.Dir(profileName), "token")}
}

// Token returns the credential from the profile's token file, falling back
// to the environment.
func (c *credentials) Token(context.Context) (string, error) {
	raw, err := os.ReadFile(c.tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(raw)); tok != "" {
			return tok, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	if tok := os.Getenv(tokenEnvVar); tok != "" {
		return tok, nil
	}
	return "", errors.New("no credential: create the profile token file or set " + tokenEnvVar)
}
