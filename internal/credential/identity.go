package credential

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/jsonx"
)

// identityFile is the on-disk OAuth credential shape.
type identityFile struct {
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Disabled     bool      `json:"disabled"`
}

// LoadIdentityDir reads every *.json identity file in dir into a
// credential pool. Unreadable files are skipped with a log line so one
// bad file does not take the whole pool down.
func LoadIdentityDir(dir string) ([]*domain.Credential, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var creds []*domain.Credential
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[Credential] Skipping unreadable identity file %s: %v", path, err)
			continue
		}
		var idf identityFile
		if err := jsonx.SafeUnmarshal(data, &idf); err != nil {
			log.Printf("[Credential] Skipping malformed identity file %s: %v", path, err)
			continue
		}
		id := idf.Email
		if id == "" {
			id = strings.TrimSuffix(entry.Name(), ".json")
		}
		creds = append(creds, &domain.Credential{
			ID:                 id,
			IdentityFile:       path,
			AccessToken:        idf.AccessToken,
			RefreshToken:       idf.RefreshToken,
			TokenExpiry:        idf.Expiry,
			Disabled:           idf.Disabled,
			ModelCooldowns:     make(map[string]time.Time),
			ModelQuotaFraction: make(map[string]float64),
		})
	}
	return creds, nil
}

// SaveIdentity writes a credential's token state back to its identity
// file after a refresh.
func SaveIdentity(cred *domain.Credential) error {
	if cred.IdentityFile == "" {
		return nil
	}
	data, err := jsonx.MarshalIndent(identityFile{
		Email:        cred.ID,
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.TokenExpiry,
		Disabled:     cred.Disabled,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(cred.IdentityFile, data, 0o600)
}
