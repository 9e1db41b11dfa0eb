package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadCredentials reads a credential file with one entry per line in the form
// `tenantId:userId:pbkdf2$sha256$...`. Blank lines and `#` comments are
// skipped. The token column keeps any embedded separators, since the encoded
// hash itself contains no colons.
func LoadCredentials(path string) ([]Credential, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credential file: %w", err)
	}
	defer file.Close()

	var credentials []Credential
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.SplitN(text, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("credential file line %d: expected tenant:user:hash", line)
		}
		credentials = append(credentials, Credential{
			TenantID:  strings.TrimSpace(parts[0]),
			UserID:    strings.TrimSpace(parts[1]),
			TokenHash: strings.TrimSpace(parts[2]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	return credentials, nil
}

// InsecureVerifier accepts any non-empty token and reports it verbatim as
// the user ID. Development and test use only; cmd/server logs a warning when
// it is active.
type InsecureVerifier struct{}

func (InsecureVerifier) VerifyToken(_, token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", ErrInvalidToken
	}
	return trimmed, nil
}
