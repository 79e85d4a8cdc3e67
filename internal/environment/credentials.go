package environment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/cyberlearn/labmanager/internal/catalog"
)

const (
	passwordLength   = 20
	passwordAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	defaultUsername  = "student"
	ownerSlugLength  = 12
)

// generatePassword returns a random password drawn from an alphabet without
// look-alike characters.
func generatePassword() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < passwordLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// credentialsFor builds the credential pair for a new environment of type t.
func credentialsFor(t catalog.EnvironmentType, genPassword func() (string, error)) (Credentials, error) {
	username := t.Credentials.Username
	if username == "" {
		username = defaultUsername
	}
	if t.Credentials.PasswordEnv == "" {
		return Credentials{Username: username, Password: t.Credentials.StaticPassword}, nil
	}
	password, err := genPassword()
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Username: username, Password: password}, nil
}

// instanceEnv merges the catalog environment with the credential variables
// the image reads at startup.
func instanceEnv(t catalog.EnvironmentType, creds Credentials) map[string]string {
	env := make(map[string]string, len(t.Env)+2)
	for k, v := range t.Env {
		env[k] = v
	}
	if t.Credentials.UsernameEnv != "" {
		env[t.Credentials.UsernameEnv] = creds.Username
	}
	if t.Credentials.PasswordEnv != "" {
		env[t.Credentials.PasswordEnv] = creds.Password
	}
	return env
}

// instanceName derives a runtime name from the type, owner and time. The
// random suffix keeps same-instant requests from colliding.
func instanceName(typeID, owner string, at time.Time) (string, error) {
	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate instance suffix: %w", err)
	}
	return fmt.Sprintf("lab-%s-%s-%d-%s",
		slug(typeID, 32, "env"),
		slug(owner, ownerSlugLength, "user"),
		at.Unix(),
		hex.EncodeToString(suffix),
	), nil
}

// slug lowercases s and keeps only characters valid in container names.
func slug(s string, max int, fallback string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= max {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > max {
		out = strings.Trim(out[:max], "-")
	}
	if out == "" {
		return fallback
	}
	return out
}

func accessURL(scheme, host, port string) string {
	return scheme + "://" + net.JoinHostPort(host, port)
}
