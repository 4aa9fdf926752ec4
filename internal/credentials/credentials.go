// Package credentials provides secure credential storage and retrieval
// for the remote backend using the OS-native keyring with fallback to
// environment variables.
package credentials

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Source indicates where credentials were retrieved from
type Source string

const (
	SourceKeyring     Source = "keyring"
	SourceEnvironment Source = "environment"
	SourceNone        Source = "none"
)

// CredentialInfo contains credential information returned by Get()
type CredentialInfo struct {
	Source   Source // Where credentials came from
	Backend  string // Backend name (e.g., "postgres")
	Username string // Username/account identifier
	Password string // Password (never displayed)
	Found    bool   // Whether credentials were found
}

// Keyring is the interface for keyring operations
type Keyring interface {
	Set(service, account, password string) error
	Get(service, account string) (string, error)
	Delete(service, account string) error
}

// Manager handles credential operations
type Manager struct {
	keyring Keyring
}

// ManagerOption is a functional option for Manager
type ManagerOption func(*Manager)

// WithKeyring sets a custom keyring implementation
func WithKeyring(k Keyring) ManagerOption {
	return func(m *Manager) {
		m.keyring = k
	}
}

// NewManager creates a new credential manager
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		keyring: &systemKeyring{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// normalizeBackend normalizes backend names to lowercase
func normalizeBackend(backend string) string {
	return strings.ToLower(strings.TrimSpace(backend))
}

// serviceName returns the keyring service name for a backend
func serviceName(backend string) string {
	return fmt.Sprintf("upnext-%s", normalizeBackend(backend))
}

// Set stores credentials in the keyring
func (m *Manager) Set(ctx context.Context, backend, username, password string) error {
	backend = normalizeBackend(backend)
	service := serviceName(backend)
	return m.keyring.Set(service, username, password)
}

// Get retrieves credentials from available sources (keyring first, then env vars)
func (m *Manager) Get(ctx context.Context, backend, username string) (*CredentialInfo, error) {
	backend = normalizeBackend(backend)

	// Priority 1: Try keyring
	service := serviceName(backend)
	password, err := m.keyring.Get(service, username)
	if err == nil && password != "" {
		return &CredentialInfo{
			Source:   SourceKeyring,
			Backend:  backend,
			Username: username,
			Password: password,
			Found:    true,
		}, nil
	}

	// Priority 2: Try environment variables
	envPassword := m.getEnvPassword(backend, username)
	if envPassword != "" {
		return &CredentialInfo{
			Source:   SourceEnvironment,
			Backend:  backend,
			Username: username,
			Password: envPassword,
			Found:    true,
		}, nil
	}

	// Not found
	return &CredentialInfo{
		Source:   SourceNone,
		Backend:  backend,
		Username: username,
		Found:    false,
	}, nil
}

// getEnvPassword gets the password from environment variables
// (e.g., UPNEXT_POSTGRES_PASSWORD). If UPNEXT_<BACKEND>_USERNAME is
// also set and names a different user, the password is ignored.
func (m *Manager) getEnvPassword(backend, username string) string {
	upperBackend := strings.ToUpper(backend)

	envKey := fmt.Sprintf("UPNEXT_%s_PASSWORD", upperBackend)
	password := os.Getenv(envKey)

	userEnvKey := fmt.Sprintf("UPNEXT_%s_USERNAME", upperBackend)
	envUsername := os.Getenv(userEnvKey)

	if envUsername != "" && envUsername != username {
		return ""
	}

	return password
}

// Delete removes credentials from the keyring
func (m *Manager) Delete(ctx context.Context, backend, username string) error {
	backend = normalizeBackend(backend)
	service := serviceName(backend)

	err := m.keyring.Delete(service, username)
	// Idempotent: return nil if not found
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	return err
}

// PromptPassword prompts the user for a password. When reader is a
// terminal the input is hidden; otherwise (tests, pipes) a plain line
// is read.
func PromptPassword(reader io.Reader, writer io.Writer, backend, username string) (string, error) {
	_, _ = fmt.Fprintf(writer, "Enter password for %s (user: %s): ", backend, username)

	if f, ok := reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(writer)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}

	scanner := bufio.NewScanner(reader)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no input received")
}
