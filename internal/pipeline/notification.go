package pipeline

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/evexec/internal/workspace"
)

// ErrInvalidNotification is wrapped by every Notification validation failure.
var ErrInvalidNotification = errors.New("invalid notification")

// Kind distinguishes the two notification flows.
type Kind string

const (
	KindRegistration Kind = "registration"
	KindPush         Kind = "push"
)

// Notification is one webhook delivery about a participant repository. The
// JSON names match the payload the host application sends.
type Notification struct {
	ParticipantAccount string `json:"participantGitHubUsername"`
	ParticipantRepo    string `json:"participantGitHubRepoName"`
	HostAccount        string `json:"hostGitHubUsername"`
	HostCredential     string `json:"hostGitHubAccessToken"`
	HostRepo           string `json:"hostGitHubRepoName"`
}

// Key is the participant key: it scopes the workspace and the lock.
func (n Notification) Key() string {
	return n.ParticipantAccount
}

// Validate checks that every field is present and that the identifiers used
// in filesystem paths are single, safe path segments.
func (n Notification) Validate() error {
	segments := []struct {
		field, value string
	}{
		{"participant account", n.ParticipantAccount},
		{"participant repo", n.ParticipantRepo},
		{"host repo", n.HostRepo},
	}
	for _, s := range segments {
		if err := workspace.ValidateSegment(s.field, s.value); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
		}
	}
	if strings.TrimSpace(n.HostAccount) == "" {
		return fmt.Errorf("%w: host account is empty", ErrInvalidNotification)
	}
	if strings.ContainsAny(n.HostAccount, ":\n\r") {
		return fmt.Errorf("%w: host account contains reserved characters", ErrInvalidNotification)
	}
	if strings.TrimSpace(n.HostCredential) == "" {
		return fmt.Errorf("%w: host credential is empty", ErrInvalidNotification)
	}
	return nil
}

// Fingerprint is a short BLAKE3 digest of the non-secret fields. Two
// deliveries of the same notification share a fingerprint; the credential is
// excluded so the value is safe to log.
func (n Notification) Fingerprint() string {
	h := blake3.New()
	for _, field := range []string{n.ParticipantAccount, n.ParticipantRepo, n.HostAccount, n.HostRepo} {
		_, _ = h.Write([]byte(field))
		_, _ = h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// LogValue keeps the credential out of structured logs.
func (n Notification) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("participant", n.ParticipantAccount),
		slog.String("participant_repo", n.ParticipantRepo),
		slog.String("host_account", n.HostAccount),
		slog.String("host_repo", n.HostRepo),
		slog.String("fingerprint", n.Fingerprint()),
	)
}
