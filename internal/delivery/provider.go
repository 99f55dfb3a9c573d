package delivery

import (
	"context"
	"log"
	"strings"
)

// Provider delivers a one-time message (email or SMS) out-of-band. A failure
// surfaces to the caller; the login credential is unusable without it.
type Provider interface {
	Send(ctx context.Context, identifier, subject, body string) error
}

// LogProvider is the development composition: it logs that a message would
// have been sent, with the identifier masked and the body withheld.
type LogProvider struct{}

// Send implements Provider.
func (LogProvider) Send(_ context.Context, identifier, subject, _ string) error {
	log.Printf("delivery to %s: %s", MaskIdentifier(identifier), subject)
	return nil
}

// MaskIdentifier masks an identifier for logging (e.g. a@****.com, +49****89).
func MaskIdentifier(identifier string) string {
	if len(identifier) <= 4 {
		return "****"
	}
	prefix := identifier[:2]
	suffix := identifier[len(identifier)-2:]
	return prefix + strings.Repeat("*", len(identifier)-4) + suffix
}
