package domain

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	digitPattern = regexp.MustCompile(`[^0-9]`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// ValidEmail reports whether s looks like a deliverable address.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(strings.TrimSpace(s))
}

// ValidPhone accepts 10 to 15 digits after formatting is stripped.
func ValidPhone(s string) bool {
	d := PhoneDigits(s)
	return len(d) >= 10 && len(d) <= 15
}

// PhoneDigits strips everything but digits.
func PhoneDigits(s string) string {
	return digitPattern.ReplaceAllString(s, "")
}

// NormalizePhone returns a +-prefixed dialable number. Ten-digit national
// numbers get the +1 country code; numbers already carrying + pass through.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	d := PhoneDigits(raw)
	if strings.HasPrefix(raw, "+") {
		return "+" + d
	}
	if len(d) == 11 && strings.HasPrefix(d, "1") {
		return "+" + d
	}
	return "+1" + d
}

// NormalizeName lowercases and collapses whitespace for identity matching.
func NormalizeName(raw string) string {
	return spacePattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), " ")
}

// ContractorIdentity derives the stable registry key from the normalized
// name plus phone, falling back to the address when no phone is known.
func ContractorIdentity(name, phone, address string) (string, error) {
	n := NormalizeName(name)
	if n == "" {
		return "", InvalidRecordError{Reason: "name required"}
	}
	part := PhoneDigits(phone)
	if part == "" {
		part = NormalizeName(address)
	}
	if part == "" {
		return "", InvalidRecordError{Reason: "phone or address required"}
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("contractor|"+n+"|"+part)).String(), nil
}

// CampaignID is deterministic per (project, contractor) pair, which makes
// campaign creation naturally idempotent.
func CampaignID(projectID, contractorID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("campaign|"+projectID+"|"+contractorID)).String()
}
