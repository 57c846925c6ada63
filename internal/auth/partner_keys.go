package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	errEmptyCredentials = errors.New("partner id and api key must be provided")
	// ErrUnknownPartner is returned for a missing or mismatched key.
	// The same error covers both cases so responses cannot be used to
	// probe which partner ids exist.
	ErrUnknownPartner = errors.New("auth: unknown partner or invalid key")
)

// PartnerClaims is the identity established by a successful key check.
// Identity lives outside this system; the subject is an opaque partner
// user id.
type PartnerClaims struct {
	Subject string
}

// PartnerKeyVerifier checks API keys against the configured registry.
type PartnerKeyVerifier struct {
	keys map[string]string
}

// NewPartnerKeyVerifier builds a verifier from "partner:key" entries.
// Malformed entries are skipped.
func NewPartnerKeyVerifier(entries []string) *PartnerKeyVerifier {
	keys := make(map[string]string, len(entries))
	for _, entry := range entries {
		partnerID, key, found := strings.Cut(strings.TrimSpace(entry), ":")
		if !found || partnerID == "" || key == "" {
			continue
		}
		keys[partnerID] = key
	}
	return &PartnerKeyVerifier{keys: keys}
}

// Verify checks the key for a partner id in constant time.
func (v *PartnerKeyVerifier) Verify(_ context.Context, partnerID, apiKey string) (PartnerClaims, error) {
	if partnerID == "" || apiKey == "" {
		return PartnerClaims{}, errEmptyCredentials
	}
	expected, known := v.keys[partnerID]
	if !known {
		// Burn a comparison anyway so lookups take the same time.
		subtle.ConstantTimeCompare([]byte(apiKey), []byte(apiKey))
		return PartnerClaims{}, ErrUnknownPartner
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(apiKey)) != 1 {
		return PartnerClaims{}, ErrUnknownPartner
	}
	return PartnerClaims{Subject: partnerID}, nil
}
