package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Length caps from the manifest schema.
const (
	MaxNameLen        = 128
	MaxDescriptionLen = 1024
	MaxTags           = 10
	MaxTagLen         = 32
	MaxCategories     = 5
	MaxReasonLen      = 1024
)

// Shape regexes. The schema is the source of truth: downstream code consumes
// validated values and does not re-check shape.
var (
	didRe       = regexp.MustCompile(`^did:[a-z0-9]+:.+$`)
	semverRe    = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
	hex64Re     = regexp.MustCompile(`^[0-9a-f]{64}$`)
	multibaseRe = regexp.MustCompile(`^z[1-9A-HJ-NP-Za-km-z]+$`)
)

// ValidationError describes a single failed field check; the path is safe to
// return to clients in the error envelope's details.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidDID reports whether s looks like did:<method>:<identifier>.
func ValidDID(s string) bool { return didRe.MatchString(s) }

// ValidChallengeValue reports whether s is 64 lowercase hex characters.
func ValidChallengeValue(s string) bool { return hex64Re.MatchString(s) }

// ValidMultibase reports whether s is a z-prefixed base58btc string.
func ValidMultibase(s string) bool { return multibaseRe.MatchString(s) }

// ValidStatus reports whether s is a known ACL status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPendingApproval, StatusApproved, StatusRejected, StatusBanned:
		return true
	}
	return false
}

// ParseTimestamp parses an RFC 3339 timestamp with offset.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func validTimestamp(s string) bool {
	_, err := ParseTimestamp(s)
	return err == nil
}

func validHTTPSURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

func validInterfaceURL(s, protocol string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	switch protocol {
	case "https":
		return u.Scheme == "https"
	case "wss":
		return u.Scheme == "wss"
	}
	return false
}

// Validate checks the manifest against the schema: types, length caps, enum
// membership, and shape regexes. It returns every violation rather than the
// first.
func (m *Manifest) Validate() []ValidationError {
	var errs []ValidationError
	add := func(path, msg string) {
		errs = append(errs, ValidationError{Path: path, Message: msg})
	}

	if !semverRe.MatchString(m.Version) {
		add("version", "must be a semver string")
	}
	if !ValidDID(m.ID) {
		add("id", "must be a DID of the form did:<method>:<identifier>")
	}
	if m.Sequence < 1 {
		add("sequence", "must be an integer >= 1")
	}
	for _, ts := range []struct{ path, value string }{
		{"created_at", m.CreatedAt},
		{"updated_at", m.UpdatedAt},
		{"valid_until", m.ValidUntil},
	} {
		if !validTimestamp(ts.value) {
			add(ts.path, "must be an RFC 3339 timestamp with offset")
		}
	}

	if m.Revocation != nil {
		if !validHTTPSURL(m.Revocation.Endpoint) {
			add("revocation.endpoint", "must be an https URL")
		}
		if m.Revocation.CheckInterval != 0 && m.Revocation.CheckInterval < 60 {
			add("revocation.check_interval", "must be >= 60 seconds")
		}
	}

	md := m.Metadata
	if md.Name == "" || len(md.Name) > MaxNameLen {
		add("metadata.name", fmt.Sprintf("required, at most %d characters", MaxNameLen))
	}
	if md.Description == "" || len(md.Description) > MaxDescriptionLen {
		add("metadata.description", fmt.Sprintf("required, at most %d characters", MaxDescriptionLen))
	}
	if !semverRe.MatchString(md.AgentVersion) {
		add("metadata.agent_version", "must be a semver string")
	}
	if len(md.Tags) > MaxTags {
		add("metadata.tags", fmt.Sprintf("at most %d tags", MaxTags))
	}
	for i, tag := range md.Tags {
		if tag == "" || len(tag) > MaxTagLen {
			add(fmt.Sprintf("metadata.tags[%d]", i), fmt.Sprintf("must be 1-%d characters", MaxTagLen))
		}
	}

	if len(m.Capabilities.Interfaces) == 0 {
		add("capabilities.interfaces", "at least one interface is required")
	}
	for i, iface := range m.Capabilities.Interfaces {
		path := fmt.Sprintf("capabilities.interfaces[%d]", i)
		if iface.Protocol != "https" && iface.Protocol != "wss" {
			add(path+".protocol", `must be "https" or "wss"`)
		} else if !validInterfaceURL(iface.URL, iface.Protocol) {
			add(path+".url", "must be a URL matching the declared protocol")
		}
	}
	if len(m.Capabilities.Categories) > MaxCategories {
		add("capabilities.categories", fmt.Sprintf("at most %d categories", MaxCategories))
	}

	if m.Proof == nil {
		add("proof", "required")
	} else {
		if m.Proof.Type != ProofType {
			add("proof.type", fmt.Sprintf("must be %q", ProofType))
		}
		if m.Proof.ProofPurpose != ProofPurpose {
			add("proof.proof_purpose", fmt.Sprintf("must be %q", ProofPurpose))
		}
		if !ValidMultibase(m.Proof.ProofValue) {
			add("proof.proof_value", "must be a z-prefixed base58btc string")
		}
		if !validTimestamp(m.Proof.Created) {
			add("proof.created", "must be an RFC 3339 timestamp with offset")
		}
		if !strings.HasPrefix(m.Proof.VerificationMethod, m.ID) {
			add("proof.verification_method", "must begin with the manifest id")
		}
	}

	return errs
}
