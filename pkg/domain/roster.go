package domain

import (
	"sort"
	"strings"
)

// ValidateRoster checks signer data consistency for the given signing mode.
// SEQUENTIAL requires unique positive orders; PARALLEL and SINGLE ignore order
// conflicts. SINGLE additionally requires exactly one signer.
func ValidateRoster(signers []Signer, mode SigningMode) error {
	if len(signers) == 0 {
		return &ValidationError{Field: "signers", Reason: "at least one signer required"}
	}
	if mode == ModeSingle && len(signers) != 1 {
		return &ValidationError{Field: "signers", Reason: "SINGLE mode requires exactly one signer"}
	}
	emails := make(map[string]struct{}, len(signers))
	orders := make(map[int]struct{}, len(signers))
	for _, s := range signers {
		email := NormalizeEmail(s.Email)
		if email == "" {
			return &ValidationError{Field: "signers", Reason: "signer email required"}
		}
		if strings.TrimSpace(s.Name) == "" {
			return &ValidationError{Field: "signers", Reason: "signer name required"}
		}
		if _, dup := emails[email]; dup {
			return &ValidationError{Field: "signers", Reason: "duplicate signer email: " + email}
		}
		emails[email] = struct{}{}
		switch s.Role {
		case RoleSender, RoleRecipient:
		default:
			return &ValidationError{Field: "signers", Reason: "unknown signer role: " + string(s.Role)}
		}
		if s.Order <= 0 {
			return &ValidationError{Field: "signers", Reason: "signer order must be positive"}
		}
		if mode == ModeSequential {
			if _, dup := orders[s.Order]; dup {
				return &ValidationError{Field: "signers", Reason: "duplicate signer order under SEQUENTIAL mode"}
			}
			orders[s.Order] = struct{}{}
		}
	}
	return nil
}

// NormalizeEmail canonicalizes an email for comparisons.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SignerByEmail returns a pointer into signers for the given email.
func SignerByEmail(signers []Signer, email string) *Signer {
	email = NormalizeEmail(email)
	for i := range signers {
		if NormalizeEmail(signers[i].Email) == email {
			return &signers[i]
		}
	}
	return nil
}

// SignerByToken returns a pointer into signers for the given magic-link token.
func SignerByToken(signers []Signer, token string) *Signer {
	if token == "" {
		return nil
	}
	for i := range signers {
		if signers[i].Token == token {
			return &signers[i]
		}
	}
	return nil
}

// NextPendingOrder returns the smallest order among PENDING signers. The
// second result is false when every signer has acted.
func NextPendingOrder(signers []Signer) (int, bool) {
	next := 0
	found := false
	for _, s := range signers {
		if s.Status != SignerPending {
			continue
		}
		if !found || s.Order < next {
			next = s.Order
			found = true
		}
	}
	return next, found
}

// AllSigned reports whether every signer has reached SIGNED.
func AllSigned(signers []Signer) bool {
	for _, s := range signers {
		if s.Status != SignerSigned {
			return false
		}
	}
	return len(signers) > 0
}

// PendingSigners returns signers still PENDING, ordered by signing order.
func PendingSigners(signers []Signer) []Signer {
	out := make([]Signer, 0, len(signers))
	for _, s := range signers {
		if s.Status == SignerPending {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
