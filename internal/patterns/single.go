package patterns

import (
	"regexp"
	"strings"

	"github.com/opsledger/intake-engine/pkg/models"
)

// signatureHitWeight is what a signature must accumulate on one row to count
// as a hit outside the scored match path: a company name, or two weaker
// markers.
const signatureHitWeight = 2

// Matches evaluates a single pattern against a row description without going
// through a tenant index. Candidate previews and suggestion sampling share
// this with the indexed paths so a rule never previews differently from how
// it will apply. Account maps match identifiers, not descriptions, and
// always report false here.
func Matches(p *models.Pattern, description string) bool {
	norm := Normalize(description)
	switch p.Kind {
	case models.KindDescription:
		if p.MatchType == models.MatchRegex {
			re, err := regexp.Compile("(?i)" + p.Expression)
			return err == nil && re.MatchString(norm)
		}
		return verifyDescription(p, norm, Tokenize(description))

	case models.KindEntitySignature:
		if p.Signature == nil {
			return false
		}
		tokenSet := TokenSet(description)
		weight := 0
		for tok, w := range p.Signature.Tokens() {
			if signatureTokenHit(tok, norm, tokenSet) {
				weight += w
				if weight >= signatureHitWeight {
					return true
				}
			}
		}
		return false

	default:
		return false
	}
}

// MatchesAccount evaluates an account-map pattern against an account
// identifier the way the indexed lookup does: trimmed, case-insensitive.
func MatchesAccount(p *models.Pattern, identifier string) bool {
	if p.Kind != models.KindAccountMap {
		return false
	}
	return strings.ToLower(strings.TrimSpace(p.Expression)) ==
		strings.ToLower(strings.TrimSpace(identifier))
}
