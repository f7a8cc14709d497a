package patterns

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/opsledger/intake-engine/pkg/models"
)

// Source supplies the active patterns of a tenant. Implemented by the
// database store; the matcher never queries per row.
type Source interface {
	ListActivePatterns(ctx context.Context, tenantID string) ([]models.Pattern, error)
}

// SignatureScore is one entity candidate from signature scoring. TotalWeight
// is already capped at the ceiling the caller passed in.
type SignatureScore struct {
	EntityCode  string
	PatternID   string
	MatchCount  int
	TotalWeight int
}

// Matcher serves match queries from per-tenant indexes built lazily from the
// pattern store. Mutating a tenant's patterns must be followed by
// Invalidate(tenant) so the next query rebuilds.
type Matcher struct {
	source Source
	log    zerolog.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	tenants map[string]*tenantIndex
}

// tenantIndex is an immutable snapshot of one tenant's active patterns.
// Replaced wholesale on invalidation, never mutated in place.
type tenantIndex struct {
	accounts map[string]*models.Pattern // lower(identifier) -> account map
	byToken  map[string][]*models.Pattern
	regexes  []*compiledRegex
	sigs     []*sigEntry
	count    int
}

type compiledRegex struct {
	pat *models.Pattern
	re  *regexp.Regexp
}

type sigEntry struct {
	pat    *models.Pattern
	tokens map[string]int // lowered token -> weight
}

func NewMatcher(source Source, log zerolog.Logger) *Matcher {
	return &Matcher{
		source:  source,
		log:     log,
		tenants: make(map[string]*tenantIndex),
	}
}

// Invalidate drops the tenant's index. The next match rebuilds it from the
// store, picking up upserts, promotions and deactivations.
func (m *Matcher) Invalidate(tenantID string) {
	m.mu.Lock()
	delete(m.tenants, tenantID)
	m.mu.Unlock()
}

// MatchAccount resolves an account-map pattern by identifier, or nil.
func (m *Matcher) MatchAccount(ctx context.Context, tenantID, identifier string) (*models.Pattern, error) {
	idx, err := m.index(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return idx.accounts[strings.ToLower(strings.TrimSpace(identifier))], nil
}

// MatchDescription returns the description patterns matching the row text,
// ordered by confidence, then occurrence count, then recency. Returned
// patterns are shared snapshots; callers must not mutate them.
func (m *Matcher) MatchDescription(ctx context.Context, tenantID, description string) ([]*models.Pattern, error) {
	idx, err := m.index(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	norm := Normalize(description)
	tokens := Tokenize(description)
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}

	// Candidates come from the inverted index: any pattern sharing at least
	// one token with the row. Verification below is exact.
	seen := make(map[*models.Pattern]struct{})
	var matched []*models.Pattern
	for tok := range tokenSet {
		for _, p := range idx.byToken[tok] {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			if verifyDescription(p, norm, tokens) {
				matched = append(matched, p)
			}
		}
	}
	for _, cr := range idx.regexes {
		if cr.re.MatchString(norm) {
			matched = append(matched, cr.pat)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.OccurrenceCount != b.OccurrenceCount {
			return a.OccurrenceCount > b.OccurrenceCount
		}
		return a.LastSeenAt.After(b.LastSeenAt)
	})
	return matched, nil
}

// MatchEntitySignature scores every signature pattern against the row text
// and returns the best candidate per entity, ordered by weight. ceiling caps
// the creditable weight of a single candidate.
func (m *Matcher) MatchEntitySignature(ctx context.Context, tenantID, description string, ceiling int) ([]SignatureScore, error) {
	idx, err := m.index(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if ceiling <= 0 {
		ceiling = models.DefaultTenantSettings(tenantID).SignatureCeiling
	}

	norm := Normalize(description)
	tokenSet := TokenSet(description)

	best := make(map[string]SignatureScore)
	for _, entry := range idx.sigs {
		count, weight := 0, 0
		for tok, w := range entry.tokens {
			if signatureTokenHit(tok, norm, tokenSet) {
				count++
				weight += w
			}
		}
		if count == 0 {
			continue
		}
		if weight > ceiling {
			weight = ceiling
		}
		score := SignatureScore{
			EntityCode:  entry.pat.EntityCode,
			PatternID:   entry.pat.ID.String(),
			MatchCount:  count,
			TotalWeight: weight,
		}
		if prev, ok := best[score.EntityCode]; !ok || score.TotalWeight > prev.TotalWeight {
			best[score.EntityCode] = score
		}
	}

	out := make([]SignatureScore, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalWeight != out[j].TotalWeight {
			return out[i].TotalWeight > out[j].TotalWeight
		}
		return out[i].EntityCode < out[j].EntityCode
	})
	return out, nil
}

// TopPatterns returns the tenant's most-applied description patterns, most
// used first. The classifier quotes them to the LLM as context.
func (m *Matcher) TopPatterns(ctx context.Context, tenantID string, n int) ([]*models.Pattern, error) {
	idx, err := m.index(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	seen := make(map[*models.Pattern]struct{})
	var all []*models.Pattern
	for _, ps := range idx.byToken {
		for _, p := range ps {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			all = append(all, p)
		}
	}
	for _, cr := range idx.regexes {
		all = append(all, cr.pat)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].OccurrenceCount != all[j].OccurrenceCount {
			return all[i].OccurrenceCount > all[j].OccurrenceCount
		}
		return all[i].LastSeenAt.After(all[j].LastSeenAt)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// index returns the tenant's snapshot, building it once under singleflight
// when concurrent jobs race on a cold tenant.
func (m *Matcher) index(ctx context.Context, tenantID string) (*tenantIndex, error) {
	if tenantID == "" {
		return nil, models.ErrMissingTenant
	}
	m.mu.RLock()
	idx := m.tenants[tenantID]
	m.mu.RUnlock()
	if idx != nil {
		return idx, nil
	}

	v, err, _ := m.group.Do(tenantID, func() (any, error) {
		m.mu.RLock()
		idx := m.tenants[tenantID]
		m.mu.RUnlock()
		if idx != nil {
			return idx, nil
		}
		pats, err := m.source.ListActivePatterns(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		idx = m.build(tenantID, pats)
		m.mu.Lock()
		m.tenants[tenantID] = idx
		m.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tenantIndex), nil
}

func (m *Matcher) build(tenantID string, pats []models.Pattern) *tenantIndex {
	idx := &tenantIndex{
		accounts: make(map[string]*models.Pattern),
		byToken:  make(map[string][]*models.Pattern),
		count:    len(pats),
	}
	for i := range pats {
		p := &pats[i]
		switch p.Kind {
		case models.KindAccountMap:
			idx.accounts[strings.ToLower(strings.TrimSpace(p.Expression))] = p

		case models.KindDescription:
			if p.MatchType == models.MatchRegex {
				re, err := regexp.Compile("(?i)" + p.Expression)
				if err != nil {
					m.log.Warn().
						Str("tenant_id", tenantID).
						Str("pattern_id", p.ID.String()).
						Err(err).
						Msg("skipping pattern with invalid regex")
					continue
				}
				idx.regexes = append(idx.regexes, &compiledRegex{pat: p, re: re})
				continue
			}
			for _, tok := range Tokenize(p.Expression) {
				idx.byToken[tok] = append(idx.byToken[tok], p)
			}

		case models.KindEntitySignature:
			if p.Signature == nil {
				continue
			}
			idx.sigs = append(idx.sigs, &sigEntry{pat: p, tokens: p.Signature.Tokens()})
		}
	}
	m.log.Debug().
		Str("tenant_id", tenantID).
		Int("patterns", len(pats)).
		Int("tokens", len(idx.byToken)).
		Int("signatures", len(idx.sigs)).
		Msg("pattern index built")
	return idx
}

func verifyDescription(p *models.Pattern, norm string, tokens []string) bool {
	switch p.MatchType {
	case models.MatchSubstring:
		return strings.Contains(norm, Normalize(p.Expression))
	case models.MatchTokenSeq:
		return containsSubsequence(tokens, Tokenize(p.Expression))
	default:
		return false
	}
}

// signatureTokenHit checks one signature token against the row. Multi-word
// tokens ("amazon web services") match as substrings, single words against
// the token set.
func signatureTokenHit(tok, norm string, tokenSet map[string]struct{}) bool {
	if strings.ContainsRune(tok, ' ') {
		return strings.Contains(norm, tok)
	}
	_, ok := tokenSet[tok]
	return ok
}
