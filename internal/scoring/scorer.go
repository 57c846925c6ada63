package scoring

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	baselineTrust = 50

	spamKeywordPenalty = -40
	riskyTLDPenalty    = -20
	youngDomainPenalty = -15
	agedDomainBonus    = 10

	youngDomainMonths = 6
	agedDomainMonths  = 24

	// Eligibility floors differ per module: credits spent on the
	// exchange carry real value, so its bar is higher.
	minTrustDistribution = 30
	minTrustExchange     = 40

	riskLevelLowBelow    = 30
	riskLevelMediumBelow = 50
	riskLevelHighBelow   = 70
)

var spamKeywords = []string{
	"casino", "poker", "betting", "gambl",
	"viagra", "cialis", "pharma", "pills",
	"porn", "xxx", "adult", "escort",
	"payday", "loans", "replica", "crypto-win",
}

var riskyTLDs = []string{
	".tk", ".ml", ".ga", ".cf", ".gq",
	".top", ".click", ".loan", ".racing", ".download",
}

// trustedTLDs is evaluated in order; the first match wins.
var trustedTLDs = []struct {
	suffix string
	bonus  int
}{
	{".gov", 30},
	{".edu", 25},
	{".mil", 15},
	{".org", 5},
}

// ScoreDomain maps a domain plus external metadata to a trust/risk
// verdict for the given module. The result is deterministic for the
// same inputs; every applied factor is recorded with its impact.
func ScoreDomain(rawDomain string, meta Metadata, module Module) (DomainAssessment, error) {
	domain, err := NormalizeDomain(rawDomain)
	if err != nil {
		return DomainAssessment{}, err
	}

	trust := baselineTrust
	factors := make([]Factor, 0, 4)
	apply := func(name string, impact int, description string) {
		trust += impact
		factors = append(factors, Factor{Name: name, Impact: impact, Description: description})
	}

	for _, keyword := range spamKeywords {
		if strings.Contains(domain, keyword) {
			apply("spam_keyword", spamKeywordPenalty,
				fmt.Sprintf("domain contains spam keyword %q", keyword))
			break
		}
	}

	for _, tld := range riskyTLDs {
		if strings.HasSuffix(domain, tld) {
			apply("risky_tld", riskyTLDPenalty,
				fmt.Sprintf("domain uses high-abuse tld %q", tld))
			break
		}
	}

	for _, trusted := range trustedTLDs {
		if strings.HasSuffix(domain, trusted.suffix) {
			apply("trusted_tld", trusted.bonus,
				fmt.Sprintf("domain uses trusted tld %q", trusted.suffix))
			break
		}
	}

	if meta.DomainAgeMonths > 0 {
		switch {
		case meta.DomainAgeMonths < youngDomainMonths:
			apply("young_domain", youngDomainPenalty,
				fmt.Sprintf("domain registered %d months ago", meta.DomainAgeMonths))
		case meta.DomainAgeMonths > agedDomainMonths:
			apply("aged_domain", agedDomainBonus,
				fmt.Sprintf("domain registered %d months ago", meta.DomainAgeMonths))
		}
	}

	switch {
	case meta.DomainRating >= 70:
		apply("domain_rating", 15, fmt.Sprintf("domain rating %d is excellent", meta.DomainRating))
	case meta.DomainRating >= 50:
		apply("domain_rating", 10, fmt.Sprintf("domain rating %d is strong", meta.DomainRating))
	case meta.DomainRating < 10:
		apply("domain_rating", -15, fmt.Sprintf("domain rating %d is negligible", meta.DomainRating))
	case meta.DomainRating < 20:
		apply("domain_rating", -10, fmt.Sprintf("domain rating %d is weak", meta.DomainRating))
	}

	trust = clampScore(trust)
	risk := 100 - trust
	level := riskLevelFor(risk)

	return DomainAssessment{
		Domain:     domain,
		TrustScore: trust,
		RiskScore:  risk,
		RiskLevel:  level,
		IsEligible: eligible(trust, level, module),
		Factors:    factors,
	}, nil
}

// ScorePage layers page-level adjustments on top of a domain assessment:
// homepage-root links and query-string URLs are penalized, deep inner
// pages rewarded.
func ScorePage(pageURL string, base DomainAssessment) PageAssessment {
	quality := base.TrustScore
	factors := make([]Factor, 0, len(base.Factors)+2)
	factors = append(factors, base.Factors...)
	apply := func(name string, impact int, description string) {
		quality += impact
		factors = append(factors, Factor{Name: name, Impact: impact, Description: description})
	}

	path := urlPath(pageURL)
	if strings.Contains(pageURL, "?") {
		apply("dynamic_url", -5, "page url carries a query string")
	}
	segments := pathSegments(path)
	switch {
	case len(segments) == 0:
		apply("homepage_link", -10, "page is the homepage root")
	case len(segments) >= 2:
		apply("deep_page", 5, "page is a deep inner page")
	}

	quality = clampScore(quality)
	return PageAssessment{
		PageURL:      pageURL,
		QualityScore: quality,
		RiskScore:    100 - quality,
		Factors:      factors,
	}
}

const baseCreditValue = 10

// CreditValue prices one link placement on a page. Tier 1 money sites
// are deliberately priced lower to steer volume into tier-2/3 buffers.
func CreditValue(domainRating int, trustScore int, indexed bool, tier int) decimal.Decimal {
	value := decimal.NewFromInt(baseCreditValue)
	value = value.Mul(drMultiplier(domainRating))
	value = value.Mul(decimal.NewFromInt(int64(clampScore(trustScore))).Div(decimal.NewFromInt(50)))
	if indexed {
		value = value.Mul(decimal.NewFromFloat(1.5))
	} else {
		value = value.Mul(decimal.NewFromFloat(0.5))
	}
	value = value.Mul(tierMultiplier(tier))
	return value.Round(2)
}

func drMultiplier(domainRating int) decimal.Decimal {
	switch {
	case domainRating >= 70:
		return decimal.NewFromFloat(2.5)
	case domainRating >= 60:
		return decimal.NewFromFloat(2.1)
	case domainRating >= 50:
		return decimal.NewFromFloat(1.8)
	case domainRating >= 35:
		return decimal.NewFromFloat(1.4)
	case domainRating >= 20:
		return decimal.NewFromFloat(1.0)
	default:
		return decimal.NewFromFloat(0.7)
	}
}

func tierMultiplier(tier int) decimal.Decimal {
	switch tier {
	case 1:
		return decimal.NewFromFloat(0.5)
	case 3:
		return decimal.NewFromFloat(1.3)
	default:
		return decimal.NewFromFloat(1.0)
	}
}

func riskLevelFor(risk int) RiskLevel {
	switch {
	case risk < riskLevelLowBelow:
		return RiskLevelLow
	case risk < riskLevelMediumBelow:
		return RiskLevelMedium
	case risk < riskLevelHighBelow:
		return RiskLevelHigh
	default:
		return RiskLevelCritical
	}
}

func eligible(trust int, level RiskLevel, module Module) bool {
	if level == RiskLevelCritical {
		return false
	}
	if module == ModuleExchange {
		return trust >= minTrustExchange
	}
	return trust >= minTrustDistribution
}

func clampScore(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func urlPath(pageURL string) string {
	rest := pageURL
	if idx := strings.Index(rest, "://"); idx >= 0 {
		rest = rest[idx+3:]
	}
	if idx := strings.Index(rest, "?"); idx >= 0 {
		rest = rest[:idx]
	}
	if idx := strings.Index(rest, "/"); idx >= 0 {
		return rest[idx:]
	}
	return ""
}

func pathSegments(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}
	return segments
}
