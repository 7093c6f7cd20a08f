package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Contact form defaults: 5 per hour per IP, 3 per day per email address.
var (
	DefaultContactIP    = Config{Window: time.Hour, MaxRequests: 5}
	DefaultContactEmail = Config{Window: 24 * time.Hour, MaxRequests: 3}
)

const (
	ReasonIP    = "ip"
	ReasonEmail = "email"
)

// Rule is a named window. The name prefixes the identifier in the store and
// is reported as the reason when the rule rejects.
type Rule struct {
	Name   string
	Config Config
}

// Decision is the outcome of a Chain check.
type Decision struct {
	Result
	// Reason names the rule that rejected, empty when allowed.
	Reason string
}

// Chain evaluates rules in order against one Limiter. The first rejection
// wins and later rules are not evaluated, so they are not charged.
type Chain struct {
	limiter *Limiter
	rules   []Rule
}

func NewChain(l *Limiter, rules ...Rule) *Chain {
	return &Chain{limiter: l, rules: rules}
}

// Check takes one identifier per rule, in rule order.
// When every rule allows, the returned Result is the one with the least headroom.
func (c *Chain) Check(ctx context.Context, ids ...string) (Decision, error) {
	if len(ids) != len(c.rules) {
		return Decision{}, fmt.Errorf("ratelimit: chain has %d rules, got %d identifiers", len(c.rules), len(ids))
	}

	var tightest Result
	for i, rule := range c.rules {
		if ids[i] == "" {
			return Decision{}, fmt.Errorf("%w for rule %q", ErrEmptyIdentifier, rule.Name)
		}
		res, err := c.limiter.Check(ctx, rule.Name+":"+ids[i], rule.Config)
		if err != nil {
			return Decision{}, err
		}
		if !res.Allowed {
			return Decision{Result: res, Reason: rule.Name}, nil
		}
		if i == 0 || res.Remaining < tightest.Remaining {
			tightest = res
		}
	}
	return Decision{Result: tightest}, nil
}

// ContactPolicy is the contact form's IP-then-email chain.
// IP goes first so automated abuse is rejected before a shared address is charged.
type ContactPolicy struct {
	chain *Chain
}

func NewContactPolicy(l *Limiter, perIP, perEmail Config) *ContactPolicy {
	return &ContactPolicy{
		chain: NewChain(l,
			Rule{Name: ReasonIP, Config: perIP},
			Rule{Name: ReasonEmail, Config: perEmail},
		),
	}
}

func (p *ContactPolicy) Check(ctx context.Context, ip, email string) (Decision, error) {
	return p.chain.Check(ctx, ip, NormalizeEmail(email))
}

// NormalizeEmail lower-cases and trims an address so case variants share a window.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
