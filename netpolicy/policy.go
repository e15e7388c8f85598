// Package netpolicy selects the egress policy for a sandbox session.
//
// Selection is pure: the same repo kind and access mode always produce the
// same Policy. Enforcement belongs to the sandbox provider.
package netpolicy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jxucoder/telerun/apperr"
	"github.com/jxucoder/telerun/model"
)

// Type is the kind of egress policy.
type Type string

const (
	TypeNone       Type = "none"
	TypeRestricted Type = "restricted"
)

// Variant distinguishes the restricted allowlists.
type Variant string

const (
	VariantDefault       Variant = "default"
	VariantPythonDefault Variant = "python-default"
)

// Access is the network access level requested for a run.
type Access string

const (
	AccessNone       Access = "none"
	AccessRestricted Access = "restricted"
)

// ParseAccess validates an access string.
func ParseAccess(s string) (Access, error) {
	switch Access(s) {
	case AccessNone, AccessRestricted:
		return Access(s), nil
	}
	return "", apperr.BadRequest("unknown network access %q (want none or restricted)", s)
}

// Policy is an immutable egress policy. Use the accessors; the zero value
// is the no-egress policy.
type Policy struct {
	typ     Type
	variant Variant
	domains []string
}

// None returns the no-egress policy.
func None() Policy { return Policy{typ: TypeNone} }

// Restricted builds a restricted policy with a deduplicated, sorted allowlist.
func Restricted(variant Variant, domains ...[]string) Policy {
	seen := make(map[string]bool)
	var out []string
	for _, list := range domains {
		for _, d := range list {
			d = strings.ToLower(strings.TrimSpace(d))
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return Policy{typ: TypeRestricted, variant: variant, domains: out}
}

// Type returns the policy type.
func (p Policy) Type() Type {
	if p.typ == "" {
		return TypeNone
	}
	return p.typ
}

// Variant returns the allowlist variant; empty for the no-egress policy.
func (p Policy) Variant() Variant { return p.variant }

// AllowedDomains returns a copy of the allowlist.
func (p Policy) AllowedDomains() []string {
	return append([]string(nil), p.domains...)
}

// Allows reports whether host is reachable under p. Entries of the form
// "*.example.com" match any subdomain of example.com.
func (p Policy) Allows(host string) bool {
	if p.Type() != TypeRestricted {
		return false
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range p.domains {
		if d == host {
			return true
		}
		if strings.HasPrefix(d, "*.") && strings.HasSuffix(host, d[1:]) {
			return true
		}
	}
	return false
}

// Missing returns the hosts that p would block, in input order.
func (p Policy) Missing(hosts []string) []string {
	var out []string
	for _, h := range hosts {
		if !p.Allows(h) {
			out = append(out, h)
		}
	}
	return out
}

// Equal reports whether two policies are identical.
func (p Policy) Equal(o Policy) bool {
	if p.Type() != o.Type() || p.variant != o.variant || len(p.domains) != len(o.domains) {
		return false
	}
	for i := range p.domains {
		if p.domains[i] != o.domains[i] {
			return false
		}
	}
	return true
}

// Tag is a compact description used in logs and job metadata.
func (p Policy) Tag() string {
	if p.Type() == TypeNone {
		return "none"
	}
	return fmt.Sprintf("restricted:%s", p.variant)
}

// Metadata returns the policy as a JSON-friendly map.
func (p Policy) Metadata() map[string]any {
	m := map[string]any{"type": string(p.Type())}
	if p.Type() == TypeRestricted {
		m["variant"] = string(p.variant)
		m["allowedDomains"] = p.AllowedDomains()
	}
	return m
}

// Allowlists is the configuration data behind restricted policies. Common
// domains (VCS host, AI gateway) are shared; Node and Python differ only in
// package registry domains.
type Allowlists struct {
	Common []string `toml:"common"`
	Node   []string `toml:"node"`
	Python []string `toml:"python"`
}

// DefaultAllowlists returns the built-in allowlists.
func DefaultAllowlists() Allowlists {
	return Allowlists{
		Common: []string{
			"github.com",
			"api.github.com",
			"codeload.github.com",
			"objects.githubusercontent.com",
			"api.anthropic.com",
			"api.openai.com",
		},
		Node: []string{
			"registry.npmjs.org",
			"registry.yarnpkg.com",
			"bun.sh",
		},
		Python: []string{
			"pypi.org",
			"files.pythonhosted.org",
			"astral.sh",
		},
	}
}

// LoadAllowlists reads allowlists from a TOML file. Sections left empty in
// the file fall back to the defaults.
//
//	common = ["github.com"]
//	node   = ["registry.npmjs.org", "npm.internal.example.com"]
//	python = ["pypi.org"]
func LoadAllowlists(path string) (Allowlists, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Allowlists{}, fmt.Errorf("reading network policy file: %w", err)
	}
	var lists Allowlists
	if _, err := toml.Decode(string(data), &lists); err != nil {
		return Allowlists{}, apperr.Wrap(apperr.KindEnvInvalid, err, "parsing network policy file %s", path)
	}
	def := DefaultAllowlists()
	if len(lists.Common) == 0 {
		lists.Common = def.Common
	}
	if len(lists.Node) == 0 {
		lists.Node = def.Node
	}
	if len(lists.Python) == 0 {
		lists.Python = def.Python
	}
	return lists, nil
}

// Engine selects policies from a fixed set of allowlists.
type Engine struct {
	lists Allowlists
}

// NewEngine creates an Engine over lists.
func NewEngine(lists Allowlists) *Engine {
	return &Engine{lists: lists}
}

// Select returns the policy for a repo kind and access level. "none"
// always yields the no-egress policy, regardless of kind.
func (e *Engine) Select(kind model.RepoKind, access Access) (Policy, error) {
	switch access {
	case AccessNone:
		return None(), nil
	case AccessRestricted:
	default:
		return Policy{}, apperr.BadRequest("unknown network access %q", access)
	}
	switch kind {
	case model.RepoNode:
		return Restricted(VariantDefault, e.lists.Common, e.lists.Node), nil
	case model.RepoPython:
		return Restricted(VariantPythonDefault, e.lists.Common, e.lists.Python), nil
	}
	return Policy{}, apperr.BadRequest("unknown repo kind %q", kind)
}

var defaultEngine = NewEngine(DefaultAllowlists())

// SelectPolicy selects from the built-in allowlists. Unknown kinds are
// treated as node; unknown access levels as none.
func SelectPolicy(kind model.RepoKind, access Access) Policy {
	if kind != model.RepoPython {
		kind = model.RepoNode
	}
	p, err := defaultEngine.Select(kind, access)
	if err != nil {
		return None()
	}
	return p
}
