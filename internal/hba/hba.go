// Package hba implements the host-based-authentication matcher: an
// ordered table of (type, database, user, address, method) rules read-only
// after startup and replaced atomically on reload (spec.md §4.6).
package hba

import (
	"fmt"
	"net"
	"strings"

	"github.com/pgagroal/pgagroal-go/internal/auth"
)

// ConnType is which kind of client connection a rule applies to.
type ConnType int

const (
	TypeHost ConnType = iota
	TypeHostSSL
)

// Rule is one line of the HBA table.
type Rule struct {
	Type     ConnType
	Database string // "all", a literal database name, or a configured alias
	User     string // "all" or a literal username
	Address  *net.IPNet
	// AddressAll is set when the rule's address column was literally "all",
	// matching every peer address regardless of family.
	AddressAll bool
	Method     auth.Method
}

// Table is an ordered, immutable set of rules. A Table is safe for
// concurrent read access from any number of workers; it is never mutated
// after construction, only swapped wholesale on reload.
type Table struct {
	rules []Rule
}

// NewTable builds a Table from already-parsed rules, preserving order.
func NewTable(rules []Rule) *Table {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Table{rules: cp}
}

// ParseRule parses one HBA line's five columns, per spec.md §4.6. address
// is "all", a bare IPv4/IPv6 address (treated as a /32 or /128), or CIDR
// notation; CIDR bits are compared MSB-first and a zero-length prefix
// matches every address of that family.
func ParseRule(typeCol, database, user, address, method string) (Rule, error) {
	var r Rule
	switch strings.ToLower(typeCol) {
	case "host":
		r.Type = TypeHost
	case "hostssl":
		r.Type = TypeHostSSL
	default:
		return Rule{}, fmt.Errorf("hba: unknown connection type %q", typeCol)
	}

	r.Database = database
	r.User = user

	if address == "all" {
		r.AddressAll = true
	} else {
		ipNet, err := parseAddress(address)
		if err != nil {
			return Rule{}, fmt.Errorf("hba: invalid address %q: %w", address, err)
		}
		r.Address = ipNet
	}

	m, err := auth.ParseMethod(method)
	if err != nil {
		return Rule{}, fmt.Errorf("hba: invalid method: %w", err)
	}
	r.Method = m

	return r, nil
}

func parseAddress(s string) (*net.IPNet, error) {
	if strings.Contains(s, "/") {
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		return ipNet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("not an IP address")
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Match returns the method of the first rule whose (type, database, user,
// address) all match, per spec.md §4.6. aliasesOf resolves a database's
// configured aliases, if any (nil is treated as "no aliases"); database is
// matched against the rule's literal name, "all", or any alias.
func (t *Table) Match(tlsInUse bool, database, user string, peer net.IP, aliasesOf func(db string) []string) (auth.Method, bool) {
	for _, r := range t.rules {
		if r.Type == TypeHostSSL && !tlsInUse {
			continue
		}
		if !matchDatabase(r.Database, database, aliasesOf) {
			continue
		}
		if r.User != "all" && r.User != user {
			continue
		}
		if !matchAddress(r, peer) {
			continue
		}
		return r.Method, true
	}
	return auth.MethodReject, false
}

func matchDatabase(ruleDB, database string, aliasesOf func(db string) []string) bool {
	if ruleDB == "all" || ruleDB == database {
		return true
	}
	if aliasesOf == nil {
		return false
	}
	for _, alias := range aliasesOf(ruleDB) {
		if alias == database {
			return true
		}
	}
	return false
}

func matchAddress(r Rule, peer net.IP) bool {
	if r.AddressAll {
		return true
	}
	if r.Address == nil || peer == nil {
		return false
	}
	return r.Address.Contains(peer)
}
