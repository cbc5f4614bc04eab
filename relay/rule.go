// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidRule is wrapped by every forwarding syntax error.
var ErrInvalidRule = errors.New("invalid forwarding")

// ErrDuplicateLocalPort is returned when two rules would bind the same
// local port.
var ErrDuplicateLocalPort = errors.New("duplicate local port")

// Rule forwards connections accepted on LocalPort to RemotePort on the
// device. Its text form is "RemotePort[:LocalPort]".
type Rule struct {
	RemotePort uint16
	LocalPort  uint16
}

// ParseRule parses "RemotePort" or "RemotePort:LocalPort". A bare
// remote port forwards from the same local port. Ports must be in
// 1-65535.
func ParseRule(text string) (Rule, error) {
	remoteText, localText, hasLocal := strings.Cut(text, ":")
	if !hasLocal {
		localText = remoteText
	}

	remote, err := parsePort(remoteText)
	if err != nil {
		return Rule{}, fmt.Errorf("%w %q: remote port: %v", ErrInvalidRule, text, err)
	}
	local, err := parsePort(localText)
	if err != nil {
		return Rule{}, fmt.Errorf("%w %q: local port: %v", ErrInvalidRule, text, err)
	}
	return Rule{RemotePort: remote, LocalPort: local}, nil
}

func parsePort(text string) (uint16, error) {
	if text == "" {
		return 0, errors.New("missing")
	}
	value, err := strconv.ParseUint(text, 10, 16)
	if err != nil {
		var numError *strconv.NumError
		if errors.As(err, &numError) && errors.Is(numError.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("%s is out of range", text)
		}
		return 0, fmt.Errorf("%q is not a number", text)
	}
	if value == 0 {
		return 0, errors.New("must be non-zero")
	}
	return uint16(value), nil
}

// ParseRules parses every entry and rejects rules that share a local
// port, since only one listener can own it.
func ParseRules(texts []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(texts))
	for _, text := range texts {
		rule, err := ParseRule(text)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := checkDuplicateLocalPorts(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// checkDuplicateLocalPorts ignores LocalPort 0, which requests an
// ephemeral port and cannot collide.
func checkDuplicateLocalPorts(rules []Rule) error {
	seen := make(map[uint16]Rule, len(rules))
	for _, rule := range rules {
		if rule.LocalPort == 0 {
			continue
		}
		if previous, exists := seen[rule.LocalPort]; exists {
			return fmt.Errorf("%w %d: forwardings %s and %s", ErrDuplicateLocalPort, rule.LocalPort, previous, rule)
		}
		seen[rule.LocalPort] = rule
	}
	return nil
}

// String returns "RemotePort:LocalPort".
func (r Rule) String() string {
	return fmt.Sprintf("%d:%d", r.RemotePort, r.LocalPort)
}

// MarshalText implements encoding.TextMarshaler.
func (r Rule) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rule) UnmarshalText(text []byte) error {
	parsed, err := ParseRule(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
