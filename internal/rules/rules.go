// Package rules implements the rule matcher (component F): given an
// already-parsed, validated rule list and a candidate socket operation, it
// returns the first rule that matches.
package rules

import (
	"encoding/json"
	"fmt"
	"io"
	"path"
	"text/tabwriter"
)

// Direction distinguishes a rule that applies to a program accepting
// connections from one that applies to a program initiating them.
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// SockType is the subset of socket types this system translates.
type SockType string

const (
	TCP SockType = "tcp"
	UDP SockType = "udp"
)

// PortRange matches a single port (Low == High) or an inclusive range.
type PortRange struct {
	Low  uint16 `json:"low" yaml:"low"`
	High uint16 `json:"high" yaml:"high"`
}

// Contains reports whether port falls within the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Low && port <= r.High
}

// Rule is one entry of the user-supplied rule set. Optional fields use
// pointers/zero-values to distinguish "unspecified" from "specified but
// falsy". A rule must specify at least one of SocketPath, Reject,
// Blackhole, or SocketActivation to be valid — see Validate.
type Rule struct {
	Direction *Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
	Type      *SockType  `json:"type,omitempty" yaml:"type,omitempty"`
	Address   string     `json:"address,omitempty" yaml:"address,omitempty"` // glob pattern over the textual host form
	Port      *PortRange `json:"port,omitempty" yaml:"port,omitempty"`

	// SocketActivation and FDName supplement the distilled spec with the
	// original tool's systemd-activation rule form: a rule can name an
	// externally pre-bound fd instead of a socket_path template.
	SocketActivation bool   `json:"socket_activation,omitempty" yaml:"socket_activation,omitempty"`
	FDName           string `json:"fd_name,omitempty" yaml:"fd_name,omitempty"`

	SocketPath string `json:"socket_path,omitempty" yaml:"socket_path,omitempty"`

	// Reject and RejectErrno supplement the distilled spec: a rule can
	// force the operation to fail outright instead of translating it.
	Reject      bool `json:"reject,omitempty" yaml:"reject,omitempty"`
	RejectErrno int  `json:"reject_errno,omitempty" yaml:"reject_errno,omitempty"`

	Blackhole bool `json:"blackhole,omitempty" yaml:"blackhole,omitempty"`
}

// Validate reports whether r specifies at least one actionable outcome.
func (r Rule) Validate() error {
	if r.SocketPath == "" && !r.Reject && !r.Blackhole && !r.SocketActivation {
		return fmt.Errorf("rules: rule has none of socket_path, reject, blackhole, socket_activation")
	}
	return nil
}

// Candidate describes the operation being matched against the rule list:
// the direction inferred from which entry point fired, the socket type,
// the textual address being bound/connected to, its port, and an optional
// externally-known fd name for activation rules.
type Candidate struct {
	Direction Direction
	Type      SockType
	Address   string
	Port      uint16
	FDName    string
}

// GlobFunc matches a candidate's textual address against a rule's address
// pattern. Glob syntax itself is an external collaborator (see spec
// Non-goals); DefaultGlob wraps the standard library's shell-style
// matcher, sufficient for the "*.internal", "10.0.0.*" style patterns
// ip2unix rule files use.
type GlobFunc func(pattern, s string) (bool, error)

// DefaultGlob matches using path.Match semantics.
var DefaultGlob GlobFunc = path.Match

// Matches reports whether r applies to c, using glob to compare addresses.
func (r Rule) Matches(c Candidate, glob GlobFunc) (bool, error) {
	if r.Direction != nil && *r.Direction != c.Direction {
		return false, nil
	}
	if r.Type != nil && *r.Type != c.Type {
		return false, nil
	}
	if r.Address != "" {
		ok, err := glob(r.Address, c.Address)
		if err != nil {
			return false, fmt.Errorf("rules: bad glob pattern %q: %w", r.Address, err)
		}
		if !ok {
			return false, nil
		}
	}
	if r.Port != nil && !r.Port.Contains(c.Port) {
		return false, nil
	}
	if r.FDName != "" && r.FDName != c.FDName {
		return false, nil
	}
	return true, nil
}

// FirstMatch returns the first rule in list order matching c, or ok=false
// if the operation should proceed as a normal, untranslated IP socket.
func FirstMatch(list []Rule, c Candidate, glob GlobFunc) (Rule, bool, error) {
	if glob == nil {
		glob = DefaultGlob
	}
	for _, r := range list {
		ok, err := r.Matches(c, glob)
		if err != nil {
			return Rule{}, false, err
		}
		if ok {
			return r, true, nil
		}
	}
	return Rule{}, false, nil
}

// Decode parses the opaque rule-list string received over the process's
// environment channel (spec §6). The wire format is JSON: no third-party
// library in the retrieval pack offers anything beyond the standard
// library for marshaling a flat slice of structs, and the loader that
// produces this string is itself an out-of-scope external collaborator.
func Decode(data string) ([]Rule, error) {
	var list []Rule
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, fmt.Errorf("rules: decode: %w", err)
	}
	for i, r := range list {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rules: entry %d: %w", i, err)
		}
	}
	return list, nil
}

// Print renders list as an aligned table, mirroring the original tool's
// -p/--print rule-dump flag.
func Print(w io.Writer, list []Rule) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIR\tTYPE\tADDRESS\tPORT\tOUTCOME")
	for _, r := range list {
		dir := "*"
		if r.Direction != nil {
			dir = string(*r.Direction)
		}
		typ := "*"
		if r.Type != nil {
			typ = string(*r.Type)
		}
		addr := r.Address
		if addr == "" {
			addr = "*"
		}
		port := "*"
		if r.Port != nil {
			if r.Port.Low == r.Port.High {
				port = fmt.Sprintf("%d", r.Port.Low)
			} else {
				port = fmt.Sprintf("%d-%d", r.Port.Low, r.Port.High)
			}
		}
		outcome := r.SocketPath
		switch {
		case r.Reject:
			outcome = fmt.Sprintf("reject(errno=%d)", r.RejectErrno)
		case r.Blackhole:
			outcome = "blackhole"
		case r.SocketActivation:
			outcome = fmt.Sprintf("activate(%s)", r.FDName)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", dir, typ, addr, port, outcome)
	}
	return tw.Flush()
}
