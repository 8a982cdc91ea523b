// Package ruleparser translates the classification rule text of spec §4.1
// into a single-path Flow Classification Tree ending in an FCB carrying an
// output label, grounded on fastclick's FlowClassificationTable::parse
// (lib/flow.cc): a linear chain of classes, each becoming one node.
//
// No general-purpose config/expression library in the retrieval pack fits
// this micro-grammar (a space/&&-separated sequence of tiny per-protocol
// clauses with inline container hints) — see DESIGN.md for why this is a
// bespoke hand-written scanner rather than a third-party parser.
package ruleparser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flowcore/fct/ftree"
	"github.com/flowcore/fct/level"
)

// ethernetHeaderLen is the base offset added by the optional leading "ip"
// prefix on a generic offset class, matching the rule text's shorthand for
// "relative to the start of the IP header" on an Ethernet-framed packet.
const ethernetHeaderLen = 14

// Rule is the parsed result of one configuration line: a single-path tree
// ending in an FCB carrying Output, plus whether this was the "-" default
// rule.
type Rule struct {
	Root      ftree.NP
	Output    int // -1 means drop; -2 (outputUnset) means unspecified
	IsDefault bool
}

const outputUnset = -2

var namedPorts = map[string]uint64{
	"http": 80, "https": 443, "ssh": 22, "dns": 53, "ftp": 21, "telnet": 23,
}

var namedProtos = map[string]uint64{
	"tcp": 6, "udp": 17, "icmp": 1, "icmp6": 58, "sctp": 132,
}

// Parse parses one rule line, leaving Output set to outputUnset when the
// text specifies none; ParseRules resolves the "one more than the previous
// rule's output" sequencing across a whole element's configuration.
func Parse(s string, origin string) (Rule, error) {
	p := &parser{input: strings.TrimSpace(s), origin: origin}
	return p.parseRule()
}

// ParseRules parses a whole element's rule set, resolving default output
// assignment exactly as ctxdispatcher.cc's configure() does: a rule with
// no explicit output gets one more than the highest output seen so far,
// clamped to -1 (drop) if it is itself the default rule.
func ParseRules(lines []string, origin string) ([]Rule, error) {
	rules := make([]Rule, 0, len(lines))
	defaultOutput := -1
	for i, line := range lines {
		r, err := Parse(line, origin)
		if err != nil {
			return nil, fmt.Errorf("ruleparser: rule %d (%q): %w", i, line, err)
		}
		switch {
		case r.Output == outputUnset:
			r.Output = defaultOutput + 1
			if r.IsDefault {
				r.Output = -1
			} else {
				defaultOutput = r.Output
			}
		case r.Output < 0:
			r.Output = -1
		default:
			if r.Output > defaultOutput {
				defaultOutput = r.Output
			}
		}
		rules = append(rules, r)
	}
	return rules, nil
}

type parser struct {
	input  string
	pos    int
	origin string
}

func (p *parser) parseRule() (Rule, error) {
	s := p.input
	// Split off optional trailing "keep" and output/drop tokens.
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Rule{}, fmt.Errorf("ruleparser: empty rule")
	}

	keep := false
	output := outputUnset
	isDefault := false

	// Walk fields from the end, consuming recognised trailing tokens.
	end := len(fields)
	if end > 0 {
		last := fields[end-1]
		if last == "drop" {
			output = -1
			end--
		} else if n, err := strconv.Atoi(last); err == nil {
			output = n
			end--
		}
	}
	if end > 0 && fields[end-1] == "keep" {
		keep = true
		end--
	}
	_ = keep // keep is parsed for grammar completeness and then discarded; Rule carries no keep flag

	classText := strings.Join(fields[:end], " ")
	if classText == "-" {
		isDefault = true
		fcb := ftree.NewBuildFCB(1)
		fcb.Acquire(1)
		dummy := ftree.NewNode(level.Dummy{})
		dummy.SetDefault(ftree.LeafNP(fcb, 0))
		return Rule{Root: ftree.NodeNP(dummy, 0), Output: output, IsDefault: isDefault}, nil
	}

	classes, err := splitClasses(classText)
	if err != nil {
		return Rule{}, err
	}

	fcb := ftree.NewBuildFCB(1)
	fcb.Acquire(1)
	root := ftree.NP{Leaf: fcb}

	// Build the linear chain back-to-front: the last class is innermost,
	// directly above the leaf.
	for i := len(classes) - 1; i >= 0; i-- {
		node, err := classToNode(classes[i])
		if err != nil {
			return Rule{}, err
		}
		if node.elseDrop {
			node.node.NoElse = true
		}
		if node.dynamic {
			// A dynamic class (agg, thread, or a 0/mask generic offset) has
			// no fixed key at parse time: every value it takes at runtime
			// routes through the same single child, attached as the default
			// edge. Neither the optimiser nor classification adds per-value
			// children under it later.
			node.node.SetDefault(root)
		} else {
			node.node.InsertChild(node.value, root)
		}
		root = ftree.NodeNP(node.node, 0)
	}

	return Rule{Root: root, Output: output, IsDefault: isDefault}, nil
}

// splitClasses splits a class-list joined by "&&" or plain whitespace,
// while keeping multi-word classes (e.g. "src host 1.2.3.4") intact.
func splitClasses(s string) ([]string, error) {
	var out []string
	for _, chunk := range strings.Split(s, "&&") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		parts, err := splitWhitespaceClasses(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, parts...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ruleparser: no classes in rule")
	}
	return out, nil
}

// splitWhitespaceClasses handles the (rarer) plain-whitespace class
// separator, recognising multi-token classes by their leading keyword.
func splitWhitespaceClasses(s string) ([]string, error) {
	fields := strings.Fields(s)
	var out []string
	i := 0
	for i < len(fields) {
		switch fields[i] {
		case "agg", "thread":
			out = append(out, fields[i])
			i++
		case "ip":
			if i+1 < len(fields) && fields[i+1] == "proto" && i+2 < len(fields) {
				out = append(out, strings.Join(fields[i:i+3], " "))
				i += 3
			} else if i+1 < len(fields) {
				out = append(out, strings.Join(fields[i:i+2], " "))
				i += 2
			} else {
				return nil, fmt.Errorf("ruleparser: dangling %q", fields[i])
			}
		case "src", "dst":
			if i+2 >= len(fields) {
				return nil, fmt.Errorf("ruleparser: incomplete %q class", fields[i])
			}
			out = append(out, strings.Join(fields[i:i+3], " "))
			i += 3
		default:
			out = append(out, fields[i])
			i++
		}
	}
	return out, nil
}

type parsedClass struct {
	node     *ftree.Node
	value    uint64
	dynamic  bool
	elseDrop bool
}

func classToNode(text string) (parsedClass, error) {
	elseDrop := false
	if strings.HasSuffix(text, "!") {
		elseDrop = true
		text = strings.TrimSuffix(text, "!")
	}

	hint := ftree.VariantEmpty
	hintClass := 0
	if idx := strings.LastIndex(text, ":"); idx >= 0 {
		h := text[idx+1:]
		switch {
		case strings.HasPrefix(h, "HASH-"):
			n, err := strconv.Atoi(strings.TrimPrefix(h, "HASH-"))
			if err == nil {
				hint = ftree.VariantHash
				hintClass = n
				text = text[:idx]
			}
		case h == "ARRAY":
			hint = ftree.VariantArray
			text = text[:idx]
		}
	}
	text = strings.TrimSpace(text)

	fields := strings.Fields(text)
	var pc parsedClass
	var err error

	switch {
	case text == "agg":
		n := ftree.NewNode(level.Aggregate{})
		pc = parsedClass{node: n, dynamic: true}
	case text == "thread":
		n := ftree.NewNode(level.Thread{MaxCPUs: 64})
		pc = parsedClass{node: n, dynamic: true}
	case len(fields) >= 3 && fields[0] == "ip" && fields[1] == "proto":
		proto, e := numberOrLookup(fields[2], namedProtos)
		if e != nil {
			return parsedClass{}, e
		}
		n := ftree.NewNode(level.NewGeneric(9+ethernetHeaderLen, 1, 0xFF, false))
		pc = parsedClass{node: n, value: proto}
	case len(fields) >= 3 && (fields[0] == "src" || fields[0] == "dst"):
		pc, err = sideClass(fields)
		if err != nil {
			return parsedClass{}, err
		}
	default:
		pc, err = offsetClass(text)
		if err != nil {
			return parsedClass{}, err
		}
	}

	pc.elseDrop = elseDrop
	if hint != ftree.VariantEmpty {
		pc.node.Hint = hint
		pc.node.HintClass = hintClass
	}
	return pc, nil
}

func sideClass(fields []string) (parsedClass, error) {
	side := fields[0] // src|dst
	// For an IPv4 header, src starts at byte 12, dst at byte 16, relative
	// to the start of the IP header.
	ipBase := ethernetHeaderLen
	var base int
	if side == "src" {
		base = ipBase + 12
	} else {
		base = ipBase + 16
	}
	switch fields[1] {
	case "host":
		addr, err := parseIPv4(fields[2])
		if err != nil {
			return parsedClass{}, err
		}
		n := ftree.NewNode(level.NewGeneric(base, 4, 0xFFFFFFFF, false))
		return parsedClass{node: n, value: uint64(addr)}, nil
	case "port":
		// TCP/UDP ports sit 0/2 bytes into the transport header; for the
		// offset grammar it's enough to key a node at a caller-supplied
		// transport base, which real protocol parsers fill in — here we
		// use a placeholder offset relative to ipBase+20 (no-options IPv4).
		portOff := ipBase + 20
		if side == "dst" {
			portOff += 2
		}
		port, err := numberOrLookup(fields[2], namedPorts)
		if err != nil {
			return parsedClass{}, err
		}
		n := ftree.NewNode(level.NewGeneric(portOff, 2, 0xFFFF, false))
		return parsedClass{node: n, value: port}, nil
	case "net":
		cidr := strings.SplitN(fields[2], "/", 2)
		if len(cidr) != 2 {
			return parsedClass{}, fmt.Errorf("ruleparser: malformed net %q", fields[2])
		}
		addr, err := parseIPv4(cidr[0])
		if err != nil {
			return parsedClass{}, err
		}
		bits, err := strconv.Atoi(cidr[1])
		if err != nil || bits < 0 || bits > 32 {
			return parsedClass{}, fmt.Errorf("ruleparser: malformed net bits %q", cidr[1])
		}
		mask := uint32(0xFFFFFFFF) << uint(32-bits)
		n := ftree.NewNode(level.NewGeneric(base, 4, uint64(mask), false))
		return parsedClass{node: n, value: uint64(addr) & uint64(mask)}, nil
	}
	return parsedClass{}, fmt.Errorf("ruleparser: unknown side class %q", strings.Join(fields, " "))
}

func offsetClass(text string) (parsedClass, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return parsedClass{}, fmt.Errorf("ruleparser: empty offset class")
	}
	base := 0
	if strings.HasPrefix(text, "ip") {
		base = ethernetHeaderLen
		text = strings.TrimPrefix(text, "ip")
	}
	sign := 1
	if strings.HasPrefix(text, "+") {
		text = text[1:]
	} else if strings.HasPrefix(text, "-") {
		sign = -1
		text = text[1:]
	}

	parts := strings.Split(text, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return parsedClass{}, fmt.Errorf("ruleparser: malformed offset class %q", text)
	}
	offNum, err := strconv.Atoi(parts[0])
	if err != nil {
		return parsedClass{}, fmt.Errorf("ruleparser: malformed offset %q: %w", parts[0], err)
	}
	offset := base + sign*offNum

	var value, mask uint64
	dynamic := false
	if len(parts) == 2 {
		v, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return parsedClass{}, fmt.Errorf("ruleparser: malformed hex %q: %w", parts[1], err)
		}
		if v == 0 {
			return parsedClass{}, fmt.Errorf("ruleparser: mask-only offset class must use value/mask form")
		}
		value, mask = v, fullMaskFor(v)
	} else {
		v, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return parsedClass{}, fmt.Errorf("ruleparser: malformed value %q: %w", parts[1], err)
		}
		m, err := strconv.ParseUint(parts[2], 16, 64)
		if err != nil {
			return parsedClass{}, fmt.Errorf("ruleparser: malformed mask %q: %w", parts[2], err)
		}
		value, mask = v, m
		dynamic = v == 0 && m != 0
	}

	size := byteSizeFor(mask)
	n := ftree.NewNode(level.NewGeneric(offset, size, mask, dynamic))
	return parsedClass{node: n, value: value & mask, dynamic: dynamic}, nil
}

func fullMaskFor(v uint64) uint64 {
	switch {
	case v <= 0xFF:
		return 0xFF
	case v <= 0xFFFF:
		return 0xFFFF
	case v <= 0xFFFFFFFF:
		return 0xFFFFFFFF
	default:
		return 0xFFFFFFFFFFFFFFFF
	}
}

func byteSizeFor(mask uint64) int {
	switch {
	case mask <= 0xFF:
		return 1
	case mask <= 0xFFFF:
		return 2
	case mask <= 0xFFFFFFFF:
		return 4
	default:
		return 8
	}
}

func numberOrLookup(s string, table map[string]uint64) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	if v, ok := table[strings.ToLower(s)]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("ruleparser: unknown name %q", s)
}

func parseIPv4(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("ruleparser: malformed IPv4 address %q", s)
	}
	var out uint32
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("ruleparser: malformed IPv4 octet %q", p)
		}
		out = (out << 8) | uint32(n)
	}
	return out, nil
}
