// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bundle implements the codec for the packaged-code format
// emitted by the React Native bundler.
//
// A bundle is a prelude (runtime bootstrap), a sequence of module
// registration calls, and a postlude (require of the entry module):
//
//	<prelude>
//	__d(function(g,r,i,a,m,e,d){...},0,[1,2]);
//	__d(function(g,r,i,a,m,e,d){...},1,[]);
//	<postlude>
//
// Parse recognizes exactly this wrapper shape; it is not a general
// JavaScript parser. Assemble is the inverse and is a pure function
// of the parsed structure: module calls are always emitted in
// ascending id order, so two bundles with the same logical content
// serialize to byte-identical output regardless of how the parsed
// structure was built.
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use. ParsedBundle
// is a plain value; callers must not mutate one that is shared.
package bundle

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Marker is the module registration function name emitted by the
// bundler.
const Marker = "__d"

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidFormat means the input contains no module
	// registration calls, or a call's argument list is malformed.
	// The bundle must not be served or installed.
	ErrInvalidFormat = errors.New("bundle: invalid format")

	// ErrUnmatchedDelimiter means a balanced scan ran off the end of
	// the input before a call's closing parenthesis was found.
	ErrUnmatchedDelimiter = errors.New("bundle: unmatched delimiter")
)

// =============================================================================
// Types
// =============================================================================

// Module is one unit of code inside a bundle.
type Module struct {
	// ID is the integer module id, unique within a bundle.
	ID int

	// Code is the function literal passed as the first argument of
	// the registration call, exactly as written.
	Code string

	// Dependencies are the module ids from the call's dependency
	// array, in declaration order.
	Dependencies []int

	// ContentHash is a cheap fingerprint of Code used for change
	// detection between versions. Not an integrity hash.
	ContentHash string
}

// ParsedBundle is the structured form of a bundle.
type ParsedBundle struct {
	// Prelude is all text before the first registration call.
	Prelude string

	// Modules in the order they appeared in the input. Assemble does
	// not depend on this order.
	Modules []Module

	// Postlude is all text after the last call's terminating statement.
	Postlude string
}

// Module returns the module with the given id, or nil.
func (b *ParsedBundle) Module(id int) *Module {
	for i := range b.Modules {
		if b.Modules[i].ID == id {
			return &b.Modules[i]
		}
	}
	return nil
}

// =============================================================================
// Parse
// =============================================================================

// Parse scans bundle text into its structured form.
//
// # Description
//
// Scans for calls shaped as Marker(<function-literal>, <id>, [<deps>]).
// The function literal is extracted with a delimiter-balancing scan
// (see scanner.go); the trailing ",<id>,[<deps>]" suffix is parsed as
// an integer followed by an integer array literal. Text between two
// registration calls that is not itself a call is dropped.
//
// # Outputs
//
//   - *ParsedBundle: The parsed structure.
//   - error: ErrInvalidFormat if no registration calls are found or a
//     call is malformed (including duplicate module ids);
//     ErrUnmatchedDelimiter if a call never closes.
func Parse(text string) (*ParsedBundle, error) {
	parsed := &ParsedBundle{}
	seen := make(map[int]bool)

	pos := 0
	first := -1
	last := -1
	for {
		markerIdx, openIdx := findCall(text, pos)
		if markerIdx < 0 {
			break
		}
		closeIdx, err := scanBalanced(text, openIdx)
		if err != nil {
			return nil, err
		}

		mod, err := parseArgs(text[openIdx+1 : closeIdx])
		if err != nil {
			return nil, err
		}
		if seen[mod.ID] {
			return nil, fmt.Errorf("duplicate module id %d: %w", mod.ID, ErrInvalidFormat)
		}
		seen[mod.ID] = true
		mod.ContentHash = HashModule(mod.Code)
		parsed.Modules = append(parsed.Modules, mod)

		if first < 0 {
			first = markerIdx
		}
		end := closeIdx + 1
		if end < len(text) && text[end] == ';' {
			end++
		}
		last = end
		pos = end
	}

	if len(parsed.Modules) == 0 {
		return nil, fmt.Errorf("no %s() module registration calls found: %w", Marker, ErrInvalidFormat)
	}
	parsed.Prelude = text[:first]
	parsed.Postlude = text[last:]
	return parsed, nil
}

// findCall locates the next registration call at or after pos.
//
// Returns the marker index and the index of the call's opening
// parenthesis, or (-1, -1) if no further call exists. Matches inside
// longer identifiers (e.g. "__define") are skipped.
func findCall(text string, pos int) (int, int) {
	for pos < len(text) {
		idx := strings.Index(text[pos:], Marker)
		if idx < 0 {
			return -1, -1
		}
		idx += pos
		pos = idx + len(Marker)

		if idx > 0 && isIdentByte(text[idx-1]) {
			continue
		}
		open := idx + len(Marker)
		for open < len(text) && (text[open] == ' ' || text[open] == '\t') {
			open++
		}
		if open >= len(text) || text[open] != '(' || isIdentByte(text[idx+len(Marker)]) {
			continue
		}
		return idx, open
	}
	return -1, -1
}

// parseArgs splits a call's argument text into the function literal,
// module id, and dependency ids.
//
// The argument text has the shape "<function-literal>,<id>,[<deps>]".
// The function literal may contain arbitrary nested code, so the
// split works backwards from the dependency array at the end; its
// content is only integers and separators, which makes the reverse
// scan unambiguous.
func parseArgs(args string) (Module, error) {
	var mod Module

	trimmed := strings.TrimRight(args, " \t\r\n")
	if !strings.HasSuffix(trimmed, "]") {
		return mod, fmt.Errorf("call does not end with a dependency array: %w", ErrInvalidFormat)
	}

	depsOpen := strings.LastIndexByte(trimmed, '[')
	if depsOpen < 0 {
		return mod, fmt.Errorf("dependency array has no opening bracket: %w", ErrInvalidFormat)
	}
	deps, err := parseIntArray(trimmed[depsOpen:])
	if err != nil {
		return mod, err
	}
	mod.Dependencies = deps

	// Walk back over ",<id>" in front of the array.
	i := depsOpen - 1
	for i >= 0 && (trimmed[i] == ' ' || trimmed[i] == '\t' || trimmed[i] == '\n' || trimmed[i] == '\r') {
		i--
	}
	if i < 0 || trimmed[i] != ',' {
		return mod, fmt.Errorf("missing comma before dependency array: %w", ErrInvalidFormat)
	}
	idEnd := i
	i--
	for i >= 0 && trimmed[i] >= '0' && trimmed[i] <= '9' {
		i--
	}
	idStart := i + 1
	if idStart == idEnd {
		return mod, fmt.Errorf("missing module id: %w", ErrInvalidFormat)
	}
	id, err := strconv.Atoi(strings.TrimSpace(trimmed[idStart:idEnd]))
	if err != nil {
		return mod, fmt.Errorf("module id %q: %w", trimmed[idStart:idEnd], ErrInvalidFormat)
	}
	mod.ID = id

	for i >= 0 && (trimmed[i] == ' ' || trimmed[i] == '\t' || trimmed[i] == '\n' || trimmed[i] == '\r') {
		i--
	}
	if i < 0 || trimmed[i] != ',' {
		return mod, fmt.Errorf("missing comma before module id: %w", ErrInvalidFormat)
	}
	mod.Code = args[:i]
	return mod, nil
}

// parseIntArray parses an integer array literal like "[0, 1, 2]".
func parseIntArray(s string) ([]int, error) {
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed dependency array %q: %w", s, ErrInvalidFormat)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return []int{}, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("dependency id %q: %w", strings.TrimSpace(p), ErrInvalidFormat)
		}
		out = append(out, n)
	}
	return out, nil
}

// =============================================================================
// Assemble
// =============================================================================

// Assemble serializes a parsed bundle back to text.
//
// # Description
//
// Emits the prelude, each module's registration call sorted ascending
// by numeric id, then the postlude. Ordering is always by id, never
// by the order of the Modules slice, so assembly is deterministic:
// Parse(Assemble(b)) followed by another Assemble is byte-stable.
func Assemble(b *ParsedBundle) string {
	mods := make([]Module, len(b.Modules))
	copy(mods, b.Modules)
	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })

	var sb strings.Builder
	sb.WriteString(b.Prelude)
	for _, m := range mods {
		sb.WriteString(Marker)
		sb.WriteByte('(')
		sb.WriteString(m.Code)
		sb.WriteByte(',')
		sb.WriteString(strconv.Itoa(m.ID))
		sb.WriteString(",[")
		for i, d := range m.Dependencies {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(d))
		}
		sb.WriteString("]);")
	}
	sb.WriteString(b.Postlude)
	return sb.String()
}
