// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package bundle implements the codec for the packaged-code format
// emitted by the React Native bundler.
//
// This file contains the delimiter-balancing scanner. The bundler's
// wrapper shape is fixed, so a full JavaScript parser is unnecessary,
// but regular expressions cannot handle arbitrary nesting: a brace or
// parenthesis inside string data must never end a scan early. The
// scanner is an explicit finite-state machine with these states:
//
//	normal / single-quote / double-quote / template / line-comment / block-comment
//
// plus a shared depth counter over ()/{}/[] and a stack of template
// interpolation entry depths so that `${ ... }` bodies are scanned as
// code rather than as template text.
package bundle

import "fmt"

// scanMode is the lexical state of the scanner.
type scanMode int

const (
	modeNormal scanMode = iota
	modeSingleQuote
	modeDoubleQuote
	modeTemplate
	modeLineComment
	modeBlockComment
)

// scanBalanced scans from an opening delimiter at text[start] to its
// matching closing delimiter.
//
// # Description
//
// Tracks nested ()/{}/[] depth while skipping quoted string content
// (with backslash escape handling), template literal content
// (including nested ${...} interpolations), and comments.
//
// # Inputs
//
//   - text: The full input.
//   - start: Index of an opening '(', '{' or '['.
//
// # Outputs
//
//   - int: Index of the matching closing delimiter.
//   - error: ErrUnmatchedDelimiter if the scan runs off the end of
//     the input before the delimiter closes.
func scanBalanced(text string, start int) (int, error) {
	if start >= len(text) {
		return 0, fmt.Errorf("scan start %d past end of input: %w", start, ErrUnmatchedDelimiter)
	}
	switch text[start] {
	case '(', '{', '[':
	default:
		return 0, fmt.Errorf("scan start %d is not an opening delimiter: %w", start, ErrUnmatchedDelimiter)
	}

	depth := 0
	mode := modeNormal

	// Brace depth recorded at each ${ entry. A '}' seen at the same
	// depth closes the interpolation instead of counting down.
	var interp []int

	for i := start; i < len(text); i++ {
		c := text[i]
		switch mode {
		case modeNormal:
			switch c {
			case '(', '{', '[':
				depth++
			case ')', ']', '}':
				if c == '}' && len(interp) > 0 && depth == interp[len(interp)-1] {
					interp = interp[:len(interp)-1]
					mode = modeTemplate
					continue
				}
				depth--
				if depth == 0 {
					return i, nil
				}
			case '\'':
				mode = modeSingleQuote
			case '"':
				mode = modeDoubleQuote
			case '`':
				mode = modeTemplate
			case '/':
				if i+1 < len(text) {
					switch text[i+1] {
					case '/':
						mode = modeLineComment
						i++
					case '*':
						mode = modeBlockComment
						i++
					}
				}
			}
		case modeSingleQuote:
			if c == '\\' {
				i++
			} else if c == '\'' {
				mode = modeNormal
			}
		case modeDoubleQuote:
			if c == '\\' {
				i++
			} else if c == '"' {
				mode = modeNormal
			}
		case modeTemplate:
			if c == '\\' {
				i++
			} else if c == '`' {
				mode = modeNormal
			} else if c == '$' && i+1 < len(text) && text[i+1] == '{' {
				interp = append(interp, depth)
				mode = modeNormal
				i++
			}
		case modeLineComment:
			if c == '\n' {
				mode = modeNormal
			}
		case modeBlockComment:
			if c == '*' && i+1 < len(text) && text[i+1] == '/' {
				mode = modeNormal
				i++
			}
		}
	}
	return 0, fmt.Errorf("unclosed %q opened at offset %d: %w", text[start], start, ErrUnmatchedDelimiter)
}

// isIdentByte reports whether c can appear in a JS identifier.
// Used to reject marker matches inside longer identifiers.
func isIdentByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
