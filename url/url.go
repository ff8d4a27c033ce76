/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package url implements the percent-decoding applied to request
// targets before routing.
package url

import "strings"

func ishex(c byte) bool {
	switch {
	case '0' <= c && c <= '9':
		return true
	case 'a' <= c && c <= 'f':
		return true
	case 'A' <= c && c <= 'F':
		return true
	}
	return false
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// Unescape decodes %XX sequences and turns '+' into space.
// Malformed escapes are copied through unchanged rather than
// rejected: the target may legitimately contain a lone '%'.
func Unescape(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}
	var buf strings.Builder
	buf.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%':
			if i+2 < len(s) && ishex(s[i+1]) && ishex(s[i+2]) {
				buf.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
				i += 2
			} else {
				buf.WriteByte(s[i])
			}
		case '+':
			buf.WriteByte(' ')
		default:
			buf.WriteByte(s[i])
		}
	}
	return buf.String()
}

// SplitTarget splits a decoded request target into path and query
// string on the first '?'.
func SplitTarget(target string) (path, query string) {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}
