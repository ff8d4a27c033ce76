/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package url

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnescape(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"", ""},
		{"/plain/path", "/plain/path"},
		{"/a%20b", "/a b"},
		{"/a+b", "/a b"},
		{"%41%42%43", "ABC"},
		{"%2F", "/"},
		{"/100%25", "/100%"},
		// Malformed escapes pass through untouched.
		{"/50%", "/50%"},
		{"/%zz", "/%zz"},
		{"/%4", "/%4"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, Unescape(tt.in), "input %q", tt.in)
	}
}

func TestSplitTarget(t *testing.T) {
	path, query := SplitTarget("/index.html?a=1&b=2")
	assert.Equal(t, "/index.html", path)
	assert.Equal(t, "a=1&b=2", query)

	path, query = SplitTarget("/no/query")
	assert.Equal(t, "/no/query", path)
	assert.Equal(t, "", query)

	path, query = SplitTarget("/x??y")
	assert.Equal(t, "/x", path)
	assert.Equal(t, "?y", query)
}
