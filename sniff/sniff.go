/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package sniff implements the content-type detection algorithm of
// https://mimesniff.spec.whatwg.org/ for the subset of types the
// server delivers from disk.
package sniff

import "bytes"

// MaxLen is the number of body bytes the algorithm considers.
const MaxLen = 512

type (
	sniffSig interface {
		// match returns the MIME type of the data, or "" if unknown.
		match(data []byte, firstNonWS int) string
	}

	exactSig struct {
		sig []byte
		ct  string
	}

	maskedSig struct {
		mask, pat []byte
		skipWS    bool
		ct        string
	}

	htmlSig string

	textSig struct{}
)

var sniffSignatures = []sniffSig{
	htmlSig("<!DOCTYPE HTML"),
	htmlSig("<HTML"),
	htmlSig("<HEAD"),
	htmlSig("<BODY"),
	htmlSig("<SCRIPT"),
	htmlSig("<TITLE"),
	htmlSig("<P"),
	maskedSig{
		mask:   []byte("\xFF\xFF\xFF\xFF\xFF"),
		pat:    []byte("<?xml"),
		skipWS: true,
		ct:     "text/xml; charset=utf-8",
	},
	&exactSig{[]byte("%PDF-"), "application/pdf"},
	&exactSig{[]byte("GIF87a"), "image/gif"},
	&exactSig{[]byte("GIF89a"), "image/gif"},
	&exactSig{[]byte("\x89PNG\r\n\x1A\n"), "image/png"},
	&exactSig{[]byte("\xFF\xD8\xFF"), "image/jpeg"},
	&exactSig{[]byte("\x00\x00\x01\x00"), "image/x-icon"},
	&exactSig{[]byte("PK\x03\x04"), "application/zip"},
	&exactSig{[]byte("\x1F\x8B\x08"), "application/gzip"},
	textSig{}, // should be last
}

// DetectContentType implements the algorithm described at
// https://mimesniff.spec.whatwg.org/ to determine the Content-Type of
// the given data. It considers at most the first 512 bytes. It always
// returns a valid MIME type: if it cannot determine a more specific
// one, it returns "application/octet-stream".
func DetectContentType(data []byte) string {
	if len(data) > MaxLen {
		data = data[:MaxLen]
	}
	firstNonWS := 0
	for ; firstNonWS < len(data) && isWS(data[firstNonWS]); firstNonWS++ {
	}
	for _, sig := range sniffSignatures {
		if ct := sig.match(data, firstNonWS); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

func isWS(b byte) bool {
	switch b {
	case '\t', '\n', '\x0c', '\r', ' ':
		return true
	}
	return false
}

func (e *exactSig) match(data []byte, firstNonWS int) string {
	if len(data) >= len(e.sig) && bytes.Equal(data[:len(e.sig)], e.sig) {
		return e.ct
	}
	return ""
}

func (m maskedSig) match(data []byte, firstNonWS int) string {
	if m.skipWS {
		data = data[firstNonWS:]
	}
	if len(m.pat) != len(m.mask) || len(data) < len(m.mask) {
		return ""
	}
	for i, mask := range m.mask {
		if data[i]&mask != m.pat[i] {
			return ""
		}
	}
	return m.ct
}

func (h htmlSig) match(data []byte, firstNonWS int) string {
	data = data[firstNonWS:]
	if len(data) < len(h)+1 {
		return ""
	}
	for i := 0; i < len(h); i++ {
		b := h[i]
		db := data[i]
		if 'A' <= b && b <= 'Z' {
			db &= 0xDF
		}
		if b != db {
			return ""
		}
	}
	// Next byte must be a tag-terminating byte (0xTT).
	if b := data[len(h)]; b != ' ' && b != '>' {
		return ""
	}
	return "text/html; charset=utf-8"
}

func (textSig) match(data []byte, firstNonWS int) string {
	// c.f. section 5, step 4.
	for _, b := range data[firstNonWS:] {
		switch {
		case b <= 0x08,
			b == 0x0B,
			0x0E <= b && b <= 0x1A,
			0x1C <= b && b <= 0x1F:
			return ""
		}
	}
	return "text/plain; charset=utf-8"
}
