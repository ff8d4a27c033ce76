/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package sniff

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", []byte{}, "text/plain; charset=utf-8"},
		{"html doctype", []byte(`<!DOCTYPE html><html>`), "text/html; charset=utf-8"},
		{"html with leading ws", []byte("\n\t <html><body>"), "text/html; charset=utf-8"},
		{"xml", []byte(`<?xml version="1.0"?>`), "text/xml; charset=utf-8"},
		{"pdf", []byte("%PDF-1.7 ..."), "application/pdf"},
		{"png", []byte("\x89PNG\r\n\x1A\n0123"), "image/png"},
		{"gif", []byte("GIF89a whatever"), "image/gif"},
		{"jpeg", []byte("\xFF\xD8\xFF\xE0"), "image/jpeg"},
		{"zip", []byte("PK\x03\x04content"), "application/zip"},
		{"gzip", []byte("\x1F\x8B\x08rest"), "application/gzip"},
		{"plain text", []byte("just some words"), "text/plain; charset=utf-8"},
		{"binary", []byte{0x01, 0x02, 0x03}, "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectContentType(tt.data))
		})
	}
}
