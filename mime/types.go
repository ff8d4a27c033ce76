/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package mime maps file extensions to media types and decomposes
// multipart/form-data bodies.
package mime

import "strings"

const (
	FormData    = "multipart/form-data"
	Mixed       = "multipart/mixed"
	OctetStream = "application/octet-stream"
	TextHTML    = "text/html"
	TextPlain   = "text/plain"
)

var typeByExtension = map[string]string{
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"js":   "text/javascript",
	"txt":  "text/plain",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"ico":  "image/x-icon",
	"xml":  "text/xml",
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"gz":   "application/gzip",
	"json": "application/json",
}

// TypeByExtension returns the media type associated with the file
// extension ext (without the leading dot). Unknown extensions map to
// application/octet-stream, the RFC 9110 default.
func TypeByExtension(ext string) string {
	if t, ok := typeByExtension[strings.ToLower(ext)]; ok {
		return t
	}
	return OctetStream
}

// TypeByPath derives the media type from the extension of a file path.
func TypeByPath(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return TypeByExtension(path[i+1:])
	}
	return OctetStream
}
