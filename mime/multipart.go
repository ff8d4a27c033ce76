/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package mime

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/johnx/webserv/hdr"
)

var (
	// ErrMalformedPart is returned when a part lacks the blank line
	// separating its headers from its content.
	ErrMalformedPart = errors.New("mime: malformed multipart segment")

	crlf2 = []byte("\r\n\r\n")
)

type (
	// A FileUpload is a decoded multipart part that carried a filename.
	FileUpload struct {
		FieldName   string
		Filename    string
		ContentType string
		Content     []byte
	}

	// Form is a decomposed multipart/form-data body: named text
	// fields plus file parts, in arrival order.
	Form struct {
		Fields map[string][]string
		Files  []FileUpload
	}
)

// Save writes the upload into dir under its client-supplied filename,
// stripped of any directory components.
func (f *FileUpload) Save(dir string) error {
	if f.Filename == "" || len(f.Content) == 0 {
		return errors.New("mime: nothing to save")
	}
	name := filepath.Base(f.Filename)
	return os.WriteFile(filepath.Join(dir, name), f.Content, 0o644)
}

// ParseForm splits body on the "--boundary" delimiter and decodes each
// segment into a field or a file part. The preamble before the first
// delimiter and the epilogue after the closing one are discarded.
func ParseForm(body []byte, boundary string) (*Form, error) {
	form := &Form{Fields: make(map[string][]string)}
	delim := []byte("--" + boundary)

	pos := 0
	first := true
	for {
		next := bytes.Index(body[pos:], delim)
		if next < 0 {
			break
		}
		next += pos
		if !first {
			// Strip the CRLF that precedes the delimiter.
			end := next
			if end >= pos+2 {
				end -= 2
			}
			if err := parsePart(body[pos:end], form); err != nil {
				return nil, err
			}
		}
		first = false
		pos = next + len(delim)
		// Closing delimiter carries a trailing "--".
		if bytes.HasPrefix(body[pos:], []byte("--")) {
			break
		}
		// Skip the CRLF after the delimiter line.
		if bytes.HasPrefix(body[pos:], []byte("\r\n")) {
			pos += 2
		}
	}
	return form, nil
}

func parsePart(part []byte, form *Form) error {
	if len(part) == 0 {
		return nil
	}
	sep := bytes.Index(part, crlf2)
	if sep < 0 {
		return ErrMalformedPart
	}
	head, content := part[:sep], part[sep+len(crlf2):]

	var name, filename, contentType string
	for _, line := range strings.Split(string(head), "\r\n") {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		key := hdr.CanonicalHeaderKey(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		switch key {
		case hdr.ContentDisposition:
			name = dispositionParam(value, "name")
			filename = dispositionParam(value, "filename")
		case hdr.ContentType:
			contentType = value
		}
	}

	if filename != "" {
		form.Files = append(form.Files, FileUpload{
			FieldName:   name,
			Filename:    filename,
			ContentType: contentType,
			Content:     append([]byte(nil), content...),
		})
		return nil
	}
	form.Fields[name] = append(form.Fields[name], string(content))
	return nil
}

// dispositionParam extracts a quoted parameter such as name="field"
// from a Content-Disposition value.
func dispositionParam(disposition, param string) string {
	marker := param + `="`
	start := strings.Index(disposition, marker)
	if start < 0 {
		return ""
	}
	start += len(marker)
	end := strings.IndexByte(disposition[start:], '"')
	if end < 0 {
		return ""
	}
	return disposition[start : start+end]
}
