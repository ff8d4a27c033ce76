/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package mime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeByExtension(t *testing.T) {
	assert.Equal(t, "text/html", TypeByExtension("html"))
	assert.Equal(t, "text/html", TypeByExtension("HTM"))
	assert.Equal(t, "application/json", TypeByExtension("json"))
	assert.Equal(t, OctetStream, TypeByExtension("unknown"))
	assert.Equal(t, OctetStream, TypeByExtension(""))

	assert.Equal(t, "image/png", TypeByPath("/srv/www/logo.png"))
	assert.Equal(t, OctetStream, TypeByPath("/srv/www/README"))
}

func multipartBody(boundary string) []byte {
	return []byte("--" + boundary + "\r\n" +
		"Content-Disposition: form-data; name=\"f\"; filename=\"t.txt\"\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"abc\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Disposition: form-data; name=\"comment\"\r\n" +
		"\r\n" +
		"hello there\r\n" +
		"--" + boundary + "--\r\n")
}

func TestParseForm(t *testing.T) {
	form, err := ParseForm(multipartBody("X"), "X")
	require.NoError(t, err)

	require.Len(t, form.Files, 1)
	file := form.Files[0]
	assert.Equal(t, "f", file.FieldName)
	assert.Equal(t, "t.txt", file.Filename)
	assert.Equal(t, "text/plain", file.ContentType)
	assert.Equal(t, []byte("abc"), file.Content)

	require.Contains(t, form.Fields, "comment")
	assert.Equal(t, []string{"hello there"}, form.Fields["comment"])
}

func TestParseFormMalformedPart(t *testing.T) {
	body := []byte("--B\r\nContent-Disposition: form-data; name=\"x\"\r\nno blank line--B--\r\n")
	_, err := ParseForm(body, "B")
	assert.ErrorIs(t, err, ErrMalformedPart)
}

func TestParseFormEmptyBody(t *testing.T) {
	form, err := ParseForm(nil, "B")
	require.NoError(t, err)
	assert.Empty(t, form.Files)
	assert.Empty(t, form.Fields)
}

func TestFileUploadSave(t *testing.T) {
	dir := t.TempDir()
	up := FileUpload{FieldName: "f", Filename: "../evil.txt", Content: []byte("data")}
	require.NoError(t, up.Save(dir))

	// Directory components of the client filename are stripped.
	content, err := os.ReadFile(filepath.Join(dir, "evil.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), content)

	empty := FileUpload{}
	assert.Error(t, empty.Save(dir))
}
