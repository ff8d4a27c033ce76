/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

import (
	"io"
	"strings"
	"sync"
	"time"
)

const (
	toLower = 'a' - 'A'

	//Headers
	Accept             = "Accept"
	AcceptEncoding     = "Accept-Encoding"
	Authorization      = "Authorization"
	CacheControl       = "Cache-Control"
	Connection         = "Connection"
	ContentDisposition = "Content-Disposition"
	ContentEncoding    = "Content-Encoding"
	ContentLength      = "Content-Length"
	ContentRange       = "Content-Range"
	ContentType        = "Content-Type"
	CookieHeader       = "Cookie"
	Date               = "Date"
	Expect             = "Expect"
	Host               = "Host"
	IfModifiedSince    = "If-Modified-Since"
	LastModified       = "Last-Modified"
	Location           = "Location"
	Pragma             = "Pragma"
	Referer            = "Referer"
	ServerHeader       = "Server"
	Status             = "Status"
	TransferEncoding   = "Transfer-Encoding"
	Trailer            = "Trailer"
	UpgradeHeader      = "Upgrade"
	UserAgent          = "User-Agent"

	// TimeFormat is the RFC 1123 layout used for the Date header.
	// Always paired with time.UTC: the wire format requires GMT.
	TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
)

var (
	timeFormats = []string{
		TimeFormat,
		time.RFC850,
		time.ANSIC,
	}

	headerNewlineToSpace = strings.NewReplacer("\n", " ", "\r", " ")

	headerSorterPool = sync.Pool{
		New: func() interface{} { return new(headerSorter) },
	}

	// commonHeader interns common header strings.
	commonHeader = make(map[string]string)

	// isTokenTable is a copy of net/http/lex.go's isTokenTable.
	// See https://httpwg.github.io/specs/rfc7230.html#rule.token.separators
	isTokenTable = [127]bool{
		'0': true, '1': true, '2': true, '3': true, '4': true, '5': true, '6': true, '7': true,
		'8': true, '9': true,

		'a': true, 'b': true, 'c': true, 'd': true, 'e': true, 'f': true, 'g': true, 'h': true,
		'i': true, 'j': true, 'k': true, 'l': true, 'm': true, 'n': true, 'o': true, 'p': true,
		'q': true, 'r': true, 's': true, 't': true, 'u': true, 'v': true, 'w': true, 'x': true,
		'y': true, 'z': true,

		'A': true, 'B': true, 'C': true, 'D': true, 'E': true, 'F': true, 'G': true, 'H': true,
		'I': true, 'J': true, 'K': true, 'L': true, 'M': true, 'N': true, 'O': true, 'P': true,
		'Q': true, 'R': true, 'S': true, 'T': true, 'U': true, 'V': true, 'W': true, 'X': true,
		'Y': true, 'Z': true,

		'!':  true,
		'#':  true,
		'$':  true,
		'%':  true,
		'&':  true,
		'\'': true,
		'*':  true,
		'+':  true,
		'-':  true,
		'.':  true,
		'^':  true,
		'_':  true,
		'`':  true,
		'|':  true,
		'~':  true,
	}
)

type (
	// A Header represents the key-value pairs in an HTTP header.
	// Keys are stored in canonical form (see CanonicalHeaderKey).
	Header map[string][]string

	// @comment : in "strings" package there is the same thing called stringWriterIface
	writeStringer interface {
		WriteString(string) (int, error)
	}

	// stringWriter implements WriteString on a Writer.
	stringWriter struct {
		w io.Writer
	}

	keyValues struct {
		key    string
		values []string
	}

	// A headerSorter implements sort.Interface by sorting a []keyValues
	// by key. It's used as a pointer, so it can fit in a sort.Interface
	// interface value without allocation.
	headerSorter struct {
		kvs []keyValues
	}
)

func (w stringWriter) WriteString(s string) (int, error) {
	return w.w.Write([]byte(s))
}

func (s *headerSorter) Len() int           { return len(s.kvs) }
func (s *headerSorter) Swap(i, j int)      { s.kvs[i], s.kvs[j] = s.kvs[j], s.kvs[i] }
func (s *headerSorter) Less(i, j int) bool { return s.kvs[i].key < s.kvs[j].key }

func init() {
	for _, v := range []string{
		Accept,
		AcceptEncoding,
		Authorization,
		CacheControl,
		Connection,
		ContentDisposition,
		ContentEncoding,
		ContentLength,
		ContentRange,
		ContentType,
		CookieHeader,
		Date,
		Expect,
		Host,
		IfModifiedSince,
		LastModified,
		Location,
		Pragma,
		Referer,
		ServerHeader,
		Status,
		TransferEncoding,
		Trailer,
		UpgradeHeader,
		UserAgent,
	} {
		commonHeader[v] = v
	}
}
