/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/johnx/webserv/cfg"
	"github.com/johnx/webserv/hdr"
	"github.com/johnx/webserv/mime"
	"github.com/johnx/webserv/sniff"
)

type (
	// A CgiHandoff is the builder's signal that the request belongs to
	// a CGI child; the connection owns spawning the runner.
	CgiHandoff struct {
		ScriptPath string
		Executor   string
		Location   *cfg.Location
	}

	// A ResponseBuilder applies the matched location's policy to a
	// request and fills in the Response.
	ResponseBuilder struct {
		server *cfg.Server
		resp   *Response
	}

	// The ResponseDirector drives the builder and owns the translation
	// of failures into error responses.
	ResponseDirector struct {
		builder *ResponseBuilder
	}
)

func NewResponseBuilder(server *cfg.Server, resp *Response) *ResponseBuilder {
	return &ResponseBuilder{server: server, resp: resp}
}

func (b *ResponseBuilder) Server() *cfg.Server          { return b.server }
func (b *ResponseBuilder) SetServer(server *cfg.Server) { b.server = server }
func (b *ResponseBuilder) Response() *Response          { return b.resp }

// ExecuteRequest routes the request through redirect, method
// validation, path resolution and per-method dispatch. A non-nil
// CgiHandoff means the response will be produced by a CGI child.
func (b *ResponseBuilder) ExecuteRequest(req *Request) (*CgiHandoff, error) {
	if b.handleRedirect(req) {
		return nil, nil
	}
	loc := SelectLocation(b.server, req.Path)
	if loc == nil {
		return nil, NewError(StatusNotFound, "")
	}
	if !loc.AcceptsMethod(req.Method) {
		return nil, NewError(StatusForbidden, "")
	}
	switch req.Method {
	case GET:
		return b.handleGet(req, loc)
	case POST:
		return b.handlePost(req, loc)
	case DELETE:
		return nil, b.handleDelete(req, loc)
	}
	return nil, nil
}

// --- redirects ---

func (b *ResponseBuilder) handleRedirect(req *Request) bool {
	loc := SelectLocation(b.server, req.Path)
	if loc == nil || loc.Redirect == nil || loc.Redirect.URL == "" {
		return false
	}
	code := loc.Redirect.Code
	b.resp.SetStatus(code, redirectMessage(code))
	switch code {
	case StatusMovedPermanently, StatusFound, StatusSeeOther,
		StatusTemporaryRedirect, StatusPermanentRedirect:
		b.resp.Header.Set(hdr.Location, HttpUrlPrefix+req.Host()+loc.Redirect.URL)
		b.BuildBody(code)
	default:
		b.resp.Header.Set(hdr.ContentType, mime.TextPlain)
		b.resp.Body = []byte(loc.Redirect.URL)
	}
	return true
}

func redirectMessage(code int) string {
	switch code {
	case StatusMovedPermanently, StatusFound, StatusSeeOther,
		StatusTemporaryRedirect, StatusPermanentRedirect:
		return StatusText(code)
	default:
		return ""
	}
}

// --- path resolution ---

func collapseSlashes(path string) string {
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}

// resolveRootPath yields the location's document root, anchored at
// the server root when relative, and verifies the directory branch is
// readable.
func (b *ResponseBuilder) resolveRootPath(loc *cfg.Location) (string, error) {
	root := loc.Root
	if root == "" {
		return "", NewError(StatusInternalServerError, "")
	}
	if !strings.HasPrefix(root, "/") && root != b.server.Root {
		if b.server.Root == "" {
			return "", NewError(StatusInternalServerError, "")
		}
		root = b.server.Root + "/" + root
	}
	if strings.Contains(root, "..") {
		return "", NewError(StatusForbidden, "")
	}
	root = collapseSlashes(root)

	st, err := os.Stat(root)
	if err != nil {
		if os.IsPermission(err) {
			return "", NewError(StatusForbidden, "")
		}
		return "", NewError(StatusNotFound, "")
	}
	if !st.IsDir() {
		return "", NewError(StatusInternalServerError, "")
	}
	if unix.Access(root, unix.R_OK) != nil {
		return "", NewError(StatusForbidden, "")
	}
	return root, nil
}

// resolveFinalPath combines root and the request path remainder. For
// CGI targets the filesystem check is left to handleCgi.
func (b *ResponseBuilder) resolveFinalPath(loc *cfg.Location, req *Request) (string, bool, error) {
	root, err := b.resolveRootPath(loc)
	if err != nil {
		return "", false, err
	}
	remaining := strings.TrimPrefix(req.Path, loc.Path)
	if remaining != "" && remaining[0] != '/' {
		remaining = "/" + remaining
	}
	final := strings.TrimSuffix(root, "/") + remaining
	if strings.Contains(final, "..") {
		return "", false, NewError(StatusForbidden, "")
	}
	final = collapseSlashes(final)

	if isCgiPath(req.Path, loc) {
		return final, false, nil
	}
	st, err := os.Stat(final)
	if err != nil {
		return "", false, NewError(StatusNotFound, "")
	}
	return final, st.IsDir(), nil
}

// --- CGI detection ---

func pathExtension(path string) string {
	if dot := strings.LastIndexByte(path, '.'); dot >= 0 {
		return path[dot:]
	}
	return ""
}

func isCgiPath(reqPath string, loc *cfg.Location) bool {
	if ext := pathExtension(reqPath); ext != "" && loc.CgiExecutor(ext) != "" {
		return true
	}
	return false
}

func shouldHandleAsCgi(req *Request, final string, loc *cfg.Location) bool {
	if isCgiPath(req.Path, loc) {
		return true
	}
	return loc.ScriptFilename != "" && strings.Contains(final, ".php")
}

func (b *ResponseBuilder) handleCgi(req *Request, loc *cfg.Location, scriptPath string) (*CgiHandoff, error) {
	ext := pathExtension(req.Path)
	if ext == "" {
		return nil, NewError(StatusBadRequest, "")
	}
	executor := loc.CgiExecutor(ext)
	if executor == "" {
		return nil, NewError(StatusInternalServerError, "")
	}
	if unix.Access(scriptPath, unix.F_OK) != nil {
		return nil, NewError(StatusNotFound, "")
	}
	b.resp.CgiResponse = true
	b.resp.CgiProcessed = false
	return &CgiHandoff{ScriptPath: scriptPath, Executor: executor, Location: loc}, nil
}

// --- GET ---

func (b *ResponseBuilder) handleGet(req *Request, loc *cfg.Location) (*CgiHandoff, error) {
	final, isDir, err := b.resolveFinalPath(loc, req)
	if err != nil {
		return nil, err
	}
	if shouldHandleAsCgi(req, final, loc) {
		return b.handleCgi(req, loc, final)
	}
	if isDir {
		if index, ok := findIndexFile(final, loc); ok {
			final = index
		} else if loc.Autoindex {
			return nil, b.serveDirectoryListing(final, req.Path)
		} else {
			return nil, NewError(StatusForbidden, "")
		}
	}
	return nil, b.serveRegularFile(final)
}

// findIndexFile tries the location's index files in order; a location
// without any falls back to index.html.
func findIndexFile(dir string, loc *cfg.Location) (string, bool) {
	names := loc.IndexFiles
	if len(names) == 0 {
		names = []string{"index.html"}
	}
	for _, name := range names {
		candidate := strings.TrimSuffix(dir, "/") + "/" + name
		if st, err := os.Stat(candidate); err == nil && st.Mode().IsRegular() {
			return candidate, true
		}
	}
	return "", false
}

func (b *ResponseBuilder) serveRegularFile(path string) error {
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return NewError(StatusForbidden, "")
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return NewError(StatusNotFound, "")
	}
	b.resp.SetStatus(StatusOK, "")
	b.resp.Header.Set(hdr.ContentType, fileContentType(path, body))
	b.resp.Body = body
	return nil
}

// fileContentType derives the media type from the extension, falling
// back to content sniffing for extensionless files.
func fileContentType(path string, body []byte) string {
	base := path
	if slash := strings.LastIndexByte(path, '/'); slash >= 0 {
		base = path[slash+1:]
	}
	if dot := strings.LastIndexByte(base, '.'); dot >= 0 {
		return mime.TypeByExtension(base[dot+1:])
	}
	return sniff.DetectContentType(body)
}

func (b *ResponseBuilder) serveDirectoryListing(dir, reqPath string) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<html>\n<head><title>Index of %s</title></head>\n<body>\n", reqPath)
	fmt.Fprintf(&sb, "<h1>Index of %s</h1><hr><pre><a href=\"../\">../</a>\n", reqPath)

	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			name := entry.Name()
			pad := 50 - len(name)
			if pad < 1 {
				pad = 1
			}
			fmt.Fprintf(&sb, "<a href=\"%s\">%s</a>%s%s %10d\n",
				name, name, strings.Repeat(" ", pad),
				info.ModTime().Format("02-Jan-2006 15:04"), info.Size())
		}
	}
	sb.WriteString("</pre><hr></body>\n</html>")

	b.resp.SetStatus(StatusOK, "")
	b.resp.Header.Set(hdr.ContentType, mime.TextHTML)
	b.resp.Body = []byte(sb.String())
	return nil
}

// --- POST ---

func (b *ResponseBuilder) handlePost(req *Request, loc *cfg.Location) (*CgiHandoff, error) {
	final, _, err := b.resolveFinalPath(loc, req)
	if err != nil {
		return nil, err
	}
	if shouldHandleAsCgi(req, final, loc) {
		return b.handleCgi(req, loc, final)
	}
	if req.IsMultipart() {
		return nil, b.handleMultipartUpload(req, loc)
	}
	if req.Chunked {
		// Echo the framing back; the body was already decoded.
		b.resp.SetStatus(StatusOK, "")
		b.resp.Header.Set(hdr.TransferEncoding, DoChunked)
		return nil, nil
	}
	return nil, NewError(StatusMethodNotAllowed, "")
}

func (b *ResponseBuilder) handleMultipartUpload(req *Request, loc *cfg.Location) error {
	if loc.UploadPath == "" {
		return NewError(StatusInternalServerError, "")
	}
	st, err := os.Stat(loc.UploadPath)
	if err != nil || !st.IsDir() {
		return NewError(StatusInternalServerError, "")
	}

	var files []mime.FileUpload
	if req.Multipart != nil {
		files = req.Multipart.Files
	}
	if len(files) == 0 {
		b.setUploadResponse(loc.UploadPath, "Form data processed successfully")
		return nil
	}
	for i := range files {
		if err := files[i].Save(loc.UploadPath); err != nil {
			return NewError(StatusInternalServerError, "")
		}
	}
	b.setUploadResponse(loc.UploadPath,
		fmt.Sprintf("Files uploaded successfully: %d file(s)", len(files)))
	return nil
}

func (b *ResponseBuilder) setUploadResponse(uploadPath, message string) {
	b.resp.SetStatus(StatusCreated, "")
	b.resp.Header.Set(hdr.ContentType, mime.TextPlain)
	b.resp.Header.Set(hdr.Location, uploadPath)
	b.resp.Body = []byte(message)
}

// --- DELETE ---

func (b *ResponseBuilder) handleDelete(req *Request, loc *cfg.Location) error {
	final, isDir, err := b.resolveFinalPath(loc, req)
	if err != nil {
		return err
	}
	if isDir {
		return NewError(StatusForbidden, "")
	}
	if err := os.Remove(final); err != nil {
		switch {
		case os.IsPermission(err):
			return NewError(StatusForbidden, "")
		case os.IsNotExist(err):
			return NewError(StatusNotFound, "")
		default:
			return NewError(StatusInternalServerError, "")
		}
	}
	b.resp.SetStatus(StatusOK, "")
	b.resp.Header.Set(hdr.ContentType, mime.TextPlain)
	b.resp.Body = []byte("File deleted successfully")
	return nil
}

// --- headers and error bodies ---

// BuildHeaders injects the automatic response headers. 400 and every
// 5xx force the connection closed.
func (b *ResponseBuilder) BuildHeaders(status int) {
	if status == StatusBadRequest || status >= StatusInternalServerError ||
		b.resp.Header.Get(hdr.Connection) == DoClose {
		b.resp.Header.Set(hdr.Connection, DoClose)
	} else {
		b.resp.Header.Set(hdr.Connection, DoKeepAlive)
	}
	b.resp.Header.Set(hdr.ServerHeader, ServerSoftware)
	b.resp.Header.Set(hdr.Date, hdr.FormatTime(time.Now()))
}

// BuildBody resolves the configured error_page for the status, or
// synthesises the default HTML page.
func (b *ResponseBuilder) BuildBody(status int) {
	if page, ok := b.server.ErrorPages[status]; ok {
		path := strings.TrimSuffix(b.server.Root, "/") + "/" + page
		if body, err := os.ReadFile(path); err == nil {
			b.resp.Body = body
			b.resp.Header.Set(hdr.ContentType, mime.TypeByPath(page))
			return
		}
	}
	b.buildDefaultErrorPage(status)
}

func (b *ResponseBuilder) buildDefaultErrorPage(status int) {
	if status < 300 {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "<html>\n<head><title>%d %s</title></head>\n<body>\n", status, b.resp.StatusMessage)
	fmt.Fprintf(&sb, "<center><h1>%d %s</h1></center>\n", status, b.resp.StatusMessage)
	fmt.Fprintf(&sb, "<hr><center>%s</center>\n</body>\n</html>\n", ServerSoftware)
	b.resp.Header.Set(hdr.ContentType, mime.TextHTML)
	b.resp.Body = []byte(sb.String())
}

// --- director ---

func NewResponseDirector(builder *ResponseBuilder) *ResponseDirector {
	return &ResponseDirector{builder: builder}
}

func (d *ResponseDirector) Builder() *ResponseBuilder { return d.builder }
func (d *ResponseDirector) Response() *Response       { return d.builder.resp }

// ConstructResponse runs the builder and translates any failure into
// an error response. A non-nil handoff defers completion to CGI.
func (d *ResponseDirector) ConstructResponse(req *Request) *CgiHandoff {
	cgi, err := d.builder.ExecuteRequest(req)
	if err != nil {
		he := asHTTPError(err)
		d.ConstructErrorResponse(he.Status, he.Message)
		return nil
	}
	d.builder.BuildHeaders(d.builder.resp.StatusCode)
	return cgi
}

// ConstructErrorResponse rebuilds the response as an error page.
func (d *ResponseDirector) ConstructErrorResponse(status int, message string) {
	d.builder.resp.SetStatus(status, message)
	d.builder.BuildHeaders(status)
	d.builder.BuildBody(status)
}
