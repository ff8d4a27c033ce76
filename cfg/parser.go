/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package cfg

import (
	"bufio"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type parser struct {
	sc   *bufio.Scanner
	line string // unconsumed remainder of the current line
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Http, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open configuration file")
	}
	defer f.Close()
	h, err := Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return h, nil
}

// Parse consumes an http { server { location { … } } } tree from r.
func Parse(r io.Reader) (*Http, error) {
	p := &parser{sc: bufio.NewScanner(r)}
	h := NewHTTP()
	if err := p.findHTTPBlock(); err != nil {
		return nil, err
	}
	if err := p.parseHTTPBlock(h); err != nil {
		return nil, err
	}
	normalizeDefaults(h)
	return h, nil
}

// findHTTPBlock positions the parser just inside the opening brace of
// the http block.
func (p *parser) findHTTPBlock() error {
	declared := false
	for {
		if p.line == "" {
			if !p.sc.Scan() {
				return errors.New("http block not found or incomplete")
			}
			p.line = strings.TrimSpace(removeComments(p.sc.Text()))
			continue
		}
		if !declared {
			if !strings.HasPrefix(p.line, "http") {
				return errors.New("no http block in configuration")
			}
			p.line = strings.TrimSpace(p.line[4:])
			declared = true
			continue
		}
		if p.line[0] != '{' {
			return errors.New(`expected "{" after "http"`)
		}
		p.line = strings.TrimSpace(p.line[1:])
		return nil
	}
}

func (p *parser) nextLine() bool {
	for p.sc.Scan() {
		line := strings.TrimSpace(removeComments(p.sc.Text()))
		if line == "" {
			continue
		}
		p.line = line
		return true
	}
	return false
}

// blockEnd consumes a leading "}" if present.
func (p *parser) blockEnd() bool {
	if strings.HasPrefix(p.line, "}") {
		p.line = strings.TrimSpace(p.line[1:])
		return true
	}
	return false
}

func (p *parser) parseHTTPBlock(h *Http) error {
	for {
		if p.line == "" {
			if !p.nextLine() {
				return errors.New(`unexpected end of file, expecting "}"`)
			}
			continue
		}
		if p.blockEnd() {
			createDefaultServerIfNeeded(h)
			return nil
		}
		if strings.HasPrefix(p.line, "server") && isBlockKeyword(p.line, "server") {
			if err := p.parseServerBlockEntry(h); err != nil {
				return err
			}
			continue
		}
		if err := p.joinUntilSemicolon(); err != nil {
			return err
		}
		name, value, err := p.extractDirective()
		if err != nil {
			return err
		}
		if err := h.applyDirective(name, value); err != nil {
			return err
		}
	}
}

// isBlockKeyword reports whether line starts the named block rather
// than a directive that merely shares the prefix.
func isBlockKeyword(line, keyword string) bool {
	rest := line[len(keyword):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '{'
}

func (p *parser) joinUntilSemicolon() error {
	for !strings.Contains(p.line, ";") {
		if !p.sc.Scan() {
			return errors.New(`directive is not terminated by ";"`)
		}
		next := strings.TrimSpace(removeComments(p.sc.Text()))
		if next != "" {
			p.line += " " + next
		}
	}
	return nil
}

func (p *parser) parseServerBlockEntry(h *Http) error {
	s := NewServer(h)
	p.line = strings.TrimSpace(p.line[len("server"):])
	if p.line == "" || p.line[0] != '{' {
		return errors.New(`expected "{" after "server"`)
	}
	p.line = strings.TrimSpace(p.line[1:])
	if err := p.parseServerBlock(s); err != nil {
		return err
	}
	addServer(h, s)
	return nil
}

func (p *parser) parseServerBlock(s *Server) error {
	for {
		if p.line == "" {
			if !p.nextLine() {
				return errors.New(`unexpected end of file, expecting "}"`)
			}
			continue
		}
		if p.blockEnd() {
			if len(s.Listens) == 0 {
				s.Listens = append(s.Listens, ListenDirective{Host: "0.0.0.0", Port: 8080})
			}
			return nil
		}
		if strings.HasPrefix(p.line, "location") && isBlockKeyword(p.line, "location") {
			if err := p.parseLocationBlockEntry(s); err != nil {
				return err
			}
			continue
		}
		name, value, err := p.extractDirective()
		if err != nil {
			return err
		}
		if err := s.applyDirective(name, value); err != nil {
			return err
		}
	}
}

func (p *parser) parseLocationBlockEntry(s *Server) error {
	l := NewLocation(s)
	p.line = strings.TrimSpace(p.line[len("location"):])

	path, err := p.parseLocationPath()
	if err != nil {
		return err
	}
	l.Path = path

	for {
		if p.line == "" {
			if !p.nextLine() {
				return errors.New("unexpected end of file in location block")
			}
			continue
		}
		if p.blockEnd() {
			break
		}
		name, value, err := p.extractDirective()
		if err != nil {
			return err
		}
		if err := l.applyDirective(name, value); err != nil {
			return err
		}
	}

	if len(l.IndexFiles) == 0 {
		l.IndexFiles = []string{"index.html"}
	}
	if _, dup := s.Locations[l.Path]; dup {
		return errors.Errorf("duplicate location %q", l.Path)
	}
	s.Locations[l.Path] = l
	return nil
}

func (p *parser) parseLocationPath() (string, error) {
	for p.line == "" {
		if !p.nextLine() {
			return "", errors.New("unexpected end of file in location block")
		}
	}
	var path string
	if i := strings.IndexAny(p.line, " \t{"); i >= 0 {
		path = p.line[:i]
		p.line = strings.TrimSpace(p.line[i:])
	} else {
		path = p.line
		p.line = ""
	}
	if path == "" {
		return "", errors.New("invalid location block format")
	}
	// Find the opening brace, possibly on a following line.
	for {
		if p.line == "" {
			if !p.nextLine() {
				return "", errors.New("unexpected end of file in location block")
			}
			continue
		}
		if p.line[0] != '{' {
			return "", errors.New("invalid location block format")
		}
		p.line = strings.TrimSpace(p.line[1:])
		return path, nil
	}
}

// extractDirective splits the text up to the next ";" into a directive
// name and its raw value. A directive may span several lines; they are
// joined until the ";" appears.
func (p *parser) extractDirective() (string, string, error) {
	if err := p.joinUntilSemicolon(); err != nil {
		return "", "", err
	}
	semi := strings.IndexByte(p.line, ';')
	if semi < 0 {
		return "", "", errors.Errorf("directive %q is not terminated by \";\"", firstToken(p.line))
	}
	directive := strings.TrimSpace(p.line[:semi])
	p.line = strings.TrimSpace(p.line[semi+1:])

	if sp := indexSpaceOutsideQuotes(directive); sp >= 0 {
		return strings.TrimSpace(directive[:sp]), strings.TrimSpace(directive[sp+1:]), nil
	}
	return directive, "", nil
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

func indexSpaceOutsideQuotes(s string) int {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuotes = !inQuotes
		case !inQuotes && (s[i] == ' ' || s[i] == '\t'):
			return i
		}
	}
	return -1
}

// --- directive application ---

func (h *Http) applyDirective(name, value string) error {
	switch name {
	case "keepalive_timeout":
		return parseKeepalive(value, &h.Keepalive, &h.Base)
	default:
		return h.Base.applyCommon(name, value)
	}
}

func (s *Server) applyDirective(name, value string) error {
	switch name {
	case "listen":
		return s.parseListen(value)
	case "server_name":
		return s.parseServerName(value)
	case "return":
		if s.Redirect != nil {
			return nil
		}
		red, err := parseRedirect(value)
		if err != nil {
			return err
		}
		s.Redirect = red
		return nil
	case "keepalive_timeout":
		return parseKeepalive(value, &s.Keepalive, &s.Base)
	default:
		return s.Base.applyCommon(name, value)
	}
}

func (l *Location) applyDirective(name, value string) error {
	switch name {
	case "accept_methods":
		return l.parseAcceptMethods(value)
	case "return":
		// An inherited server-level redirect wins over the location's own.
		if l.Redirect != nil {
			return nil
		}
		red, err := parseRedirect(value)
		if err != nil {
			return err
		}
		l.Redirect = red
		return nil
	case "cgi_pass":
		return l.parseCgiPass(value)
	case "cgi_read_timeout":
		rest := value
		tok, err := nextToken(&rest)
		if err != nil {
			return err
		}
		if tok == "" {
			return errors.New(`invalid number of arguments in "cgi_read_timeout" directive`)
		}
		d, err := parseTimeout(tok)
		if err != nil {
			return err
		}
		l.CgiReadTimeout = d
		return nil
	case "upload_path":
		rest := value
		tok, err := nextToken(&rest)
		if err != nil {
			return err
		}
		l.UploadPath = tok
		return nil
	case "keepalive_timeout":
		return parseKeepalive(value, &l.Keepalive, &l.Base)
	default:
		return l.Base.applyCommon(name, value)
	}
}

func (b *Base) applyCommon(name, value string) error {
	switch name {
	case "root":
		b.Root = value
		return nil
	case "client_max_body_size":
		return b.parseMaxBodySize(value)
	case "error_page":
		return b.parseErrorPage(value)
	case "autoindex":
		return b.parseAutoindex(value)
	case "index":
		return b.parseIndex(value)
	default:
		return errors.Errorf("unknown directive: %s", name)
	}
}

func (b *Base) parseMaxBodySize(value string) error {
	if value == "" {
		return errors.New("client_max_body_size value is empty")
	}
	size, err := units.RAMInBytes(value)
	if err != nil {
		return errors.Wrap(err, "invalid client_max_body_size value")
	}
	if size <= 0 {
		return errors.New("client_max_body_size must be positive")
	}
	b.ClientMaxBodySize = size
	return nil
}

func (b *Base) parseErrorPage(value string) error {
	tokens := strings.Fields(value)
	if len(tokens) < 2 {
		return errors.New("invalid error_page directive format")
	}
	page := tokens[len(tokens)-1]
	for _, tok := range tokens[:len(tokens)-1] {
		code, err := strconv.Atoi(tok)
		if err != nil || code < 300 || code > 599 {
			return errors.Errorf("invalid error code %q in error_page directive", tok)
		}
		b.ErrorPages[code] = page
	}
	return nil
}

func (b *Base) parseAutoindex(value string) error {
	if b.autoindexSet {
		return errors.New(`"autoindex" directive is duplicate`)
	}
	if value != "on" && value != "off" {
		return errors.Errorf(`invalid value %q in "autoindex" directive, it must be "on" or "off"`, value)
	}
	b.Autoindex = value == "on"
	b.autoindexSet = true
	return nil
}

func (b *Base) parseIndex(value string) error {
	if value == "" {
		return errors.New(`invalid number of arguments in "index" directive`)
	}
	added := false
	rest := value
	for rest != "" {
		tok, err := nextToken(&rest)
		if err != nil {
			return err
		}
		if tok == "" {
			break
		}
		if !containsString(b.IndexFiles, tok) {
			b.IndexFiles = append(b.IndexFiles, tok)
			added = true
		}
	}
	if !added {
		return errors.New(`invalid number of arguments in "index" directive`)
	}
	return nil
}

func parseKeepalive(value string, dst *time.Duration, base *Base) error {
	if base.keepaliveSet {
		return errors.New(`"keepalive_timeout" directive is duplicate`)
	}
	rest := value
	tok, err := nextToken(&rest)
	if err != nil {
		return err
	}
	if tok == "" || strings.TrimSpace(rest) != "" {
		return errors.New("invalid keepalive_timeout value")
	}
	d, err := parseTimeout(tok)
	if err != nil {
		return err
	}
	*dst = d
	base.keepaliveSet = true
	return nil
}

func (s *Server) parseListen(value string) error {
	host := "0.0.0.0"
	port := 80

	rest := value
	addr, err := nextToken(&rest)
	if err != nil {
		return err
	}
	if addr == "" {
		return errors.New(`invalid number of arguments in "listen" directive`)
	}

	if colon := strings.IndexByte(addr, ':'); colon >= 0 {
		hostPart := addr[:colon]
		if hostPart == "" {
			return errors.Errorf(`no host in %q of the "listen" directive`, addr)
		}
		host, err = resolveHost(hostPart)
		if err != nil {
			return err
		}
		port, err = parsePort(addr[colon+1:], addr)
		if err != nil {
			return err
		}
	} else if isDigits(addr) {
		port, err = parsePort(addr, addr)
		if err != nil {
			return err
		}
	} else {
		host, err = resolveHost(addr)
		if err != nil {
			return err
		}
	}

	isDefault := false
	for strings.TrimSpace(rest) != "" {
		opt, err := nextToken(&rest)
		if err != nil {
			return err
		}
		if opt != "default_server" {
			return errors.Errorf("invalid parameter %q", opt)
		}
		isDefault = true
	}

	for _, ld := range s.Listens {
		if ld.Host == host && ld.Port == port {
			return errors.Errorf("duplicate listen %s:%d", host, port)
		}
	}
	s.Listens = append(s.Listens, ListenDirective{Host: host, Port: port})
	if isDefault {
		s.Default = true
	}
	return nil
}

func (s *Server) parseServerName(value string) error {
	rest := value
	for strings.TrimSpace(rest) != "" {
		tok, err := nextToken(&rest)
		if err != nil {
			return err
		}
		if tok == "" {
			break
		}
		if strings.Contains(tok, "..") {
			return errors.Errorf("invalid server name or wildcard %q", tok)
		}
		s.Names = append(s.Names, tok)
	}
	return nil
}

func (l *Location) parseAcceptMethods(value string) error {
	l.Methods = nil
	if value == "ALL" {
		l.Methods = []string{"GET", "POST", "DELETE"}
		return nil
	}
	for _, method := range strings.Fields(value) {
		switch method {
		case "GET", "POST", "DELETE":
			if !containsString(l.Methods, method) {
				l.Methods = append(l.Methods, method)
			}
		default:
			return errors.Errorf("invalid method in accept_methods: %s", method)
		}
	}
	if len(l.Methods) == 0 {
		return errors.New("failed to parse accept_methods directive")
	}
	return nil
}

func (l *Location) parseCgiPass(value string) error {
	rest := value
	ext, err := nextToken(&rest)
	if err != nil {
		return err
	}
	executor, err := nextToken(&rest)
	if err != nil {
		return err
	}
	if ext == "" || executor == "" || strings.TrimSpace(rest) != "" {
		return errors.New(`invalid number of arguments in "cgi_pass" directive`)
	}
	if !strings.HasPrefix(ext, ".") {
		return errors.Errorf("cgi_pass extension %q must start with a dot", ext)
	}
	l.CgiExecutors[ext] = executor
	return nil
}

func parseRedirect(value string) (*Redirect, error) {
	rest := value
	codeStr, err := nextToken(&rest)
	if err != nil {
		return nil, err
	}
	if codeStr == "" {
		return nil, errors.New(`invalid number of arguments in "return" directive`)
	}
	if !isDigits(codeStr) {
		return nil, errors.Errorf("invalid return code %q", codeStr)
	}
	code, _ := strconv.Atoi(codeStr)
	if code < 0 || code > 999 {
		return nil, errors.New("return code must be between 000 and 999")
	}
	u, err := nextToken(&rest)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rest) != "" {
		return nil, errors.New(`invalid number of arguments in "return" directive`)
	}
	return &Redirect{URL: u, Code: code}, nil
}

// --- post-parse normalisation ---

func createDefaultServerIfNeeded(h *Http) {
	if len(h.Servers) > 0 {
		return
	}
	s := NewServer(h)
	s.Listens = append(s.Listens, ListenDirective{Host: "0.0.0.0", Port: 8000})
	s.Root = "./var"
	s.Default = true
	h.Servers = append(h.Servers, s)
}

// addServer drops a server whose listen set and names collide with an
// earlier one, mirroring nginx's "conflicting server name" warning.
func addServer(h *Http, s *Server) {
	for _, existing := range h.Servers {
		if serversConflict(s, existing) {
			name := ""
			if len(s.Names) > 0 {
				name = s.Names[0]
			}
			for _, ld := range s.Listens {
				logrus.Warnf("conflicting server name %q on %s:%d, ignored", name, ld.Host, ld.Port)
			}
			return
		}
	}
	h.Servers = append(h.Servers, s)
}

func serversConflict(a, b *Server) bool {
	overlap := false
	for _, la := range a.Listens {
		for _, lb := range b.Listens {
			if la.Port != lb.Port {
				continue
			}
			if la.Host == lb.Host || la.Host == "0.0.0.0" || lb.Host == "0.0.0.0" {
				overlap = true
			}
		}
	}
	if !overlap {
		return false
	}
	if len(a.Names) == 0 && len(b.Names) == 0 {
		return true
	}
	for _, na := range a.Names {
		for _, nb := range b.Names {
			if na == nb {
				return true
			}
		}
	}
	return false
}

// normalizeDefaults guarantees exactly one default server per port:
// the first explicit default_server wins, otherwise the first server
// listening on the port.
func normalizeDefaults(h *Http) {
	seen := make(map[int]bool)
	for _, s := range h.Servers {
		for _, ld := range s.Listens {
			if s.Default && !seen[ld.Port] {
				seen[ld.Port] = true
			}
		}
	}
	for _, s := range h.Servers {
		for _, ld := range s.Listens {
			if !seen[ld.Port] {
				seen[ld.Port] = true
				s.Default = true
			}
		}
	}
}

// --- scalar helpers ---

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func parsePort(portPart, full string) (int, error) {
	if !isDigits(portPart) {
		return 0, errors.Errorf(`invalid port in %q of the "listen" directive`, full)
	}
	port, err := strconv.Atoi(portPart)
	if err != nil || port <= 0 || port > 65535 {
		return 0, errors.Errorf(`invalid port in %q of the "listen" directive`, full)
	}
	return port, nil
}

func resolveHost(hostPart string) (string, error) {
	if hostPart == "*" {
		return "0.0.0.0", nil
	}
	if strings.Trim(hostPart, "0123456789.") == "" {
		// Dotted-quad form: validate each octet.
		octets := strings.Split(hostPart, ".")
		if len(octets) != 4 {
			return "", errors.Errorf(`host not found in %q of the "listen" directive`, hostPart)
		}
		for _, o := range octets {
			if o == "" || len(o) > 3 {
				return "", errors.Errorf(`host not found in %q of the "listen" directive`, hostPart)
			}
			if v, err := strconv.Atoi(o); err != nil || v < 0 || v > 255 {
				return "", errors.Errorf(`host not found in %q of the "listen" directive`, hostPart)
			}
		}
		return hostPart, nil
	}
	ips, err := net.LookupIP(hostPart)
	if err != nil {
		return "", errors.Errorf(`host not found in %q of the "listen" directive`, hostPart)
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errors.Errorf(`host not found in %q of the "listen" directive`, hostPart)
}

// parseTimeout accepts compound durations in strictly descending unit
// order: d, h, m, s, ms. A bare number means seconds.
func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.Errorf("invalid duration %q", s)
	}
	rest := s
	var total time.Duration
	lastRank := -1
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, errors.Errorf("invalid duration %q", s)
		}
		value, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, errors.Errorf("invalid duration %q", s)
		}
		rest = rest[i:]

		unit := "s"
		switch {
		case strings.HasPrefix(rest, "ms"):
			unit = "ms"
			rest = rest[2:]
		case rest != "" && strings.ContainsRune("dhms", rune(rest[0])):
			unit = rest[:1]
			rest = rest[1:]
		}
		rank, scale := unitRank(unit)
		if rank <= lastRank {
			return 0, errors.Errorf("invalid duration %q", s)
		}
		lastRank = rank
		total += time.Duration(value) * scale
	}
	if total < 0 {
		return 0, errors.Errorf("invalid duration %q", s)
	}
	return total, nil
}

func unitRank(unit string) (int, time.Duration) {
	switch unit {
	case "d":
		return 0, 24 * time.Hour
	case "h":
		return 1, time.Hour
	case "m":
		return 2, time.Minute
	case "s":
		return 3, time.Second
	default: // ms
		return 4, time.Millisecond
	}
}

// nextToken pops the next whitespace-separated or quoted token off *s.
func nextToken(s *string) (string, error) {
	rest := strings.TrimSpace(*s)
	if rest == "" {
		*s = ""
		return "", nil
	}
	if rest[0] == '"' || rest[0] == '\'' {
		quote := rest[0]
		end := strings.IndexByte(rest[1:], quote)
		if end < 0 {
			return "", errors.New("unclosed quote")
		}
		*s = strings.TrimSpace(rest[end+2:])
		return rest[1 : end+1], nil
	}
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		*s = strings.TrimSpace(rest[i:])
		return rest[:i], nil
	}
	*s = ""
	return rest, nil
}

// removeComments strips a trailing # comment, honouring quotes.
func removeComments(line string) string {
	inQuotes := false
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		if inQuotes {
			if c == quote && (i == 0 || line[i-1] != '\\') {
				inQuotes = false
			}
			continue
		}
		switch c {
		case '"', '\'':
			inQuotes = true
			quote = c
		case '#':
			return line[:i]
		}
	}
	return line
}
