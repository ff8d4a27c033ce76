/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package webserv

import (
	"strings"

	"github.com/johnx/webserv/cfg"
)

// SelectServer picks the virtual server for a request. The Host
// header (stripped of any :port suffix, which overrides the
// connection port) is matched against server_name lists by this
// priority:
//
//	1. name matches and the server listens on the request port
//	2. the default server on the request port
//	3. the first server on the request port
//	4. name matches on any port
//	5. the first server overall
func SelectServer(h *cfg.Http, req *Request) *cfg.Server {
	if len(h.Servers) == 0 {
		return nil
	}

	host, port, explicit := req.HostName()
	if !explicit {
		port = req.Port
	}

	var namePortMatch, defaultOnPort, firstOnPort, nameMatch *cfg.Server
	for _, s := range h.Servers {
		onPort := s.ListensOn(port)
		if onPort {
			if firstOnPort == nil {
				firstOnPort = s
			}
			if s.Default && defaultOnPort == nil {
				defaultOnPort = s
			}
		}
		if host != "" && s.HasName(host) {
			if onPort && namePortMatch == nil {
				namePortMatch = s
			}
			if !onPort && nameMatch == nil {
				nameMatch = s
			}
		}
	}

	switch {
	case namePortMatch != nil:
		return namePortMatch
	case defaultOnPort != nil:
		return defaultOnPort
	case firstOnPort != nil:
		return firstOnPort
	case nameMatch != nil:
		return nameMatch
	default:
		return h.Servers[0]
	}
}

// SelectLocation picks the location for a request path: exact match,
// then longest configured prefix, then the "/" location if present.
func SelectLocation(s *cfg.Server, path string) *cfg.Location {
	if s == nil {
		return nil
	}
	if l, ok := s.Locations[path]; ok {
		return l
	}
	var prefixMatch *cfg.Location
	longest := 0
	for locPath, l := range s.Locations {
		if strings.HasPrefix(path, locPath) && len(locPath) > longest {
			longest = len(locPath)
			prefixMatch = l
		}
	}
	if prefixMatch != nil {
		return prefixMatch
	}
	return s.Locations["/"]
}
