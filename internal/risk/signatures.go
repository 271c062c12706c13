package risk

import (
	"net/url"
	"regexp"
	"strings"
)

// Attack signature families matched against the request target and body.
var attackSignatures = map[string]*regexp.Regexp{
	"sql_injection":     regexp.MustCompile(`(?i)(\bunion\b[\s/*+]+(all[\s/*+]+)?select\b|'\s*or\s+'?[\w]*'?\s*=\s*'?[\w]*|\bor\b\s+\d+\s*=\s*\d+|;\s*(drop|truncate|delete|insert|update)\s+\w|\b(sleep|benchmark|pg_sleep)\s*\(|\binformation_schema\b|xp_cmdshell)`),
	"xss":               regexp.MustCompile(`(?i)(<\s*script\b|javascript\s*:|\bon(error|load|mouseover|focus|click)\s*=|<\s*iframe\b|<\s*svg\b[^>]*\bon\w+\s*=|document\.cookie|\balert\s*\()`),
	"path_traversal":    regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e(%2f|%5c|/|\\)|\.\.%2f|/etc/(passwd|shadow)|\bboot\.ini\b|\\windows\\win\.ini)`),
	"command_injection": regexp.MustCompile("(?i)(;|\\||&&|\\$\\(|`)\\s*(cat|ls|id|whoami|wget|curl|nc|ncat|bash|sh|rm|uname|ping|powershell)\\b"),
}

// signatureOrder fixes evaluation order so matches are reported stably.
var signatureOrder = []string{"sql_injection", "xss", "path_traversal", "command_injection"}

var botUserAgent = regexp.MustCompile(`(?i)(curl/|wget/|python-requests|python-urllib|aiohttp|go-http-client|libwww-perl|scrapy|httpclient|java/\d|okhttp|nikto|sqlmap|masscan|zgrab|nmap|headlesschrome|phantomjs|\bbot\b|crawler|spider)`)

// matchAttack returns the first signature family found in target or body.
func matchAttack(target, body string) (string, bool) {
	candidates := []string{target, body}
	if decoded, err := url.QueryUnescape(target); err == nil && decoded != target {
		candidates = append(candidates, decoded)
	}
	for _, name := range signatureOrder {
		re := attackSignatures[name]
		for _, c := range candidates {
			if c != "" && re.MatchString(c) {
				return name, true
			}
		}
	}
	return "", false
}

// badClientSignature flags empty, overlong or bot-like user agents.
func badClientSignature(userAgent string, maxLen int) bool {
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		return true
	}
	if maxLen > 0 && len(ua) > maxLen {
		return true
	}
	return botUserAgent.MatchString(ua)
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

var knownProtocols = map[string]bool{
	"HTTP/1.0": true, "HTTP/1.1": true, "HTTP/2": true, "HTTP/2.0": true, "HTTP/3": true, "HTTP/3.0": true,
}

// malformed flags requests that do not look like well-formed HTTP.
func malformed(method, protocol, target string) bool {
	if method != "" && !knownMethods[method] {
		return true
	}
	if protocol != "" && !knownProtocols[strings.ToUpper(protocol)] {
		return true
	}
	if target == "" {
		return false
	}
	if !strings.HasPrefix(target, "/") && target != "*" {
		return true
	}
	for i := 0; i < len(target); i++ {
		if c := target[i]; c < 0x20 || c == 0x7f {
			return true
		}
	}
	return strings.Contains(strings.ToLower(target), "%00")
}
