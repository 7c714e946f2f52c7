// Package mlanomaly scores requests against a per-tenant traffic baseline.
// Feature extraction is deterministic and model-independent; the detector
// side runs inference over a serialized isolation forest.
package mlanomaly

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/url"
	"strings"

	"edgewaf/waf"
)

var sqlKeywords = []string{
	"select", "union", "insert", "update", "delete", "drop",
	"create", "alter", "exec", "execute", "script", "javascript",
	"onerror", "onload", "--", "/*", "*/", "xp_", "sp_",
}

var xssPatterns = []string{
	"<script", "</script>", "javascript:", "onerror=", "onload=",
	"onclick=", "onfocus=", "onmouseover=", "<iframe", "eval(",
}

// ExtractFeatures derives the fixed set of numeric features the detector
// was trained on. Missing request parts contribute zeros, never errors.
func ExtractFeatures(req waf.HTTPRequest) map[string]float64 {
	f := make(map[string]float64, 32)

	path := req.Path()
	query := req.QueryString()

	f["request_size"] = float64(len(req.BodyPeek()))
	f["path_length"] = float64(len(path))
	f["query_string_length"] = float64(len(query))

	depth := 0
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			depth++
		}
	}
	f["path_depth"] = float64(depth)
	f["has_query_params"] = boolFeature(query != "")

	params, _ := url.ParseQuery(query) // tolerant: partial values on error
	f["param_count"] = float64(len(params))
	maxParamLen := 0
	for _, values := range params {
		for _, v := range values {
			if len(v) > maxParamLen {
				maxParamLen = len(v)
			}
		}
	}
	f["max_param_length"] = float64(maxParamLen)

	f["header_count"] = float64(len(req.Headers()))
	userAgent := waf.HeaderValue(req, "User-Agent")
	f["user_agent_length"] = float64(len(userAgent))
	f["has_referer"] = boolFeature(waf.HeaderValue(req, "Referer") != "")
	f["cookie_count"] = float64(countCookies(waf.HeaderValue(req, "Cookie")))

	method := strings.ToUpper(req.Method())
	f["method_get"] = boolFeature(method == "GET")
	f["method_post"] = boolFeature(method == "POST")
	f["method_put"] = boolFeature(method == "PUT")
	f["method_delete"] = boolFeature(method == "DELETE")
	f["method_other"] = boolFeature(method != "GET" && method != "POST" && method != "PUT" && method != "DELETE")

	contentType := strings.ToLower(waf.HeaderValue(req, "Content-Type"))
	f["is_json"] = boolFeature(strings.Contains(contentType, "json"))
	f["is_form"] = boolFeature(strings.Contains(contentType, "form"))
	f["is_multipart"] = boolFeature(strings.Contains(contentType, "multipart"))

	f["path_entropy"] = shannonEntropy(path)
	f["query_entropy"] = shannonEntropy(query)

	fullURL := path
	if query != "" {
		fullURL += "?" + query
	}
	f["special_char_ratio"] = specialCharRatio(fullURL)
	f["has_sql_keywords"] = boolFeature(containsAnyFold(fullURL, sqlKeywords))
	f["has_script_tags"] = boolFeature(containsAnyFold(fullURL, xssPatterns))
	f["numeric_ratio"] = numericRatio(fullURL)
	f["uppercase_ratio"] = uppercaseRatio(fullURL)

	return f
}

// RequestSignature builds a stable hash for correlating repeated request
// shapes across scoring and training.
func RequestSignature(req waf.HTTPRequest) string {
	userAgent := waf.HeaderValue(req, "User-Agent")
	if len(userAgent) > 50 {
		userAgent = userAgent[:50]
	}
	s := strings.Join([]string{req.Method(), req.Path(), req.QueryString(), userAgent}, "|")
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// shannonEntropy measures character-level randomness in bits.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0.0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

const specialChars = "!@#$%^&*(){}[]|\\:;\"'<>?,./`~"

func specialCharRatio(s string) float64 {
	if s == "" {
		return 0.0
	}
	n := 0
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			n++
		}
	}
	return float64(n) / float64(len([]rune(s)))
}

func numericRatio(s string) float64 {
	if s == "" {
		return 0.0
	}
	n := 0
	for _, r := range s {
		if '0' <= r && r <= '9' {
			n++
		}
	}
	return float64(n) / float64(len([]rune(s)))
}

func uppercaseRatio(s string) float64 {
	alpha, upper := 0, 0
	for _, r := range s {
		switch {
		case 'A' <= r && r <= 'Z':
			alpha++
			upper++
		case 'a' <= r && r <= 'z':
			alpha++
		}
	}
	if alpha == 0 {
		return 0.0
	}
	return float64(upper) / float64(alpha)
}

func containsAnyFold(s string, needles []string) bool {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

func countCookies(header string) int {
	if header == "" {
		return 0
	}
	n := 0
	for _, part := range strings.Split(header, ";") {
		if strings.TrimSpace(part) != "" {
			n++
		}
	}
	return n
}
