package slack

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"reaclog/internal/logging"
)

var (
	jsonContentTypeRe      = regexp.MustCompile(`(?i)application/json|text/json`)
	formContentTypeRe      = regexp.MustCompile(`(?i)application/x-www-form-urlencoded`)
	multipartContentTypeRe = regexp.MustCompile(`(?i)multipart/form-data`)
	multipartBoundaryRe    = regexp.MustCompile(`(?i)boundary=([^;]+)`)
	dispositionNameRe      = regexp.MustCompile(`(?i)name="([^"]+)"`)
)

// ParseBody decodes an intercepted request body by content-type. JSON parses
// directly; url-encoded forms become flat key/value pairs; multipart bodies
// are split on their declared boundary. In the form and multipart cases a
// "payload" field holding nested JSON is parsed and merged into the result.
// Returns nil when the body cannot be decoded under any known content-type.
func ParseBody(body, contentType string) map[string]interface{} {
	if body == "" {
		return map[string]interface{}{}
	}

	if jsonContentTypeRe.MatchString(contentType) || strings.HasPrefix(strings.TrimSpace(body), "{") {
		var result map[string]interface{}
		if err := json.Unmarshal([]byte(body), &result); err != nil {
			logging.Get(logging.CategoryAdapter).Debugf("unparseable JSON body: %v", err)
			return nil
		}
		return result
	}

	if formContentTypeRe.MatchString(contentType) {
		values, err := url.ParseQuery(body)
		if err != nil {
			logging.Get(logging.CategoryAdapter).Debugf("unparseable form body: %v", err)
			return nil
		}
		result := map[string]interface{}{}
		for key, list := range values {
			if len(list) == 0 {
				continue
			}
			result[key] = list[0]
			if key == "payload" {
				mergeNestedPayload(result, list[0])
			}
		}
		return result
	}

	if multipartContentTypeRe.MatchString(contentType) {
		return parseMultipart(body, contentType)
	}

	return nil
}

func parseMultipart(body, contentType string) map[string]interface{} {
	boundaryMatch := multipartBoundaryRe.FindStringSubmatch(contentType)
	if boundaryMatch == nil {
		logging.Get(logging.CategoryAdapter).Debugf("multipart body without boundary")
		return nil
	}
	boundary := "--" + strings.Trim(boundaryMatch[1], `"'`)

	result := map[string]interface{}{}
	for _, segment := range strings.Split(body, boundary) {
		trimmed := strings.TrimSpace(segment)
		if trimmed == "" || trimmed == "--" {
			continue
		}

		headerSection, value, found := strings.Cut(trimmed, "\r\n\r\n")
		if !found {
			continue
		}

		var disposition string
		for _, line := range strings.Split(headerSection, "\r\n") {
			if strings.Contains(strings.ToLower(line), "content-disposition") {
				disposition = line
				break
			}
		}
		nameMatch := dispositionNameRe.FindStringSubmatch(disposition)
		if nameMatch == nil {
			continue
		}

		value = strings.TrimSuffix(value, "\r\n--")
		value = strings.TrimSpace(value)

		result[nameMatch[1]] = value
		if nameMatch[1] == "payload" {
			mergeNestedPayload(result, value)
		}
	}
	return result
}

func mergeNestedPayload(result map[string]interface{}, raw string) {
	var nested map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &nested); err != nil {
		logging.Get(logging.CategoryAdapter).Debugf("unparseable nested payload JSON: %v", err)
		return
	}
	for key, value := range nested {
		result[key] = value
	}
}
