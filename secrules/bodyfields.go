package secrules

import (
	"encoding/json"
	"net/url"
	"strings"
)

type bodyField struct {
	name  string
	value string
}

// maxJSONDepth bounds how deep nested JSON bodies are walked for string
// values.
const maxJSONDepth = 4

// parseBodyFields extracts scannable string fields from a request body.
// Unsupported content types yield no fields and no error; a body that
// fails to decode returns an error so the caller can skip body surfaces.
func parseBodyFields(contentType string, body []byte) (fields []bodyField, err error) {
	if len(body) == 0 {
		return
	}

	switch {
	case strings.Contains(contentType, "application/json"):
		var doc interface{}
		if err = json.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
		fields = appendJSONFields(fields, "", doc, 0)
		return
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		values, perr := url.ParseQuery(string(body))
		if perr != nil {
			return nil, perr
		}
		for name, vv := range values {
			for _, v := range vv {
				fields = append(fields, bodyField{name: name, value: v})
			}
		}
		return
	default:
		// Multipart and binary bodies are not inspected field-by-field.
		return nil, nil
	}
}

func appendJSONFields(fields []bodyField, name string, doc interface{}, depth int) []bodyField {
	if depth > maxJSONDepth {
		return fields
	}
	switch v := doc.(type) {
	case string:
		fields = append(fields, bodyField{name: name, value: v})
	case map[string]interface{}:
		for k, child := range v {
			childName := k
			if name != "" {
				childName = name + "." + k
			}
			fields = appendJSONFields(fields, childName, child, depth+1)
		}
	case []interface{}:
		for _, child := range v {
			fields = appendJSONFields(fields, name, child, depth+1)
		}
	}
	return fields
}
