package identity

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"
)

import (
	"github.com/antchfx/xmlquery"
)

// maxMultipartMemory bounds in-memory part buffering during extraction.
const maxMultipartMemory = 1 << 20

// ExtractBodyField pulls a field value out of a buffered request body.
// declaredType is the rule's bodyContentType (json, form-url-encoded, xml,
// multipart); contentTypeHeader is the request's Content-Type, used for the
// multipart boundary and as a fallback when the rule declares nothing.
// Extraction is best-effort: any parse failure yields "", which makes the
// body source fall through to the next one.
func ExtractBodyField(body []byte, fieldPath, declaredType, contentTypeHeader string) string {
	if len(body) == 0 || strings.TrimSpace(fieldPath) == "" {
		return ""
	}

	switch resolveBodyType(declaredType, contentTypeHeader) {
	case "form-url-encoded":
		return extractFromForm(body, fieldPath)
	case "xml":
		return extractFromXML(body, fieldPath)
	case "multipart":
		return extractFromMultipart(body, fieldPath, contentTypeHeader)
	default:
		return extractFromJSON(body, fieldPath)
	}
}

// resolveBodyType maps the rule's declared type, or the request's MIME type
// when the rule is silent, onto the extractor to use. Unknown types fall
// back to JSON, matching the most common payload.
func resolveBodyType(declaredType, contentTypeHeader string) string {
	t := strings.ToLower(strings.TrimSpace(declaredType))
	if t == "" {
		t = strings.ToLower(contentTypeHeader)
		if idx := strings.Index(t, ";"); idx >= 0 {
			t = strings.TrimSpace(t[:idx])
		}
	}
	switch {
	case strings.Contains(t, "form-url") || strings.Contains(t, "x-www-form-urlencoded"):
		return "form-url-encoded"
	case strings.Contains(t, "xml"):
		return "xml"
	case strings.Contains(t, "multipart"):
		return "multipart"
	default:
		return "json"
	}
}

// extractFromJSON descends a dot path. Scalars are coerced to their string
// form; compound values are re-serialized.
func extractFromJSON(body []byte, fieldPath string) string {
	var root interface{}
	if err := json.Unmarshal(body, &root); err != nil {
		return ""
	}

	current := root
	for _, part := range strings.Split(fieldPath, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		current, ok = obj[part]
		if !ok {
			return ""
		}
	}

	switch v := current.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func extractFromForm(body []byte, fieldName string) string {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return ""
	}
	return values.Get(fieldName)
}

// extractFromXML evaluates an XPath expression against the body. Documents
// carrying a DOCTYPE are rejected outright: the XML path must never resolve
// DTDs or external entities (XXE defense is a correctness requirement, and
// the underlying tokenizer never fetches external input either).
func extractFromXML(body []byte, fieldPath string) string {
	if containsDoctype(body) {
		return ""
	}

	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	expr := fieldPath
	if !strings.HasPrefix(expr, "/") {
		expr = "//" + expr
	}
	node, err := xmlquery.Query(doc, expr)
	if err != nil || node == nil {
		return ""
	}
	return strings.TrimSpace(node.InnerText())
}

func containsDoctype(body []byte) bool {
	return bytes.Contains(bytes.ToUpper(body), []byte("<!DOCTYPE"))
}

// extractFromMultipart returns the text content of the first part whose
// form name matches. File parts are skipped.
func extractFromMultipart(body []byte, fieldName, contentTypeHeader string) string {
	_, params, err := mime.ParseMediaType(contentTypeHeader)
	if err != nil {
		return ""
	}
	boundary := params["boundary"]
	if boundary == "" {
		return ""
	}

	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			return ""
		}
		if part.FormName() != fieldName || part.FileName() != "" {
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxMultipartMemory))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(value))
	}
}
