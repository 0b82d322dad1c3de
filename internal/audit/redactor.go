package audit

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/GoPolymarket/apigate/internal/config"
)

// Redactor scrubs sensitive JSON properties from audit payloads.
type Redactor struct {
	keys        map[string]struct{}
	replacement string
}

func NewRedactor(cfg config.RedactionConfig) *Redactor {
	keys := make(map[string]struct{}, len(cfg.SensitiveKeys))
	for _, key := range cfg.SensitiveKeys {
		keys[strings.ToLower(strings.TrimSpace(key))] = struct{}{}
	}
	replacement := cfg.Replacement
	if replacement == "" {
		replacement = config.DefaultReplacement
	}
	return &Redactor{keys: keys, replacement: replacement}
}

// Redact is a one-shot helper around Redactor.
func Redact(jsonText string, sensitiveKeys []string, replacement string) string {
	return NewRedactor(config.RedactionConfig{
		SensitiveKeys: sensitiveKeys,
		Replacement:   replacement,
	}).Redact(jsonText)
}

// Redact returns the payload with every sensitive property replaced.
// Blank input yields "". Invalid UTF-8 sequences are replaced with U+FFFD
// before anything else, since text columns reject them. Input that then
// does not parse as a single JSON value is returned as-is.
func (r *Redactor) Redact(jsonText string) string {
	if strings.TrimSpace(jsonText) == "" {
		return ""
	}
	if !utf8.ValidString(jsonText) {
		jsonText = strings.ToValidUTF8(jsonText, string(utf8.RuneError))
	}

	data, ok := decodeJSON(jsonText)
	if !ok || data == nil {
		return jsonText
	}

	r.redactValue(&data)

	out, err := encodeJSON(data)
	if err != nil {
		return jsonText
	}
	return out
}

func (r *Redactor) redactValue(v *interface{}) {
	switch raw := (*v).(type) {
	case map[string]interface{}:
		for key, val := range raw {
			if r.isSensitiveKey(key) {
				raw[key] = r.replacement
				continue
			}
			vv := val
			r.redactValue(&vv)
			raw[key] = vv
		}
	case []interface{}:
		// 数组元素本身没有 key, 只递归进入其中的对象
		for i, val := range raw {
			vv := val
			r.redactValue(&vv)
			raw[i] = vv
		}
	}
}

func (r *Redactor) isSensitiveKey(key string) bool {
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

func decodeJSON(text string) (interface{}, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var data interface{}
	if err := dec.Decode(&data); err != nil {
		return nil, false
	}
	// trailing garbage makes the whole payload invalid
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return data, true
}

func encodeJSON(data interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
