package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	qerrors "github.com/conneroisu/quire/internal/errors"
	"github.com/conneroisu/quire/internal/registry"
)

var fence = []byte("---")

// splitFrontMatter separates a leading YAML block fenced by --- lines from
// the body. The returned line is where the body starts.
func splitFrontMatter(src []byte) (front, body []byte, line int, ok bool) {
	src = bytes.TrimPrefix(src, []byte("\xef\xbb\xbf"))
	if !bytes.HasPrefix(src, fence) {
		return nil, src, 1, true
	}

	rest := src[len(fence):]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 || len(bytes.TrimSpace(rest[:nl])) != 0 {
		return nil, src, 1, true
	}
	rest = rest[nl+1:]
	line = 2

	for offset := 0; offset <= len(rest); {
		end := bytes.IndexByte(rest[offset:], '\n')
		var current []byte
		if end < 0 {
			current = rest[offset:]
		} else {
			current = rest[offset : offset+end]
		}

		if bytes.Equal(bytes.TrimRight(current, " \t\r"), fence) {
			front = rest[:offset]
			if end < 0 {
				return front, nil, line + 1, true
			}

			return front, rest[offset+end+1:], line + 1, true
		}

		if end < 0 {
			break
		}
		offset += end + 1
		line++
	}

	return nil, nil, 0, false
}

// parseMeta decodes front matter into Meta and the generic document used
// for schema validation.
func parseMeta(source string, front []byte) (registry.Meta, map[string]interface{}, error) {
	var meta registry.Meta
	if len(bytes.TrimSpace(front)) == 0 {
		return meta, map[string]interface{}{}, nil
	}

	if err := yaml.Unmarshal(front, &meta); err != nil {
		return meta, nil, qerrors.WrapCompile(err, qerrors.ErrCodeFrontMatter,
			"invalid front matter", source)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(front, &raw); err != nil {
		return meta, nil, qerrors.WrapCompile(err, qerrors.ErrCodeFrontMatter,
			"invalid front matter", source)
	}

	if meta.Date != "" {
		if _, ok := registry.ParseDate(meta.Date); !ok {
			return meta, nil, qerrors.NewCompileError(qerrors.ErrCodeMetaInvalid,
				fmt.Sprintf("date %q is not YYYY-MM-DD or RFC 3339", meta.Date), nil).
				WithLocation(source, 0, 0)
		}
	}

	return meta, raw, nil
}

// MetaSchema validates front matter against a JSON Schema.
type MetaSchema struct {
	schema *jsonschema.Schema
}

// LoadMetaSchema compiles the JSON Schema read from r.
func LoadMetaSchema(name string, r io.Reader) (*MetaSchema, error) {
	doc, err := jsonschema.UnmarshalJSON(r)
	if err != nil {
		return nil, qerrors.WrapConfig(err, qerrors.ErrCodeConfigInvalid, "meta schema is not valid JSON")
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, qerrors.WrapConfig(err, qerrors.ErrCodeConfigInvalid, "cannot load meta schema")
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, qerrors.WrapConfig(err, qerrors.ErrCodeConfigInvalid, "cannot compile meta schema")
	}

	return &MetaSchema{schema: schema}, nil
}

// Validate checks the decoded front matter of source.
func (s *MetaSchema) Validate(source string, raw map[string]interface{}) error {
	if s == nil {
		return nil
	}

	data, err := json.Marshal(jsonValue(raw))
	if err != nil {
		return qerrors.WrapCompile(err, qerrors.ErrCodeMetaInvalid, "front matter cannot be validated", source)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return qerrors.WrapCompile(err, qerrors.ErrCodeMetaInvalid, "front matter cannot be validated", source)
	}

	if err := s.schema.Validate(inst); err != nil {
		return qerrors.WrapCompile(err, qerrors.ErrCodeMetaInvalid, "front matter does not match schema", source)
	}

	return nil
}

// jsonValue converts YAML-decoded values into JSON-encodable ones.
func jsonValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = jsonValue(val)
		}

		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonValue(val)
		}

		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = jsonValue(val)
		}

		return out
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}

		return t.Format(time.RFC3339)
	default:
		return v
	}
}
