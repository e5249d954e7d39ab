package datasource

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/thebtf/shiftwatch/pkg/models"
)

const responseSchemaURL = "https://shiftwatch.local/schema/get-data-response.json"

// responseSchema describes the getData answer. Extra properties are allowed
// so the sheet can grow columns without breaking clients.
const responseSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {
            "anyOf": [
              {"type": "integer"},
              {"type": "string", "pattern": "^\\s*-?[0-9]+\\s*$"}
            ]
          },
          "distributionCode": {"type": ["string", "null"]}
        }
      }
    },
    "userSettings": {
      "type": ["object", "null"],
      "properties": {
        "lastSeenId": {"type": ["integer", "string", "null"]}
      }
    },
    "apiUrl": {"type": ["string", "null"]},
    "error": {"type": ["string", "null"]}
  }
}`

const fieldAreaCode = "distributionCode"

func compileResponseSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("parse response schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(responseSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add response schema: %w", err)
	}
	return c.Compile(responseSchemaURL)
}

type wireResponse struct {
	Data         []map[string]any `json:"data"`
	UserSettings *struct {
		LastSeenID any `json:"lastSeenId"`
	} `json:"userSettings"`
	APIURL string `json:"apiUrl"`
	Error  string `json:"error"`
}

type wireAck struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// decoded is a validated getData answer.
type decoded struct {
	records         []models.Record
	serverWatermark *int64
	apiURL          string
}

func decodeResponse(schema *jsonschema.Schema, endpoint string, body []byte) (decoded, error) {
	var resp wireResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return decoded{}, protocolErr("fetch", endpoint, "decode response: %w", err)
	}
	if resp.Error != "" {
		return decoded{}, protocolErr("fetch", endpoint, "server error: %s", resp.Error)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return decoded{}, protocolErr("fetch", endpoint, "decode response: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return decoded{}, protocolErr("fetch", endpoint, "invalid response shape: %w", err)
	}

	out := decoded{
		records: make([]models.Record, 0, len(resp.Data)),
		apiURL:  strings.TrimSpace(resp.APIURL),
	}
	for i, raw := range resp.Data {
		rec, err := toRecord(raw)
		if err != nil {
			return decoded{}, protocolErr("fetch", endpoint, "record %d: %w", i, err)
		}
		out.records = append(out.records, rec)
	}

	if resp.UserSettings != nil {
		if n, ok := parseInt(resp.UserSettings.LastSeenID); ok {
			out.serverWatermark = &n
		}
	}
	return out, nil
}

func toRecord(raw map[string]any) (models.Record, error) {
	id, ok := parseInt(raw["id"])
	if !ok {
		return models.Record{}, fmt.Errorf("unusable id %v", raw["id"])
	}
	rec := models.Record{ID: id, Fields: make(map[string]string, len(raw))}
	for k, v := range raw {
		switch k {
		case "id":
			continue
		case fieldAreaCode:
			rec.AreaCode = strings.TrimSpace(stringify(v))
			continue
		}
		if v == nil {
			continue
		}
		rec.Fields[k] = stringify(v)
	}
	return rec, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// parseInt accepts integers, integral floats and numeric strings. Empty
// strings and nulls report ok=false.
func parseInt(v any) (int64, bool) {
	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

func marshalFields(fields map[string]string) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(b), nil
}

func unmarshalAck(body []byte, ack *wireAck) error {
	return json.Unmarshal(body, ack)
}
