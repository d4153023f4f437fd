package pii

import (
	"encoding/json"
	"strconv"
)

// normalizeEntities turns the backend's entity records into Entities.
//
// The backend names the kind either "entity_group" or "label" and the
// matched text either "word" or "text". Missing offsets and scores default
// to 0. Records that are not objects are skipped, and records scoring below
// threshold are dropped since the backend is not trusted to filter.
func normalizeEntities(records []interface{}, threshold float64) []Entity {
	entities := make([]Entity, 0, len(records))
	for _, record := range records {
		fields, ok := record.(map[string]interface{})
		if !ok {
			continue
		}

		entity := Entity{
			Label:      firstString(fields, "entity_group", "label"),
			Text:       firstString(fields, "word", "text"),
			StartPos:   int(numberField(fields, "start")),
			EndPos:     int(numberField(fields, "end")),
			Confidence: numberField(fields, "score"),
		}
		if entity.Confidence < threshold {
			continue
		}
		entities = append(entities, entity)
	}
	return entities
}

// firstString returns the first key holding a string value
func firstString(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := fields[key].(string); ok {
			return s
		}
	}
	return ""
}

// numberField reads a numeric field, tolerating float64, json.Number,
// numeric strings and ints. Anything else yields 0.
func numberField(fields map[string]interface{}, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// decodeEntityRecords parses a backend response body. JSON that is not a
// list reports malformed=true and is treated as zero entities. A body that
// is not JSON at all is an error, which the client reports as
// malformed_response so the request can still fall back; do not fold it
// into the zero-entities case.
func decodeEntityRecords(body []byte) (records []interface{}, malformed bool, err error) {
	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, err
	}

	list, ok := payload.([]interface{})
	if !ok {
		return nil, true, nil
	}
	return list, false, nil
}
