package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"payout-sheet-sync/internal/model"
)

// requiredFields must be present in every extraction result
var requiredFields = []string{"item_name", "sale_price", "proceeds", "sale_date"}

// Parse decodes the model output into a record. The output must be a JSON
// object, optionally wrapped in a Markdown code fence, holding every required
// field as a string or number. cert_number may be missing or null.
func Parse(text string) (model.Record, error) {
	text = stripCodeFence(strings.TrimSpace(text))

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return model.Record{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	fields := make(map[string]string, len(raw))
	for name, value := range raw {
		s, ok, err := scalar(value)
		if err != nil {
			return model.Record{}, fmt.Errorf("%w: field %s: %v", ErrParse, name, err)
		}
		if ok {
			fields[name] = s
		}
	}

	var missing []string
	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return model.Record{}, fmt.Errorf("%w: missing %s", ErrParse, strings.Join(missing, ", "))
	}

	rec := model.Record{
		ItemName:  fields["item_name"],
		SalePrice: fields["sale_price"],
		Proceeds:  fields["proceeds"],
		SaleDate:  fields["sale_date"],
	}
	if cert, ok := fields["cert_number"]; ok {
		rec.CertNumber = model.Cert(cert)
	}
	return rec, nil
}

// scalar renders a JSON string or number as text. Null reports !ok.
func scalar(value json.RawMessage) (string, bool, error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 || string(value) == "null" {
		return "", false, nil
	}

	switch value[0] {
	case '"':
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	case '{', '[', 't', 'f':
		return "", false, fmt.Errorf("unexpected value %s", value)
	default:
		var n json.Number
		if err := json.Unmarshal(value, &n); err != nil {
			return "", false, err
		}
		return n.String(), true, nil
	}
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		// drop the language tag, e.g. ```json
		text = text[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
