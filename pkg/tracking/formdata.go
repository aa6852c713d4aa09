package tracking

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/sitebeacon/beacon/pkg/attribution"
)

// fieldAliases maps canonical form-field names to their accepted aliases.
// Lookup is case-insensitive and treats hyphens as underscores.
var fieldAliases = map[string][]string{
	"email": {
		"email", "e_mail", "mail", "email_address", "emailaddress",
		"your_email", "user_email", "contact_email",
	},
	"first_name": {
		"first_name", "firstname", "fname", "given_name",
	},
	"last_name": {
		"last_name", "lastname", "lname", "surname", "family_name",
	},
	"phone": {
		"phone", "phone_number", "telephone", "tel", "mobile",
	},
	"company": {
		"company", "company_name", "organization", "organisation",
	},
}

// aliasIndex is the flattened normalized-alias → canonical-name lookup.
var aliasIndex = func() map[string]string {
	idx := make(map[string]string)
	for canonical, aliases := range fieldAliases {
		for _, a := range aliases {
			idx[a] = canonical
		}
	}
	return idx
}()

// normalizeFieldName lowercases the name, folds hyphens to underscores, and
// maps known aliases to their canonical form. Unknown names pass through
// normalized.
func normalizeFieldName(name string) string {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	if canonical, ok := aliasIndex[n]; ok {
		return canonical
	}
	return n
}

// NormalizeFormData normalizes every key of a raw form-data map. Values are
// trimmed; empty keys and values are dropped.
func NormalizeFormData(raw map[string]string) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := normalizeFieldName(k)
		val := strings.TrimSpace(v)
		if key == "" || val == "" {
			continue
		}
		out[key] = val
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseFormData accepts the request's form_data, which may arrive as a JSON
// object or as a JSON string containing an object, and returns the
// normalized map.
func ParseFormData(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	// A JSON string containing an encoded object.
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if encoded == "" {
			return nil, nil
		}
		raw = json.RawMessage(encoded)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, NewValidationError("form_data", "must be a JSON object")
	}

	flat := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			flat[k] = val
		case float64, bool:
			b, _ := json.Marshal(val)
			flat[k] = string(b)
		}
	}
	return NormalizeFormData(flat), nil
}

// DeriveFormDataFromURL extracts form fields from page-URL query
// parameters: every parameter outside the recognized tracking set, after
// name normalization. The result is kept only when it contains an email;
// URL parameters without one are not treated as a form submission.
func DeriveFormDataFromURL(pageURL string) map[string]string {
	if pageURL == "" {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil
	}

	raw := make(map[string]string)
	for name, vs := range values {
		if attribution.IsTrackingParam(name) || len(vs) == 0 {
			continue
		}
		raw[name] = vs[0]
	}

	form := NormalizeFormData(raw)
	if form == nil || form["email"] == "" {
		return nil
	}
	return form
}

// EncodeFormData renders the normalized map as the JSON string persisted in
// the event row.
func EncodeFormData(form map[string]string) (string, error) {
	if len(form) == 0 {
		return "", nil
	}
	b, err := json.Marshal(form)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
