package dispatch

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/trigger"
)

// PHONE_COLUMNS are tried in order before scanning every value.
var PHONE_COLUMNS = []string{"phone", "telefone", "celular", "whatsapp", "numero", "número", "fone", "mobile", "tel", "contato"}

var nonDigit = regexp.MustCompile(`\D+`)

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprint(t)
	}
}

// ExtractPhone finds the contact phone of a lead: first in the known phone
// columns (case insensitive), then by scanning every value for the country
// code followed by 10 or 11 digits. The result is normalized.
func ExtractPhone(lead model.Lead, countryCode string) (string, bool) {
	if countryCode == "" {
		countryCode = trigger.DEFAULT_COUNTRY_CODE
	}
	columns := make(map[string]any, len(lead))
	keys := make([]string, 0, len(lead))
	for k, v := range lead {
		columns[strings.ToLower(strings.TrimSpace(k))] = v
		keys = append(keys, k)
	}
	for _, c := range PHONE_COLUMNS {
		v, ok := columns[c]
		if !ok {
			continue
		}
		digits := nonDigit.ReplaceAllString(cellString(v), "")
		if n := len(digits); n >= 10 && n <= 11+len(countryCode) {
			return trigger.NormalizePhone(digits, countryCode), true
		}
	}

	sort.Strings(keys)
	for _, k := range keys {
		digits := nonDigit.ReplaceAllString(cellString(lead[k]), "")
		if national := len(digits) - len(countryCode); strings.HasPrefix(digits, countryCode) && national >= 10 && national <= 11 {
			return digits, true
		}
	}
	return "", false
}

// leadVariables exposes the lead columns to node and template placeholders.
func leadVariables(lead model.Lead, phone string, extra map[string]string) map[string]any {
	vars := make(map[string]any, len(lead)+len(extra)+1)
	for k, v := range extra {
		vars[k] = v
	}
	for k, v := range lead {
		vars[k] = v
	}
	vars["phone"] = phone
	return vars
}
