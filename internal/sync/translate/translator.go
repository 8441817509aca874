// Package translate converts record payloads between local field names and
// the remote service's schema. All name translation lives here; nothing
// elsewhere in the engine checks both spellings of a field.
package translate

import (
	"time"

	"github.com/grangeworks/farmbook/internal/errors"
	"github.com/grangeworks/farmbook/internal/models"
)

// tableDict describes one table's translation.
type tableDict struct {
	// toRemote maps local field names to remote field names. The reverse
	// map is derived, so the dictionary must be bijective.
	toRemote map[string]string
	// cleanup lists remote-only fields (nested relation objects, computed
	// aggregates) that must be dropped before a local write.
	cleanup []string
}

// Remote fields carrying timestamps, normalized to unix seconds in both
// directions.
var timestampFields = map[string]bool{
	"updated_at":    true,
	"updatedDate":   true,
	"startDate":     true,
	"performedDate": true,
}

var dictionaries = map[string]*tableDict{
	models.TableFarms: {
		toRemote: map[string]string{
			"name":     "farmName",
			"location": "address",
			"acreage":  "sizeAcres",
			"notes":    "notes",
		},
		cleanup: []string{"owner", "fieldCount", "batchCount", "createdBy", "syncVersion"},
	},
	models.TableFields: {
		toRemote: map[string]string{
			"name":      "fieldName",
			"farm_id":   "farmId",
			"soil_type": "soilType",
			"acreage":   "sizeAcres",
		},
		cleanup: []string{"farm", "batchCount", "syncVersion"},
	},
	models.TableBatches: {
		toRemote: map[string]string{
			"crop":       "cropName",
			"farm_id":    "farmId",
			"field_id":   "fieldId",
			"quantity":   "quantity",
			"unit":       "quantityUnit",
			"started_at": "startDate",
		},
		cleanup: []string{"farm", "field", "activityCount", "syncVersion"},
	},
	models.TableActivities: {
		toRemote: map[string]string{
			"batch_id":     "batchId",
			"kind":         "activityType",
			"performed_at": "performedDate",
			"notes":        "notes",
		},
		cleanup: []string{"batch", "syncVersion"},
	},
}

// Translator applies per-table field dictionaries symmetrically on the
// upload and download paths. Translation is idempotent: re-translating an
// already-translated payload leaves it unchanged, since retries may re-run
// it.
type Translator struct {
	dicts map[string]*tableDict
}

// New returns a Translator for the synchronized tables.
func New() *Translator {
	return &Translator{dicts: dictionaries}
}

// ToRemote translates a local payload into the remote schema.
func (t *Translator) ToRemote(table string, fields map[string]interface{}) (map[string]interface{}, error) {
	dict, ok := t.dicts[table]
	if !ok {
		return nil, errors.New(errors.ErrUnknownTable, "no translation dictionary for table "+table)
	}

	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		name := k
		if remote, ok := dict.toRemote[k]; ok {
			name = remote
		}
		out[name] = normalizeValue(name, v)
	}
	// Soft-delete marker travels as is_deleted on the wire.
	if v, ok := out["deleted"]; ok {
		delete(out, "deleted")
		out["is_deleted"] = v
	}
	return out, nil
}

// ToLocal translates a remote payload into the local schema and drops
// remote-only fields that have no local counterpart.
func (t *Translator) ToLocal(table string, fields map[string]interface{}) (map[string]interface{}, error) {
	dict, ok := t.dicts[table]
	if !ok {
		return nil, errors.New(errors.ErrUnknownTable, "no translation dictionary for table "+table)
	}

	toLocal := make(map[string]string, len(dict.toRemote))
	for local, remote := range dict.toRemote {
		toLocal[remote] = local
	}
	dropped := make(map[string]bool, len(dict.cleanup))
	for _, f := range dict.cleanup {
		dropped[f] = true
	}

	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if dropped[k] {
			continue
		}
		name := k
		if local, ok := toLocal[k]; ok {
			name = local
		}
		out[name] = normalizeValue(k, v)
	}
	if v, ok := out["is_deleted"]; ok {
		delete(out, "is_deleted")
		out["deleted"] = v
	}
	return out, nil
}

// CleanupFields returns the remote-only field names dropped for a table.
func (t *Translator) CleanupFields(table string) []string {
	if dict, ok := t.dicts[table]; ok {
		return append([]string(nil), dict.cleanup...)
	}
	return nil
}

// normalizeValue coerces timestamp fields to unix seconds. Values already
// numeric pass through, so repeated normalization is stable.
func normalizeValue(field string, v interface{}) interface{} {
	if !timestampFields[field] {
		return v
	}
	switch ts := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			return parsed.Unix()
		}
		return v
	case float64:
		return int64(ts)
	default:
		return v
	}
}
