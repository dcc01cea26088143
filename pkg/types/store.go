package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CurrentStoreVersion is the schema version written by this build.
// Increment it and append to storeMigrations when the document shape changes.
const CurrentStoreVersion = 4

// ErrUnknownStoreVersion is returned for documents written by a newer build.
var ErrUnknownStoreVersion = errors.New("unknown store schema version")

// SiteForecasts is the persisted raw series of one site.
type SiteForecasts struct {
	Forecasts []Interval `json:"forecasts"`
}

// StoreDocument is the persisted forecast cache.
type StoreDocument struct {
	SchemaVersion int                      `json:"schema_version"`
	LastUpdated   time.Time                `json:"last_updated"`
	LastAttempt   time.Time                `json:"last_attempt"`
	SiteInfo      map[string]SiteForecasts `json:"siteinfo"`
}

type rawDocument = map[string]any

// storeMigration turns a document of version N into version N+1. It must not
// modify its input.
type storeMigration func(rawDocument) (rawDocument, error)

// storeMigrations[i] migrates version i+1 to version i+2.
var storeMigrations = []storeMigration{
	migrateStoreV2,
	migrateStoreV3,
	migrateStoreV4,
}

// version 2: add "version" and fill missing confidence bands from pv_estimate
func migrateStoreV2(in rawDocument) (rawDocument, error) {
	doc := cloneRaw(in)
	sites, err := siteInfo(doc)
	if err != nil {
		return nil, err
	}
	for id, v := range sites {
		site, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("site %s is not an object", id)
		}
		forecasts, _ := site["forecasts"].([]any)
		for i, f := range forecasts {
			interval, ok := f.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("site %s interval %d is not an object", id, i)
			}
			for _, band := range []string{"pv_estimate10", "pv_estimate90"} {
				if _, ok := interval[band]; !ok {
					interval[band] = interval["pv_estimate"]
				}
			}
		}
	}
	doc["version"] = float64(2)
	return doc, nil
}

// version 3: add last_attempt, defaulting to last_updated
func migrateStoreV3(in rawDocument) (rawDocument, error) {
	doc := cloneRaw(in)
	if _, ok := doc["last_attempt"]; !ok {
		if lu, ok := doc["last_updated"]; ok {
			doc["last_attempt"] = lu
		}
	}
	doc["version"] = float64(3)
	return doc, nil
}

// version 4: rename version to schema_version and drop the per-site tally,
// which is derived on every rebuild
func migrateStoreV4(in rawDocument) (rawDocument, error) {
	doc := cloneRaw(in)
	sites, err := siteInfo(doc)
	if err != nil {
		return nil, err
	}
	for _, v := range sites {
		if site, ok := v.(map[string]any); ok {
			delete(site, "tally")
		}
	}
	delete(doc, "version")
	doc["schema_version"] = float64(4)
	return doc, nil
}

func siteInfo(doc rawDocument) (map[string]any, error) {
	v, ok := doc["siteinfo"]
	if !ok {
		return nil, errors.New("missing siteinfo")
	}
	sites, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("siteinfo is not an object")
	}
	return sites, nil
}

// storeVersion detects the schema version of a raw document. Documents
// without any version field predate versioning and are version 1.
func storeVersion(doc rawDocument) (int, error) {
	for _, k := range []string{"schema_version", "version"} {
		v, ok := doc[k]
		if !ok {
			continue
		}
		f, ok := v.(float64)
		if !ok || f != float64(int(f)) || f < 1 {
			return 0, fmt.Errorf("invalid %s: %v", k, v)
		}
		return int(f), nil
	}
	return 1, nil
}

// MigrateStore decodes a persisted store document of any known version and
// returns it at CurrentStoreVersion, along with whether any migration ran.
func MigrateStore(data []byte) (StoreDocument, bool, error) {
	var doc rawDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return StoreDocument{}, false, fmt.Errorf("failed to decode store: %w", err)
	}
	if doc == nil {
		return StoreDocument{}, false, errors.New("store document is null")
	}
	version, err := storeVersion(doc)
	if err != nil {
		return StoreDocument{}, false, err
	}
	if version > CurrentStoreVersion {
		return StoreDocument{}, false, fmt.Errorf("%w: %d", ErrUnknownStoreVersion, version)
	}
	if _, err := siteInfo(doc); err != nil {
		return StoreDocument{}, false, err
	}

	migrated := false
	for v := version; v < CurrentStoreVersion; v++ {
		doc, err = storeMigrations[v-1](doc)
		if err != nil {
			return StoreDocument{}, false, fmt.Errorf("failed to migrate store from version %d: %w", v, err)
		}
		migrated = true
	}

	// re-encode the migrated shape and decode strictly into the typed document
	b, err := json.Marshal(doc)
	if err != nil {
		return StoreDocument{}, false, fmt.Errorf("failed to encode migrated store: %w", err)
	}
	var s StoreDocument
	if err := json.Unmarshal(b, &s); err != nil {
		return StoreDocument{}, false, fmt.Errorf("failed to decode migrated store: %w", err)
	}
	for id, site := range s.SiteInfo {
		for _, i := range site.Forecasts {
			if !i.Aligned() {
				return StoreDocument{}, false, fmt.Errorf("site %s has misaligned interval %s", id, i.PeriodStart)
			}
		}
	}
	return s, migrated, nil
}

func cloneRaw(in rawDocument) rawDocument {
	return cloneValue(in).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}
