package pipeline

import (
	"reflect"
	"strings"
	"testing"

	"github.com/rpattn/tidyexport/internal/domain"
	"github.com/rpattn/tidyexport/internal/schema"
)

func TestNormalizeAddsLocalTime(t *testing.T) {
	logger, _ := bufferLogger()
	normalizer := NewNormalizer(defaultCache(t), DefaultUnitPolicy(domain.UnitsMmolL), logger)

	rec := normalizer.Normalize(decodeRecord(t, `{"type":"cbg","time":"2024-03-01T10:00:00Z","timezoneOffset":-300,"value":5.5,"units":"mmol/L"}`))
	if rec["localTime"] != "2024-03-01T05:00:00.000" {
		t.Fatalf("unexpected localTime %v", rec["localTime"])
	}

	rec = normalizer.Normalize(decodeRecord(t, `{"type":"cbg","time":"2024-03-01T10:00:00Z","value":5.5}`))
	if _, ok := rec["localTime"]; ok {
		t.Fatalf("localTime must not be derived without an offset: %v", rec)
	}

	rec = normalizer.Normalize(decodeRecord(t, `{"type":"cbg","time":"yesterday","timezoneOffset":60}`))
	if _, ok := rec["localTime"]; ok {
		t.Fatalf("localTime must not be derived from an unparsable time: %v", rec)
	}
}

func TestNormalizeStringifiesBeforeConverting(t *testing.T) {
	cache := schema.Build([]domain.TypeSpec{{
		Type: "wizard",
		Fields: []domain.FieldSpec{
			{Name: "type"},
			{Name: "bgTarget", Stringify: true},
			{Name: "units"},
		},
	}})
	logger, _ := bufferLogger()
	normalizer := NewNormalizer(cache, DefaultUnitPolicy(domain.UnitsMgdL), logger)

	rec := normalizer.Normalize(decodeRecord(t, `{"type":"wizard","bgTarget":{"low":4.4,"high":7.2},"units":"mmol/L"}`))
	if rec["bgTarget"] != `{"high":130,"low":79}` {
		t.Fatalf("expected converted JSON text, got %#v", rec["bgTarget"])
	}
	if rec["units"] != "mg/dL" {
		t.Fatalf("unexpected units %v", rec["units"])
	}
}

func TestNormalizeStringifyLeavesStringsAlone(t *testing.T) {
	logger, _ := bufferLogger()
	normalizer := NewNormalizer(defaultCache(t), DefaultUnitPolicy(domain.UnitsMmolL), logger)

	rec := normalizer.Normalize(decodeRecord(t, `{"type":"cbg","annotations":[{"code":"bg/out-of-range"}],"payload":"raw"}`))
	if rec["annotations"] != `[{"code":"bg/out-of-range"}]` {
		t.Fatalf("unexpected annotations %#v", rec["annotations"])
	}
	if rec["payload"] != "raw" {
		t.Fatalf("string payload was re-encoded: %#v", rec["payload"])
	}
}

func TestNormalizeAppliesTransform(t *testing.T) {
	logger, _ := bufferLogger()
	normalizer := NewNormalizer(defaultCache(t), DefaultUnitPolicy(domain.UnitsMmolL), logger)

	rec := normalizer.Normalize(decodeRecord(t, `{"type":"basal","deliveryType":"scheduled","duration":1800000,"rate":0.8}`))
	if rec["duration"] != 30.0 {
		t.Fatalf("expected duration in minutes, got %v", rec["duration"])
	}
	if rec["rate"] != 0.8 {
		t.Fatalf("transform must only touch the fields it renders: %v", rec)
	}

	rec = normalizer.Normalize(decodeRecord(t, `{"type":"basal","deliveryType":"suspend"}`))
	if _, ok := rec["duration"]; ok {
		t.Fatalf("empty transform output must not add fields: %v", rec)
	}
}

func TestNormalizeTransformFailureIsLogged(t *testing.T) {
	cache := schema.Build([]domain.TypeSpec{{
		Type:      "food",
		Fields:    []domain.FieldSpec{{Name: "type"}, {Name: "name"}},
		Transform: `not json`,
	}})
	logger, logs := bufferLogger()
	normalizer := NewNormalizer(cache, DefaultUnitPolicy(domain.UnitsMmolL), logger)

	rec := normalizer.Normalize(domain.Record{"type": "food", "name": "apple"})
	want := domain.Record{"type": "food", "name": "apple"}
	if !reflect.DeepEqual(rec, want) {
		t.Fatalf("failed transform changed the record: %v", rec)
	}
	if !strings.Contains(logs.String(), "transform skipped for food record") {
		t.Fatalf("expected a warning, got %q", logs.String())
	}
}

func TestNormalizeIsIdempotentWithoutTransforms(t *testing.T) {
	inputs := []string{
		`{"type":"cbg","time":"2024-03-01T10:00:00Z","timezoneOffset":60,"value":5.5,"units":"mmol/L","annotations":[{"code":"x"}]}`,
		`{"type":"wizard","bgInput":120,"bgTarget":{"low":80,"high":140},"insulinSensitivity":40,"units":"mg/dL"}`,
		`{"type":"pumpSettings.bgTarget","bgTarget":{"name":"standard","low":4.4,"high":6.7,"start":0},"units":{"bg":"mmol/L","carb":"grams"}}`,
	}
	for _, target := range []domain.Units{domain.UnitsMgdL, domain.UnitsMmolL} {
		logger, _ := bufferLogger()
		normalizer := NewNormalizer(defaultCache(t), DefaultUnitPolicy(target), logger)
		for _, raw := range inputs {
			once := normalizer.Normalize(decodeRecord(t, raw))
			twice := normalizer.Normalize(deepCopy(t, once))
			if !reflect.DeepEqual(once, twice) {
				t.Fatalf("%s to %s is not idempotent:\nonce:  %v\ntwice: %v", raw, target, once, twice)
			}
		}
	}
}
