package pg

import (
	"reflect"
	"testing"
)

func TestStringArray_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		tags []string
	}{
		{"plain", []string{"daily", "market-data"}},
		{"comma in tag", []string{"jp,equities", "daily"}},
		{"braces in tag", []string{"{broken}", "ok"}},
		{"quotes and backslash", []string{`say "hi"`, `back\slash`}},
		{"empty element", []string{"", "daily"}},
		{"single", []string{"one"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := scanStringArray([]byte(pqStringArray(tc.tags)))
			if !reflect.DeepEqual(got, tc.tags) {
				t.Errorf("round trip = %#v, want %#v", got, tc.tags)
			}
		})
	}
}

func TestStringArray_Empty(t *testing.T) {
	if lit := pqStringArray(nil); lit != "{}" {
		t.Errorf("literal = %q, want {}", lit)
	}
	if got := scanStringArray([]byte("{}")); got != nil {
		t.Errorf("scan {} = %#v, want nil", got)
	}
	if got := scanStringArray(nil); got != nil {
		t.Errorf("scan nil = %#v, want nil", got)
	}
}

func TestStringArray_ScansBareElements(t *testing.T) {
	// Rows written before quoting come back bare; both forms must parse.
	got := scanStringArray([]byte("{daily,market-data}"))
	want := []string{"daily", "market-data"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("scan = %#v, want %#v", got, want)
	}
}
