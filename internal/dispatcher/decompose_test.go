package dispatcher

import (
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		request string
		want    []string
	}{
		{"add a login page", []string{"add a login page"}},
		{"  add a login page.  ", []string{"add a login page"}},
		{"Add a login page. Then document the api!", []string{"Add a login page", "Then document the api"}},
		{"fix the build; update the changelog entry", []string{"fix the build", "update the changelog entry"}},
		{"implement secure login with tests and then build a react frontend component",
			[]string{"implement secure login with tests", "build a react frontend component"}},
		{"write the parser AND add fuzz tests for it", []string{"write the parser", "add fuzz tests for it"}},
		// Short phrases around "and" stay together
		{"add salt and pepper to the soup", []string{"add salt and pepper to the soup"}},
		{"research cats and dogs", []string{"research cats and dogs"}},
		{"", nil},
	}
	for _, tt := range tests {
		t.Run(tt.request, func(t *testing.T) {
			got := Split(tt.request)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split(%q) = %q, want %q", tt.request, got, tt.want)
			}
		})
	}
}
