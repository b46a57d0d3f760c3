package filter

import (
	"reflect"
	"testing"

	"lotwatch/internal/model"
)

func TestApply(t *testing.T) {
	t.Parallel()
	f := New([]string{"Lenovo", "thinkpad"}, []string{"T480", "x1 carbon", "t14", " "})

	cases := []struct {
		name    string
		title   string
		desc    string
		keep    bool
		matched []string
	}{
		{"brand and model", "Lenovo ThinkPad T480", "", true, []string{"t480"}},
		{"model in description", "Lenovo laptop", "ThinkPad X1 Carbon Gen 6", true, []string{"x1 carbon"}},
		{"several models in config order", "ThinkPad T14 and T480 lot", "", true, []string{"t480", "t14"}},
		{"model without brand", "Dell T480 dock", "", false, nil},
		{"brand without model", "Lenovo IdeaPad 3", "", false, nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := f.Apply([]model.Listing{{ID: "x", Title: tc.title, Description: tc.desc}})
			if !tc.keep {
				if len(out) != 0 {
					t.Fatalf("expected listing dropped, got %+v", out)
				}
				return
			}
			if len(out) != 1 {
				t.Fatalf("expected listing kept")
			}
			if !reflect.DeepEqual(out[0].MatchedModels, tc.matched) {
				t.Fatalf("matched = %v, want %v", out[0].MatchedModels, tc.matched)
			}
		})
	}
}

func TestApplyKeepsOrder(t *testing.T) {
	t.Parallel()
	f := New([]string{"thinkpad"}, []string{"t480"})
	in := []model.Listing{
		{ID: "b", Title: "ThinkPad T480"},
		{ID: "skip", Title: "ThinkPad T14"},
		{ID: "a", Title: "ThinkPad T480s"},
	}
	out := f.Apply(in)
	if len(out) != 2 || out[0].ID != "b" || out[1].ID != "a" {
		t.Fatalf("unexpected output %+v", out)
	}
	if in[0].MatchedModels != nil {
		t.Fatal("input slice must not be mutated")
	}
}
