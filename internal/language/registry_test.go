package language

import "testing"

func TestResolveKnownTags(t *testing.T) {
	r := NewRegistry()

	cases := map[string]string{
		"en": "eng_Latn",
		"es": "spa_Latn",
		"ja": "jpn_Jpan",
		"ar": "arb_Arab",
	}
	for short, want := range cases {
		got, err := r.Resolve(short)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", short, err)
		}
		if got != want {
			t.Errorf("Resolve(%q) = %q, want %q", short, got, want)
		}
	}
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	got, err := r.Resolve("EN")
	if err != nil {
		t.Fatalf("Resolve(EN): %v", err)
	}
	if got != "eng_Latn" {
		t.Errorf("Resolve(EN) = %q, want eng_Latn", got)
	}
}

func TestResolveUnknownTag(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("xx"); err == nil {
		t.Fatal("Resolve(xx) succeeded, want error")
	}
	if r.Supports("xx") {
		t.Error("Supports(xx) = true")
	}
}

// Every model tag in the table must round-trip back to its short tag.
func TestRoundTrip(t *testing.T) {
	r := NewRegistry()
	for _, short := range r.Supported() {
		model, err := r.Resolve(short)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", short, err)
		}
		back, ok := r.ShortFor(model)
		if !ok {
			t.Fatalf("ShortFor(%q) not found", model)
		}
		if back != short {
			t.Errorf("ShortFor(Resolve(%q)) = %q", short, back)
		}
	}
}

func TestShortForUnknownModel(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.ShortFor("xxx_Latn"); ok {
		t.Error("ShortFor(xxx_Latn) = true, want false")
	}
}

func TestName(t *testing.T) {
	r := NewRegistry()
	if got := r.Name("fr"); got != "French" {
		t.Errorf("Name(fr) = %q", got)
	}
	if got := r.Name("xx"); got != "xx" {
		t.Errorf("Name(xx) = %q, want the tag itself", got)
	}
}

func TestSupportedIsSorted(t *testing.T) {
	r := NewRegistry()
	tags := r.Supported()
	if len(tags) == 0 {
		t.Fatal("no supported languages")
	}
	for i := 1; i < len(tags); i++ {
		if tags[i-1] >= tags[i] {
			t.Fatalf("Supported() not sorted at %d: %q >= %q", i, tags[i-1], tags[i])
		}
	}
}
