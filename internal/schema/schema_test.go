package schema

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) Document {
	t.Helper()
	var d Document
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatal(err)
	}
	return d
}

// subsetOf walks out and fails if it holds a key s does not allow.
func subsetOf(t *testing.T, s Schema, out Document, path string) {
	t.Helper()
	for k, v := range out {
		f, ok := s[k]
		if !ok {
			t.Errorf("%s%s not in allow-list", path, k)
			continue
		}
		if f.Properties == nil {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			subsetOf(t, f.Properties, val, path+k+".")
		case []any:
			for _, item := range val {
				subsetOf(t, f.Properties, item.(map[string]any), path+k+"[].")
			}
		}
	}
}

func TestFilterKeepsOnlyAllowListedFields(t *testing.T) {
	in := decode(t, `{
		"id": 550,
		"title": "Fight Club",
		"adult": false,
		"imdb_id": "tt0137523",
		"budget": 63000000,
		"softcore": true,
		"genres": [{"id": 18, "name": "Drama", "extra": 1}, "bogus"],
		"belongs_to_collection": {"id": 1, "name": "x", "secret": "y"},
		"production_companies": [{"id": 508, "logo_path": "/l.png", "name": "Regency", "origin_country": "US", "parent": null}],
		"credits": {"cast": [{"id": 819, "name": "Edward Norton", "adult": false}], "crew": [{"id": 7467, "job": "Director", "gender": 2, "x": 1}]},
		"keywords": [{"id": 825, "name": "support group", "junk": true}]
	}`)
	out := Movie.Filter(in)

	subsetOf(t, Movie, out, "")

	for _, k := range []string{"id", "title", "adult", "imdb_id", "budget"} {
		if _, ok := out[k]; !ok {
			t.Errorf("allow-listed key %q was dropped", k)
		}
	}
	if _, ok := out["softcore"]; ok {
		t.Error("unknown key survived")
	}
	genres := out["genres"].([]any)
	if len(genres) != 1 {
		t.Fatalf("genres = %v", genres)
	}
	if g := genres[0].(map[string]any); g["name"] != "Drama" || len(g) != 2 {
		t.Errorf("genre = %v", g)
	}
	crew := out["credits"].(map[string]any)["crew"].([]any)
	if c := crew[0].(map[string]any); c["job"] != "Director" || c["x"] != nil {
		t.Errorf("crew = %v", c)
	}
	// The input is left untouched.
	if _, ok := in["softcore"]; !ok {
		t.Error("Filter mutated its input")
	}
}

func TestFilterScalarWhereObjectDeclared(t *testing.T) {
	out := MovieDetails.Filter(Document{"belongs_to_collection": nil, "genres": "Drama"})
	if out["belongs_to_collection"] != nil || out["genres"] != nil {
		t.Errorf("out = %v", out)
	}
}

func TestIDOf(t *testing.T) {
	tests := []struct {
		doc  Document
		want string
		ok   bool
	}{
		{Document{"id": float64(550)}, "550", true},
		{Document{"id": float64(12345678901)}, "12345678901", true},
		{Document{"id": "5a1b2c"}, "5a1b2c", true},
		{Document{"id": 7}, "7", true},
		{Document{"id": ""}, "", false},
		{Document{"title": "x"}, "", false},
	}
	for _, tt := range tests {
		got, ok := IDOf(tt.doc)
		if got != tt.want || ok != tt.ok {
			t.Errorf("IDOf(%v) = %q, %v; want %q, %v", tt.doc, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFieldsFlattensNestedPaths(t *testing.T) {
	fields := Movie.Fields()
	for path, want := range map[string]FieldType{
		"genres.name":       Keyword,
		"credits.crew.job":  Keyword,
		"credits.cast.name": Text,
		"release_date":      Date,
		"popularity":        Float,
	} {
		if got := fields[path]; got != want {
			t.Errorf("Fields()[%q] = %q, want %q", path, got, want)
		}
	}
	if _, ok := fields["genres"]; ok {
		t.Error("object field should be represented by its leaves")
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		path     string
		typ      FieldType
		repeated bool
		ok       bool
	}{
		{"popularity", Float, false, true},
		{"genres.name", Keyword, true, true},
		{"credits.crew.job", Keyword, true, true},
		{"belongs_to_collection.name", Keyword, false, true},
		{"genre_ids", Integer, true, true},
		{"genres", "", false, false},
		{"nope.name", "", false, false},
	}
	for _, tt := range tests {
		f, repeated, ok := Movie.Lookup(tt.path)
		if ok != tt.ok || (ok && (f.Type != tt.typ || repeated != tt.repeated)) {
			t.Errorf("Lookup(%q) = %v, %v, %v", tt.path, f.Type, repeated, ok)
		}
	}
}
