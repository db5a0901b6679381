package domain

import "testing"

func TestParseID(t *testing.T) {
	valid, err := ParseID("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !valid.Valid() {
		t.Fatalf("Valid() returned false for a valid id")
	}

	cases := []string{"", "short", "XYZ", "0123456789ABCDEF0123456789ABCDEF", "0123456789abcdef0123456789abcdeg", "../../../../etc/passwd.json......"}
	for _, c := range cases {
		if _, err := ParseID(c); err != ErrInvalidID {
			t.Errorf("expected ErrInvalidID for %q, got %v", c, err)
		}
	}
}

func TestNewID(t *testing.T) {
	const n = 1000
	unique := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := NewID()
		s := id.String()
		if len(s) != 32 {
			t.Fatalf("id length unexpected: %d", len(s))
		}
		if !id.Valid() {
			t.Fatalf("generated id invalid: %s", id)
		}
		for _, c := range s {
			if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
				t.Fatalf("id contains non-hex lowercase char: %s", s)
			}
		}
		if _, exists := unique[s]; exists {
			t.Fatalf("duplicate id generated: %s", s)
		}
		unique[s] = struct{}{}
	}
}

func TestParseRequestedID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    SecretID
		wantErr bool
	}{
		{name: "canonical", in: "0123456789abcdef0123456789abcdef", want: "0123456789abcdef0123456789abcdef"},
		{name: "uuid v4", in: "3b241101-e2bb-4255-8caf-4136c566a962", want: "3b241101e2bb42558caf4136c566a962"},
		{name: "uuid upper", in: "3B241101-E2BB-4255-8CAF-4136C566A962", want: "3b241101e2bb42558caf4136c566a962"},
		{name: "uppercase hex", in: "0123456789ABCDEF0123456789ABCDEF", want: "0123456789abcdef0123456789abcdef"},
		{name: "empty", in: "", wantErr: true},
		{name: "garbage", in: "not-an-id", wantErr: true},
		{name: "path", in: "../secret", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRequestedID(tc.in)
			if tc.wantErr {
				if err != ErrInvalidID {
					t.Fatalf("expected ErrInvalidID, got %v (%q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
			if !got.Valid() {
				t.Fatalf("normalized id not canonical: %q", got)
			}
		})
	}
}

func TestSecretIDValidMethod(t *testing.T) {
	id := SecretID("0123456789abcdef0123456789abcdef")
	if !id.Valid() {
		t.Fatalf("expected id to be valid")
	}
	bad := SecretID("g123456789abcdef0123456789abcdef")
	if bad.Valid() {
		t.Fatalf("expected invalid id")
	}
}
