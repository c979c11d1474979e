package site

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/rs/zerolog"
)

type recordingInvalidator struct {
	keys []string
}

func (r *recordingInvalidator) Invalidate(key string) {
	r.keys = append(r.keys, key)
}

func newTestService(t *testing.T) (*Service, *recordingInvalidator) {
	t.Helper()
	repo, err := OpenFileRepository(filepath.Join(t.TempDir(), "auth.config.json"), "")
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(repo, zerolog.Nop())
	inv := &recordingInvalidator{}
	svc.SetTokenInvalidator(inv)
	return svc, inv
}

func testSite(name, baseURL string) Site {
	return Site{
		Name:        name,
		BaseURL:     baseURL,
		Username:    "user",
		Password:    "secret",
		TokenURL:    "/api/token/",
		PatientsURL: "/api/patients/",
	}
}

func TestService_ReplaceDropsBlankRows(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	doc, err := svc.Replace(ctx, []Site{testSite("A", "https://a.example"), {}, {Name: "  "}}, nil)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if len(doc.Sites) != 1 {
		t.Fatalf("expected 1 site, got %d", len(doc.Sites))
	}
	if doc.TokenRefreshInterval != DefaultTokenRefreshMinutes {
		t.Errorf("expected interval to be kept, got %d", doc.TokenRefreshInterval)
	}
}

func TestService_ReplaceKeepsInterval(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	minutes := 12
	if _, err := svc.Replace(ctx, nil, &minutes); err != nil {
		t.Fatal(err)
	}
	doc, err := svc.Replace(ctx, []Site{testSite("A", "https://a.example")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if doc.TokenRefreshInterval != 12 {
		t.Errorf("expected 12, got %d", doc.TokenRefreshInterval)
	}

	zero := 0
	if _, err := svc.Replace(ctx, nil, &zero); err == nil {
		t.Error("expected error for non-positive interval")
	}
}

func TestService_ReplaceValidation(t *testing.T) {
	tests := []struct {
		name  string
		sites []Site
		field string
	}{
		{"missing base url", []Site{{Name: "x", TokenURL: "/t", PatientsURL: "/p"}}, "baseUrl"},
		{"relative base url", []Site{testSite("x", "/relative")}, "baseUrl"},
		{"ftp base url", []Site{testSite("x", "ftp://files.example")}, "baseUrl"},
		{"duplicate base url", []Site{testSite("a", "https://a.example"), testSite("b", "https://a.example")}, "baseUrl"},
		{"missing token url", []Site{{BaseURL: "https://a.example", PatientsURL: "/p"}}, "tokenUrl"},
		{"missing patients url", []Site{{BaseURL: "https://a.example", TokenURL: "/t"}}, "patientsUrl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t)
			_, err := svc.Replace(context.Background(), tt.sites, nil)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, verr.Field)
			}
		})
	}
}

func TestService_NameDefaultsToHost(t *testing.T) {
	svc, _ := newTestService(t)
	st := testSite("", " https://clinic.example:8443 ")
	if _, err := svc.Replace(context.Background(), []Site{st}, nil); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Get(context.Background(), "https://clinic.example:8443")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "clinic.example:8443" {
		t.Errorf("expected host as name, got %q", got.Name)
	}
}

func TestService_InvalidatesChangedAndRemovedSites(t *testing.T) {
	svc, inv := newTestService(t)
	ctx := context.Background()

	a := testSite("A", "https://a.example")
	b := testSite("B", "https://b.example")
	c := testSite("C", "https://c.example")
	if _, err := svc.Replace(ctx, []Site{a, b, c}, nil); err != nil {
		t.Fatal(err)
	}
	inv.keys = nil

	b.Password = "rotated"
	if _, err := svc.Replace(ctx, []Site{a, b}, nil); err != nil {
		t.Fatal(err)
	}

	sort.Strings(inv.keys)
	want := []string{"https://b.example", "https://c.example"}
	if len(inv.keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, inv.keys)
	}
	for i := range want {
		if inv.keys[i] != want[i] {
			t.Errorf("expected %s, got %s", want[i], inv.keys[i])
		}
	}
}

func TestService_UpsertAndDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.Upsert(ctx, testSite("A", "https://a.example"))
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expected first upsert to create")
	}

	updated := testSite("A renamed", "https://a.example")
	created, err = svc.Upsert(ctx, updated)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected second upsert to update")
	}

	sites, _ := svc.List(ctx)
	if len(sites) != 1 || sites[0].Name != "A renamed" {
		t.Errorf("unexpected sites %+v", sites)
	}

	if err := svc.Delete(ctx, "https://a.example"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, "https://a.example"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Get(ctx, "https://a.example"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Summaries(t *testing.T) {
	svc, _ := newTestService(t)
	st := testSite("A", "https://a.example")
	st.Password = ""
	if _, err := svc.Replace(context.Background(), []Site{st}, nil); err != nil {
		t.Fatal(err)
	}
	sums, err := svc.Summaries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(sums))
	}
	if !sums[0].HasUsername || sums[0].HasPassword {
		t.Errorf("unexpected credential flags %+v", sums[0])
	}
}
