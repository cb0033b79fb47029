package naming

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMapper_MapName(t *testing.T) {
	custom := map[string]string{
		"company/backend":          "be",
		"company/backend/services": "svc",
		"company/legacy/monolith":  "the-monolith",
	}

	tests := []struct {
		name   string
		mapper Mapper
		path   string
		want   string
	}{
		{"default", Mapper{}, "company/backend/services/auth", "company-backend-services-auth"},
		{"flatten", Mapper{Strategy: Flatten}, "a/b/c", "a-b-c"},
		{"flatten_separator", Mapper{Strategy: Flatten, Separator: "_"}, "a/b/c", "a_b_c"},
		{"flatten_strip_parent", Mapper{Strategy: Flatten, StripParentGroup: true}, "company/backend/auth", "backend-auth"},
		{"flatten_strip_parent_single", Mapper{Strategy: Flatten, StripParentGroup: true}, "auth", "auth"},
		{"flatten_keep_last", Mapper{Strategy: Flatten, KeepLastN: 2}, "company/backend/services/auth", "services-auth"},
		{"flatten_keep_more_than_levels", Mapper{Strategy: Flatten, KeepLastN: 10}, "a/b", "a-b"},
		{"flatten_normalise", Mapper{Strategy: Flatten}, "/a//b/c/", "a-b-c"},
		{"prefix", Mapper{Strategy: Prefix}, "company/backend/services/auth", "auth"},
		{"prefix_keep_last", Mapper{Strategy: Prefix, KeepLastN: 2}, "company/backend/services/auth", "services-auth"},
		{"prefix_ignores_strip", Mapper{Strategy: Prefix, StripParentGroup: true}, "company/auth", "auth"},
		{"full_path", Mapper{Strategy: FullPath, Separator: "_"}, "company/backend/services/auth", "company_backend_services_auth"},
		{"full_path_ignores_keep", Mapper{Strategy: FullPath, KeepLastN: 1}, "a/b/c", "a-b-c"},
		{"custom_exact", Mapper{Strategy: Custom, Custom: custom}, "company/legacy/monolith", "the-monolith"},
		{"custom_prefix", Mapper{Strategy: Custom, Custom: custom}, "company/backend/api", "be-api"},
		{"custom_longest_prefix", Mapper{Strategy: Custom, Custom: custom}, "company/backend/services/auth/v2", "svc-auth-v2"},
		{"custom_prefix_needs_boundary", Mapper{Strategy: Custom, Custom: custom}, "company/backend-tools/x", "company-backend-tools-x"},
		{"custom_fallback", Mapper{Strategy: Custom, Custom: custom, Fallback: Prefix}, "other/group/repo", "repo"},
		{"custom_fallback_custom", Mapper{Strategy: Custom, Custom: custom, Fallback: Custom}, "other/repo", "other-repo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.mapper.MapName(tt.path); got != tt.want {
				t.Errorf("MapName() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMapper_Topics(t *testing.T) {
	tests := []struct {
		name   string
		mapper Mapper
		path   string
		want   []string
	}{
		{"nested", Mapper{}, "Company/Backend/services/auth", []string{"company", "backend", "services"}},
		{"strip_parent", Mapper{StripParentGroup: true}, "company/backend/services/auth", []string{"backend", "services"}},
		{"strip_single_parent", Mapper{StripParentGroup: true}, "company/auth", []string{"company"}},
		{"no_group", Mapper{}, "auth", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.mapper.Topics(tt.path)); diff != "" {
				t.Errorf("Topics() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMapper_DetectConflicts(t *testing.T) {
	m := Mapper{Strategy: Prefix}
	got := m.DetectConflicts([]string{
		"company/backend/auth",
		"company/frontend/auth",
		"company/frontend/web",
		"other/auth",
	})
	want := map[string][]string{
		"auth": {"company/backend/auth", "company/frontend/auth", "other/auth"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DetectConflicts() mismatch (-want +got):\n%s", diff)
	}

	if got := (&Mapper{}).DetectConflicts([]string{"a/b", "a/c"}); len(got) != 0 {
		t.Errorf("DetectConflicts() = %v, want none", got)
	}
}

func TestMapper_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mapper  Mapper
		want    Mapper
		wantErr string
	}{
		{"defaults", Mapper{}, Mapper{Strategy: Flatten, Separator: "-", Fallback: Flatten}, ""},
		{"unknown", Mapper{Strategy: "tree"}, Mapper{}, `unknown mapping strategy "tree"`},
		{"custom_fallback", Mapper{Strategy: Custom, Custom: map[string]string{"a": "b"}, Fallback: Custom}, Mapper{}, `invalid fallback strategy "custom"`},
		{"custom_without_mappings", Mapper{Strategy: Custom}, Mapper{}, "custom strategy requires mappings"},
		{"negative_levels", Mapper{KeepLastN: -1}, Mapper{}, "keep_last_n_levels must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mapper.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				if diff := cmp.Diff(tt.want, tt.mapper); diff != "" {
					t.Errorf("Validate() mismatch (-want +got):\n%s", diff)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"my-repo", false},
		{"My_Repo.v2", false},
		{strings.Repeat("x", 100), false},
		{strings.Repeat("x", 101), true},
		{"", true},
		{".", true},
		{"..", true},
		{"repo.git", true},
		{"-repo", true},
		{"_repo", true},
		{".repo", true},
		{"repo name", true},
		{"group/repo", true},
		{"répo", true},
	}
	for _, tt := range tests {
		if err := ValidateName(tt.name); (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
