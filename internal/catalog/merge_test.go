package catalog

import (
	"reflect"
	"testing"

	"github.com/yabo083/emojiluna/internal/model"
)

func TestMergeFieldsPrefersAIResultThenUser(t *testing.T) {
	name, category, tags := mergeFields("user-name", "user-category", nil, model.AIResult{
		Name:     "ai-name",
		Category: "ai-category",
	})
	if name != "ai-name" {
		t.Errorf("name = %q, want ai-name", name)
	}
	if category != "ai-category" {
		t.Errorf("category = %q, want ai-category", category)
	}
	if tags != nil {
		t.Errorf("tags = %v, want nil", tags)
	}
}

func TestMergeFieldsFallsBackToUserThenDefault(t *testing.T) {
	name, category, _ := mergeFields("user-name", "user-category", nil, model.AIResult{})
	if name != "user-name" {
		t.Errorf("name = %q, want user-name", name)
	}
	if category != "user-category" {
		t.Errorf("category = %q, want user-category", category)
	}

	_, category, _ = mergeFields("", "", nil, model.AIResult{})
	if category != model.DefaultCategory {
		t.Errorf("category = %q, want default %q", category, model.DefaultCategory)
	}
}

func TestMergeFieldsUnionsTagsPreservingFirstOccurrenceOrder(t *testing.T) {
	_, _, tags := mergeFields("", "", []string{"a", "b"}, model.AIResult{Tags: []string{"b", "c"}})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(tags, want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
}

func TestMergeFieldsIsDeterministic(t *testing.T) {
	result := model.AIResult{Name: "x", Category: "y", Tags: []string{"t1", "t2"}}
	n1, c1, tg1 := mergeFields("u", "v", []string{"t0"}, result)
	n2, c2, tg2 := mergeFields("u", "v", []string{"t0"}, result)
	if n1 != n2 || c1 != c2 || !reflect.DeepEqual(tg1, tg2) {
		t.Fatal("mergeFields should be a pure function of its inputs")
	}
}

func TestUnionPreservingOrderSkipsEmptyAndDuplicates(t *testing.T) {
	got := unionPreservingOrder([]string{"a", "", "a"}, []string{"b", "a", "c"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
