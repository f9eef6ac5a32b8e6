package worker

import (
	"testing"

	"github.com/omnipkg/omnipkgd/pkg/types"
)

func TestSpecFromBubbleDirParsesNameAndVersion(t *testing.T) {
	spec, ok := specFromBubbleDir("rich-13.5.3")
	if !ok {
		t.Fatalf("specFromBubbleDir() ok = false, want true")
	}
	want := types.Spec{Name: "rich", Version: "13.5.3"}
	if spec != want {
		t.Fatalf("specFromBubbleDir() = %+v, want %+v", spec, want)
	}
}

func TestSpecFromBubbleDirRejectsNonBubbleEntries(t *testing.T) {
	cases := []string{"rich-13.5.3.tmp", ".build.lock", "noversion", ""}
	for _, name := range cases {
		if _, ok := specFromBubbleDir(name); ok {
			t.Fatalf("specFromBubbleDir(%q) ok = true, want false", name)
		}
	}
}
