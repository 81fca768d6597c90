package heatmap

import (
	"os"
	"reflect"
	"testing"

	"idreader/internal/predict"
)

func TestSaveLoadRestoresPaperKeys(t *testing.T) {
	dir := t.TempDir()
	probs := map[int]predict.ProbMatrix{
		7:    {{0.1, 0.2, 0.3, 0, 0, 0, 0, 0, 0, 0.4}},
		1042: {{0, 0, 0, 0, 0, 0.9, 0, 0, 0.1, 0}},
	}
	if err := Save(dir, probs); err != nil {
		t.Fatal(err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, probs) {
		t.Fatalf("round trip mismatch:\ngot  %+v\nwant %+v", got, probs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("want error when no heatmap has been saved")
	}
}

func TestLoadRejectsNonNumericKeys(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte(`{"not-a-paper": [[0.5]]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("want error for a non-numeric paper key")
	}
}
