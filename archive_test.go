package modplay

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func zipOf(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(files[name]); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipOf(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnpack(t *testing.T) {
	mod := buildMOD("packed", "M.K.")
	readme := []byte("greetings to everyone at the party, this is a long readme file")

	tests := []struct {
		name     string
		path     string
		data     []byte
		wantName string
		want     []byte
	}{
		{"plain module", "song.mod", mod, "song.mod", mod},
		{"gzip", "song.mod.gz", gzipOf(t, mod), "song.mod", mod},
		{
			"zip picks module",
			"pack.zip",
			zipOf(t, map[string][]byte{"readme.txt": readme, "song.mod": mod}, []string{"readme.txt", "song.mod"}),
			"pack.zip/song.mod",
			mod,
		},
		{
			"zip without module picks largest",
			"pack.zip",
			zipOf(t, map[string][]byte{"a.txt": []byte("x"), "b.txt": readme}, []string{"a.txt", "b.txt"}),
			"pack.zip/b.txt",
			readme,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, data, err := unpack(context.Background(), tt.path, tt.data)
			if err != nil {
				t.Fatalf("unpack() error = %v", err)
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if !bytes.Equal(data, tt.want) {
				t.Errorf("unpacked %d bytes, want %d", len(data), len(tt.want))
			}
		})
	}
}

func TestUnpackEmptyArchive(t *testing.T) {
	_, _, err := unpack(context.Background(), "empty.zip", zipOf(t, nil, nil))
	if err == nil {
		t.Error("unpack() of an empty zip should fail")
	}
}

func TestLoaderUnpacksArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "song.zip")
	data := zipOf(t, map[string][]byte{"song.mod": buildMOD("zipped", "M.K.")}, []string{"song.mod"})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	b := &recordingBackend{name: "a", accept: true}
	mod, err := NewLoader(b).Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defer mod.Decoder.Free()

	if mod.Path != path {
		t.Errorf("Path = %q, want the archive path", mod.Path)
	}
	if mod.Metadata.Title != "zipped" {
		t.Errorf("metadata = %+v", mod.Metadata)
	}
	if !bytes.Equal(b.got, buildMOD("zipped", "M.K.")) {
		t.Error("backend did not receive the unpacked module")
	}
}
