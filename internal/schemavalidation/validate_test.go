// Package schemavalidation checks that the artifacts the engine emits
// conform to the published JSON Schemas under docs/schema.
package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mehsaandev/code-time-machine/internal/engine"
	"github.com/mehsaandev/code-time-machine/internal/eventlog"
	"github.com/mehsaandev/code-time-machine/internal/logging"
	"github.com/mehsaandev/code-time-machine/internal/metrics"
	"github.com/mehsaandev/code-time-machine/internal/session"
)

func TestExportManifestMatchesSchema(t *testing.T) {
	schema := compileSchema(t, "export-manifest.schema.json")

	dir := t.TempDir()
	root := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}

	log, err := logging.New(&logging.Config{
		Level:     logging.LevelError,
		Format:    logging.FormatText,
		Output:    "stderr",
		Component: "test",
	})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	elog, err := eventlog.Open(filepath.Join(dir, "events.db"), time.Second, log)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	defer elog.Close()

	sessions := session.NewManager(elog, root, 30*time.Minute, log)
	eng, err := engine.New(engine.Options{
		Root:        root,
		ArchivePath: filepath.Join(dir, "blobs.ctmb"),
	}, elog, sessions, metrics.NewEngineMetrics(metrics.NewRegistry("test", "")), log)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	defer eng.Close()

	content := "line one\nline two\n"
	path := filepath.Join(root, "sub", "doc.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := eng.RecordEdit(engine.EditEvent{
		Kind:      engine.EditFullReplace,
		Path:      "sub/doc.txt",
		Timestamp: time.Now().UnixNano(),
		Content:   content,
	}); err != nil {
		t.Fatalf("record edit: %v", err)
	}
	created, err := eng.CaptureSnapshot("schema fixture", nil)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if !created {
		t.Fatal("no snapshot created")
	}

	snaps, err := eng.ListSnapshots()
	if err != nil || len(snaps) == 0 {
		t.Fatalf("list snapshots: %v (%d)", err, len(snaps))
	}

	dest := filepath.Join(dir, "export")
	if _, err := eng.ExportSnapshot(snaps[len(snaps)-1].ID, dest); err != nil {
		t.Fatalf("export: %v", err)
	}

	manifestData, err := os.ReadFile(filepath.Join(dest, "manifest.json"))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var instance any
	if err := json.Unmarshal(manifestData, &instance); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if err := schema.Validate(instance); err != nil {
		t.Fatalf("manifest does not match schema: %v", err)
	}
}

func TestSchemaRejectsMalformedManifest(t *testing.T) {
	schema := compileSchema(t, "export-manifest.schema.json")

	cases := map[string]string{
		"missing snapshot_id": `{"timestamp_ns":1,"exported_at":"2026-01-02T03:04:05Z","file_count":0,"files":[]}`,
		"bad hash": `{"snapshot_id":"s","timestamp_ns":1,"exported_at":"2026-01-02T03:04:05Z","file_count":1,
			"files":[{"path":"a.txt","hash":"nothex","size_bytes":3}]}`,
		"negative size": `{"snapshot_id":"s","timestamp_ns":1,"exported_at":"2026-01-02T03:04:05Z","file_count":1,
			"files":[{"path":"a.txt","hash":"` + repeatHex(64) + `","size_bytes":-1}]}`,
		"unknown field": `{"snapshot_id":"s","timestamp_ns":1,"exported_at":"2026-01-02T03:04:05Z","file_count":0,"files":[],"extra":true}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var instance any
			if err := json.Unmarshal([]byte(raw), &instance); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if err := schema.Validate(instance); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

func repeatHex(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 'a'
	}
	return string(buf)
}

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()

	path := filepath.Join(repoRoot(t), "docs", "schema", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(path, bytes.NewReader(data)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(path)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
