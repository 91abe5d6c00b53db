package checkpoints

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// scanFields walks the top-level fields of an encoded message.
func scanFields(t *testing.T, data []byte) map[protowire.Number][][]byte {
	t.Helper()
	fields := make(map[protowire.Number][][]byte)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			t.Fatalf("invalid tag at offset %d", len(data))
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				t.Fatalf("invalid varint for field %d", num)
			}
			fields[num] = append(fields[num], protowire.AppendVarint(nil, v))
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				t.Fatalf("invalid bytes for field %d", num)
			}
			fields[num] = append(fields[num], v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				t.Fatalf("invalid field %d of type %d", num, typ)
			}
			data = data[n:]
		}
	}
	return fields
}

func TestEncodeONNXStructure(t *testing.T) {
	_, ckpt := newTestCheckpoint(t)

	data, err := EncodeONNX(ckpt)
	if err != nil {
		t.Fatalf("EncodeONNX failed: %v", err)
	}

	model := scanFields(t, data)
	if got, ok := model[1]; !ok {
		t.Fatal("model has no ir_version field")
	} else if v, _ := protowire.ConsumeVarint(got[0]); v != 7 {
		t.Errorf("ir_version = %d, expected 7", v)
	}
	if _, ok := model[8]; !ok {
		t.Error("model has no opset_import field")
	}
	graphs, ok := model[7]
	if !ok || len(graphs) != 1 {
		t.Fatalf("model should carry exactly one graph, got %d", len(graphs))
	}

	graph := scanFields(t, graphs[0])
	if nodes := graph[1]; len(nodes) == 0 {
		t.Error("graph has no nodes")
	}
	if inits := graph[5]; len(inits) != len(ckpt.Weights) {
		t.Errorf("graph has %d initializers, expected %d", len(graph[5]), len(ckpt.Weights))
	}
	if inputs := graph[11]; len(inputs) != 1 {
		t.Errorf("graph has %d inputs, expected 1", len(graph[11]))
	}
	if outputs := graph[12]; len(outputs) != 1 {
		t.Errorf("graph has %d outputs, expected 1", len(graph[12]))
	}

	// The graph IO uses the fixed tensor names the serving runtime binds.
	if !bytes.Contains(graphs[0], []byte("input")) || !bytes.Contains(graphs[0], []byte("logits")) {
		t.Error(`graph should name its IO "input" and "logits"`)
	}
	for _, op := range []string{"Conv", "BatchNormalization", "Relu", "MaxPool",
		"GlobalMaxPool", "GlobalAveragePool", "Concat", "Flatten", "Gemm"} {
		if !bytes.Contains(graphs[0], []byte(op)) {
			t.Errorf("graph is missing a %s node", op)
		}
	}
}

func TestExportONNXWritesFile(t *testing.T) {
	_, ckpt := newTestCheckpoint(t)

	path := filepath.Join(t.TempDir(), "model.onnx")
	if err := ExportONNX(path, ckpt); err != nil {
		t.Fatalf("ExportONNX failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("exported file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("exported file is empty")
	}
}
