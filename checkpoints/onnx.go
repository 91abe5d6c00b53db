package checkpoints

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ONNX export builds the protobuf wire format directly with protowire.
// Only the small subset of onnx.proto the classifier graph needs is
// encoded. Field numbers follow onnx.proto as of opset 13.
const (
	onnxIRVersion   = 7
	onnxOpsetVer    = 13
	onnxElemFloat32 = 1

	attrTypeFloat = 1
	attrTypeInt   = 2
	attrTypeInts  = 7
)

// ExportONNX writes the checkpoint as an ONNX model. The graph mirrors
// the classifier topology; dropout layers are omitted since the export is
// inference only.
func ExportONNX(path string, ckpt *Checkpoint) error {
	data, err := EncodeONNX(ckpt)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing onnx model: %w", err)
	}
	return nil
}

// EncodeONNX serializes the checkpoint to ONNX ModelProto bytes.
func EncodeONNX(ckpt *Checkpoint) ([]byte, error) {
	graph, err := buildGraph(ckpt)
	if err != nil {
		return nil, err
	}

	var m []byte
	m = appendVarintField(m, 1, onnxIRVersion)                    // ir_version
	m = appendStringField(m, 2, "leafnet")                        // producer_name
	m = appendStringField(m, 3, "1")                              // producer_version
	m = appendMessageField(m, 7, graph)                           // graph
	m = appendMessageField(m, 8, encodeOpsetImport(onnxOpsetVer)) // opset_import
	return m, nil
}

func buildGraph(ckpt *Checkpoint) ([]byte, error) {
	weights := make(map[string]*WeightTensor, len(ckpt.Weights))
	for i := range ckpt.Weights {
		weights[ckpt.Weights[i].Name] = &ckpt.Weights[i]
	}
	need := func(name string) (*WeightTensor, error) {
		wt, ok := weights[name]
		if !ok {
			return nil, fmt.Errorf("onnx export: checkpoint is missing tensor %q", name)
		}
		return wt, nil
	}

	var g []byte
	g = appendStringField(g, 2, "leafnet_classifier") // name

	var nodes [][]byte
	addNode := func(opType, name string, inputs, outputs []string, attrs ...[]byte) {
		nodes = append(nodes, encodeNode(opType, name, inputs, outputs, attrs))
	}
	addInit := func(name string) error {
		wt, err := need(name)
		if err != nil {
			return err
		}
		g = appendMessageField(g, 5, encodeTensorProto(wt.Name, wt.Shape, wt.Data))
		return nil
	}
	addBN := func(nodeName, prefix, in, out string) error {
		params := []string{prefix + ".gamma", prefix + ".beta", prefix + ".running_mean", prefix + ".running_var"}
		for _, p := range params {
			if err := addInit(p); err != nil {
				return err
			}
		}
		addNode("BatchNormalization", nodeName,
			append([]string{in}, params...), []string{out},
			encodeAttrFloat("epsilon", 1e-5))
		return nil
	}

	// Backbone stages: Conv -> BatchNormalization -> Relu -> MaxPool.
	prev := "input"
	for i := 1; i <= 3; i++ {
		prefix := fmt.Sprintf("backbone.stage%d", i)
		convW := prefix + ".conv.weight"
		if err := addInit(convW); err != nil {
			return nil, err
		}
		convOut := fmt.Sprintf("stage%d_conv", i)
		addNode("Conv", convOut, []string{prev, convW}, []string{convOut},
			encodeAttrInts("kernel_shape", []int64{3, 3}),
			encodeAttrInts("pads", []int64{1, 1, 1, 1}),
			encodeAttrInts("strides", []int64{1, 1}))

		bnOut := fmt.Sprintf("stage%d_bn", i)
		if err := addBN(bnOut, prefix+".bn", convOut, bnOut); err != nil {
			return nil, err
		}
		reluOut := fmt.Sprintf("stage%d_relu", i)
		addNode("Relu", reluOut, []string{bnOut}, []string{reluOut})

		poolOut := fmt.Sprintf("stage%d_pool", i)
		addNode("MaxPool", poolOut, []string{reluOut}, []string{poolOut},
			encodeAttrInts("kernel_shape", []int64{2, 2}),
			encodeAttrInts("strides", []int64{2, 2}))
		prev = poolOut
	}

	// Dual pooling and head.
	addNode("GlobalMaxPool", "pool_max", []string{prev}, []string{"pool_max"})
	addNode("GlobalAveragePool", "pool_avg", []string{prev}, []string{"pool_avg"})
	addNode("Concat", "pooled", []string{"pool_max", "pool_avg"}, []string{"pooled"},
		encodeAttrInt("axis", 1))
	if err := addBN("pooled_bn", "head.bn_pool", "pooled", "pooled_bn"); err != nil {
		return nil, err
	}
	addNode("Flatten", "flat", []string{"pooled_bn"}, []string{"flat"},
		encodeAttrInt("axis", 1))

	for _, name := range []string{"head.fc1.weight", "head.fc1.bias"} {
		if err := addInit(name); err != nil {
			return nil, err
		}
	}
	addNode("Gemm", "fc1", []string{"flat", "head.fc1.weight", "head.fc1.bias"}, []string{"fc1"})
	addNode("Relu", "fc1_relu", []string{"fc1"}, []string{"fc1_relu"})
	if err := addBN("fc1_bn", "head.bn_hidden", "fc1_relu", "fc1_bn"); err != nil {
		return nil, err
	}
	for _, name := range []string{"head.fc2.weight", "head.fc2.bias"} {
		if err := addInit(name); err != nil {
			return nil, err
		}
	}
	addNode("Gemm", "logits", []string{"fc1_bn", "head.fc2.weight", "head.fc2.bias"}, []string{"logits"})

	for _, n := range nodes {
		g = appendMessageField(g, 1, n)
	}

	size := ckpt.Spec.ImageSize
	g = appendMessageField(g, 11, encodeValueInfo("input",
		[]onnxDim{{param: "N"}, {value: 3}, {value: int64(size)}, {value: int64(size)}}))
	g = appendMessageField(g, 12, encodeValueInfo("logits",
		[]onnxDim{{param: "N"}, {value: int64(ckpt.Spec.NumClasses)}}))
	return g, nil
}

type onnxDim struct {
	param string
	value int64
}

func encodeOpsetImport(version int64) []byte {
	var b []byte
	b = appendStringField(b, 1, "") // default domain
	b = appendVarintField(b, 2, version)
	return b
}

func encodeTensorProto(name string, dims []int, data []float32) []byte {
	var b []byte
	for _, d := range dims {
		b = appendVarintField(b, 1, int64(d))
	}
	b = appendVarintField(b, 2, onnxElemFloat32)
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	b = appendBytesField(b, 9, raw)
	b = appendStringField(b, 8, name)
	return b
}

func encodeNode(opType, name string, inputs, outputs []string, attrs [][]byte) []byte {
	var b []byte
	for _, in := range inputs {
		b = appendStringField(b, 1, in)
	}
	for _, out := range outputs {
		b = appendStringField(b, 2, out)
	}
	b = appendStringField(b, 3, name)
	b = appendStringField(b, 4, opType)
	for _, attr := range attrs {
		b = appendMessageField(b, 5, attr)
	}
	return b
}

func encodeAttrFloat(name string, v float32) []byte {
	var b []byte
	b = appendStringField(b, 1, name)
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(v))
	b = appendVarintField(b, 20, attrTypeFloat)
	return b
}

func encodeAttrInt(name string, v int64) []byte {
	var b []byte
	b = appendStringField(b, 1, name)
	b = appendVarintField(b, 3, v)
	b = appendVarintField(b, 20, attrTypeInt)
	return b
}

func encodeAttrInts(name string, vs []int64) []byte {
	var b []byte
	b = appendStringField(b, 1, name)
	for _, v := range vs {
		b = appendVarintField(b, 8, v)
	}
	b = appendVarintField(b, 20, attrTypeInts)
	return b
}

func encodeValueInfo(name string, dims []onnxDim) []byte {
	var shape []byte
	for _, d := range dims {
		var dim []byte
		if d.param != "" {
			dim = appendStringField(dim, 3, d.param)
		} else {
			dim = appendVarintField(dim, 1, d.value)
		}
		shape = appendMessageField(shape, 1, dim)
	}

	var tensorType []byte
	tensorType = appendVarintField(tensorType, 1, onnxElemFloat32)
	tensorType = appendMessageField(tensorType, 2, shape)

	var typeProto []byte
	typeProto = appendMessageField(typeProto, 1, tensorType)

	var b []byte
	b = appendStringField(b, 1, name)
	b = appendMessageField(b, 2, typeProto)
	return b
}

func appendVarintField(b []byte, field protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, field, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendStringField(b []byte, field protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, field protowire.Number, data []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, data)
}

func appendMessageField(b []byte, field protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
